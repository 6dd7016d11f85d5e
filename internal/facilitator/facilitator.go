// Package facilitator implements the minimal untrusted coordination
// surface the core protocol assumes (§4.1, §6): wallets POST a PoolJoin,
// the facilitator groups pending joiners into a session and relays
// every subsequent envelope between the members it announced, without
// ever needing to see inside one. Grounded on the coinjoin engine's gin
// router and websocket hub (internal/api/routes.go,
// internal/api/websocket.go), adapted from a read-only dashboard feed
// into a bidirectional per-session relay.
package facilitator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/protocols/snowball"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pendingJoiner is one wallet waiting in a facilitator's join queue.
type pendingJoiner struct {
	id   party.ID
	join snowball.PoolJoin
}

// Facilitator groups queued joiners into sessions and relays envelopes
// between the connections it has announced together, mirroring the
// coinjoin engine's Hub but keyed per announced pool rather than one
// global broadcast set.
type Facilitator struct {
	mtx     sync.Mutex
	pending []pendingJoiner
	pools   map[string]*relayPool // session token -> pool

	// MinPoolSize is the smallest join queue the facilitator will
	// announce as a session (§4.1 step 4 "facilitator forms a pool once
	// enough wallets have joined").
	MinPoolSize int
}

// New creates a facilitator requiring at least minPoolSize joiners
// before announcing a session.
func New(minPoolSize int) *Facilitator {
	return &Facilitator{
		pools:       make(map[string]*relayPool),
		MinPoolSize: minPoolSize,
	}
}

type relayPool struct {
	mtx   sync.Mutex
	conns map[string]*websocket.Conn
}

// Router builds the gin engine exposing POST /join and the per-session
// websocket relay at /relay/:token. There is no separate announce
// route: the PoolAnnounce and its relay token are returned in the
// response to the /join request that completes a pool.
func (f *Facilitator) Router() *gin.Engine {
	r := gin.Default()
	r.POST("/join", f.handleJoin)
	r.GET("/relay/:token", f.handleRelay)
	return r
}

func (f *Facilitator) handleJoin(c *gin.Context) {
	var body struct {
		NetworkKey []byte `json:"network_key"`
		Join       snowball.PoolJoin
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := party.ID{NetworkKey: body.NetworkKey, Seed: body.Join.Seed}

	f.mtx.Lock()
	f.pending = append(f.pending, pendingJoiner{id: id, join: body.Join})
	var announced *snowball.PoolAnnounce
	var token string
	if len(f.pending) >= f.MinPoolSize {
		announced, token = f.formPoolLocked()
	}
	f.mtx.Unlock()

	if announced == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "announce": announced})
}

// formPoolLocked drains the pending queue into a PoolAnnounce and
// allocates the session's relay token. Caller must hold f.mtx.
func (f *Facilitator) formPoolLocked() (*snowball.PoolAnnounce, string) {
	members := make([]snowball.PoolAnnounceMember, 0, len(f.pending))
	for _, p := range f.pending {
		members = append(members, snowball.PoolAnnounceMember{
			NetworkKey:         p.id.NetworkKey,
			Seed:               p.id.Seed,
			TxInHashes:         p.join.TxInHashes,
			UTXOBodies:         p.join.UTXOBodies,
			OwnershipSignature: p.join.OwnershipSignature,
		})
	}
	f.pending = nil

	// SessionID here is just the announcement's own correlation id; the
	// protocol session id every member actually signs against is derived
	// independently by each wallet's Session.BeginRound from the sorted
	// member list (§4.2 step 2), not dictated by the facilitator.
	var sessionID snowball.SessionID
	token := uuid.New().String()
	f.pools[token] = &relayPool{conns: make(map[string]*websocket.Conn)}
	return &snowball.PoolAnnounce{SessionID: sessionID, Members: members}, token
}

func (f *Facilitator) handleRelay(c *gin.Context) {
	token := c.Param("token")
	f.mtx.Lock()
	pool, ok := f.pools[token]
	f.mtx.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("facilitator: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	pool.mtx.Lock()
	pool.conns[connID] = conn
	pool.mtx.Unlock()
	defer func() {
		pool.mtx.Lock()
		delete(pool.conns, connID)
		pool.mtx.Unlock()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pool.relay(connID, body)
	}
}

func (p *relayPool) relay(from string, body []byte) {
	var frame struct {
		Broadcast bool
		To        []byte
		Envelope  []byte
	}
	if err := cbor.Unmarshal(body, &frame); err != nil {
		return
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	// Every frame, broadcast or unicast, goes to every connection in the
	// pool except the sender's; frame.To is not used for routing.
	for id, conn := range p.conns {
		if id == from {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
			log.Printf("facilitator: relay write failed for %s: %v", id, err)
		}
	}
}

// ClientJoin is the small helper a wallet-side process uses to POST a
// join request, matching what cmd/snowball-cli's join subcommand calls.
func ClientJoin(facilitatorURL string, networkKey []byte, join snowball.PoolJoin) error {
	body, err := json.Marshal(struct {
		NetworkKey []byte `json:"network_key"`
		Join       snowball.PoolJoin
	}{NetworkKey: networkKey, Join: join})
	if err != nil {
		return err
	}
	resp, err := http.Post(facilitatorURL+"/join", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("facilitator: join request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("facilitator: join rejected: %s", resp.Status)
	}
	return nil
}
