package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/protocols/snowball"
)

// WebsocketTransport relays envelopes to and from a facilitator's relay
// endpoint over a single persistent connection, grounded on the
// reconnect-and-fan-out Hub pattern used for the dashboard feed in the
// coinjoin engine's websocket handler, but running client-side: one
// session dials out, one goroutine pumps inbound frames onto a channel,
// and writes are serialized behind a mutex.
type WebsocketTransport struct {
	conn *websocket.Conn
	self party.ID

	mtx     sync.Mutex
	inbound chan *snowball.Envelope
	closed  chan struct{}
}

// DialFacilitator opens a websocket connection to a facilitator's relay
// endpoint and registers self as the connection's identity.
func DialFacilitator(ctx context.Context, endpoint string, self party.ID) (*WebsocketTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: bad facilitator url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial facilitator: %w", err)
	}
	t := &WebsocketTransport{
		conn:    conn,
		self:    self,
		inbound: make(chan *snowball.Envelope, 256),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebsocketTransport) readLoop() {
	defer close(t.inbound)
	for {
		_, body, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame relayFrame
		if err := cbor.Unmarshal(body, &frame); err != nil {
			continue
		}
		env, err := snowball.UnmarshalEnvelope(frame.Envelope)
		if err != nil {
			continue
		}
		select {
		case t.inbound <- env:
		case <-t.closed:
			return
		}
	}
}

// Inbox returns the channel of envelopes relayed to this connection.
func (t *WebsocketTransport) Inbox() <-chan *snowball.Envelope {
	return t.inbound
}

// relayFrame is the wire wrapper the facilitator's relay expects: an
// envelope plus an explicit unicast destination, or an empty
// destination for broadcast (§6 "transport framing"). The facilitator's
// relay forwards every frame to all other connections in the pool and
// does not route on To.
type relayFrame struct {
	Broadcast bool
	To        []byte
	Envelope  []byte
}

func (t *WebsocketTransport) writeFrame(to []byte, broadcast bool, env *snowball.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	frame, err := cbor.Marshal(relayFrame{Broadcast: broadcast, To: to, Envelope: body})
	if err != nil {
		return fmt.Errorf("transport: encode relay frame: %w", err)
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Broadcast relays env to every other live participant via the
// facilitator.
func (t *WebsocketTransport) Broadcast(ctx context.Context, env *snowball.Envelope) error {
	return t.writeFrame(nil, true, env)
}

// Send hands env to the facilitator tagged with to's identity. The
// facilitator's relay does not route on that destination: like a
// broadcast, the frame reaches every other connection in the pool.
func (t *WebsocketTransport) Send(ctx context.Context, to party.ID, env *snowball.Envelope) error {
	return t.writeFrame(to.Bytes(), false, env)
}

// Close tears down the underlying connection.
func (t *WebsocketTransport) Close() error {
	close(t.closed)
	return t.conn.Close()
}

var _ io.Closer = (*WebsocketTransport)(nil)
