// Package transport provides the two Transport implementations a
// Session needs: an in-process fan-out used by tests and simulations,
// and a gorilla/websocket unicast client used against a live
// facilitator-coordinated pool.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/protocols/snowball"
)

// Network is an in-memory message bus connecting every member of a
// simulated pool, standing in for the facilitator-relayed websocket mesh
// a live deployment uses. Every member registered on the network
// receives a copy of every Broadcast and any Send addressed to it.
type Network struct {
	mtx     sync.Mutex
	members map[string]chan *snowball.Envelope
}

// NewNetwork creates an empty in-memory network for the given
// participant ids, each with its own buffered inbound channel.
func NewNetwork(ids party.List) *Network {
	n := &Network{members: make(map[string]chan *snowball.Envelope, len(ids))}
	for _, id := range ids {
		n.members[string(id.Bytes())] = make(chan *snowball.Envelope, 256)
	}
	return n
}

// Endpoint returns the Transport view of the network for one
// participant: Broadcast fans out to every other registered member, and
// Send delivers to exactly one.
func (n *Network) Endpoint(self party.ID) *MemberTransport {
	return &MemberTransport{net: n, self: self}
}

// Inbox returns the channel a member's session should range over to
// receive inbound envelopes.
func (n *Network) Inbox(id party.ID) <-chan *snowball.Envelope {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.members[string(id.Bytes())]
}

func (n *Network) deliver(to string, env *snowball.Envelope) error {
	n.mtx.Lock()
	ch, ok := n.members[to]
	n.mtx.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown member")
	}
	select {
	case ch <- env:
		return nil
	default:
		return fmt.Errorf("transport: inbox full")
	}
}

// MemberTransport is one participant's view of a Network, implementing
// snowball.Transport.
type MemberTransport struct {
	net  *Network
	self party.ID
}

// Broadcast delivers env to every registered member except self.
func (t *MemberTransport) Broadcast(ctx context.Context, env *snowball.Envelope) error {
	t.net.mtx.Lock()
	keys := make([]string, 0, len(t.net.members))
	for k := range t.net.members {
		keys = append(keys, k)
	}
	t.net.mtx.Unlock()

	selfKey := string(t.self.Bytes())
	for _, k := range keys {
		if k == selfKey {
			continue
		}
		if err := t.net.deliver(k, env); err != nil {
			return err
		}
	}
	return nil
}

// Send delivers env to exactly one member.
func (t *MemberTransport) Send(ctx context.Context, to party.ID, env *snowball.Envelope) error {
	return t.net.deliver(string(to.Bytes()), env)
}
