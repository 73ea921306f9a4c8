package transport

import (
	"sync"

	"github.com/Acbn-Nick/webmumble/internal/protocol"
)

// Hub is an in-process transport connecting peers directly. Messages
// pass through the wire codec so every recipient gets its own decoded
// copy, the same as over the real bridge.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]*Peer)}
}

// Join registers a peer under the given id, replacing any previous
// peer with the same id.
func (h *Hub) Join(id, name string) *Peer {
	p := &Peer{hub: h, id: id, name: name}
	h.mu.Lock()
	h.peers[id] = p
	h.mu.Unlock()
	return p
}

// Leave removes a peer. Later direct sends to it surface a peer-gone
// notice to the sender, mirroring the bridge's behavior.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

func (h *Hub) lookup(id string) *Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[id]
}

// Peer is one hub member. It implements Sender.
type Peer struct {
	hub  *Hub
	id   string
	name string

	mu       sync.Mutex
	handler  Handler
	peerGone PeerGoneFunc
}

func (p *Peer) ID() string   { return p.id }
func (p *Peer) Name() string { return p.name }

// OnMessage sets the inbound dispatch callback.
func (p *Peer) OnMessage(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// OnPeerGone sets the callback fired when a direct send hits a missing
// peer.
func (p *Peer) OnPeerGone(f PeerGoneFunc) {
	p.mu.Lock()
	p.peerGone = f
	p.mu.Unlock()
}

// SendToChannel delivers msg to every other hub member.
func (p *Peer) SendToChannel(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	for _, target := range p.hub.snapshot() {
		if target.id == p.id {
			continue
		}
		target.deliver(p.id, p.name, raw)
	}
	return nil
}

// SendDirect delivers msg to each named peer. Missing peers trigger the
// sender's peer-gone callback instead of failing the send.
func (p *Peer) SendDirect(msg protocol.Message, targetIDs ...string) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	for _, id := range targetIDs {
		target := p.hub.lookup(id)
		if target == nil {
			p.notifyGone(id)
			continue
		}
		target.deliver(p.id, p.name, raw)
	}
	return nil
}

func (p *Peer) deliver(senderID, senderName string, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(senderID, senderName, msg)
	}
}

func (p *Peer) notifyGone(id string) {
	p.mu.Lock()
	f := p.peerGone
	p.mu.Unlock()
	if f != nil {
		f(id)
	}
}
