// Package transport defines the narrow message channel the video
// pipeline tunnels through. The real implementation is the websocket
// bridge; an in-memory hub covers tests and loopback runs.
package transport

import "github.com/Acbn-Nick/webmumble/internal/protocol"

// Sender is the outbound half of the tunnel. Channel sends reach every
// peer in the channel except the sender; direct sends reach only the
// named peers. Neither guarantees ordering across targets.
type Sender interface {
	SendToChannel(msg protocol.Message) error
	SendDirect(msg protocol.Message, targetIDs ...string) error
}

// Handler receives one inbound video message together with the sending
// peer's identity. Dispatch is synchronous per connection; handlers
// must tolerate reordering across peers and duplicate delivery.
type Handler func(senderID, senderName string, msg protocol.Message)

// PeerGoneFunc is called when the transport learns a peer is
// unreachable, typically from a failed direct send.
type PeerGoneFunc func(peerID string)
