package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// MaxMessageBytes is the hard cap the tunnel places on one serialized
// message. The chat transport underneath rejects anything bigger, so
// both fragment sizing and the delta fallback decision key off it.
const MaxMessageBytes = 4800

// FragmentChunkChars is how many base64 characters of a keyframe
// payload go into each fragment. Chosen so a fragment message with its
// envelope fields stays under MaxMessageBytes.
const FragmentChunkChars = 4000

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNotVideo    = errors.New("protocol: missing video marker")
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

type probe struct {
	Marker bool `json:"_wm_video"`
	Type   Kind `json:"type"`
}

// Encode serializes a message to its wire form.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// IsVideo reports whether raw carries the video marker. The bridge uses
// it to split video traffic from plain chat without a full decode.
func IsVideo(raw []byte) bool {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Marker
}

// Decode parses raw into the concrete message for its kind. Payloads
// without the video marker return ErrNotVideo so callers can hand them
// back to the chat path.
func Decode(raw []byte) (Message, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	if !p.Marker {
		return nil, ErrNotVideo
	}

	var msg Message
	switch p.Type {
	case KindAnnounce:
		msg = &Announce{}
	case KindSubscribe:
		msg = &Subscribe{}
	case KindUnsubscribe:
		msg = &Unsubscribe{}
	case KindStart:
		msg = &Start{}
	case KindFrame:
		msg = &Frame{}
	case KindStop:
		msg = &Stop{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Type)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", p.Type, err)
	}
	return msg, nil
}

// ChunkString splits s into consecutive pieces of at most size
// characters, preserving order. An empty s yields a single empty chunk
// so callers always emit at least one fragment.
func ChunkString(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	chunks := make([]string, 0, (len(s)+size-1)/size)
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}
