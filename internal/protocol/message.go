// Package protocol defines the video subprotocol tunneled through the
// bridge's chat transport. Every message is a flat JSON object tagged
// with the `_wm_video` marker so the chat path can route it without
// understanding video semantics.
package protocol

import "time"

// Kind discriminates the six video message types.
type Kind string

const (
	KindAnnounce    Kind = "video_announce"
	KindSubscribe   Kind = "video_subscribe"
	KindUnsubscribe Kind = "video_unsubscribe"
	KindStart       Kind = "video_start"
	KindFrame       Kind = "video_frame"
	KindStop        Kind = "video_stop"
)

// Message is implemented by all six wire shapes.
type Message interface {
	Kind() Kind
}

// Header carries the marker flag, discriminator and send time shared by
// every video message.
type Header struct {
	Marker    bool  `json:"_wm_video"`
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// Kind returns the discriminator, satisfying Message for every shape
// that embeds Header.
func (h Header) Kind() Kind { return h.Type }

func newHeader(k Kind) Header {
	return Header{Marker: true, Type: k, Timestamp: time.Now().UnixMilli()}
}

// Announce is broadcast to the channel when a peer starts or stops
// streaming. Streaming false tells viewers to tear the stream down.
type Announce struct {
	Header
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Streaming bool   `json:"streaming"`
}

// Subscribe is unicast from a viewer to a streamer to begin receiving
// frames.
type Subscribe struct {
	Header
	SubscriberID   string `json:"subscriberId"`
	SubscriberName string `json:"subscriberName"`
	StreamerID     string `json:"streamerId"`
}

// Unsubscribe is unicast from a viewer to a streamer to stop receiving
// frames.
type Unsubscribe struct {
	Header
	SubscriberID string `json:"subscriberId"`
	StreamerID   string `json:"streamerId"`
}

// Start is the streamer's unicast reply to a new subscriber, carrying
// the negotiated capture settings.
type Start struct {
	Header
	UserID   string `json:"userId"`
	Username string `json:"username"`
	FPS      int    `json:"fps"`
	Quality  int    `json:"quality"`
}

// Frame carries one keyframe fragment or one complete delta. Keyframes
// put a base64 chunk in Data; deltas leave Data empty and list changed
// tiles instead.
type Frame struct {
	Header
	UserID        string `json:"userId"`
	FrameID       uint64 `json:"frameId"`
	FragmentIndex int    `json:"fragmentIndex"`
	FragmentCount int    `json:"fragmentCount"`
	Data          string `json:"data"`
	IsKeyframe    bool   `json:"isKeyframe"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Tiles         []Tile `json:"tiles,omitempty"`
}

// Tile is one changed cell of a delta frame. Data holds a compressed
// image blob covering exactly the tile rectangle, base64 encoded.
type Tile struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Data string `json:"data"`
}

// Stop is unicast to each subscriber when the streamer stops capturing.
type Stop struct {
	Header
	UserID string `json:"userId"`
}

// NewAnnounce builds a channel announcement for the given peer.
func NewAnnounce(userID, username string, streaming bool) *Announce {
	return &Announce{
		Header:    newHeader(KindAnnounce),
		UserID:    userID,
		Username:  username,
		Streaming: streaming,
	}
}

// NewSubscribe builds a subscription request directed at streamerID.
func NewSubscribe(subscriberID, subscriberName, streamerID string) *Subscribe {
	return &Subscribe{
		Header:         newHeader(KindSubscribe),
		SubscriberID:   subscriberID,
		SubscriberName: subscriberName,
		StreamerID:     streamerID,
	}
}

// NewUnsubscribe builds an unsubscribe request directed at streamerID.
func NewUnsubscribe(subscriberID, streamerID string) *Unsubscribe {
	return &Unsubscribe{
		Header:       newHeader(KindUnsubscribe),
		SubscriberID: subscriberID,
		StreamerID:   streamerID,
	}
}

// NewStart builds the reply confirming a subscription.
func NewStart(userID, username string, fps, quality int) *Start {
	return &Start{
		Header:   newHeader(KindStart),
		UserID:   userID,
		Username: username,
		FPS:      fps,
		Quality:  quality,
	}
}

// NewKeyframeFragment builds fragment index of a fragmented keyframe.
func NewKeyframeFragment(userID string, frameID uint64, index, count int, chunk string, width, height int) *Frame {
	return &Frame{
		Header:        newHeader(KindFrame),
		UserID:        userID,
		FrameID:       frameID,
		FragmentIndex: index,
		FragmentCount: count,
		Data:          chunk,
		IsKeyframe:    true,
		Width:         width,
		Height:        height,
	}
}

// NewDeltaFrame builds an unfragmented delta carrying changed tiles.
func NewDeltaFrame(userID string, frameID uint64, tiles []Tile, width, height int) *Frame {
	return &Frame{
		Header:        newHeader(KindFrame),
		UserID:        userID,
		FrameID:       frameID,
		FragmentIndex: 0,
		FragmentCount: 1,
		IsKeyframe:    false,
		Width:         width,
		Height:        height,
		Tiles:         tiles,
	}
}

// NewStop builds the per-subscriber stop notice.
func NewStop(userID string) *Stop {
	return &Stop{Header: newHeader(KindStop), UserID: userID}
}
