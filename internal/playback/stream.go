package playback

import (
	"time"

	"github.com/Acbn-Nick/webmumble/internal/raster"
)

// StreamState tracks a remote stream through its lifecycle. Unknown
// streams have no entry at all.
type StreamState string

const (
	// StateAnnounced means the streamer is discoverable but no frame
	// has been decoded yet.
	StateAnnounced StreamState = "announced"
	// StateActive means at least one frame reached the surface.
	StateActive StreamState = "active"
)

// stream is the per-streamer decode state. All fields are guarded by
// the service lock; epoch uniquely identifies this incarnation so
// decode callbacks from a torn-down stream can never touch a newer one.
type stream struct {
	id      string
	name    string
	state   StreamState
	epoch   uint64
	fps     int
	quality int

	subscribed    bool
	surface       *raster.Surface
	lastFrameID   uint64
	lastSeen      time.Time
	lastFrame     time.Time
	fragments     map[uint64]*fragmentBuffer
	framesApplied uint64
}

// StreamInfo is the API-facing snapshot of one remote stream.
type StreamInfo struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	State         StreamState `json:"state"`
	Subscribed    bool        `json:"subscribed"`
	FPS           int         `json:"fps,omitempty"`
	Quality       int         `json:"quality,omitempty"`
	Width         int         `json:"width,omitempty"`
	Height        int         `json:"height,omitempty"`
	LastFrameID   uint64      `json:"lastFrameId"`
	FramesApplied uint64      `json:"framesApplied"`
	LastSeen      time.Time   `json:"lastSeen"`
	LastFrame     time.Time   `json:"lastFrame,omitempty"`
}

func (st *stream) info() StreamInfo {
	info := StreamInfo{
		ID:            st.id,
		Name:          st.name,
		State:         st.state,
		Subscribed:    st.subscribed,
		FPS:           st.fps,
		Quality:       st.quality,
		LastFrameID:   st.lastFrameID,
		FramesApplied: st.framesApplied,
		LastSeen:      st.lastSeen,
	}
	if !st.lastFrame.IsZero() {
		info.LastFrame = st.lastFrame
	}
	if st.surface != nil {
		info.Width = st.surface.Width()
		info.Height = st.surface.Height()
	}
	return info
}
