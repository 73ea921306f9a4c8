// Package playback runs the viewing side of the agent: it tracks
// remote streams through their announce/start/stop lifecycle,
// reassembles fragmented keyframes, patches delta tiles onto the
// per-stream surface and sweeps out stale state.
package playback

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sort"
	"sync"
	"time"

	"github.com/kataras/golog"

	"github.com/Acbn-Nick/webmumble/internal/encoder"
	"github.com/Acbn-Nick/webmumble/internal/protocol"
	"github.com/Acbn-Nick/webmumble/internal/raster"
	"github.com/Acbn-Nick/webmumble/internal/stats"
	"github.com/Acbn-Nick/webmumble/internal/transport"
)

var logger = golog.Child("[playback]")

const (
	sweepInterval          = 2 * time.Second
	defaultFragmentTimeout = 5 * time.Second
	defaultLivenessTimeout = 10 * time.Second
	exportJPEGQuality      = 80
)

var (
	ErrUnknownStream = errors.New("playback: unknown stream")
	ErrNoFrame       = errors.New("playback: no frame decoded yet")
	ErrNoIdentity    = errors.New("playback: transport identity not established")
)

// Service owns every remote stream's decode state. Message handlers
// and the sweep mutate it under one lock; tile and keyframe payloads
// decode off-lock and re-check staleness before touching a surface.
type Service struct {
	sender      transport.Sender
	codec       *encoder.Manager
	stats       *stats.Metrics
	broadcaster *Broadcaster

	fragmentTimeout time.Duration
	livenessTimeout time.Duration

	mu       sync.Mutex
	selfID   string
	selfName string
	streams  map[string]*stream
	epochSeq uint64
	running  bool
	quit     chan struct{}

	wg sync.WaitGroup
}

// New wires a playback service to the transport it subscribes through.
func New(sender transport.Sender, st *stats.Metrics) *Service {
	return &Service{
		sender:          sender,
		codec:           encoder.Instance(),
		stats:           st,
		broadcaster:     NewBroadcaster(),
		fragmentTimeout: defaultFragmentTimeout,
		livenessTimeout: defaultLivenessTimeout,
		streams:         make(map[string]*stream),
	}
}

// SetIdentity records the agent's own peer identity once the transport
// assigns it. Messages from that id are ignored afterwards.
func (s *Service) SetIdentity(id, name string) {
	s.mu.Lock()
	s.selfID = id
	s.selfName = name
	s.mu.Unlock()
}

// Broadcaster exposes the live-frame fan-out for API viewers.
func (s *Service) Broadcaster() *Broadcaster { return s.broadcaster }

// Start launches the cleanup sweep.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.quit = make(chan struct{})
	quit := s.quit
	s.mu.Unlock()
	s.wg.Add(1)
	go s.sweepLoop(quit)
}

// Stop cancels the sweep and politely unsubscribes from every stream
// the agent was watching.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit := s.quit
	selfID := s.selfID
	var watched []string
	for uid, st := range s.streams {
		if st.subscribed {
			watched = append(watched, uid)
			st.subscribed = false
		}
	}
	s.mu.Unlock()

	close(quit)
	s.wg.Wait()
	for _, uid := range watched {
		if err := s.sender.SendDirect(protocol.NewUnsubscribe(selfID, uid), uid); err != nil {
			logger.Warnf("unsubscribe from %s failed: %v", uid, err)
		}
	}
}

// Handle routes one inbound video message to its handler. It matches
// the transport dispatch signature.
func (s *Service) Handle(senderID, senderName string, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Announce:
		s.HandleAnnounce(m)
	case *protocol.Start:
		s.HandleStart(m)
	case *protocol.Frame:
		s.HandleFrame(m)
	case *protocol.Stop:
		s.HandleStop(m)
	}
}

// HandleAnnounce records or retracts a discoverable stream.
func (s *Service) HandleAnnounce(m *protocol.Announce) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.UserID == s.selfID {
		return
	}
	if !m.Streaming {
		s.teardownLocked(m.UserID, "retracted by streamer")
		return
	}
	st := s.streams[m.UserID]
	if st == nil {
		st = s.createStreamLocked(m.UserID, m.Username)
		logger.Infof("stream announced by %s (%s)", m.Username, m.UserID)
	}
	st.name = m.Username
	st.lastSeen = time.Now()
}

// HandleStart refreshes a stream entry with the negotiated settings.
// The stream stays announced until the first frame decodes.
func (s *Service) HandleStart(m *protocol.Start) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.UserID == s.selfID {
		return
	}
	st := s.streams[m.UserID]
	if st == nil {
		st = s.createStreamLocked(m.UserID, m.Username)
	}
	st.name = m.Username
	st.fps = m.FPS
	st.quality = m.Quality
	st.lastSeen = time.Now()
	logger.Infof("stream %s confirmed fps=%d quality=%d", m.UserID, m.FPS, m.Quality)
}

// HandleStop drops all state for a stream.
func (s *Service) HandleStop(m *protocol.Stop) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(m.UserID, "stopped by streamer")
}

// RemovePeer discards any stream owned by a peer that left the room.
// Unknown peers are a no-op.
func (s *Service) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(peerID, "peer left the room")
}

// HandleFrame routes a frame message into the reassembly path. Frames
// at or behind the last applied id are dropped before any work.
func (s *Service) HandleFrame(m *protocol.Frame) {
	if m == nil {
		return
	}
	s.mu.Lock()
	if m.UserID == s.selfID {
		s.mu.Unlock()
		return
	}
	st := s.streams[m.UserID]
	if st == nil {
		s.mu.Unlock()
		logger.Debugf("frame from unknown streamer %s dropped", m.UserID)
		return
	}
	if m.FrameID <= st.lastFrameID {
		s.mu.Unlock()
		s.countStale()
		return
	}

	if m.IsKeyframe {
		buf := st.fragments[m.FrameID]
		if buf == nil {
			buf = newFragmentBuffer(m.FragmentCount)
			st.fragments[m.FrameID] = buf
		}
		buf.add(m.FragmentIndex, m.Data)
		if !buf.complete() {
			s.mu.Unlock()
			return
		}
		delete(st.fragments, m.FrameID)
		epoch := st.epoch
		payload, err := buf.assemble()
		s.mu.Unlock()
		if err != nil {
			logger.Warnf("keyframe %d from %s: %v", m.FrameID, m.UserID, err)
			return
		}
		go s.decodeKeyframe(m.UserID, m.FrameID, epoch, payload, m.Width, m.Height)
		return
	}

	if st.surface == nil {
		s.mu.Unlock()
		logger.Debugf("delta %d from %s before first keyframe dropped", m.FrameID, m.UserID)
		return
	}
	if len(m.Tiles) == 0 {
		s.mu.Unlock()
		return
	}
	epoch := st.epoch
	tiles := m.Tiles
	s.mu.Unlock()
	go s.decodeDelta(m.UserID, m.FrameID, epoch, tiles)
}

func (s *Service) decodeKeyframe(streamerID string, frameID, epoch uint64, payload string, width, height int) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.recordDecodeError(streamerID, frameID, err)
		return
	}
	img, err := s.codec.Decode("", data)
	if err != nil {
		s.recordDecodeError(streamerID, frameID, err)
		return
	}

	s.mu.Lock()
	st := s.streams[streamerID]
	if st == nil || st.epoch != epoch || frameID <= st.lastFrameID {
		s.mu.Unlock()
		s.countStale()
		return
	}
	if !st.surface.Matches(width, height) {
		st.surface = raster.NewSurface(width, height)
	}
	st.surface.Replace(img)
	st.lastFrameID = frameID
	for id := range st.fragments {
		if id <= frameID {
			delete(st.fragments, id)
		}
	}
	s.markActiveLocked(st)
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.FramesApplied.WithLabelValues("keyframe").Inc()
	}
	s.export(streamerID, frameID)
}

func (s *Service) decodeDelta(streamerID string, frameID, epoch uint64, tiles []protocol.Tile) {
	type decoded struct {
		x, y int
		img  image.Image
	}
	results := make([]decoded, len(tiles))
	var wg sync.WaitGroup
	for i, tile := range tiles {
		wg.Add(1)
		go func(slot int, t protocol.Tile) {
			defer wg.Done()
			data, err := base64.StdEncoding.DecodeString(t.Data)
			if err != nil {
				s.recordDecodeError(streamerID, frameID, err)
				return
			}
			img, err := s.codec.Decode("", data)
			if err != nil {
				s.recordDecodeError(streamerID, frameID, err)
				return
			}
			results[slot] = decoded{x: t.X, y: t.Y, img: img}
		}(i, tile)
	}
	wg.Wait()

	s.mu.Lock()
	st := s.streams[streamerID]
	if st == nil || st.epoch != epoch || frameID <= st.lastFrameID || st.surface == nil {
		s.mu.Unlock()
		s.countStale()
		return
	}
	applied := 0
	for _, r := range results {
		if r.img != nil {
			st.surface.Blit(r.img, r.x, r.y)
			applied++
		}
	}
	st.lastFrameID = frameID
	if applied == 0 {
		s.mu.Unlock()
		logger.Warnf("delta %d from %s: every tile failed to decode", frameID, streamerID)
		return
	}
	s.markActiveLocked(st)
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.FramesApplied.WithLabelValues("delta").Inc()
	}
	s.export(streamerID, frameID)
}

// Subscribe asks a known streamer to start sending frames here.
// Subscribing to an already-watched stream is a no-op.
func (s *Service) Subscribe(streamerID string) error {
	s.mu.Lock()
	st := s.streams[streamerID]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamerID)
	}
	if s.selfID == "" {
		s.mu.Unlock()
		return ErrNoIdentity
	}
	selfID, selfName := s.selfID, s.selfName
	already := st.subscribed
	st.subscribed = true
	s.mu.Unlock()
	if already {
		return nil
	}
	if err := s.sender.SendDirect(protocol.NewSubscribe(selfID, selfName, streamerID), streamerID); err != nil {
		s.mu.Lock()
		if st := s.streams[streamerID]; st != nil {
			st.subscribed = false
		}
		s.mu.Unlock()
		return err
	}
	logger.Infof("subscribed to stream %s", streamerID)
	return nil
}

// Unsubscribe stops watching a stream. The decoded surface survives
// until the stream itself goes away.
func (s *Service) Unsubscribe(streamerID string) error {
	s.mu.Lock()
	st := s.streams[streamerID]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamerID)
	}
	if !st.subscribed {
		s.mu.Unlock()
		return nil
	}
	st.subscribed = false
	selfID := s.selfID
	s.mu.Unlock()
	if err := s.sender.SendDirect(protocol.NewUnsubscribe(selfID, streamerID), streamerID); err != nil {
		return err
	}
	logger.Infof("unsubscribed from stream %s", streamerID)
	return nil
}

// Streams lists every known remote stream, stable by id.
func (s *Service) Streams() []StreamInfo {
	s.mu.Lock()
	out := make([]StreamInfo, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentFrame encodes the latest decoded surface of a stream as JPEG.
func (s *Service) CurrentFrame(streamerID string) ([]byte, error) {
	s.mu.Lock()
	st := s.streams[streamerID]
	if st == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamerID)
	}
	if st.surface == nil {
		s.mu.Unlock()
		return nil, ErrNoFrame
	}
	snap := st.surface.Snapshot()
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, snap, &jpeg.Options{Quality: exportJPEGQuality}); err != nil {
		return nil, fmt.Errorf("playback: export encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) sweepLoop(quit chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

// sweepOnce drops fragment buffers that never completed and streams
// that went quiet without a stop notice.
func (s *Service) sweepOnce(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []string
	for uid, st := range s.streams {
		for fid, buf := range st.fragments {
			if buf.age(now) > s.fragmentTimeout {
				delete(st.fragments, fid)
				if s.stats != nil {
					s.stats.FragmentsExpired.Inc()
				}
				logger.Debugf("fragments of frame %d from %s expired", fid, uid)
			}
		}
		switch st.state {
		case StateActive:
			if now.Sub(st.lastFrame) > s.livenessTimeout {
				dead = append(dead, uid)
			}
		default:
			if now.Sub(st.lastSeen) > s.livenessTimeout {
				dead = append(dead, uid)
			}
		}
	}
	for _, uid := range dead {
		s.teardownLocked(uid, "liveness timeout")
	}
}

func (s *Service) createStreamLocked(id, name string) *stream {
	s.epochSeq++
	st := &stream{
		id:        id,
		name:      name,
		state:     StateAnnounced,
		epoch:     s.epochSeq,
		lastSeen:  time.Now(),
		fragments: make(map[uint64]*fragmentBuffer),
	}
	s.streams[id] = st
	s.syncGaugesLocked()
	return st
}

func (s *Service) teardownLocked(id, reason string) {
	st := s.streams[id]
	if st == nil {
		return
	}
	delete(s.streams, id)
	s.broadcaster.DropStream(id)
	s.syncGaugesLocked()
	logger.Infof("stream %s (%s) removed: %s", id, st.name, reason)
}

func (s *Service) markActiveLocked(st *stream) {
	now := time.Now()
	st.lastFrame = now
	st.lastSeen = now
	st.framesApplied++
	if st.state != StateActive {
		st.state = StateActive
		s.syncGaugesLocked()
		logger.Infof("stream %s (%s) active", st.id, st.name)
	}
}

// export re-encodes the surface for live viewers. Skipped entirely
// when nobody is watching.
func (s *Service) export(streamerID string, frameID uint64) {
	if s.broadcaster.Listeners(streamerID) == 0 {
		return
	}
	s.mu.Lock()
	st := s.streams[streamerID]
	if st == nil || st.surface == nil {
		s.mu.Unlock()
		return
	}
	snap := st.surface.Snapshot()
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, snap, &jpeg.Options{Quality: exportJPEGQuality}); err != nil {
		logger.Warnf("live export of %s failed: %v", streamerID, err)
		return
	}
	s.broadcaster.Publish(FrameEvent{
		StreamerID: streamerID,
		FrameID:    frameID,
		Width:      snap.Rect.Dx(),
		Height:     snap.Rect.Dy(),
		JPEG:       buf.Bytes(),
	})
}

func (s *Service) recordDecodeError(streamerID string, frameID uint64, err error) {
	if s.stats != nil {
		s.stats.DecodeErrors.Inc()
	}
	logger.Debugf("decode for %s frame %d failed: %v", streamerID, frameID, err)
}

func (s *Service) countStale() {
	if s.stats != nil {
		s.stats.StaleFrames.Inc()
	}
}

func (s *Service) syncGaugesLocked() {
	if s.stats == nil {
		return
	}
	active := 0
	for _, st := range s.streams {
		if st.state == StateActive {
			active++
		}
	}
	s.stats.StreamsKnown.Set(float64(len(s.streams)))
	s.stats.StreamsActive.Set(float64(active))
}
