// Package capture runs the streaming side of the agent: it samples a
// pixel source on a timer, classifies changed tiles, compresses either
// a delta or a keyframe, and unicasts the result to every subscriber
// through the tunnel.
package capture

import (
	"encoding/base64"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/kataras/golog"

	"github.com/Acbn-Nick/webmumble/internal/encoder"
	"github.com/Acbn-Nick/webmumble/internal/protocol"
	"github.com/Acbn-Nick/webmumble/internal/raster"
	"github.com/Acbn-Nick/webmumble/internal/stats"
	"github.com/Acbn-Nick/webmumble/internal/transport"
)

var logger = golog.Child("[capture]")

const (
	DefaultTileSize         = 32
	DefaultKeyframeInterval = 30
	DefaultDiffThreshold    = 10
	DefaultMaxWidth         = 1280
	DefaultMaxHeight        = 720
	DefaultFPS              = 10
	DefaultQuality          = 55

	announceInterval = 5 * time.Second
	maxCaptureErrors = 10
)

// Params configures one capture run. Zero fields fall back to the
// package defaults.
type Params struct {
	UserID           string
	Username         string
	FPS              int
	Quality          int
	MaxWidth         int
	MaxHeight        int
	TileSize         int
	KeyframeInterval int
	DiffThreshold    int
}

func (p *Params) applyDefaults() {
	if p.FPS <= 0 {
		p.FPS = DefaultFPS
	}
	if p.Quality <= 0 {
		p.Quality = DefaultQuality
	}
	if p.MaxWidth <= 0 {
		p.MaxWidth = DefaultMaxWidth
	}
	if p.MaxHeight <= 0 {
		p.MaxHeight = DefaultMaxHeight
	}
	if p.TileSize <= 0 {
		p.TileSize = DefaultTileSize
	}
	if p.KeyframeInterval <= 0 {
		p.KeyframeInterval = DefaultKeyframeInterval
	}
	if p.DiffThreshold <= 0 {
		p.DiffThreshold = DefaultDiffThreshold
	}
}

// Status is the capture state reported on the status API.
type Status struct {
	Running     bool            `json:"running"`
	UserID      string          `json:"userId"`
	Username    string          `json:"username"`
	FPS         int             `json:"fps"`
	Quality     int             `json:"quality"`
	FrameID     uint64          `json:"frameId"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Subscribers []Subscriber    `json:"subscribers"`
	Metrics     MetricsSnapshot `json:"metrics"`
}

// Service owns the capture pipeline. Frame state is touched only under
// the service lock; the capture, announce and metrics tickers are owned
// by the running instance and die with it.
type Service struct {
	params  Params
	sender  transport.Sender
	source  Source
	codec   *encoder.Manager
	stats   *stats.Metrics
	subs    *subscriberSet
	metrics *pipelineMetrics

	mu            sync.Mutex
	running       bool
	quit          chan struct{}
	prev          *image.RGBA
	frameID       uint64
	sinceKeyframe int
	lastWidth     int
	lastHeight    int
	forceKeyframe bool
	lastReport    MetricsSnapshot

	wg            sync.WaitGroup
	captureErrors int
}

// New wires a capture service to its transport and pixel source.
func New(params Params, sender transport.Sender, source Source, st *stats.Metrics) *Service {
	params.applyDefaults()
	return &Service{
		params:  params,
		sender:  sender,
		source:  source,
		codec:   encoder.Instance(),
		stats:   st,
		subs:    newSubscriberSet(),
		metrics: newPipelineMetrics(),
	}
}

// Running reports whether a capture run is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetUser rebinds the stream identity, typically after the bridge
// reconnects and the server hands out a new session id. Refused while
// a run is active because subscribers hold the old id.
func (s *Service) SetUser(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("capture: cannot change identity while streaming")
	}
	s.params.UserID = id
	if name != "" {
		s.params.Username = name
	}
	return nil
}

// Start announces the stream and begins ticking. Starting a running
// service is a no-op.
func (s *Service) Start() error {
	if s.source == nil {
		return errors.New("capture: no pixel source configured")
	}
	s.mu.Lock()
	if s.params.UserID == "" {
		s.mu.Unlock()
		return errors.New("capture: no session id bound yet")
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.quit = make(chan struct{})
	s.prev = nil
	s.sinceKeyframe = 0
	s.forceKeyframe = false
	quit := s.quit
	s.mu.Unlock()

	s.captureErrors = 0
	s.wg.Add(3)
	go s.captureLoop(quit)
	go s.announceLoop(quit)
	go s.metricsLoop(quit)
	s.announce(true)
	logger.Infof("capture started fps=%d quality=%d max=%dx%d",
		s.params.FPS, s.params.Quality, s.params.MaxWidth, s.params.MaxHeight)
	return nil
}

// Stop cancels every ticker, notifies subscribers, retracts the
// announcement and clears the subscriber set. It is synchronous: when
// it returns no more frames will be emitted.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit := s.quit
	s.mu.Unlock()

	close(quit)
	s.wg.Wait()

	targets := s.subs.clear()
	if len(targets) > 0 {
		if err := s.sender.SendDirect(protocol.NewStop(s.params.UserID), targets...); err != nil {
			logger.Warnf("stop notice failed: %v", err)
		}
	}
	s.announce(false)
	if closer, ok := s.source.(io.Closer); ok {
		closer.Close()
	}
	s.mu.Lock()
	s.prev = nil
	s.mu.Unlock()
	s.syncSubscriberGauge()
	logger.Infof("capture stopped, notified %d subscribers", len(targets))
}

// HandleSubscribe admits a viewer and replies with the negotiated
// settings. Duplicate subscriptions are idempotent: the set does not
// grow and no second start notice is sent.
func (s *Service) HandleSubscribe(msg *protocol.Subscribe) {
	if msg == nil || msg.StreamerID != s.params.UserID {
		return
	}
	if !s.Running() {
		logger.Debugf("subscribe from %s ignored, capture not running", msg.SubscriberID)
		return
	}
	if !s.subs.add(msg.SubscriberID, msg.SubscriberName) {
		return
	}
	s.mu.Lock()
	s.forceKeyframe = true
	s.mu.Unlock()
	start := protocol.NewStart(s.params.UserID, s.params.Username, s.params.FPS, s.params.Quality)
	if err := s.sender.SendDirect(start, msg.SubscriberID); err != nil {
		logger.Warnf("start notice to %s failed: %v", msg.SubscriberID, err)
	}
	s.syncSubscriberGauge()
	logger.Infof("subscriber %s (%s) joined, %d total", msg.SubscriberID, msg.SubscriberName, s.subs.count())
}

// HandleUnsubscribe drops a viewer. Unknown ids are ignored.
func (s *Service) HandleUnsubscribe(msg *protocol.Unsubscribe) {
	if msg == nil || msg.StreamerID != s.params.UserID {
		return
	}
	if s.subs.remove(msg.SubscriberID) {
		s.syncSubscriberGauge()
		logger.Infof("subscriber %s left, %d total", msg.SubscriberID, s.subs.count())
	}
}

// RemovePeer drops a viewer on a transport peer-gone notice.
func (s *Service) RemovePeer(peerID string) {
	if s.subs.remove(peerID) {
		s.syncSubscriberGauge()
		logger.Infof("subscriber %s gone, %d total", peerID, s.subs.count())
	}
}

// Status reports the current capture state.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:  s.running,
		UserID:   s.params.UserID,
		Username: s.params.Username,
		FPS:      s.params.FPS,
		Quality:  s.params.Quality,
		FrameID:  s.frameID,
		Width:    s.lastWidth,
		Height:   s.lastHeight,
		Metrics:  s.lastReport,
	}
	s.mu.Unlock()
	st.Subscribers = s.subs.list()
	return st
}

func (s *Service) captureLoop(quit chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(s.params.FPS))
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if fatal := s.tick(); fatal {
				go s.Stop()
				return
			}
		}
	}
}

func (s *Service) announceLoop(quit chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			s.announce(true)
		}
	}
}

func (s *Service) metricsLoop(quit chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			shot, ok := s.metrics.snapshot()
			if !ok {
				continue
			}
			s.mu.Lock()
			s.lastReport = shot
			s.mu.Unlock()
			logger.Debugf("interval %v: %d frames (%d key, %d delta), %d tiles, %d bytes, %d errors",
				shot.Interval.Round(time.Millisecond), shot.Frames, shot.Keyframes,
				shot.Deltas, shot.Tiles, shot.Bytes, shot.EncoderErrors)
		}
	}
}

// tick runs one capture pass. It reports true when capture failures
// are persistent enough that the stream should shut down.
func (s *Service) tick() bool {
	if s.subs.count() == 0 {
		return false
	}
	img, err := s.source.Capture()
	if err != nil {
		s.metrics.recordError(err)
		if s.stats != nil {
			s.stats.EncodeErrors.Inc()
		}
		s.captureErrors++
		if s.captureErrors > maxCaptureErrors {
			logger.Warnf("capture failing persistently, stopping stream: %v", err)
			return true
		}
		logger.Debugf("capture failed: %v", err)
		return false
	}
	s.captureErrors = 0
	s.encodeFrame(raster.Scale(img, s.params.MaxWidth, s.params.MaxHeight))
	return false
}

func (s *Service) encodeFrame(frame *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()

	width := frame.Rect.Dx()
	height := frame.Rect.Dy()
	force := s.forceKeyframe || s.prev == nil ||
		width != s.lastWidth || height != s.lastHeight ||
		s.sinceKeyframe >= s.params.KeyframeInterval
	if !force {
		sent, fallback := s.sendDelta(frame, width, height)
		switch {
		case fallback:
			force = true
			s.metrics.recordFallback()
			if s.stats != nil {
				s.stats.KeyframeFallbacks.Inc()
			}
		case !sent:
			s.metrics.recordSuppressed()
			if s.stats != nil {
				s.stats.FramesSuppressed.Inc()
			}
		}
	}
	if force {
		s.sendKeyframe(frame, width, height)
	}
	// Diffing always runs against the previous captured frame, sent or
	// not, so slow fades cannot hide below the threshold forever.
	s.prev = frame
	s.lastWidth = width
	s.lastHeight = height
}

// sendDelta attempts the delta path. fallback means the frame must go
// out as a keyframe instead; !sent && !fallback means nothing changed.
func (s *Service) sendDelta(frame *image.RGBA, width, height int) (sent, fallback bool) {
	grid := raster.Grid(frame.Rect, s.params.TileSize)
	changed := ChangedTiles(frame, s.prev, grid, s.params.DiffThreshold)
	if len(changed) == 0 {
		return false, false
	}
	if len(changed)*2 > len(grid) {
		return false, true
	}
	tiles := make([]protocol.Tile, 0, len(changed))
	for _, rect := range changed {
		data, err := s.codec.Encode(encoder.Request{Rect: rect, Frame: frame, Quality: s.params.Quality})
		if err != nil {
			s.metrics.recordError(err)
			if s.stats != nil {
				s.stats.EncodeErrors.Inc()
			}
			logger.Debugf("tile %v encode failed: %v", rect, err)
			continue
		}
		tiles = append(tiles, protocol.Tile{
			X:    rect.Min.X,
			Y:    rect.Min.Y,
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}
	if len(tiles) == 0 {
		return false, false
	}
	msg := protocol.NewDeltaFrame(s.params.UserID, s.frameID+1, tiles, width, height)
	raw, err := protocol.Encode(msg)
	if err != nil {
		s.metrics.recordError(err)
		logger.Warnf("delta encode failed: %v", err)
		return false, false
	}
	if len(raw) > protocol.MaxMessageBytes {
		return false, true
	}
	s.frameID++
	s.sinceKeyframe++
	s.unicast(msg)
	s.metrics.recordDelta(len(raw), len(tiles))
	if s.stats != nil {
		s.stats.FramesEncoded.WithLabelValues("delta").Inc()
		s.stats.FragmentsSent.Inc()
		s.stats.BytesSent.Add(float64(len(raw)))
	}
	return true, false
}

func (s *Service) sendKeyframe(frame *image.RGBA, width, height int) {
	data, err := s.codec.Encode(encoder.Request{Rect: frame.Rect, Frame: frame, Quality: s.params.Quality})
	if err != nil {
		s.metrics.recordError(err)
		if s.stats != nil {
			s.stats.EncodeErrors.Inc()
		}
		logger.Warnf("keyframe encode failed: %v", err)
		return
	}
	chunks := protocol.ChunkString(base64.StdEncoding.EncodeToString(data), protocol.FragmentChunkChars)
	s.frameID++
	total := 0
	for i, chunk := range chunks {
		s.unicast(protocol.NewKeyframeFragment(s.params.UserID, s.frameID, i, len(chunks), chunk, width, height))
		total += len(chunk)
	}
	s.sinceKeyframe = 0
	s.forceKeyframe = false
	s.metrics.recordKeyframe(total, len(chunks))
	if s.stats != nil {
		s.stats.FramesEncoded.WithLabelValues("keyframe").Inc()
		s.stats.FragmentsSent.Add(float64(len(chunks)))
		s.stats.BytesSent.Add(float64(total))
	}
}

func (s *Service) unicast(msg protocol.Message) {
	targets := s.subs.ids()
	if len(targets) == 0 {
		return
	}
	if err := s.sender.SendDirect(msg, targets...); err != nil {
		logger.Warnf("send %s failed: %v", msg.Kind(), err)
	}
}

func (s *Service) announce(streaming bool) {
	ann := protocol.NewAnnounce(s.params.UserID, s.params.Username, streaming)
	if err := s.sender.SendToChannel(ann); err != nil {
		logger.Warnf("announce failed: %v", err)
	}
}

func (s *Service) syncSubscriberGauge() {
	if s.stats != nil {
		s.stats.Subscribers.Set(float64(s.subs.count()))
	}
}
