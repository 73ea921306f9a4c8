// Package agent assembles the bridge, capture, playback and status API
// into one runnable process.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/kataras/golog"

	"github.com/Acbn-Nick/webmumble/internal/api"
	"github.com/Acbn-Nick/webmumble/internal/capture"
	"github.com/Acbn-Nick/webmumble/internal/config"
	"github.com/Acbn-Nick/webmumble/internal/playback"
	"github.com/Acbn-Nick/webmumble/internal/protocol"
	"github.com/Acbn-Nick/webmumble/internal/stats"
	"github.com/Acbn-Nick/webmumble/internal/transport/bridge"
)

var logger = golog.Child("[agent]")

const (
	// sendDrain gives the bridge writer a moment to flush stop and
	// unsubscribe notices before the socket is torn down.
	sendDrain = 200 * time.Millisecond

	shutdownGrace = 5 * time.Second
)

// Agent owns every service of the process and routes traffic between
// them.
type Agent struct {
	cfg      *config.Config
	metrics  *stats.Metrics
	bridge   *bridge.Client
	capture  *capture.Service
	playback *playback.Service
	api      *api.Server
}

// New builds the service graph from a loaded config. A host without a
// usable display still comes up; starting capture fails on demand
// instead of at boot.
func New(cfg *config.Config) *Agent {
	a := &Agent{cfg: cfg, metrics: stats.New()}

	a.bridge = bridge.New(cfg.BridgeOptions(), bridge.Events{
		OnReady:      a.onReady,
		OnVideo:      a.onVideo,
		OnPeerGone:   a.onPeerGone,
		OnDisconnect: a.onDisconnect,
	})

	var source capture.Source
	if src, err := capture.NewScreenSource(cfg.Capture.Display); err != nil {
		logger.Warnf("screen capture unavailable: %v", err)
	} else {
		source = src
	}
	a.capture = capture.New(cfg.CaptureParams(), a.bridge, source, a.metrics)
	a.playback = playback.New(a.bridge, a.metrics)
	a.api = api.NewServer(cfg.API.Addr, a, a.playback, a.bridge, a.metrics.Handler())
	return a
}

// Run brings every service up and blocks until ctx ends, then shuts
// down in dependency order: notices out first, then the socket, then
// the API.
func (a *Agent) Run(ctx context.Context) error {
	a.playback.Start()
	a.api.Start()

	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.bridge.Run(bridgeCtx) }()

	<-ctx.Done()
	logger.Infof("shutting down")

	a.capture.Stop()
	a.playback.Stop()
	time.Sleep(sendDrain)
	cancelBridge()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("api shutdown: %v", err)
	}
	return ctx.Err()
}

// StartCapture begins screen sharing. It refuses until the bridge has
// linked and handed out a session id, because every frame is addressed
// by that id.
func (a *Agent) StartCapture() error {
	st := a.bridge.State()
	if !st.Linked || st.SelfID == "" {
		return errors.New("agent: not linked to the bridge yet")
	}
	return a.capture.Start()
}

// StopCapture ends the local stream.
func (a *Agent) StopCapture() { a.capture.Stop() }

// CaptureStatus reports the local pipeline for the status API.
func (a *Agent) CaptureStatus() capture.Status { return a.capture.Status() }

// onReady runs whenever the bridge learns or changes our identity.
func (a *Agent) onReady(selfID, channelID string) {
	logger.Infof("linked as session %s in channel %s", selfID, channelID)
	a.playback.SetIdentity(selfID, a.cfg.Username)
	if err := a.capture.SetUser(selfID, a.cfg.Username); err == nil {
		return
	}
	if a.capture.Status().UserID == selfID {
		// Channel move with the same session id; the stream carries on.
		return
	}
	// The server handed out a new session id mid-stream. Subscribers
	// hold the old one, so the pipeline restarts under the new id.
	logger.Warnf("session id changed while streaming, restarting capture")
	a.capture.Stop()
	if err := a.capture.SetUser(selfID, a.cfg.Username); err != nil {
		logger.Errorf("identity rebind failed: %v", err)
		return
	}
	if err := a.capture.Start(); err != nil {
		logger.Errorf("capture restart failed: %v", err)
	}
}

// onVideo routes one inbound video message: viewer management goes to
// the capture side, stream traffic to playback.
func (a *Agent) onVideo(senderID, senderName string, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Subscribe:
		a.capture.HandleSubscribe(m)
	case *protocol.Unsubscribe:
		a.capture.HandleUnsubscribe(m)
	default:
		a.playback.Handle(senderID, senderName, msg)
	}
}

// onPeerGone clears the departed peer from both directions: as one of
// our viewers and as a streamer we may be watching.
func (a *Agent) onPeerGone(peerID string) {
	a.capture.RemovePeer(peerID)
	a.playback.RemovePeer(peerID)
}

// onDisconnect stops a running stream: the session died with the
// socket, so its subscribers and its id are gone.
func (a *Agent) onDisconnect(err error) {
	if a.capture.Running() {
		logger.Warnf("bridge lost while streaming, stopping capture")
		a.capture.Stop()
	}
}
