// Package api serves the local HTTP surface: agent status, the remote
// stream directory with frame exports and a live websocket feed, and
// the capture controls.
package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kataras/golog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Acbn-Nick/webmumble/internal/capture"
	"github.com/Acbn-Nick/webmumble/internal/encoder"
	"github.com/Acbn-Nick/webmumble/internal/playback"
	"github.com/Acbn-Nick/webmumble/internal/transport/bridge"
)

var logger = golog.Child("[api]")

const liveBuffer = 8

// CaptureController drives the outbound pipeline.
type CaptureController interface {
	StartCapture() error
	StopCapture()
	CaptureStatus() capture.Status
}

// StreamDirectory reads and subscribes to remote streams.
type StreamDirectory interface {
	Streams() []playback.StreamInfo
	CurrentFrame(streamerID string) ([]byte, error)
	Subscribe(streamerID string) error
	Unsubscribe(streamerID string) error
	Broadcaster() *playback.Broadcaster
}

// BridgeInfo reports the backend connection.
type BridgeInfo interface {
	State() bridge.State
}

// Server is the gin front of the agent.
type Server struct {
	router   *gin.Engine
	addr     string
	capture  CaptureController
	streams  StreamDirectory
	bridge   BridgeInfo
	metrics  http.Handler
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewServer builds the router. Start serves it; the router is also
// reachable directly for tests.
func NewServer(addr string, ctrl CaptureController, streams StreamDirectory, br BridgeInfo, metrics http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		addr:    addr,
		capture: ctrl,
		streams: streams,
		bridge:  br,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // viewer pages are served from the bridge, not this API
			},
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/streams", s.handleStreams)
		api.GET("/streams/:id/frame", s.handleFrame)
		api.GET("/streams/:id/live", s.handleLive)
		api.POST("/streams/:id/subscribe", s.handleSubscribe)
		api.POST("/streams/:id/unsubscribe", s.handleUnsubscribe)

		cc := api.Group("/capture")
		{
			cc.POST("/start", s.handleCaptureStart)
			cc.POST("/stop", s.handleCaptureStop)
			cc.GET("/presets", s.handlePresets)
			cc.GET("/displays", s.handleDisplays)
			cc.GET("/codecs", s.handleCodecs)
		}
	}
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.router}
	go func() {
		logger.Infof("listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server: %v", err)
		}
	}()
}

// Shutdown stops accepting connections and drains active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"bridge":  s.bridge.State(),
		"capture": s.capture.CaptureStatus(),
		"host":    hostStatus(),
	})
}

func hostStatus() gin.H {
	out := gin.H{"goroutines": runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpuPercent"] = math.Round(percents[0]*100) / 100
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memPercent"] = math.Round(vm.UsedPercent*100) / 100
	}
	return out
}

func (s *Server) handleStreams(ctx *gin.Context) {
	streams := s.streams.Streams()
	if streams == nil {
		streams = []playback.StreamInfo{}
	}
	ctx.JSON(http.StatusOK, streams)
}

func (s *Server) handleFrame(ctx *gin.Context) {
	data, err := s.streams.CurrentFrame(ctx.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, playback.ErrUnknownStream) || errors.Is(err, playback.ErrNoFrame) {
			status = http.StatusNotFound
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}
	ctx.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleSubscribe(ctx *gin.Context) {
	if err := s.streams.Subscribe(ctx.Param("id")); err != nil {
		ctx.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"subscribed": true})
}

func (s *Server) handleUnsubscribe(ctx *gin.Context) {
	if err := s.streams.Unsubscribe(ctx.Param("id")); err != nil {
		ctx.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"subscribed": false})
}

func subscribeStatus(err error) int {
	switch {
	case errors.Is(err, playback.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, playback.ErrNoIdentity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleLive upgrades to a websocket and pushes one binary JPEG per
// applied frame. A viewer that cannot keep up skips frames rather than
// stalling the decode path.
func (s *Server) handleLive(ctx *gin.Context) {
	id := ctx.Param("id")
	known := false
	for _, st := range s.streams.Streams() {
		if st.ID == id {
			known = true
			break
		}
	}
	if !known {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "unknown stream"})
		return
	}

	conn, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	viewerID := uuid.NewString()
	events := s.streams.Broadcaster().Subscribe(id, viewerID, liveBuffer)
	defer s.streams.Broadcaster().Unsubscribe(id, viewerID)
	logger.Debugf("live viewer %s attached to stream %s", viewerID, id)

	// Reads only serve to notice the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"), deadline)
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, evt.JPEG); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) handleCaptureStart(ctx *gin.Context) {
	if err := s.capture.StartCapture(); err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, s.capture.CaptureStatus())
}

func (s *Server) handleCaptureStop(ctx *gin.Context) {
	s.capture.StopCapture()
	ctx.JSON(http.StatusOK, s.capture.CaptureStatus())
}

func (s *Server) handlePresets(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, capture.Presets())
}

func (s *Server) handleDisplays(ctx *gin.Context) {
	displays := capture.Displays()
	if displays == nil {
		displays = []capture.DisplayInfo{}
	}
	ctx.JSON(http.StatusOK, displays)
}

func (s *Server) handleCodecs(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, encoder.Instance().Capabilities())
}
