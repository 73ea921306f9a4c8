// Package bridge speaks the websocket protocol of the backend that
// fronts the Mumble server. Video messages ride inside the envelope's
// payload; the backend turns them into channel text messages
// (broadcast) or direct messages (unicast) on the Mumble side.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/kataras/golog"

	"github.com/Acbn-Nick/webmumble/internal/protocol"
)

var logger = golog.Child("[bridge]")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sendQueueDepth   = 64
	handshakeTimeout = 10 * time.Second
	closeGrace       = time.Second
)

var (
	ErrBusy = errors.New("bridge: send queue full")
)

// Envelope is the outer message on the backend socket.
type Envelope struct {
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

type connectPayload struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Insecure bool   `json:"insecure"`
}

type joinChannelPayload struct {
	ChannelID string `json:"channelId"`
}

// videoChannelPayload broadcasts a tunneled message. An empty channel
// id makes the backend use the agent's current channel.
type videoChannelPayload struct {
	Data      jsoniter.RawMessage `json:"data"`
	ChannelID string              `json:"channelId,omitempty"`
}

type videoDirectPayload struct {
	Data      jsoniter.RawMessage `json:"data"`
	TargetIDs []string            `json:"targetIds"`
}

type videoEvent struct {
	Sender   string              `json:"sender"`
	SenderID string              `json:"senderId"`
	Data     jsoniter.RawMessage `json:"data"`
}

type subscriberGoneEvent struct {
	UserID string `json:"userId"`
}

type logEvent struct {
	Text  string `json:"text"`
	Level string `json:"level"`
}

type errorEvent struct {
	Message string `json:"message"`
}

type chatEvent struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type treeUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsSelf    bool   `json:"isSelf"`
	ChannelID string `json:"channelId"`
}

type treeChannel struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Users    []treeUser    `json:"users"`
	Children []treeChannel `json:"children"`
}

// Options configure the bridge connection and the Mumble identity the
// backend connects with.
type Options struct {
	URL          string
	Server       string
	Port         int
	Username     string
	Insecure     bool
	Channel      string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Events receive inbound traffic. Nil callbacks are skipped. All
// callbacks run on the read loop, in receipt order.
type Events struct {
	OnReady      func(selfID, channelID string)
	OnVideo      func(senderID, senderName string, msg protocol.Message)
	OnPeerGone   func(peerID string)
	OnDisconnect func(err error)
}

// State reports the connection for the status API.
type State struct {
	URL       string `json:"url"`
	Linked    bool   `json:"linked"`
	SelfID    string `json:"selfId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// Client keeps one websocket to the backend alive and implements the
// transport sender on top of it. Sends never block the caller: when
// the queue is full the message is dropped with ErrBusy, which is the
// right behavior for frame traffic.
type Client struct {
	opts   Options
	events Events

	mu        sync.Mutex
	selfID    string
	channelID string
	linked    bool

	out chan Envelope
}

// New builds a bridge client. Run must be called to connect.
func New(opts Options, events Events) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 2 * time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	return &Client{
		opts:   opts,
		events: events,
		out:    make(chan Envelope, sendQueueDepth),
	}
}

// Run dials the backend and keeps the connection alive with capped
// exponential backoff until the context ends.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.ReconnectMin
	for {
		started := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.events.OnDisconnect != nil {
			c.events.OnDisconnect(err)
		}
		if time.Since(started) > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMin
		}
		logger.Warnf("bridge connection lost: %v; retrying in %v", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", c.opts.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	logger.Infof("connected to backend at %s", c.opts.URL)

	// The backend expects connect as the first message; it dials the
	// Mumble server on our behalf.
	if err := writeEnvelope(conn, "connect", connectPayload{
		Address:  c.opts.Server,
		Port:     c.opts.Port,
		Username: c.opts.Username,
		Insecure: c.opts.Insecure,
	}); err != nil {
		return fmt.Errorf("bridge: connect handshake: %w", err)
	}

	stop := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			deadline := time.Now().Add(closeGrace)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		})
	}
	defer close(stop)

	// Single writer per connection; gorilla allows only one
	// concurrent data writer.
	writeErr := make(chan error, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case env := <-c.out:
				data, err := json.Marshal(env)
				if err != nil {
					logger.Errorf("marshal %s envelope: %v", env.Type, err)
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					closeConn()
					return
				}
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			// Deliberate teardown: once the writer has parked, ask the
			// backend to drop the Mumble link before closing. The
			// backend runs the same cleanup on bare socket loss, so a
			// failed write here costs nothing.
			<-writerDone
			_ = writeEnvelope(conn, "disconnect", struct{}{})
			closeConn()
		case <-stop:
		}
	}()

	// Each socket is a fresh Mumble link; identity from a previous
	// connection is void once the backend drops us.
	defer func() {
		c.mu.Lock()
		c.linked = false
		c.selfID = ""
		c.channelID = ""
		c.mu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case werr := <-writeErr:
				err = werr
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bridge: read: %w", err)
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warnf("undecodable bridge message: %v", err)
		return
	}
	switch env.Type {
	case "connected":
		c.mu.Lock()
		c.linked = true
		c.mu.Unlock()
		logger.Infof("mumble link established")
		if c.opts.Channel != "" {
			if err := c.enqueue("join_channel", joinChannelPayload{ChannelID: c.opts.Channel}); err != nil {
				logger.Warnf("join channel %s: %v", c.opts.Channel, err)
			}
		}
	case "sync_tree":
		c.handleTree(env.Payload)
	case "video":
		c.handleVideo(env.Payload)
	case "subscriber_gone":
		var ev subscriberGoneEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.UserID == "" {
			return
		}
		logger.Infof("peer %s gone", ev.UserID)
		if c.events.OnPeerGone != nil {
			c.events.OnPeerGone(ev.UserID)
		}
	case "log":
		var ev logEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return
		}
		if ev.Level == "error" {
			logger.Errorf("backend: %s", ev.Text)
		} else {
			logger.Infof("backend: %s", ev.Text)
		}
	case "error":
		var ev errorEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return
		}
		logger.Errorf("backend error: %s", ev.Message)
	case "chat":
		var ev chatEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return
		}
		logger.Debugf("chat from %s: %s", ev.Sender, ev.Message)
	case "audio":
		// Audio tunneling is the browser frontend's concern.
	default:
		logger.Debugf("ignoring bridge message %q", env.Type)
	}
}

func (c *Client) handleTree(payload jsoniter.RawMessage) {
	var root treeChannel
	if err := json.Unmarshal(payload, &root); err != nil {
		logger.Warnf("undecodable channel tree: %v", err)
		return
	}
	self, ok := findSelf(&root)
	if !ok {
		return
	}
	c.mu.Lock()
	changed := c.selfID != self.ID || c.channelID != self.ChannelID
	c.selfID = self.ID
	c.channelID = self.ChannelID
	c.mu.Unlock()
	if !changed {
		return
	}
	logger.Infof("session %s in channel %s", self.ID, self.ChannelID)
	if c.events.OnReady != nil {
		c.events.OnReady(self.ID, self.ChannelID)
	}
}

func (c *Client) handleVideo(payload jsoniter.RawMessage) {
	var ev videoEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		logger.Warnf("undecodable video event: %v", err)
		return
	}
	msg, err := protocol.Decode(ev.Data)
	if err != nil {
		if errors.Is(err, protocol.ErrNotVideo) {
			logger.Debugf("non-video payload from %s", ev.Sender)
		} else {
			logger.Warnf("video payload from %s: %v", ev.Sender, err)
		}
		return
	}
	if c.events.OnVideo != nil {
		c.events.OnVideo(ev.SenderID, ev.Sender, msg)
	}
}

func findSelf(ch *treeChannel) (treeUser, bool) {
	for _, u := range ch.Users {
		if u.IsSelf {
			return u, true
		}
	}
	for i := range ch.Children {
		if u, ok := findSelf(&ch.Children[i]); ok {
			return u, true
		}
	}
	return treeUser{}, false
}

// SendToChannel tunnels a video message to the agent's channel.
func (c *Client) SendToChannel(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue("video_channel", videoChannelPayload{Data: raw})
}

// SendDirect tunnels a video message to specific peers.
func (c *Client) SendDirect(msg protocol.Message, targets ...string) error {
	if len(targets) == 0 {
		return nil
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue("video_direct", videoDirectPayload{Data: raw, TargetIDs: targets})
}

func (c *Client) enqueue(typ string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bridge: marshal %s: %w", typ, err)
	}
	select {
	case c.out <- Envelope{Type: typ, Payload: body}:
		return nil
	default:
		return ErrBusy
	}
}

// State snapshots the connection for the status API.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		URL:       c.opts.URL,
		Linked:    c.linked,
		SelfID:    c.selfID,
		ChannelID: c.channelID,
	}
}

func writeEnvelope(conn *websocket.Conn, typ string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: body})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
