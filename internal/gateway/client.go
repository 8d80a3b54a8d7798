package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/factbot/internal/auth"
	"github.com/p-blackswan/factbot/internal/chat"
	perrors "github.com/p-blackswan/factbot/internal/errors"
	"github.com/p-blackswan/factbot/internal/supervisor"
)

// Config holds gateway client configuration.
type Config struct {
	// URL is the gateway websocket URL, e.g. "ws://localhost:25580/ws".
	URL string

	// ClientName is reported to the gateway during the handshake.
	ClientName string

	// HandshakeTimeout bounds the dial plus the challenge exchange.
	HandshakeTimeout time.Duration

	// SendTimeout is the max wait for a chat.send acknowledgement.
	SendTimeout time.Duration

	// EventBuffer is the initial capacity of the inbound event queue. The
	// queue grows past it so the read loop never stalls on delivery.
	EventBuffer int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:25580/ws",
		ClientName:       "factbot/1.0",
		HandshakeTimeout: 10 * time.Second,
		SendTimeout:      10 * time.Second,
		EventBuffer:      64,
	}
}

// Dialer opens gateway sessions. It implements supervisor.Dialer.
type Dialer struct {
	cfg    Config
	logger zerolog.Logger
}

// NewDialer creates a Dialer. Zero fields fall back to DefaultConfig.
func NewDialer(cfg Config, logger zerolog.Logger) *Dialer {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	return &Dialer{
		cfg:    cfg,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Dial connects to the gateway and logs creds into the game server at
// address. Every failure wraps ErrConnect.
func (d *Dialer) Dial(ctx context.Context, creds auth.Credentials, address string) (supervisor.Session, error) {
	c, err := d.dial(ctx, creds, address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dialer) dial(ctx context.Context, creds auth.Credentials, address string) (*Client, error) {
	d.logger.Info().Str("url", d.cfg.URL).Str("server", address).Msg("connecting to gateway")

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: ws dial failed: %v", perrors.ErrConnect, err)
	}

	c := &Client{
		cfg:     d.cfg,
		logger:  d.logger.With().Str("server", address).Logger(),
		conn:    conn,
		pending: make(map[string]chan frame),
		queue:   make([]chat.Event, 0, d.cfg.EventBuffer),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := c.handshake(ctx, creds, address); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", perrors.ErrConnect, err)
	}

	go c.readLoop()

	c.logger.Info().Str("username", creds.Username).Msg("joined server")
	return c, nil
}

// Client is one gateway session. It implements supervisor.Session.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame // request ID -> response channel
	queue   []chat.Event          // decoded events not yet taken by Next
	termErr error

	notify   chan struct{} // signalled when queue grows
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// handshake reads the challenge and sends the connect request.
func (c *Client) handshake(ctx context.Context, creds auth.Credentials, address string) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}

	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return fmt.Errorf("parsing challenge: %w", err)
	}
	if f.Type != "event" || f.Event != "connect.challenge" {
		return fmt.Errorf("expected connect.challenge, got %s/%s", f.Type, f.Event)
	}

	var challenge challengePayload
	if err := json.Unmarshal(f.Payload, &challenge); err != nil {
		return fmt.Errorf("parsing challenge payload: %w", err)
	}
	c.logger.Debug().Msg("received connect.challenge")

	params, err := json.Marshal(connectParams{
		Protocol:  ProtocolVersion,
		Client:    c.cfg.ClientName,
		Server:    address,
		Username:  creds.Username,
		ProfileID: creds.ProfileID,
		Token:     creds.AccessToken,
		Nonce:     challenge.Nonce,
	})
	if err != nil {
		return fmt.Errorf("marshaling connect params: %w", err)
	}

	reqID := uuid.New().String()
	if err := c.write(frame{Type: "req", ID: reqID, Method: "connect", Params: params}); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	// The response may be preceded by events; skip them.
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading connect response: %w", err)
		}

		var resp frame
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type != "res" || resp.ID != reqID {
			continue
		}
		if resp.OK != nil && *resp.OK {
			return nil
		}
		errMsg := "unknown error"
		if resp.Error != nil {
			errMsg = resp.Error.Message
		}
		return fmt.Errorf("connect rejected: %s", errMsg)
	}
}

// readLoop reads frames, dispatches responses and queues decoded events.
func (c *Client) readLoop() {
	var exitErr error
	defer func() {
		c.mu.Lock()
		c.termErr = exitErr
		// Fail all pending requests
		for id, ch := range c.pending {
			ch <- frame{
				Type:  "res",
				ID:    id,
				Error: &frameError{Code: "DISCONNECTED", Message: "connection lost"},
			}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			exitErr = c.classifyReadError(err)
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn().Err(err).Msg("ws parse error")
			continue
		}

		switch f.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case "event":
			ev := decodeEvent(f, time.Now())
			c.logger.Trace().Str("event", f.Event).Str("kind", ev.Kind.String()).Msg("event received")
			c.enqueue(ev)
		}
	}
}

// enqueue appends ev without blocking, so responses behind a burst of
// events are still read.
func (c *Client) enqueue(ev chat.Event) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (chat.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return chat.Event{}, false
	}
	ev := c.queue[0]
	c.queue[0] = chat.Event{}
	c.queue = c.queue[1:]
	return ev, true
}

func (c *Client) classifyReadError(err error) error {
	select {
	case <-c.stopCh:
		return io.EOF
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info().Err(err).Msg("gateway closed session")
		return io.EOF
	}
	c.logger.Warn().Err(err).Msg("ws read error")
	return fmt.Errorf("%w: %v", perrors.ErrProtocolTermination, err)
}

// Next returns the next inbound event. After the stream ends, queued events
// are still delivered before the terminal error: io.EOF for a clean close,
// ErrProtocolTermination otherwise.
func (c *Client) Next(ctx context.Context) (chat.Event, error) {
	for {
		if ev, ok := c.dequeue(); ok {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return chat.Event{}, ctx.Err()
		case <-c.notify:
		case <-c.done:
			if ev, ok := c.dequeue(); ok {
				return ev, nil
			}
			c.mu.Lock()
			err := c.termErr
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return chat.Event{}, err
		}
	}
}

// Send posts a chat line and waits for the gateway to acknowledge it.
func (c *Client) Send(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: session closed", perrors.ErrProtocolTermination)
	default:
	}

	params, err := json.Marshal(chatSendParams{Message: text})
	if err != nil {
		return fmt.Errorf("marshaling chat.send params: %w", err)
	}

	reqID := uuid.New().String()
	respCh := make(chan frame, 1)
	c.mu.Lock()
	c.pending[reqID] = respCh
	c.mu.Unlock()

	if err := c.write(frame{Type: "req", ID: reqID, Method: "chat.send", Params: params}); err != nil {
		c.forget(reqID)
		return fmt.Errorf("sending chat.send: %w", err)
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return fmt.Errorf("chat.send failed: %s", resp.Error.Message)
		}
		if resp.OK == nil || !*resp.OK {
			return fmt.Errorf("chat.send rejected")
		}
		return nil
	case <-timer.C:
		c.forget(reqID)
		return fmt.Errorf("chat.send: %w", perrors.ErrTimeout)
	case <-c.done:
		c.forget(reqID)
		return fmt.Errorf("%w: session closed while sending", perrors.ErrProtocolTermination)
	case <-ctx.Done():
		c.forget(reqID)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame, releases the socket and waits for the
// read loop to exit. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
