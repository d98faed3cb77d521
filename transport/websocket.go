/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/callkit-go/sigcore"
)

// WebSocketConfig holds the configuration for the websocket channel.
type WebSocketConfig struct {
	// URL is the websocket endpoint (wss://...).
	URL string

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	// PingInterval is the interval between keepalive pings.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong before declaring the
	// connection dead.
	PongTimeout time.Duration

	// BackoffBase is the initial reconnect delay.
	BackoffBase time.Duration

	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration
}

// DefaultWebSocketConfig returns the default websocket channel configuration.
func DefaultWebSocketConfig(url string) *WebSocketConfig {
	return &WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		BackoffBase:      1 * time.Second,
		BackoffMax:       32 * time.Second,
	}
}

// WebSocketChannel is the primary signaling channel: a persistent
// bidirectional websocket that reconnects automatically with exponential
// backoff.
type WebSocketChannel struct {
	core   *sigcore.Client
	config *WebSocketConfig
	log    *logrus.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ChannelState
	handler      Handler
	stateHandler StateHandler
	closeCh      chan struct{}
	closeOnce    sync.Once
}

// NewWebSocketChannel creates the websocket channel. The core client
// supplies credentials for the dial handshake.
func NewWebSocketChannel(core *sigcore.Client, config *WebSocketConfig) *WebSocketChannel {
	if config == nil {
		config = DefaultWebSocketConfig("")
	}
	return &WebSocketChannel{
		core:    core,
		config:  config,
		log:     core.Logger(),
		state:   ChannelDisconnected,
		closeCh: make(chan struct{}),
	}
}

// Name implements Channel.
func (c *WebSocketChannel) Name() string { return "websocket" }

// SetHandler implements Channel.
func (c *WebSocketChannel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetStateHandler implements Channel.
func (c *WebSocketChannel) SetStateHandler(h StateHandler) {
	c.mu.Lock()
	c.stateHandler = h
	c.mu.Unlock()
}

// State implements Channel.
func (c *WebSocketChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start implements Channel. The connection loop runs until ctx is cancelled
// or Close is called.
func (c *WebSocketChannel) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close implements Channel.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by client"))
		return conn.Close()
	}
	return nil
}

// Send implements Channel.
func (c *WebSocketChannel) Send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// run is the connect/read/reconnect loop.
func (c *WebSocketChannel) run(ctx context.Context) {
	backoff := c.config.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		c.setState(ChannelConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(ChannelDisconnected)
			c.log.WithFields(logrus.Fields{
				"channel": c.Name(),
				"backoff": backoff,
			}).WithError(err).Warn("websocket connect failed")

			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
			continue
		}

		backoff = c.config.BackoffBase
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(ChannelConnected)
		c.log.WithField("channel", c.Name()).Info("websocket connected")

		pingDone := make(chan struct{})
		go c.pingLoop(conn, pingDone)
		c.readLoop(conn)
		close(pingDone)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(ChannelDisconnected)
	}
}

// dial establishes one websocket connection with the bearer credential
// attached to the handshake.
func (c *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.config.URL == "" {
		return nil, fmt.Errorf("websocket URL not configured")
	}

	header, err := c.core.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})
	return conn, nil
}

// readLoop consumes envelopes until the connection fails.
func (c *WebSocketChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				c.log.WithField("channel", c.Name()).WithError(err).Warn("websocket read failed")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.WithField("channel", c.Name()).WithError(err).Debug("dropping unparseable frame")
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(&env)
		}
	}
}

// pingLoop keeps the connection alive. A missed pong trips the read
// deadline, which fails the read loop and triggers reconnection.
func (c *WebSocketChannel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte(fmt.Sprintf("%d", time.Now().UnixMilli()))); err != nil {
				return
			}
		case <-done:
			return
		case <-c.closeCh:
			return
		}
	}
}

func (c *WebSocketChannel) setState(s ChannelState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handler := c.stateHandler
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}
