/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshtalk/callkit-go/sigcore"
)

// StreamConfig holds the configuration for the server-push stream channel.
type StreamConfig struct {
	// Path is the event-stream endpoint, relative to the core base URL.
	Path string

	// SendPath is the REST endpoint used for outbound sends (the stream
	// itself is one-way).
	SendPath string

	// BackoffBase is the initial reconnect delay.
	BackoffBase time.Duration

	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration
}

// DefaultStreamConfig returns the default stream channel configuration.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		Path:        "signaling/events",
		SendPath:    "signaling/send",
		BackoffBase: 1 * time.Second,
		BackoffMax:  32 * time.Second,
	}
}

// StreamChannel is the secondary signaling channel: a one-way server-sent
// event stream for inbound delivery, with outbound sends going through the
// signaling REST endpoint.
type StreamChannel struct {
	core   *sigcore.Client
	config *StreamConfig
	log    *logrus.Logger

	mu           sync.Mutex
	state        ChannelState
	handler      Handler
	stateHandler StateHandler
	lastEventID  string
	closeCh      chan struct{}
	closeOnce    sync.Once
}

// NewStreamChannel creates the server-push stream channel.
func NewStreamChannel(core *sigcore.Client, config *StreamConfig) *StreamChannel {
	if config == nil {
		config = DefaultStreamConfig()
	}
	return &StreamChannel{
		core:    core,
		config:  config,
		log:     core.Logger(),
		state:   ChannelDisconnected,
		closeCh: make(chan struct{}),
	}
}

// Name implements Channel.
func (c *StreamChannel) Name() string { return "stream" }

// SetHandler implements Channel.
func (c *StreamChannel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetStateHandler implements Channel.
func (c *StreamChannel) SetStateHandler(h StateHandler) {
	c.mu.Lock()
	c.stateHandler = h
	c.mu.Unlock()
}

// State implements Channel.
func (c *StreamChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start implements Channel.
func (c *StreamChannel) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close implements Channel.
func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

// Send posts the envelope to the signaling REST endpoint. Only signaling
// messages are accepted; the stream itself is inbound-only.
func (c *StreamChannel) Send(ctx context.Context, env *Envelope) error {
	return postSignal(ctx, c.core, c.config.SendPath, env)
}

// run is the connect/consume/reconnect loop.
func (c *StreamChannel) run(ctx context.Context) {
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
		err := c.consume(ctx)
		c.setState(ChannelDisconnected)

		if err != nil {
			c.log.WithFields(logrus.Fields{
				"channel": c.Name(),
				"backoff": backoff,
			}).WithError(err).Warn("event stream failed")
		}

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
	}
}

// consume opens the event stream and dispatches envelopes until it breaks.
func (c *StreamChannel) consume(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-streamCtx.Done():
		}
	}()

	u := c.core.BaseURL.String() + "/" + c.config.Path
	c.mu.Lock()
	lastID := c.lastEventID
	c.mu.Unlock()
	if lastID != "" {
		u += "?" + url.Values{"lastEventId": {lastID}}.Encode()
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if err := c.core.SetAuthHeaders(streamCtx, req); err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.core.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sigcore.NewAPIError(resp, nil)
	}

	c.setState(ChannelConnected)
	c.log.WithField("channel", c.Name()).Info("event stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	var eventID string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			// Blank line terminates one event.
			if len(dataLines) > 0 {
				c.dispatch(strings.Join(dataLines, "\n"), eventID)
			}
			dataLines = dataLines[:0]
			eventID = ""
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, ":"):
			// Comment/keepalive.
		}
	}
	return scanner.Err()
}

// dispatch parses one event payload and hands it to the handler.
func (c *StreamChannel) dispatch(data, eventID string) {
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		c.log.WithField("channel", c.Name()).WithError(err).Debug("dropping unparseable event")
		return
	}

	c.mu.Lock()
	if eventID != "" {
		c.lastEventID = eventID
	}
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(&env)
	}
}

func (c *StreamChannel) setState(s ChannelState) {
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
