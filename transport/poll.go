/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshtalk/callkit-go/sigcore"
)

// PollConfig holds the configuration for the HTTP poll channel.
type PollConfig struct {
	// Path is the poll endpoint, relative to the core base URL.
	Path string

	// SendPath is the REST endpoint used for outbound sends.
	SendPath string

	// Interval between polls.
	Interval time.Duration

	// FailureThreshold is the number of consecutive poll failures after
	// which the channel reports disconnected.
	FailureThreshold int
}

// DefaultPollConfig returns the default poll channel configuration.
func DefaultPollConfig() *PollConfig {
	return &PollConfig{
		Path:             "signaling/poll",
		SendPath:         "signaling/send",
		Interval:         1 * time.Second,
		FailureThreshold: 3,
	}
}

// pollResponse is the body returned by the poll endpoint.
type pollResponse struct {
	Cursor    string      `json:"cursor"`
	Envelopes []*Envelope `json:"envelopes"`
}

// PollChannel is the tertiary signaling channel: an interval-based HTTP poll
// used when neither push channel is available.
type PollChannel struct {
	core   *sigcore.Client
	config *PollConfig
	log    *logrus.Logger

	mu           sync.Mutex
	state        ChannelState
	handler      Handler
	stateHandler StateHandler
	cursor       string
	failures     int
	closeCh      chan struct{}
	closeOnce    sync.Once
}

// NewPollChannel creates the HTTP poll channel.
func NewPollChannel(core *sigcore.Client, config *PollConfig) *PollChannel {
	if config == nil {
		config = DefaultPollConfig()
	}
	return &PollChannel{
		core:    core,
		config:  config,
		log:     core.Logger(),
		state:   ChannelDisconnected,
		closeCh: make(chan struct{}),
	}
}

// Name implements Channel.
func (c *PollChannel) Name() string { return "poll" }

// SetHandler implements Channel.
func (c *PollChannel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetStateHandler implements Channel.
func (c *PollChannel) SetStateHandler(h StateHandler) {
	c.mu.Lock()
	c.stateHandler = h
	c.mu.Unlock()
}

// State implements Channel.
func (c *PollChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start implements Channel.
func (c *PollChannel) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close implements Channel.
func (c *PollChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

// Send posts the envelope to the signaling REST endpoint.
func (c *PollChannel) Send(ctx context.Context, env *Envelope) error {
	return postSignal(ctx, c.core, c.config.SendPath, env)
}

// run polls on the configured interval until stopped.
func (c *PollChannel) run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce fetches pending envelopes and dispatches them in order.
func (c *PollChannel) pollOnce(ctx context.Context) {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	resp, err := c.core.Request(ctx, http.MethodGet, c.config.Path, params, nil)
	if err != nil {
		c.recordFailure(err)
		return
	}

	var body pollResponse
	if err := sigcore.ParseResponse(resp, &body); err != nil {
		c.recordFailure(err)
		return
	}

	c.mu.Lock()
	c.failures = 0
	if body.Cursor != "" {
		c.cursor = body.Cursor
	}
	handler := c.handler
	c.mu.Unlock()
	c.setState(ChannelConnected)

	if handler == nil {
		return
	}
	for _, env := range body.Envelopes {
		handler(env)
	}
}

// recordFailure counts consecutive poll errors and downgrades the channel
// state once the threshold is crossed.
func (c *PollChannel) recordFailure(err error) {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"channel":  c.Name(),
		"failures": failures,
	}).WithError(err).Debug("poll failed")

	if failures >= c.config.FailureThreshold {
		c.setState(ChannelDisconnected)
	}
}

func (c *PollChannel) setState(s ChannelState) {
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

// postSignal delivers an outbound envelope through the signaling REST
// endpoint. Shared by the stream and poll channels, whose inbound paths are
// one-way.
func postSignal(ctx context.Context, core *sigcore.Client, path string, env *Envelope) error {
	resp, err := core.Request(ctx, http.MethodPost, path, nil, env)
	if err != nil {
		return err
	}
	return sigcore.ParseResponse(resp, nil)
}
