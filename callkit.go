/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callkit is the top-level client for MeshTalk real-time calls. It
// wires the signaling core, the redundant transport channels, the presence
// registry, and the call session manager into one surface.
package callkit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/callkit-go/history"
	"github.com/meshtalk/callkit-go/peerconn"
	"github.com/meshtalk/callkit-go/presence"
	"github.com/meshtalk/callkit-go/session"
	"github.com/meshtalk/callkit-go/sigcore"
	"github.com/meshtalk/callkit-go/transport"
)

// Config is the top-level client configuration. Every field is optional;
// zero values fall back to each component's defaults.
type Config struct {
	// UserID overrides the identity derived from the bearer token.
	UserID string

	// Core configures the signaling HTTP core (base URL, timeouts, retry).
	Core *sigcore.Config

	// WebSocketURL is the primary signaling channel endpoint. Empty means
	// the default derived from the core base URL.
	WebSocketURL string

	// Stream and Poll configure the fallback channels.
	Stream *transport.StreamConfig
	Poll   *transport.PollConfig

	// Transport configures failover, retry, and dedup behavior.
	Transport *transport.Config

	// Session configures the call state machine timings.
	Session *session.Config

	// Presence configures the reachability registry.
	Presence *presence.Config

	// Peer configures the media peer connections (ICE servers).
	Peer *peerconn.Config

	// Media overrides how local capture is acquired. Defaults to the
	// headless static provider.
	Media peerconn.MediaProvider

	// History overrides the call log sink. Defaults to a bounded
	// in-memory log.
	History session.HistorySink

	// HistoryLimit bounds the default in-memory log.
	HistoryLimit int

	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// Client is the top-level MeshTalk calling client.
type Client struct {
	userID string
	core   *sigcore.Client
	log    *logrus.Logger

	transportMgr *transport.Manager
	registry     *presence.Registry
	sessions     *session.Manager
	callLog      session.HistorySink

	startOnce sync.Once
	cancel    context.CancelFunc
}

// New creates a client authenticated by the given bearer token. The local
// user identity is read from the token's subject claim unless overridden
// in config.
func New(accessToken string, config *Config) (*Client, error) {
	if config == nil {
		config = &Config{}
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	core, err := sigcore.NewClient(sigcore.StaticToken(accessToken), config.Core)
	if err != nil {
		return nil, err
	}

	userID := config.UserID
	if userID == "" {
		userID, err = sigcore.UserIDFromToken(accessToken)
		if err != nil {
			return nil, fmt.Errorf("cannot determine local user id: %w", err)
		}
	}

	wsURL := config.WebSocketURL
	if wsURL == "" {
		wsURL = deriveWebSocketURL(core.BaseURL)
	}
	wsConfig := transport.DefaultWebSocketConfig(wsURL)
	channels := []transport.Channel{
		transport.NewWebSocketChannel(core, wsConfig),
		transport.NewStreamChannel(core, config.Stream),
		transport.NewPollChannel(core, config.Poll),
	}
	transportMgr := transport.NewManager(channels, config.Transport, log)

	registry := presence.NewRegistry(config.Presence)

	callLog := config.History
	if callLog == nil {
		callLog = history.NewMemory(config.HistoryLimit)
	}

	media := config.Media
	if media == nil {
		media = peerconn.StaticMediaProvider{}
	}

	sessions := session.NewManager(userID, session.Deps{
		Signaler: transportMgr,
		Presence: registry,
		Media:    media,
		Peers:    &peerFactory{config: config.Peer, log: log},
		History:  callLog,
	}, config.Session)

	return &Client{
		userID:       userID,
		core:         core,
		log:          log,
		transportMgr: transportMgr,
		registry:     registry,
		sessions:     sessions,
		callLog:      callLog,
	}, nil
}

// Start connects the transport channels and begins routing signaling and
// presence events. Safe to call once; the client runs until Close.
func (c *Client) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel

		c.transportMgr.OnMessage(c.sessions.HandleMessage)
		c.transportMgr.OnPresence(c.registry.ApplyEvent)
		c.transportMgr.Start(runCtx)
		c.registry.Start(runCtx)

		c.log.WithField("userId", c.userID).Info("callkit client started")
	})
	return nil
}

// Close shuts down the transport and presence components. Any active call
// should be hung up first; in-flight sessions see transport errors.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.transportMgr.Close()
	if cerr := c.registry.Close(); err == nil {
		err = cerr
	}
	return err
}

// UserID returns the authenticated local user identity.
func (c *Client) UserID() string {
	return c.userID
}

// Core returns the signaling HTTP core.
func (c *Client) Core() *sigcore.Client {
	return c.core
}

// Transport returns the signaling transport manager.
func (c *Client) Transport() *transport.Manager {
	return c.transportMgr
}

// Presence returns the reachability registry.
func (c *Client) Presence() *presence.Registry {
	return c.registry
}

// Sessions returns the call session manager.
func (c *Client) Sessions() *session.Manager {
	return c.sessions
}

// History returns the call log sink the client records into.
func (c *Client) History() session.HistorySink {
	return c.callLog
}

// deriveWebSocketURL maps the REST base URL to the websocket endpoint on
// the same host.
func deriveWebSocketURL(base *url.URL) string {
	ws := *base
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	}
	ws.Path = strings.TrimSuffix(ws.Path, "/") + "/signaling/ws"
	return ws.String()
}

// peerFactory builds one peerconn.Coordinator per call attempt, adapting
// the session hooks to the coordinator callbacks.
type peerFactory struct {
	config *peerconn.Config
	log    *logrus.Logger
}

func (f *peerFactory) NewPeer(ctx context.Context, media *peerconn.LocalMedia, hooks session.PeerHooks) (session.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	callbacks := peerconn.Callbacks{
		OnICECandidate: hooks.OnLocalCandidate,
	}
	if hooks.OnConnectionState != nil {
		callbacks.OnConnectionStateChange = func(s webrtc.PeerConnectionState) {
			hooks.OnConnectionState(session.PeerConnState(s.String()))
		}
	}
	return peerconn.NewCoordinator(f.config, media, callbacks)
}
