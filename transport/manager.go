/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the coarse connectivity the layer reports for observability.
type Status string

const (
	// StatusConnected means the primary channel is up.
	StatusConnected Status = "connected"

	// StatusDegraded means the primary channel is down but a fallback
	// channel is delivering.
	StatusDegraded Status = "degraded"

	// StatusDisconnected means no channel is up.
	StatusDisconnected Status = "disconnected"
)

// ErrTransportExhausted is returned by Send when every channel failed and
// the retry budget ran out. The session layer maps it to a call failure.
var ErrTransportExhausted = errors.New("transport: all channels exhausted")

// Config holds the configuration for the transport manager.
type Config struct {
	// RetryBudget is the number of full passes over the channel list
	// before a send is declared exhausted.
	RetryBudget int

	// BackoffBase is the delay after the first failed pass.
	BackoffBase time.Duration

	// BackoffMax caps the backoff between passes.
	BackoffMax time.Duration

	// DedupTTL is how long processed message identities are remembered.
	// It should cover call termination plus a grace period.
	DedupTTL time.Duration

	// InboundBuffer is the capacity of the inbound dispatch queue.
	InboundBuffer int
}

// DefaultConfig returns the default transport manager configuration.
func DefaultConfig() *Config {
	return &Config{
		RetryBudget:   4,
		BackoffBase:   1 * time.Second,
		BackoffMax:    30 * time.Second,
		DedupTTL:      2 * time.Minute,
		InboundBuffer: 256,
	}
}

// MessageHandler receives deduplicated inbound signaling messages, one at a
// time, in arrival order.
type MessageHandler func(*Message)

// PresenceHandler receives inbound presence events.
type PresenceHandler func(*PresenceEvent)

// StatusHandler observes coarse transport status transitions.
type StatusHandler func(Status)

// Manager multiplexes the ranked channel adapters into one at-least-once
// send/receive surface. Inbound envelopes are accepted from any channel
// concurrently, deduplicated by message identity, and dispatched serially
// so per-call ordering holds regardless of which channel won the race.
type Manager struct {
	config   *Config
	channels []Channel
	log      *logrus.Logger

	mu         sync.Mutex
	onMessage  MessageHandler
	onPresence PresenceHandler
	onStatus   StatusHandler
	status     Status

	dedup     *dedupCache
	inbound   chan *Envelope
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewManager creates a transport manager over the given channels, ranked by
// preference (index 0 is the primary).
func NewManager(channels []Channel, config *Config, log *logrus.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		config:   config,
		channels: channels,
		log:      log,
		status:   StatusDisconnected,
		dedup:    newDedupCache(config.DedupTTL),
		inbound:  make(chan *Envelope, config.InboundBuffer),
		closeCh:  make(chan struct{}),
	}
}

// OnMessage installs the signaling message handler. Must be called before
// Start.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	m.onMessage = h
	m.mu.Unlock()
}

// OnPresence installs the presence event handler. Must be called before
// Start.
func (m *Manager) OnPresence(h PresenceHandler) {
	m.mu.Lock()
	m.onPresence = h
	m.mu.Unlock()
}

// OnStatusChange installs the status observer.
func (m *Manager) OnStatusChange(h StatusHandler) {
	m.mu.Lock()
	m.onStatus = h
	m.mu.Unlock()
}

// Start wires the channels and begins receiving. The manager runs until ctx
// is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) {
	for _, ch := range m.channels {
		ch.SetHandler(m.accept)
		ch.SetStateHandler(func(ChannelState) { m.recomputeStatus() })
		ch.Start(ctx)
	}
	go m.dispatchLoop(ctx)
}

// Close shuts down the manager and every channel.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	var firstErr error
	for _, ch := range m.channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status reports the coarse connectivity of the layer.
func (m *Manager) Status() Status {
	return m.computeStatus()
}

// Send delivers one signaling message with internal retry and failover.
// Channels are tried in rank order, skipping ones that report disconnected;
// between full passes the manager backs off exponentially. Only after the
// retry budget is exhausted does the error surface to the caller.
func (m *Manager) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	env := &Envelope{Event: EnvelopeSignal, Signal: msg}
	backoff := m.config.BackoffBase
	var lastErr error

	for attempt := 0; attempt < m.config.RetryBudget; attempt++ {
		if err := m.sendOnce(ctx, env, attempt); err != nil {
			lastErr = err
		} else {
			return nil
		}

		if attempt == m.config.RetryBudget-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrTransportExhausted, ctx.Err())
		case <-m.closeCh:
			timer.Stop()
			return fmt.Errorf("%w: manager closed", ErrTransportExhausted)
		case <-timer.C:
		}
		backoff *= 2
		if backoff > m.config.BackoffMax {
			backoff = m.config.BackoffMax
		}
	}

	m.log.WithFields(logrus.Fields{
		"callId": msg.CallID,
		"type":   msg.Type,
	}).WithError(lastErr).Error("send exhausted all channels")
	return fmt.Errorf("%w: %w", ErrTransportExhausted, lastErr)
}

// sendOnce makes one pass over the channel list. Disconnected channels are
// skipped unless every channel is down, in which case each one gets a shot
// anyway — a poll channel with a stale state can still succeed.
func (m *Manager) sendOnce(ctx context.Context, env *Envelope, attempt int) error {
	allDown := true
	for _, ch := range m.channels {
		if ch.State() == ChannelConnected {
			allDown = false
			break
		}
	}

	var lastErr error
	for _, ch := range m.channels {
		if !allDown && ch.State() != ChannelConnected {
			continue
		}
		err := ch.Send(ctx, env)
		if err == nil {
			if ch != m.channels[0] {
				m.log.WithFields(logrus.Fields{
					"channel": ch.Name(),
					"type":    env.Signal.Type,
					"callId":  env.Signal.CallID,
				}).Debug("sent via fallback channel")
			}
			return nil
		}
		lastErr = err
		m.log.WithFields(logrus.Fields{
			"channel": ch.Name(),
			"attempt": attempt + 1,
		}).WithError(err).Debug("channel send failed, trying next")
	}

	if lastErr == nil {
		lastErr = ErrNotConnected
	}
	return lastErr
}

// accept is the shared inbound entry point for every channel. It never
// blocks a channel's read loop; when the dispatch queue is full the
// envelope is dropped and the at-least-once upstream will redeliver.
func (m *Manager) accept(env *Envelope) {
	if env == nil {
		return
	}
	select {
	case m.inbound <- env:
	default:
		m.log.Warn("inbound queue full, dropping envelope")
	}
}

// dispatchLoop applies inbound envelopes one at a time. Serialization here
// is what gives receivers per-call ordering across racing channels.
func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		case env := <-m.inbound:
			m.dispatch(env)
		}
	}
}

// dispatch routes one envelope to the right handler, suppressing duplicate
// signaling messages.
func (m *Manager) dispatch(env *Envelope) {
	switch {
	case env.Signal != nil:
		msg := env.Signal
		if err := msg.Validate(); err != nil {
			m.log.WithError(err).Debug("dropping invalid signaling message")
			return
		}
		if m.dedup.Observe(msg.Key()) {
			m.log.WithFields(logrus.Fields{
				"callId":   msg.CallID,
				"type":     msg.Type,
				"sequence": msg.Sequence,
			}).Debug("dropping duplicate signaling message")
			return
		}
		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler != nil {
			handler(msg)
		}

	case env.Presence != nil:
		m.mu.Lock()
		handler := m.onPresence
		m.mu.Unlock()
		if handler != nil {
			handler(env.Presence)
		}

	default:
		m.log.WithField("event", env.Event).Debug("dropping empty envelope")
	}
}

// computeStatus derives the coarse status from channel states.
func (m *Manager) computeStatus() Status {
	if len(m.channels) == 0 {
		return StatusDisconnected
	}
	if m.channels[0].State() == ChannelConnected {
		return StatusConnected
	}
	for _, ch := range m.channels[1:] {
		if ch.State() == ChannelConnected {
			return StatusDegraded
		}
	}
	return StatusDisconnected
}

// recomputeStatus publishes a status transition when the derived status
// changed.
func (m *Manager) recomputeStatus() {
	next := m.computeStatus()

	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	handler := m.onStatus
	m.mu.Unlock()

	m.log.WithField("status", next).Info("transport status changed")
	if handler != nil {
		handler(next)
	}
}
