/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package presence tracks which users are currently reachable for calls.
// The registry is fed by presence events pushed over the signaling
// transport and consulted before any call attempt leaves the device.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshtalk/callkit-go/transport"
)

// Record is the known reachability of one user.
type Record struct {
	UserID           string    `json:"userId"`
	Online           bool      `json:"online"`
	TransportAddress string    `json:"transportAddress,omitempty"`
	LastSeenAt       time.Time `json:"lastSeenAt"`
}

// Config holds the registry configuration.
type Config struct {
	// StaleAfter marks a user offline when no heartbeat or presence event
	// arrived within this window. Zero disables staleness.
	StaleAfter time.Duration

	// SweepInterval is how often the background sweep demotes stale
	// records. Zero disables the sweep; IsOnline still applies StaleAfter
	// on read.
	SweepInterval time.Duration

	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// DefaultConfig returns the default presence configuration.
func DefaultConfig() *Config {
	return &Config{
		StaleAfter:    90 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Handler observes presence transitions.
type Handler func(Record)

// Registry is an in-memory presence table. Safe for concurrent use.
type Registry struct {
	config *Config
	log    *logrus.Logger
	now    func() time.Time

	mu       sync.RWMutex
	records  map[string]Record
	nextID   int
	handlers map[int]Handler

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates an empty presence registry.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		config:   config,
		log:      log,
		now:      time.Now,
		records:  make(map[string]Record),
		handlers: make(map[int]Handler),
		closeCh:  make(chan struct{}),
	}
}

// Start runs the background staleness sweep until ctx is cancelled or
// Close is called. Optional; IsOnline is accurate without it.
func (r *Registry) Start(ctx context.Context) {
	if r.config.SweepInterval <= 0 || r.config.StaleAfter <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.closeCh:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Close stops the background sweep.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	return nil
}

// SetOnline marks a user reachable at the given transport address.
func (r *Registry) SetOnline(userID, address string) {
	r.apply(Record{
		UserID:           userID,
		Online:           true,
		TransportAddress: address,
		LastSeenAt:       r.now(),
	})
}

// SetOffline marks a user unreachable.
func (r *Registry) SetOffline(userID string) {
	r.apply(Record{UserID: userID, Online: false, LastSeenAt: r.now()})
}

// Heartbeat refreshes a user's liveness without changing the address.
func (r *Registry) Heartbeat(userID string) {
	r.mu.Lock()
	rec, ok := r.records[userID]
	if !ok {
		rec = Record{UserID: userID, Online: true}
	}
	rec.Online = true
	rec.LastSeenAt = r.now()
	r.records[userID] = rec
	r.mu.Unlock()
}

// ApplyEvent folds a transport presence event into the registry.
func (r *Registry) ApplyEvent(ev *transport.PresenceEvent) {
	if ev == nil || ev.UserID == "" {
		return
	}
	seen := r.now()
	if ev.Timestamp > 0 {
		seen = time.UnixMilli(ev.Timestamp)
	}
	r.apply(Record{
		UserID:           ev.UserID,
		Online:           ev.Online,
		TransportAddress: ev.Address,
		LastSeenAt:       seen,
	})
}

// IsOnline reports whether the user is reachable right now, applying the
// staleness window on read.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	rec, ok := r.records[userID]
	r.mu.RUnlock()
	if !ok || !rec.Online {
		return false
	}
	if r.config.StaleAfter > 0 && r.now().Sub(rec.LastSeenAt) > r.config.StaleAfter {
		return false
	}
	return true
}

// Get returns the last known record for the user.
func (r *Registry) Get(userID string) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.records[userID]
	r.mu.RUnlock()
	return rec, ok
}

// Online returns the users currently considered reachable.
func (r *Registry) Online() []Record {
	cutoffOK := func(rec Record) bool {
		if !rec.Online {
			return false
		}
		if r.config.StaleAfter > 0 && r.now().Sub(rec.LastSeenAt) > r.config.StaleAfter {
			return false
		}
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if cutoffOK(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe registers a transition observer and returns its removal
// function. Handlers fire only when a user's online flag actually changes.
func (r *Registry) Subscribe(h Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// apply stores the record and notifies subscribers on online transitions.
func (r *Registry) apply(rec Record) {
	r.mu.Lock()
	prev, had := r.records[rec.UserID]
	if rec.TransportAddress == "" && had {
		rec.TransportAddress = prev.TransportAddress
	}
	r.records[rec.UserID] = rec
	changed := !had || prev.Online != rec.Online
	var hs []Handler
	if changed {
		hs = make([]Handler, 0, len(r.handlers))
		for _, h := range r.handlers {
			hs = append(hs, h)
		}
	}
	r.mu.Unlock()

	if changed {
		r.log.WithFields(logrus.Fields{
			"userId": rec.UserID,
			"online": rec.Online,
		}).Debug("presence changed")
		for _, h := range hs {
			h(rec)
		}
	}
}

// sweep demotes records whose liveness window expired.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.config.StaleAfter)

	r.mu.Lock()
	var expired []string
	for id, rec := range r.records {
		if rec.Online && rec.LastSeenAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.log.WithField("userId", id).Debug("presence record went stale")
		r.SetOffline(id)
	}
}
