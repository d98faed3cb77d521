/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is a scriptable Channel for manager tests.
type fakeChannel struct {
	name    string
	mu      sync.Mutex
	state   ChannelState
	sendErr error
	sent    []*Envelope
	handler Handler
}

func newFakeChannel(name string, state ChannelState) *fakeChannel {
	return &fakeChannel{name: name, state: state}
}

func (c *fakeChannel) Name() string                { return c.name }
func (c *fakeChannel) Start(ctx context.Context)   {}
func (c *fakeChannel) SetStateHandler(StateHandler) {}
func (c *fakeChannel) Close() error                { return nil }

func (c *fakeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeChannel) Send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) deliver(env *Envelope) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testConfig() *Config {
	return &Config{
		RetryBudget:   2,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		DedupTTL:      time.Minute,
		InboundBuffer: 16,
	}
}

func testMessage(seq int64) *Message {
	return &Message{
		Type:       MessageOffer,
		CallID:     "alice_bob_1700000000000",
		FromUserID: "alice",
		ToUserID:   "bob",
		Sequence:   seq,
	}
}

func TestSendPrefersPrimary(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelConnected)
	fallback := newFakeChannel("stream", ChannelConnected)
	m := NewManager([]Channel{primary, fallback}, testConfig(), nil)

	require.NoError(t, m.Send(context.Background(), testMessage(1)))
	assert.Equal(t, 1, primary.sentCount())
	assert.Equal(t, 0, fallback.sentCount())
}

func TestSendFailsOverToNextChannel(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelConnected)
	primary.sendErr = errors.New("socket write failed")
	fallback := newFakeChannel("stream", ChannelConnected)
	m := NewManager([]Channel{primary, fallback}, testConfig(), nil)

	require.NoError(t, m.Send(context.Background(), testMessage(1)))
	assert.Equal(t, 1, fallback.sentCount())
}

func TestSendSkipsDisconnectedChannels(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelDisconnected)
	fallback := newFakeChannel("stream", ChannelConnected)
	m := NewManager([]Channel{primary, fallback}, testConfig(), nil)

	require.NoError(t, m.Send(context.Background(), testMessage(1)))
	assert.Equal(t, 0, primary.sentCount())
	assert.Equal(t, 1, fallback.sentCount())
}

func TestSendTriesAllWhenEverythingDown(t *testing.T) {
	// A poll channel with a stale disconnected state can still succeed, so
	// an all-down pass must not short-circuit.
	primary := newFakeChannel("websocket", ChannelDisconnected)
	primary.sendErr = errors.New("not connected")
	poll := newFakeChannel("poll", ChannelDisconnected)
	m := NewManager([]Channel{primary, poll}, testConfig(), nil)

	require.NoError(t, m.Send(context.Background(), testMessage(1)))
	assert.Equal(t, 1, poll.sentCount())
}

func TestSendExhaustsRetryBudget(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelConnected)
	primary.sendErr = errors.New("socket write failed")
	fallback := newFakeChannel("stream", ChannelConnected)
	fallback.sendErr = errors.New("post failed")
	m := NewManager([]Channel{primary, fallback}, testConfig(), nil)

	err := m.Send(context.Background(), testMessage(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportExhausted)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	m := NewManager([]Channel{newFakeChannel("websocket", ChannelConnected)}, testConfig(), nil)
	err := m.Send(context.Background(), &Message{Type: MessageOffer})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransportExhausted)
}

func TestInboundDedupAcrossChannels(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelConnected)
	fallback := newFakeChannel("stream", ChannelConnected)
	m := NewManager([]Channel{primary, fallback}, testConfig(), nil)

	received := make(chan *Message, 8)
	m.OnMessage(func(msg *Message) { received <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	msg := testMessage(1)
	env := &Envelope{Event: EnvelopeSignal, Signal: msg}
	primary.deliver(env)
	fallback.deliver(env)

	select {
	case got := <-received:
		assert.Equal(t, msg.CallID, got.CallID)
	case <-time.After(time.Second):
		t.Fatal("Expected the first delivery to reach the handler")
	}

	select {
	case <-received:
		t.Fatal("Duplicate delivery should have been suppressed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboundOrderPreserved(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelConnected)
	m := NewManager([]Channel{primary}, testConfig(), nil)

	received := make(chan int64, 8)
	m.OnMessage(func(msg *Message) { received <- msg.Sequence })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	for seq := int64(1); seq <= 5; seq++ {
		primary.deliver(&Envelope{Event: EnvelopeSignal, Signal: testMessage(seq)})
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for sequence %d", want)
		}
	}
}

func TestPresenceRouting(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelConnected)
	m := NewManager([]Channel{primary}, testConfig(), nil)

	received := make(chan *PresenceEvent, 1)
	m.OnPresence(func(ev *PresenceEvent) { received <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	primary.deliver(&Envelope{
		Event:    EnvelopePresence,
		Presence: &PresenceEvent{UserID: "bob", Online: true},
	})

	select {
	case ev := <-received:
		assert.Equal(t, "bob", ev.UserID)
		assert.True(t, ev.Online)
	case <-time.After(time.Second):
		t.Fatal("Expected presence event to reach the handler")
	}
}

func TestStatusComputation(t *testing.T) {
	primary := newFakeChannel("websocket", ChannelDisconnected)
	fallback := newFakeChannel("stream", ChannelDisconnected)
	m := NewManager([]Channel{primary, fallback}, testConfig(), nil)

	assert.Equal(t, StatusDisconnected, m.Status())

	fallback.mu.Lock()
	fallback.state = ChannelConnected
	fallback.mu.Unlock()
	assert.Equal(t, StatusDegraded, m.Status())

	primary.mu.Lock()
	primary.state = ChannelConnected
	primary.mu.Unlock()
	assert.Equal(t, StatusConnected, m.Status())
}
