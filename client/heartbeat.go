package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/DavidRueter/Theas/params"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultStaleAfter is how long an unanswered heartbeat blocks the next one.
	DefaultStaleAfter = 60 * time.Second
	defaultMaxBackoff = 5 * time.Minute
)

// HeartbeatState is the scheduler's current phase.
type HeartbeatState int

const (
	HeartbeatIdle HeartbeatState = iota
	HeartbeatScheduled
	HeartbeatSending
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatScheduled:
		return "scheduled"
	case HeartbeatSending:
		return "sending"
	}
	return "idle"
}

type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Heartbeat keeps the server session alive by sending the heartbeat command on an
// interval. A tick that finds an earlier heartbeat still unanswered, and not yet
// stale, sends nothing and waits for the next tick. Each response restarts the
// interval; transport failures stretch it with exponential backoff.
type Heartbeat struct {
	session    *Session
	staleAfter time.Duration
	maxBackoff time.Duration
	now        func() time.Time
	after      afterFunc

	mu          sync.Mutex
	running     bool
	gen         uint64
	interval    time.Duration
	onHeartbeat func(Result)
	stop        func() bool
	lastDelay   time.Duration
	sentAt      time.Time
	backoff     *backoff.ExponentialBackOff
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithStaleAfter sets how long an unanswered heartbeat suppresses new ones.
func WithStaleAfter(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) { h.staleAfter = d }
}

// WithMaxBackoff caps the delay after repeated failures.
func WithMaxBackoff(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) { h.maxBackoff = d }
}

func NewHeartbeat(s *Session, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		session:    s,
		staleAfter: DefaultStaleAfter,
		maxBackoff: defaultMaxBackoff,
		now:        time.Now,
		after:      timeAfterFunc,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Start schedules heartbeats every interval, replacing any earlier schedule.
// onHeartbeat may be nil.
func (h *Heartbeat) Start(onHeartbeat func(Result), interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = max(h.maxBackoff, interval)
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	h.gen++
	h.interval = interval
	h.onHeartbeat = onHeartbeat
	h.backoff = b
	h.armLocked(interval)
	h.session.logger.Debug("heartbeat started", "interval", interval)
}

// Stop cancels the schedule. A heartbeat already sent still completes.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	h.gen++
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
	h.session.logger.Debug("heartbeat stopped")
}

// State reports the current phase.
func (h *Heartbeat) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case !h.running:
		return HeartbeatIdle
	case !h.sentAt.IsZero():
		return HeartbeatSending
	}
	return HeartbeatScheduled
}

// LastSentAt returns when the unanswered heartbeat was sent, or the zero time.
func (h *Heartbeat) LastSentAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sentAt
}

func (h *Heartbeat) armLocked(d time.Duration) {
	if h.stop != nil {
		h.stop()
	}
	gen := h.gen
	h.lastDelay = d
	h.stop = h.after(d, func() { h.tick(gen) })
}

func (h *Heartbeat) tick(gen uint64) {
	h.mu.Lock()
	if !h.running || gen != h.gen {
		h.mu.Unlock()
		return
	}
	now := h.now()
	if !h.sentAt.IsZero() && now.Sub(h.sentAt) <= h.staleAfter {
		h.armLocked(h.interval)
		h.mu.Unlock()
		h.session.logger.Debug("heartbeat skipped, previous one outstanding")
		h.session.metrics.heartbeat("skipped")
		return
	}
	h.sentAt = now
	h.armLocked(h.interval)
	h.mu.Unlock()

	h.session.metrics.heartbeat("sent")
	h.session.Send(context.Background(), params.CmdHeartbeat, SendOptions{
		OnResponse: func(res Result) { h.received(gen, now, res) },
	})
}

func (h *Heartbeat) received(gen uint64, sentAt time.Time, res Result) {
	h.mu.Lock()
	cb := h.onHeartbeat
	h.mu.Unlock()
	if cb != nil {
		cb(res)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sentAt.Equal(sentAt) {
		h.sentAt = time.Time{}
	}
	if !h.running || gen != h.gen {
		return
	}

	if KindOf(res.Err) == KindTransportFailure {
		delay := h.backoff.NextBackOff()
		h.session.metrics.heartbeat("failed")
		h.session.logger.Warn("heartbeat failed", "retry_in", delay, "err", res.Err)
		h.armLocked(delay)
		return
	}
	h.session.metrics.heartbeat("ok")
	h.backoff.Reset()
	h.armLocked(h.interval)
}
