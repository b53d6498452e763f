package feed

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval   = time.Second
	defaultBufferSize = 4
	defaultTimeout    = 5 * time.Second
	dropLogInterval   = 5 * time.Second
)

// Config controls the broadcast loop.
//   - Interval: time between frames (default 1s).
//   - BufferSize: frames queued per subscriber before it is dropped (default 4).
//   - BuildTimeout: bound on one snapshot build (default 5s).
type Config struct {
	Interval     time.Duration
	BufferSize   int
	BuildTimeout time.Duration
	Logger       *zap.Logger
}

// Source produces the frames to broadcast.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Subscription receives encoded frames until it is closed, either by the
// subscriber or by the Hub when the subscriber falls behind.
type Subscription struct {
	C <-chan []byte

	ch   chan []byte
	hub  *Hub
	once sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub fans snapshots out to subscribers. Slow subscribers never block the
// loop; they are dropped instead.
type Hub struct {
	cfg    Config
	source Source
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	dropLimiter rateLimiter
	dropped     atomic.Int64
}

// NewHub builds a Hub. Call Run to start broadcasting.
func NewHub(cfg Config, source Source) *Hub {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:         cfg,
		source:      source,
		logger:      logger,
		subs:        make(map[*Subscription]struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan []byte, h.cfg.BufferSize)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Frame builds and encodes one snapshot.
func (h *Hub) Frame(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.BuildTimeout)
	defer cancel()
	snap, err := h.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// Run broadcasts a frame every Interval while subscribers are attached. It
// returns when ctx ends and closes every remaining subscription.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if h.Subscribers() == 0 {
			continue
		}
		frame, err := h.Frame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Warn("build feed snapshot failed", zap.Error(err))
			continue
		}
		h.Broadcast(frame)
	}
}

// Broadcast offers frame to every subscriber without blocking.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	var slow []*Subscription
	for sub := range h.subs {
		select {
		case sub.ch <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range slow {
		h.remove(sub)
		h.dropped.Add(1)
	}
	if len(slow) > 0 && h.dropLimiter.Allow(time.Now()) {
		h.logger.Warn("slow feed subscribers dropped", zap.Int64("dropped", h.dropped.Swap(0)))
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		h.remove(sub)
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
