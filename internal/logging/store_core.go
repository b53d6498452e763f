package logging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

// SourceKey marks an entry for the operator log ring.
const SourceKey = "source"

// Appender is the write side of the operator log ring.
type Appender interface {
	AppendLog(ctx context.Context, entry crawl.LogEntry) error
}

// StoreCoreConfig tunes NewStoreCore.
type StoreCoreConfig struct {
	Level        zapcore.LevelEnabler
	WriteTimeout time.Duration
	// WarnInterval limits how often append failures are reported.
	WarnInterval time.Duration
	// Fallback receives append failures. It must not write back to the store.
	Fallback *zap.Logger
}

type storeCore struct {
	zapcore.LevelEnabler
	store   Appender
	cfg     StoreCoreConfig
	fields  []zapcore.Field
	lastErr *atomic.Int64
}

// NewStoreCore returns a core that appends entries carrying a source field
// to store. Other entries are ignored and append errors never reach the
// caller.
func NewStoreCore(store Appender, cfg StoreCoreConfig) zapcore.Core {
	if cfg.Level == nil {
		cfg.Level = zapcore.InfoLevel
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = 30 * time.Second
	}
	if cfg.Fallback == nil {
		cfg.Fallback = zap.NewNop()
	}
	return &storeCore{
		LevelEnabler: cfg.Level,
		store:        store,
		cfg:          cfg,
		lastErr:      &atomic.Int64{},
	}
}

func (c *storeCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *storeCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *storeCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	source, ok := enc.Fields[SourceKey].(string)
	if !ok || source == "" {
		return nil
	}
	delete(enc.Fields, SourceKey)

	entry := crawl.LogEntry{
		Level:     ent.Level.String(),
		Source:    source,
		Message:   render(ent.Message, enc.Fields),
		Timestamp: ent.Time.UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.store.AppendLog(ctx, entry); err != nil {
		c.warn(err)
	}
	return nil
}

func (c *storeCore) Sync() error { return nil }

func (c *storeCore) warn(err error) {
	now := time.Now().UnixNano()
	last := c.lastErr.Load()
	if last != 0 && now-last < c.cfg.WarnInterval.Nanoseconds() {
		return
	}
	if !c.lastErr.CompareAndSwap(last, now) {
		return
	}
	c.cfg.Fallback.Warn("operator log append failed", zap.Error(err))
}

// render appends the context fields to msg in stable key order.
func render(msg string, fields map[string]any) string {
	if len(fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
