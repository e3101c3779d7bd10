package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LokiHandler is a slog.Handler that batches records and pushes them to
// a Loki endpoint. Handlers derived via WithAttrs/WithGroup share one
// batch and one flush timer with their parent.
type LokiHandler struct {
	core   *lokiCore
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// lokiCore is the state shared by a handler and all its derivatives.
type lokiCore struct {
	url    string
	labels map[string]string
	client *http.Client

	mu         sync.Mutex
	batch      []lokiEntry
	batchSize  int
	flushEvery time.Duration
	flushTimer *time.Timer
}

type lokiEntry struct {
	timestamp time.Time
	line      string
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// LokiOption configures a LokiHandler.
type LokiOption func(*LokiHandler)

// WithLokiLabels adds stream labels to every push.
func WithLokiLabels(labels map[string]string) LokiOption {
	return func(h *LokiHandler) {
		for k, v := range labels {
			h.core.labels[k] = v
		}
	}
}

// WithLokiLevel sets the minimum record level shipped to Loki.
func WithLokiLevel(level slog.Level) LokiOption {
	return func(h *LokiHandler) {
		h.level = level
	}
}

// WithLokiBatchSize sets how many records accumulate before a push.
func WithLokiBatchSize(size int) LokiOption {
	return func(h *LokiHandler) {
		if size > 0 {
			h.core.batchSize = size
		}
	}
}

// WithLokiFlushInterval sets how long a partial batch may sit before it
// is pushed anyway.
func WithLokiFlushInterval(d time.Duration) LokiOption {
	return func(h *LokiHandler) {
		if d > 0 {
			h.core.flushEvery = d
		}
	}
}

// NewLokiHandler creates a handler pushing to the given Loki endpoint
// (e.g. "http://localhost:3100/loki/api/v1/push").
func NewLokiHandler(url string, opts ...LokiOption) *LokiHandler {
	h := &LokiHandler{
		core: &lokiCore{
			url:        url,
			labels:     map[string]string{"job": "wirestub"},
			client:     &http.Client{Timeout: 5 * time.Second},
			batchSize:  100,
			flushEvery: 5 * time.Second,
		},
		level: slog.LevelInfo,
	}

	for _, opt := range opts {
		opt(h)
	}

	core := h.core
	core.flushTimer = time.AfterFunc(core.flushEvery, func() {
		_ = core.flush()
		core.mu.Lock()
		core.flushTimer.Reset(core.flushEvery)
		core.mu.Unlock()
	})

	return h
}

// Enabled implements slog.Handler.
func (h *LokiHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *LokiHandler) Handle(_ context.Context, r slog.Record) error {
	line := h.formatRecord(r)

	core := h.core
	core.mu.Lock()
	core.batch = append(core.batch, lokiEntry{timestamp: r.Time, line: line})
	full := len(core.batch) >= core.batchSize
	core.mu.Unlock()

	if full {
		go func() { _ = core.flush() }()
	}
	return nil
}

// formatRecord renders one record as a JSON log line. Open groups
// prefix the record's attribute keys, dot-separated.
func (h *LokiHandler) formatRecord(r slog.Record) string {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time.Format(time.RFC3339Nano),
	}

	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}

	prefix := h.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		data[prefix+a.Key] = a.Value.Any()
		return true
	})

	b, _ := json.Marshal(data)
	return string(b)
}

func (h *LokiHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// WithAttrs implements slog.Handler. Attrs are qualified by the groups
// open at the time they are added.
func (h *LokiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.groupPrefix()
	next := h.attrs[:len(h.attrs):len(h.attrs)]
	for _, a := range attrs {
		next = append(next, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &LokiHandler{
		core:   h.core,
		level:  h.level,
		attrs:  next,
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *LokiHandler) WithGroup(name string) slog.Handler {
	return &LokiHandler{
		core:   h.core,
		level:  h.level,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}

// Flush pushes all buffered records now.
func (h *LokiHandler) Flush() error {
	return h.core.flush()
}

// Close flushes remaining records and stops the background timer.
func (h *LokiHandler) Close() error {
	core := h.core
	core.mu.Lock()
	if core.flushTimer != nil {
		core.flushTimer.Stop()
	}
	core.mu.Unlock()
	return core.flush()
}

func (c *lokiCore) flush() error {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	values := make([][]string, len(batch))
	for i, entry := range batch {
		values[i] = []string{
			strconv.FormatInt(entry.timestamp.UnixNano(), 10),
			entry.line,
		}
	}

	body, err := json.Marshal(lokiPush{
		Streams: []lokiStream{{Stream: c.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("marshaling loki push: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing logs to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki returned status %d", resp.StatusCode)
	}
	return nil
}
