// Package loki ships zerolog JSON output to Grafana Loki.
//
// Lines are grouped into streams by their "level" and "component" fields, so
// audit events (component=audit) can be queried apart from server logs.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static labels added to every stream
	BatchSize     int               // Max buffered lines before a flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer is an io.Writer that buffers log lines and pushes them to Loki.
// Write never fails; push errors are counted and reported on stderr.
type Writer struct {
	pushURL   string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []line

	kick    chan struct{}
	pushMu  sync.Mutex
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type line struct {
	ts        time.Time
	level     string
	component string
	text      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a writer. Call Run to start periodic flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "assetstore"}
	maps.Copy(labels, cfg.Labels)

	return &Writer{
		pushURL:   strings.TrimRight(cfg.URL, "/") + "/loki/api/v1/push",
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		kick:      make(chan struct{}, 1),
	}
}

// Write buffers one zerolog line.
func (w *Writer) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" {
		return len(p), nil
	}

	l := line{ts: time.Now(), text: text}
	var fields struct {
		Level     string `json:"level"`
		Component string `json:"component"`
	}
	if json.Unmarshal(p, &fields) == nil {
		l.level = fields.Level
		l.component = fields.Component
	}

	w.mu.Lock()
	// Cap the buffer so an unreachable Loki cannot grow memory without bound.
	if len(w.pending) >= w.batchSize*10 {
		w.mu.Unlock()
		w.dropped.Add(1)
		return len(p), nil
	}
	w.pending = append(w.pending, l)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Run flushes on every interval or full batch until ctx is done, then flushes
// what is left.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return
		case <-ticker.C:
			w.Flush()
		case <-w.kick:
			w.Flush()
		}
	}
}

// Flush pushes every buffered line in one request.
func (w *Writer) Flush() {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := w.push(batch); err != nil {
		// stderr, not zerolog: logging here would feed back into this writer.
		if n := w.failed.Add(1); n <= 3 {
			fmt.Fprintf(os.Stderr, "loki: push failed: %v\n", err)
		}
	}
}

func (w *Writer) push(batch []line) error {
	data, err := json.Marshal(pushRequest{Streams: w.group(batch)})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// group splits a batch into one stream per level/component pair. Streams
// are ordered by key so requests are deterministic.
func (w *Writer) group(batch []line) []stream {
	byKey := make(map[string]*stream)
	var keys []string
	for _, l := range batch {
		key := l.level + "\x00" + l.component
		s, ok := byKey[key]
		if !ok {
			labels := maps.Clone(w.labels)
			if l.level != "" {
				labels["level"] = l.level
			}
			if l.component != "" {
				labels["component"] = l.component
			}
			s = &stream{Stream: labels}
			byKey[key] = s
			keys = append(keys, key)
		}
		s.Values = append(s.Values, [2]string{strconv.FormatInt(l.ts.UnixNano(), 10), l.text})
	}

	sort.Strings(keys)
	out := make([]stream, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

// Failures returns the number of failed pushes.
func (w *Writer) Failures() uint64 {
	return w.failed.Load()
}

// Dropped returns the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}
