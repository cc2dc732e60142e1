// Package analytics implements the AnalyticsStore: a write-only,
// append-only JSONL store with three streams (performance, ui_action,
// security_event), best-effort linear-scan reads, and periodic retention
// compaction.
//
// Grounded on the teacher's internal/long-term-archives package (manager
// + RetentionManager + pluggable Exporter interface), adapted from a
// Redis-stream-backed job archive to a local append-only file store per
// spec §4.7, with the same pluggable-sink shape (ClickHouse/S3) carried
// over as optional secondary mirrors rather than the primary store.
package analytics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stream names the three append-only logs per spec §4.7.
type Stream string

const (
	StreamPerformance   Stream = "performance"
	StreamUIAction      Stream = "ui_action"
	StreamSecurityEvent Stream = "security_event"
)

var allStreams = []Stream{StreamPerformance, StreamUIAction, StreamSecurityEvent}

// Record is one line of structured analytics data. Timestamp is always
// the leading field on disk, per spec.
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	PluginID  string                 `json:"plugin_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Sink optionally mirrors every appended record to a secondary durable
// store (ClickHouse, S3, ...). Mirroring failures are logged, never
// returned to the caller — the append-only file is the store of record.
type Sink interface {
	Mirror(stream Stream, r Record) error
	Close() error
}

// Store is the host-process singleton AnalyticsStore.
type Store struct {
	dir           string
	retention     time.Duration
	logger        *zap.Logger
	sinks         []Sink

	mu      sync.Mutex
	writers map[Stream]*os.File
}

// Open creates (or reuses) dir and one append-only file per stream.
// retention defaults to 30 days (spec §3: "retention ≤30 days in the
// store").
func Open(dir string, retention time.Duration, logger *zap.Logger, sinks ...Sink) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("analytics: create dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		retention: retention,
		logger:    logger,
		sinks:     sinks,
		writers:   make(map[Stream]*os.File),
	}

	for _, stream := range allStreams {
		f, err := os.OpenFile(s.pathFor(stream), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("analytics: open %s: %w", stream, err)
		}
		s.writers[stream] = f
	}
	return s, nil
}

func (s *Store) pathFor(stream Stream) string {
	return filepath.Join(s.dir, string(stream)+".jsonl")
}

// Append writes one record to stream, then mirrors it to every sink
// synchronously, so a slow sink delays Append. A sink error is logged and
// swallowed so a down ClickHouse/S3 sink never makes the append-only
// write fail.
func (s *Store) Append(stream Stream, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("analytics: marshal record: %w", err)
	}

	s.mu.Lock()
	f, ok := s.writers[stream]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("analytics: unknown stream %q", stream)
	}

	s.mu.Lock()
	_, err = f.Write(append(line, '\n'))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("analytics: append: %w", err)
	}

	for _, sink := range s.sinks {
		if err := sink.Mirror(stream, r); err != nil {
			s.logger.Warn("analytics sink mirror failed", zap.String("stream", string(stream)), zap.Error(err))
		}
	}
	return nil
}

// Read performs a best-effort linear scan of stream, returning records
// with Timestamp >= since. Malformed lines are skipped (best-effort, not
// an error) — the writer is append-only and the reader tolerates a torn
// tail line from a crash mid-write.
func (s *Store) Read(stream Stream, since time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.pathFor(stream))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("analytics: open %s for read: %w", stream, err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue // best-effort: tolerate a torn tail line
		}
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Compact rewrites every stream file keeping only records whose timestamp
// is within the retention window. On decode failure a line is kept (not
// dropped) to avoid data loss from transient schema drift, per spec §4.7.
// The rewrite is atomic: a temp file is written and renamed over the
// original so a crash mid-compaction never truncates the store.
func (s *Store) Compact(now time.Time) error {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stream := range allStreams {
		if err := s.compactStream(stream, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) compactStream(stream Stream, cutoff time.Time) error {
	path := s.pathFor(stream)
	in, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("analytics: compact open %s: %w", stream, err)
	}
	defer in.Close()

	tmpPath := path + ".compact.tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("analytics: compact create tmp: %w", err)
	}

	writer := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	kept := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			// Conservative: keep lines we can't parse.
			writer.Write(line)
			writer.WriteByte('\n')
			kept++
			continue
		}
		if !r.Timestamp.Before(cutoff) {
			writer.Write(line)
			writer.WriteByte('\n')
			kept++
		}
	}
	if err := writer.Flush(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("analytics: compact flush: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("analytics: compact close tmp: %w", err)
	}

	// Swap the live writer handle before renaming over the path it holds.
	oldWriter := s.writers[stream]
	if oldWriter != nil {
		oldWriter.Close()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("analytics: compact rename: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("analytics: reopen after compact: %w", err)
	}
	s.writers[stream] = f

	s.logger.Info("analytics stream compacted", zap.String("stream", string(stream)), zap.Int("lines_kept", kept))
	return nil
}

// Close flushes and closes all stream files and sinks.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.writers {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
