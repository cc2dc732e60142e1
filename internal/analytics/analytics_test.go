package analytics

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.Append(StreamPerformance, Record{Timestamp: now, PluginID: "p1", Fields: map[string]interface{}{"cpu": 12.5}}))
	require.NoError(t, s.Append(StreamPerformance, Record{Timestamp: now.Add(time.Second), PluginID: "p2"}))

	records, err := s.Read(StreamPerformance, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestReadFiltersBySince(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	base := time.Now()
	require.NoError(t, s.Append(StreamSecurityEvent, Record{Timestamp: base, PluginID: "p1"}))
	require.NoError(t, s.Append(StreamSecurityEvent, Record{Timestamp: base.Add(time.Hour), PluginID: "p1"}))

	records, err := s.Read(StreamSecurityEvent, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Timestamp.After(base))
}

func TestReadOnStreamWithNoWritesReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	records, err := s.Read(StreamUIAction, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestCompactDropsExpiredKeepsRecent is the retention-compaction contract:
// lines older than retention are dropped, recent ones survive.
func TestCompactDropsExpiredKeepsRecent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 24*time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.Append(StreamPerformance, Record{Timestamp: now.Add(-48 * time.Hour), PluginID: "old"}))
	require.NoError(t, s.Append(StreamPerformance, Record{Timestamp: now, PluginID: "new"}))

	require.NoError(t, s.Compact(now))

	records, err := s.Read(StreamPerformance, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].PluginID)
}

// TestCompactKeepsMalformedLineConservatively is the decode-failure
// contract from §4.7: on decode failure the line is kept, not dropped.
func TestCompactKeepsMalformedLineConservatively(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(StreamUIAction, Record{Timestamp: time.Now()}))

	// Inject a torn/malformed line directly, simulating a crash mid-write.
	s.mu.Lock()
	s.writers[StreamUIAction].WriteString("{not valid json\n")
	s.mu.Unlock()

	require.NoError(t, s.Compact(time.Now().Add(time.Hour)))

	raw, err := os.ReadFile(s.pathFor(StreamUIAction))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "{not valid json")
}

func TestAppendAfterCompactStillWorks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(StreamPerformance, Record{Timestamp: time.Now()}))
	require.NoError(t, s.Compact(time.Now()))
	require.NoError(t, s.Append(StreamPerformance, Record{Timestamp: time.Now()}))

	records, err := s.Read(StreamPerformance, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

type fakeSink struct {
	mirrored []Record
	closed   bool
}

func (f *fakeSink) Mirror(stream Stream, r Record) error {
	f.mirrored = append(f.mirrored, r)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestSinkReceivesMirroredRecords(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	s, err := Open(dir, 0, nil, sink)
	require.NoError(t, err)

	require.NoError(t, s.Append(StreamPerformance, Record{Timestamp: time.Now()}))
	assert.Len(t, sink.mirrored, 1)

	require.NoError(t, s.Close())
	assert.True(t, sink.closed)
}
