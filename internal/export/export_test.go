package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

func sampleRecords() map[analytics.Stream][]analytics.Record {
	return map[analytics.Stream][]analytics.Record{
		analytics.StreamPerformance: {
			{Timestamp: time.Unix(1700000000, 0), PluginID: "demo", Fields: map[string]interface{}{"cpu_percent": 12.5}},
		},
		analytics.StreamUIAction: {
			{Timestamp: time.Unix(1700000001, 0), PluginID: "demo", Fields: map[string]interface{}{"action": "tap"}},
		},
		analytics.StreamSecurityEvent: nil,
	}
}

// TestBuildOpenRoundTrip is spec scenario 6: encrypt with a passphrase,
// decrypt, and recover byte-identical export.json content.
func TestBuildOpenRoundTrip(t *testing.T) {
	records := sampleRecords()
	container, err := Build("demo", "correct horse battery staple", records, 1000)
	require.NoError(t, err)

	out1, err := Open("correct horse battery staple", container, 1000)
	require.NoError(t, err)

	out2, err := Open("correct horse battery staple", container, 1000)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Contains(t, string(out1), `"plugin_id": "demo"`)
	assert.Contains(t, string(out1), "cpu_percent")
}

// TestHeaderMatchesSpecFormat asserts the container header fields exactly
// match spec §6: magic CONNECTIAS_GDPR_EXPORT, version 1, salt length 16,
// IV length 12.
func TestHeaderMatchesSpecFormat(t *testing.T) {
	container, err := Build("demo", "correct horse battery staple", sampleRecords(), 1000)
	require.NoError(t, err)

	hdr, err := ParseHeader(container)
	require.NoError(t, err)
	assert.Equal(t, "CONNECTIAS_GDPR_EXPORT", hdr.Magic)
	assert.Equal(t, uint32(1), hdr.Version)
	assert.Equal(t, 16, hdr.SaltLen)
	assert.Equal(t, 12, hdr.IVLen)
}

func TestOpenWrongPassphraseFailsAsIdentityMismatch(t *testing.T) {
	container, err := Build("demo", "correct horse battery staple", sampleRecords(), 1000)
	require.NoError(t, err)

	_, err = Open("wrong passphrase", container, 1000)
	require.Error(t, err)
	assert.Equal(t, sandboxerr.IdentityMismatch, sandboxerr.CodeOf(err))
}

func TestOpenRejectsTruncatedContainer(t *testing.T) {
	container, err := Build("demo", "pw", sampleRecords(), 1000)
	require.NoError(t, err)

	_, err = Open("pw", container[:10], 1000)
	require.Error(t, err)
}

func TestOpenRejectsWrongMagic(t *testing.T) {
	container, err := Build("demo", "pw", sampleRecords(), 1000)
	require.NoError(t, err)
	tampered := append([]byte{}, container...)
	tampered[0] = 'X'

	_, err = Open("pw", tampered, 1000)
	require.Error(t, err)
}

func TestBuildUsesDefaultIterationsWhenUnset(t *testing.T) {
	container, err := Build("demo", "pw", sampleRecords(), 0)
	require.NoError(t, err)
	out, err := Open("pw", container, 0)
	require.NoError(t, err)
	assert.Contains(t, string(out), "demo")
}

func TestCollectRecordsFiltersByPlugin(t *testing.T) {
	dir := t.TempDir()
	store, err := analytics.Open(dir, 0, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(analytics.StreamPerformance, analytics.Record{PluginID: "demo", Fields: map[string]interface{}{"a": 1.0}}))
	require.NoError(t, store.Append(analytics.StreamPerformance, analytics.Record{PluginID: "other", Fields: map[string]interface{}{"a": 2.0}}))

	records, err := CollectRecords(store, "demo", time.Time{})
	require.NoError(t, err)
	require.Len(t, records[analytics.StreamPerformance], 1)
	assert.Equal(t, "demo", records[analytics.StreamPerformance][0].PluginID)
}
