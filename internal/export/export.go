// Package export implements the encrypted GDPR export container described
// in spec §6: a passphrase-derived AES-256-GCM envelope around a ZIP
// archive of a plugin's analytics records. Build and Open are the
// encrypt/decrypt round trip; a wrong passphrase surfaces as
// IdentityMismatch the same way internal/identity reports a claimed vs.
// verified mismatch elsewhere in this codebase.
package export

import (
	"archive/zip"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

const (
	// Magic identifies the container format; Open rejects anything else.
	Magic = "CONNECTIAS_GDPR_EXPORT"
	// FormatVersion is the only version Open currently understands.
	FormatVersion uint32 = 1

	saltLen = 16
	ivLen   = 12
	keyLen  = 32

	// DefaultIterations is the PBKDF2WithHmacSHA256 iteration count spec
	// §6 fixes at 150,000.
	DefaultIterations = 150000
)

// Uploader mirrors internal/analytics.S3Sink.UploadExportArchive so this
// package depends only on that method, not on the concrete S3Sink;
// internal/analytics never imports this package, keeping the dependency
// direction one-way.
type Uploader interface {
	UploadExportArchive(pluginID string, data []byte) (string, error)
}

// Manifest is the export.json payload: every analytics record the plugin
// generated, grouped by stream, per spec §6's privacy-export scope.
type Manifest struct {
	PluginID   string                                   `json:"plugin_id"`
	ExportedAt time.Time                                `json:"exported_at"`
	Streams    map[analytics.Stream][]analytics.Record `json:"streams"`
}

// CollectRecords reads every stream from store for pluginID, for use as
// Build's input. since bounds how far back to collect, mirroring
// Store.Read's own since parameter.
func CollectRecords(store *analytics.Store, pluginID string, since time.Time) (map[analytics.Stream][]analytics.Record, error) {
	streams := []analytics.Stream{analytics.StreamPerformance, analytics.StreamUIAction, analytics.StreamSecurityEvent}
	out := make(map[analytics.Stream][]analytics.Record, len(streams))
	for _, stream := range streams {
		all, err := store.Read(stream, since)
		if err != nil {
			return nil, fmt.Errorf("export: read %s: %w", stream, err)
		}
		var mine []analytics.Record
		for _, r := range all {
			if r.PluginID == pluginID {
				mine = append(mine, r)
			}
		}
		out[stream] = mine
	}
	return out, nil
}

// Build encrypts pluginID's records into the GDPR export container: a ZIP
// of export.json plus one CSV sibling per stream, sealed with
// AES-256-GCM under a PBKDF2WithHmacSHA256-derived key. iterations <= 0
// uses DefaultIterations.
func Build(pluginID, passphrase string, records map[analytics.Stream][]analytics.Record, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	zipped, err := zipManifest(pluginID, records)
	if err != nil {
		return nil, fmt.Errorf("export: build archive: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("export: salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("export: iv: %w", err)
	}

	gcm, err := newGCM(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, iv, zipped, nil)

	var buf bytes.Buffer
	buf.WriteString(Magic)
	_ = binary.Write(&buf, binary.BigEndian, FormatVersion)
	buf.WriteByte(byte(saltLen))
	buf.Write(salt)
	buf.WriteByte(byte(ivLen))
	buf.Write(iv)
	buf.Write(ciphertext)

	return buf.Bytes(), nil
}

// Header is the unencrypted prefix of a container, readable without a
// passphrase.
type Header struct {
	Magic   string
	Version uint32
	SaltLen int
	IVLen   int
}

// ParseHeader reads container's header without attempting decryption, for
// inspecting the magic/version/salt/IV lengths the format guarantees per
// spec §6's testable scenario.
func ParseHeader(container []byte) (Header, error) {
	r := bytes.NewReader(container)

	magicBuf := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return Header{}, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated magic")
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return Header{}, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated header")
	}

	saltLenByte, err := r.ReadByte()
	if err != nil {
		return Header{}, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated salt length")
	}
	if _, err := r.Seek(int64(saltLenByte), io.SeekCurrent); err != nil {
		return Header{}, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated salt")
	}

	ivLenByte, err := r.ReadByte()
	if err != nil {
		return Header{}, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated iv length")
	}

	return Header{
		Magic:   string(magicBuf),
		Version: version,
		SaltLen: int(saltLenByte),
		IVLen:   int(ivLenByte),
	}, nil
}

// Open decrypts container with passphrase (using the same iteration count
// Build was called with) and returns the export.json bytes it contains.
func Open(passphrase string, container []byte, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	r := bytes.NewReader(container)

	magicBuf := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil || string(magicBuf) != Magic {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "export: bad magic")
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated header")
	}
	if version != FormatVersion {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, fmt.Sprintf("export: unsupported version %d", version))
	}

	salt, err := readLenPrefixed(r, saltLen)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated salt")
	}
	iv, err := readLenPrefixed(r, ivLen)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "export: truncated iv")
	}

	ciphertext, err := io.ReadAll(r)
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "export: read ciphertext", err)
	}

	gcm, err := newGCM(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}

	zipped, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		// A wrong passphrase fails GCM authentication, reported the same
		// way a claimed-vs-verified identity mismatch is elsewhere.
		return nil, sandboxerr.New(sandboxerr.IdentityMismatch, "export: wrong passphrase or corrupt archive")
	}

	return manifestJSONFromZip(zipped)
}

func readLenPrefixed(r *bytes.Reader, want int) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil || int(n) != want {
		return nil, fmt.Errorf("unexpected length")
	}
	buf := make([]byte, want)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func newGCM(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "export: cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "export: gcm", err)
	}
	return gcm, nil
}

func zipManifest(pluginID string, records map[analytics.Stream][]analytics.Record) ([]byte, error) {
	manifest := Manifest{PluginID: pluginID, ExportedAt: time.Now(), Streams: records}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	jw, err := zw.Create("export.json")
	if err != nil {
		return nil, err
	}
	if _, err := jw.Write(manifestJSON); err != nil {
		return nil, err
	}

	for stream, recs := range records {
		cw, err := zw.Create(string(stream) + ".csv")
		if err != nil {
			return nil, err
		}
		w := csv.NewWriter(cw)
		if err := w.Write([]string{"timestamp", "plugin_id", "fields"}); err != nil {
			return nil, err
		}
		for _, rec := range recs {
			fieldsJSON, err := json.Marshal(rec.Fields)
			if err != nil {
				return nil, err
			}
			if err := w.Write([]string{rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.PluginID, string(fieldsJSON)}); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func manifestJSONFromZip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "export: open zip", err)
	}
	for _, f := range zr.File {
		if f.Name == "export.json" {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, sandboxerr.New(sandboxerr.NotFound, "export: export.json missing from archive")
}
