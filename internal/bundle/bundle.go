// Package bundle loads and validates a declarative plugin bundle: a
// directory tree containing plugin-manifest.json, signature.json, flows/
// (JSON) and ui/ (YAML screens) under it, per spec §6's on-disk layout.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/connectias/sandboxcore/internal/capability"
)

// Manifest is the parsed plugin-manifest.json contract.
type Manifest struct {
	SchemaVersion        int                     `json:"schema_version"`
	PluginID             string                  `json:"id"`
	Name                 string                  `json:"name"`
	Version              string                  `json:"version"`
	DeclaredCapabilities []capability.Capability `json:"declared_capabilities"`
	EntryPoints          []string                `json:"entry_points"`
}

// Signature is the parsed signature.json contract.
type Signature struct {
	Algorithm     string `json:"algorithm"`
	DeveloperID   string `json:"developer_id"`
	PublicKey     string `json:"public_key"`
	ContentDigest string `json:"content_digest_hex"`
	Signature     string `json:"signature"`
	SigningEpoch  int64  `json:"signing_epoch"`
}

// Bundle is a fully loaded, schema-validated plugin bundle.
type Bundle struct {
	RootDir   string
	Manifest  Manifest
	Signature Signature
	Digest    [32]byte // recomputed content digest of every file in the bundle tree, used by identity.Attest
}

const manifestSchema = `{
  "type": "object",
  "required": ["schema_version", "id", "name", "version", "entry_points"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "id": {"type": "string", "minLength": 1, "maxLength": 64},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "declared_capabilities": {"type": "array", "items": {"type": "string"}},
    "entry_points": {"type": "array", "items": {"type": "string"}, "minItems": 1}
  }
}`

// Load reads and validates a plugin bundle rooted at dir.
func Load(dir string) (*Bundle, error) {
	manifestPath := filepath.Join(dir, "plugin-manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("bundle: read manifest: %w", err)
	}

	if err := validateManifestSchema(raw); err != nil {
		return nil, fmt.Errorf("bundle: manifest schema: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("bundle: decode manifest: %w", err)
	}

	sigPath := filepath.Join(dir, "signature.json")
	sigRaw, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("bundle: read signature: %w", err)
	}
	var sig Signature
	if err := json.Unmarshal(sigRaw, &sig); err != nil {
		return nil, fmt.Errorf("bundle: decode signature: %w", err)
	}

	digest, err := digestTree(dir)
	if err != nil {
		return nil, fmt.Errorf("bundle: digest: %w", err)
	}

	return &Bundle{RootDir: dir, Manifest: m, Signature: sig, Digest: digest}, nil
}

func validateManifestSchema(raw []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(manifestSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if !result.Valid() {
		msg := "manifest failed schema validation:"
		for _, e := range result.Errors() {
			msg += " " + e.String() + ";"
		}
		return fmt.Errorf(msg)
	}
	return nil
}

// digestTree computes a stable content digest over every regular file
// under dir (signature.json included), hashing each relative path and its
// contents in deterministic path order, for the
// claimed-vs-verified identity cross-check in internal/identity.
func digestTree(dir string) ([32]byte, error) {
	h := sha256.New()

	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}

	sortStrings(paths)
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return [32]byte{}, err
		}
		h.Write([]byte(rel))
		h.Write(data)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// DigestHex returns the hex-encoded content digest, matching the
// content_digest_hex field format used by signature.json.
func (b *Bundle) DigestHex() string {
	return hex.EncodeToString(b.Digest[:])
}

// FlowFile loads a single flow definition from <root>/flows/<name>; name
// includes the file extension, none is added.
func (b *Bundle) FlowFile(name string) ([]byte, error) {
	path := filepath.Join(b.RootDir, "flows", name)
	return os.ReadFile(path)
}

// UIScreen loads and decodes a ui/<name> screen definition. Screen
// definitions are YAML, unlike the JSON manifest/flow files, matching
// how the pack's UI-builder examples author screens by hand.
func (b *Bundle) UIScreen(name string, out interface{}) error {
	path := filepath.Join(b.RootDir, "ui", name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bundle: read ui screen %s: %w", name, err)
	}
	return decodeYAML(data, out)
}

// decodeYAML is a small helper backing UIScreen, which the pack's other
// examples load as YAML rather than JSON.
func decodeYAML(data []byte, out interface{}) error {
	return yaml.Unmarshal(data, out)
}
