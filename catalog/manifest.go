package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MetadataFile is the base name of the spatial index file in a manifest.
	MetadataFile = "metadata.bin"
	// PayloadDir is the base name of the payload directory in a manifest.
	PayloadDir = "particles"
	// ManifestExt is the extension of manifest files.
	ManifestExt = ".json"
)

// Compression is the encoding of payload files on disk.
type Compression string

// Supported payload encodings.
const (
	CompressionNone = Compression("none")
	CompressionZstd = Compression("zstd")
)

//go:embed manifest.schema.json
var manifestSchemaText string

var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchemaText)

// Manifest describes the files of a catalog. Entries are relative to the catalog directory
// unless absolute.
type Manifest struct {
	Files       []string    `json:"files"`
	Compression Compression `json:"compression,omitempty"`
	Scale       float64     `json:"scale,omitempty"`
}

// ManifestName returns the manifest file name of the catalog called name. Underscores in
// catalog names become dashes in manifest names.
func ManifestName(name string) string {
	return strings.ReplaceAll(name, "_", "-") + ManifestExt
}

// FindManifest returns the path of the manifest of the catalog called name stored in dir. The
// manifest named after the catalog wins; otherwise the directory must hold exactly one file with
// the manifest extension.
func FindManifest(dir, name string) (string, error) {
	path := filepath.Join(dir, ManifestName(name))
	if _, err := os.Stat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+ManifestExt))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", errors.Wrapf(os.ErrNotExist, "no manifest in %q", dir)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Errorf("%q has no %s and %d candidate manifests %v",
			dir, ManifestName(name), len(matches), lo.Map(matches, func(m string, _ int) string {
				return filepath.Base(m)
			}))
	}
}

// PayloadFileName returns the name of the payload file of an octant.
func PayloadFileName(id int64, c Compression) string {
	name := fmt.Sprintf("particles_%06d.bin", id)
	if c == CompressionZstd {
		name += ".zst"
	}
	return name
}

// ParseManifest validates data against the manifest schema and decodes it.
func ParseManifest(data []byte) (Manifest, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, errors.Wrap(err, "manifest is not valid JSON")
	}
	if err := manifestSchema.Validate(raw); err != nil {
		return Manifest{}, errors.Wrap(err, "invalid manifest")
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, errors.Wrap(err, "decoding manifest")
	}
	if m.Compression == "" {
		m.Compression = CompressionNone
	}
	if m.Scale == 0 {
		m.Scale = 1
	}
	return m, nil
}

// ReadManifest reads and validates the manifest at path.
func ReadManifest(path string) (Manifest, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "reading manifest")
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, errors.Wrapf(err, "manifest %q", path)
	}
	return m, nil
}

// WriteManifest writes m as the manifest of the catalog called name stored in dir.
func WriteManifest(dir, name string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	//nolint:gosec
	return os.WriteFile(filepath.Join(dir, ManifestName(name)), data, 0o644)
}

// entry returns the single manifest entry whose base name is base.
func (m Manifest) entry(base string) (string, error) {
	matches := lo.Filter(m.Files, func(f string, _ int) bool {
		return filepath.Base(filepath.Clean(f)) == base
	})
	switch len(matches) {
	case 0:
		return "", errors.Errorf("manifest has no %q entry", base)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Errorf("manifest has %d %q entries: %v", len(matches), base, matches)
	}
}
