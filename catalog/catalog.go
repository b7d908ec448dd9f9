// Package catalog locates the files of a named star catalog and builds its spatial index.
//
// A catalog named "gaia_dr3" lives in <root>/gaia_dr3 and is described by the manifest
// gaia-dr3.json in that directory, or by the only .json file there when that one is missing. The
// manifest must list exactly one metadata.bin entry and
// exactly one particles entry.
package catalog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/starfield/codec"
	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/octree"
)

// Catalog is an opened catalog. It is safe for concurrent use.
type Catalog struct {
	name        string
	dir         string
	payloadDir  string
	compression Compression
	units       codec.Units
	tree        *octree.Octree
}

type options struct {
	datasetScale float64
}

// Option configures Open.
type Option func(*options)

// WithDatasetScale multiplies the manifest's scale by s.
func WithDatasetScale(s float64) Option {
	return func(o *options) {
		o.datasetScale = s
	}
}

// Open locates the catalog called name under root, validates its manifest and builds its
// octree. Every failure is fatal: there is no partially opened catalog.
func Open(root, name string, logger logging.Logger, opts ...Option) (*Catalog, error) {
	o := options{datasetScale: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		return nil, errors.New("catalog name is required")
	}

	dir := filepath.Join(root, name)
	manifestPath, err := FindManifest(dir, name)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %q", name)
	}
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	metadata, err := manifest.entry(MetadataFile)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %q", name)
	}
	payloads, err := manifest.entry(PayloadDir)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %q", name)
	}
	metadata = resolve(dir, metadata)
	payloads = resolve(dir, payloads)

	info, err := os.Stat(payloads)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %q payload directory", name)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("catalog %q payload path %q is not a directory", name, payloads)
	}

	units, err := codec.NewUnits(manifest.Scale * o.datasetScale)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %q", name)
	}

	tree, err := octree.FromFile(metadata, units, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %q", name)
	}
	logger.Infow("catalog opened",
		"catalog", name,
		"octants", tree.Len(),
		"compression", manifest.Compression,
		"scale", units.Scale,
	)

	return &Catalog{
		name:        name,
		dir:         dir,
		payloadDir:  payloads,
		compression: manifest.Compression,
		units:       units,
		tree:        tree,
	}, nil
}

func resolve(dir, entry string) string {
	if filepath.IsAbs(entry) {
		return filepath.Clean(entry)
	}
	return filepath.Join(dir, entry)
}

// Name returns the catalog name.
func (c *Catalog) Name() string {
	return c.name
}

// Tree returns the catalog's octree.
func (c *Catalog) Tree() *octree.Octree {
	return c.tree
}

// PayloadDir returns the directory holding the payload files.
func (c *Catalog) PayloadDir() string {
	return c.payloadDir
}

// Compression returns the payload file encoding.
func (c *Catalog) Compression() Compression {
	return c.compression
}

// Units returns the units shared by the octree and the payloads.
func (c *Catalog) Units() codec.Units {
	return c.units
}

// PayloadPath returns the path of the payload file of the octant with the given id.
func (c *Catalog) PayloadPath(id int64) string {
	return filepath.Join(c.payloadDir, PayloadFileName(id, c.compression))
}

// OpenPayload opens the payload file of an octant, decompressing it if needed.
func (c *Catalog) OpenPayload(id int64) (io.ReadCloser, error) {
	return OpenPayloadFile(c.PayloadPath(id), c.compression)
}

// OpenPayloadFile opens the payload at path.
func OpenPayloadFile(path string, c Compression) (io.ReadCloser, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if c != CompressionZstd {
		return f, nil
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "zstd payload %q", path), f.Close())
	}
	return &zstdFile{Decoder: dec, f: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}
