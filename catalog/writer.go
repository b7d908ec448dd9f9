package catalog

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/starfield/codec"
)

// PayloadVersion is the version written to the extended header of payload files.
const PayloadVersion = 2

// WriteOptions controls Write.
type WriteOptions struct {
	// Units is used for the metadata and every payload. Zero means codec.DefaultUnits.
	Units       codec.Units
	Compression Compression
	// Parallelism bounds the payload files written at once. Zero means 8.
	Parallelism int
	// Skip lists octant ids whose payload file is not written.
	Skip []int64
}

// Write writes a complete catalog called name under root: its manifest, its metadata file and
// one payload file per octant holding the particles returned by payload. It returns the
// catalog's directory.
func Write(
	root, name string,
	octants []codec.Octant,
	payload func(codec.Octant) []codec.Particle,
	opts WriteOptions,
) (string, error) {
	if opts.Units.Scale == 0 {
		opts.Units = codec.DefaultUnits
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	dir := filepath.Join(root, name)
	payloadDir := filepath.Join(dir, PayloadDir)
	if err := os.MkdirAll(payloadDir, 0o750); err != nil {
		return "", err
	}

	m := Manifest{
		Files:       []string{MetadataFile, PayloadDir},
		Compression: opts.Compression,
		Scale:       opts.Units.Scale / codec.InternalUnitToParsec,
	}
	if err := WriteManifest(dir, name, m); err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(dir, MetadataFile), CompressionNone, func(w io.Writer) error {
		return WriteMetadata(w, octants, opts.Units)
	}); err != nil {
		return "", err
	}

	skip := map[int64]bool{}
	for _, id := range opts.Skip {
		skip[id] = true
	}
	var g errgroup.Group
	g.SetLimit(opts.Parallelism)
	for _, o := range octants {
		if skip[o.ID] {
			continue
		}
		g.Go(func() error {
			path := filepath.Join(payloadDir, PayloadFileName(o.ID, opts.Compression))
			return writeFile(path, opts.Compression, func(w io.Writer) error {
				return WritePayload(w, payload(o), opts.Units)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteMetadata writes a complete metadata file.
func WriteMetadata(w io.Writer, octants []codec.Octant, units codec.Units) error {
	if err := codec.WriteHeader(w, codec.Header{Count: int32(len(octants))}); err != nil {
		return err
	}
	for _, o := range octants {
		if err := codec.WriteOctant(w, o, units); err != nil {
			return err
		}
	}
	return nil
}

// WritePayload writes a complete payload file with an extended header.
func WritePayload(w io.Writer, particles []codec.Particle, units codec.Units) error {
	h := codec.Header{Extended: true, Version: PayloadVersion, Count: int32(len(particles))}
	if err := codec.WriteHeader(w, h); err != nil {
		return err
	}
	for _, p := range particles {
		if err := codec.WriteParticle(w, p, units); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, c Compression, write func(io.Writer) error) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var enc *zstd.Encoder
	if c == CompressionZstd {
		enc, err = zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return errors.Wrap(err, "creating zstd writer")
		}
		w = enc
	}
	if err := write(w); err != nil {
		if enc != nil {
			goutils.UncheckedError(enc.Close())
		}
		return errors.Wrapf(err, "writing %q", path)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}
