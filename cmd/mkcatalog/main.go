// Package main writes a synthetic star catalog that cmd/starfield can stream.
package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/starfield/catalog"
	"go.viam.com/starfield/catalog/synthetic"
	"go.viam.com/starfield/logging"
)

var logger = logging.NewLogger("mkcatalog")

// Arguments for the command.
type Arguments struct {
	Root     string `flag:"root,default=./data/catalogs,usage=directory to write the catalog into"`
	Name     string `flag:"name,required,usage=catalog name"`
	Depth    int    `flag:"depth,default=3,usage=octree depth below the root"`
	HalfSize int    `flag:"half-size,default=100,usage=half the edge of the root cube in parsecs"`
	Stars    int    `flag:"stars,default=64,usage=stars per octant"`
	Zstd     bool   `flag:"zstd,usage=compress payload files with zstd"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Depth < 0 || argsParsed.Depth > 6 {
		return errors.Errorf("depth must be within [0, 6], got %d", argsParsed.Depth)
	}
	if argsParsed.HalfSize <= 0 {
		return errors.Errorf("half-size must be positive, got %d", argsParsed.HalfSize)
	}
	if argsParsed.Stars < 0 || argsParsed.Stars > 1<<20 {
		return errors.Errorf("stars must be within [0, %d], got %d", 1<<20, argsParsed.Stars)
	}

	compression := catalog.CompressionNone
	if argsParsed.Zstd {
		compression = catalog.CompressionZstd
	}
	octants := synthetic.Octants(argsParsed.Depth, float64(argsParsed.HalfSize), int32(argsParsed.Stars))

	start := time.Now()
	dir, err := catalog.Write(argsParsed.Root, argsParsed.Name, octants, synthetic.Payload(argsParsed.Stars),
		catalog.WriteOptions{Compression: compression})
	if err != nil {
		return err
	}
	logger.Infow("catalog written",
		"dir", dir,
		"manifest", catalog.ManifestName(argsParsed.Name),
		"octants", len(octants),
		"stars", len(octants)*argsParsed.Stars,
		"compression", compression,
		"took", time.Since(start),
	)
	return ctx.Err()
}
