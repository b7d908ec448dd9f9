// Package codec decodes and encodes the two big-endian binary layouts of a star catalog: the
// octree metadata file and the per-octant particle payload files.
//
// Both files start with a record count header. A non-negative 32 bit token is the count itself;
// a negative token announces an extended header where a version and the count follow. Records
// are then read one by one, and a record that cannot be decoded silently ends the sequence.
package codec

import "github.com/pkg/errors"

const (
	// InternalUnit is the length of one catalog distance unit in meters.
	InternalUnit = 1e10
	// Parsec is one parsec in meters.
	Parsec = 30_856_775_814_913_673.0
	// InternalUnitToParsec converts catalog distance units to parsecs.
	InternalUnitToParsec = InternalUnit / Parsec
)

// Units carries the scale applied to every position and extent field. The same value must be
// used for the metadata file and the payload files of a catalog, otherwise cell bounds and star
// positions diverge.
type Units struct {
	Scale float64
}

// DefaultUnits converts catalog units to parsecs with no extra dataset scaling.
var DefaultUnits = Units{Scale: InternalUnitToParsec}

// NewUnits returns units converting to parsecs and then multiplying by datasetScale.
func NewUnits(datasetScale float64) (Units, error) {
	if datasetScale <= 0 {
		return Units{}, errors.Errorf("dataset scale must be positive, got %f", datasetScale)
	}
	return Units{Scale: InternalUnitToParsec * datasetScale}, nil
}
