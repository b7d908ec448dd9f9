// Package octree implements the immutable spatial index of a star catalog.
//
// The tree is a flat slice of octants whose child slots are resolved from catalog ids to slice
// positions when the tree is built. Nothing can modify a tree afterwards, which is what makes
// an Index a stable key for the lifetime of the process.
package octree

import (
	"iter"
	"os"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"go.viam.com/starfield/codec"
	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/spatialmath"
)

var (
	// ErrNoRoot is returned when no octant has depth 0.
	ErrNoRoot = errors.New("octree has no root octant")
	// ErrMultipleRoots is returned when more than one octant has depth 0.
	ErrMultipleRoots = errors.New("octree has more than one root octant")
	// ErrUnresolvedChild is returned when a child slot refers to an id not present in the tree.
	ErrUnresolvedChild = errors.New("octant child id not found")
	// ErrDuplicateID is returned when two octants share an id.
	ErrDuplicateID = errors.New("duplicate octant id")
	// ErrChildDepth is returned when a child is not deeper than its parent, which is also how
	// cycles show up.
	ErrChildDepth = errors.New("octant child is not deeper than its parent")
)

// Index is the position of an octant inside one Octree. Indexes are handed out by the tree
// itself; the zero Index refers to nothing.
type Index struct {
	pos uint32 // position + 1
}

func newIndex(pos int) Index {
	return Index{pos: uint32(pos) + 1}
}

// Valid reports whether i was produced by a tree.
func (i Index) Valid() bool {
	return i.pos != 0
}

// Pos returns the array position of i. It is only meaningful for valid indexes.
func (i Index) Pos() uint32 {
	return i.pos - 1
}

// Hit is a search result.
type Hit struct {
	Index  Index
	Octant codec.Octant
}

// Octree is an immutable octree.
type Octree struct {
	octants []codec.Octant
	root    int
}

// New builds a tree from octants in any order. Child slots of the returned octants hold
// positions in the tree instead of ids.
func New(octants []codec.Octant) (*Octree, error) {
	if len(octants) > int(^uint32(0)>>1) {
		return nil, errors.Errorf("too many octants: %d", len(octants))
	}
	nodes := make([]codec.Octant, len(octants))
	copy(nodes, octants)

	root := -1
	positions := make(map[int64]int, len(nodes))
	for i, o := range nodes {
		if prev, ok := positions[o.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateID, "id %d at positions %d and %d", o.ID, prev, i)
		}
		positions[o.ID] = i
		if o.Depth == 0 {
			if root >= 0 {
				return nil, errors.Wrapf(ErrMultipleRoots, "octants %d and %d", nodes[root].ID, o.ID)
			}
			root = i
		}
	}
	if root < 0 {
		return nil, ErrNoRoot
	}

	for i := range nodes {
		for slot, child := range nodes[i].Children {
			if child == codec.NoChild {
				continue
			}
			pos, ok := positions[child]
			if !ok {
				return nil, errors.Wrapf(ErrUnresolvedChild, "octant %d slot %d refers to %d", nodes[i].ID, slot, child)
			}
			if nodes[pos].Depth <= nodes[i].Depth {
				return nil, errors.Wrapf(ErrChildDepth, "octant %d (depth %d) slot %d refers to %d (depth %d)",
					nodes[i].ID, nodes[i].Depth, slot, child, nodes[pos].Depth)
			}
			nodes[i].Children[slot] = int64(pos)
		}
	}
	return &Octree{octants: nodes, root: root}, nil
}

// FromFile decodes the metadata file at path and builds a tree from it.
func FromFile(path string, units codec.Units, logger logging.Logger) (*Octree, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warnw("failed to close metadata file", "path", path, "error", err)
		}
	}()

	header, octants, err := codec.ReadOctants(f, units)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	if int(header.Count) != len(octants) {
		logger.Warnw("metadata file ended early", "path", path, "declared", header.Count, "decoded", len(octants))
	}
	tree, err := New(octants)
	if err != nil {
		return nil, errors.Wrapf(err, "building octree from %q", path)
	}
	logger.Debugw("octree built", "path", path, "octants", tree.Len(), "version", header.Version)
	return tree, nil
}

// Len returns the number of octants.
func (t *Octree) Len() int {
	return len(t.octants)
}

// Root returns the index of the root octant.
func (t *Octree) Root() Index {
	return newIndex(t.root)
}

// At returns the octant at i. It panics when i does not come from t.
func (t *Octree) At(i Index) codec.Octant {
	if !i.Valid() || int(i.Pos()) >= len(t.octants) {
		panic(errors.Errorf("octree index %d out of range", i.Pos()))
	}
	return t.octants[i.Pos()]
}

// All ranges over every octant in array order.
func (t *Octree) All() iter.Seq2[Index, codec.Octant] {
	return func(yield func(Index, codec.Octant) bool) {
		for i, o := range t.octants {
			if !yield(newIndex(i), o) {
				return
			}
		}
	}
}

// Search returns every octant whose bounds intersect s, walking depth first from the root and
// skipping the subtrees of octants that do not intersect. Children are assumed to lie inside
// their parent. An octant shared by several parents is reported once. The order of the result
// is unspecified.
func (t *Octree) Search(s spatialmath.Sphere) []Hit {
	var hits []Hit
	t.search(s, func(h Hit) { hits = append(hits, h) })
	return hits
}

func (t *Octree) search(s spatialmath.Sphere, visit func(Hit)) {
	seen := roaring.New()
	stack := []int{t.root}
	for len(stack) > 0 {
		pos := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.CheckedAdd(uint32(pos)) {
			continue
		}

		o := &t.octants[pos]
		if !s.IntersectsBox(o.Bounds) {
			continue
		}
		visit(Hit{Index: newIndex(pos), Octant: *o})
		for _, child := range o.Children {
			if child != codec.NoChild {
				stack = append(stack, int(child))
			}
		}
	}
}
