package octree_test

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/starfield/catalog"
	"go.viam.com/starfield/catalog/synthetic"
	"go.viam.com/starfield/codec"
	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/octree"
	"go.viam.com/starfield/spatialmath"
)

func noChildren() [codec.MaxChildren]int64 {
	var c [codec.MaxChildren]int64
	for i := range c {
		c[i] = codec.NoChild
	}
	return c
}

func cube(min, max float64) spatialmath.Box {
	return spatialmath.NewBoxFromMinMax(r3.Vector{X: min, Y: min, Z: min}, r3.Vector{X: max, Y: max, Z: max})
}

// twoLevel returns a root over [-10,10]^3 with a single child over [0,10]^3, child first.
func twoLevel() []codec.Octant {
	rootChildren := noChildren()
	rootChildren[7] = 77
	return []codec.Octant{
		{ID: 77, Bounds: cube(0, 10), Children: noChildren(), Depth: 1, OwnCount: 5, CumulativeCount: 5},
		{ID: 900, Bounds: cube(-10, 10), Children: rootChildren, Depth: 0, OwnCount: 3, CumulativeCount: 8, ChildCount: 1},
	}
}

func mustSphere(t *testing.T, center r3.Vector, radius float64) spatialmath.Sphere {
	t.Helper()
	s, err := spatialmath.NewSphere(center, radius)
	test.That(t, err, test.ShouldBeNil)
	return s
}

func hitIDs(hits []octree.Hit) []int64 {
	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Octant.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestTwoLevelTree(t *testing.T) {
	tree, err := octree.New(twoLevel())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Len(), test.ShouldEqual, 2)

	root := tree.At(tree.Root())
	test.That(t, root.ID, test.ShouldEqual, int64(900))
	// child ids are rewritten to positions
	test.That(t, root.Children[7], test.ShouldEqual, int64(0))
	test.That(t, root.Children[0], test.ShouldEqual, codec.NoChild)

	hits := tree.Search(mustSphere(t, r3.Vector{X: 5, Y: 5, Z: 5}, 1))
	test.That(t, hitIDs(hits), test.ShouldResemble, []int64{77, 900})

	hits = tree.Search(mustSphere(t, r3.Vector{X: -5, Y: -5, Z: -5}, 1))
	test.That(t, hitIDs(hits), test.ShouldResemble, []int64{900})
	test.That(t, hits[0].Index, test.ShouldResemble, tree.Root())

	hits = tree.Search(mustSphere(t, r3.Vector{X: 100}, 1))
	test.That(t, hits, test.ShouldBeEmpty)
}

func TestNewErrors(t *testing.T) {
	t.Run("no root", func(t *testing.T) {
		octants := twoLevel()
		octants[1].Depth = 2
		_, err := octree.New(octants)
		test.That(t, errors.Is(err, octree.ErrNoRoot), test.ShouldBeTrue)

		_, err = octree.New(nil)
		test.That(t, errors.Is(err, octree.ErrNoRoot), test.ShouldBeTrue)
	})
	t.Run("multiple roots", func(t *testing.T) {
		octants := twoLevel()
		octants[0].Depth = 0
		_, err := octree.New(octants)
		test.That(t, errors.Is(err, octree.ErrMultipleRoots), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "77")
	})
	t.Run("unresolved child", func(t *testing.T) {
		octants := twoLevel()
		octants[1].Children[3] = 12345
		_, err := octree.New(octants)
		test.That(t, errors.Is(err, octree.ErrUnresolvedChild), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "12345")
	})
	t.Run("child refers to itself", func(t *testing.T) {
		octants := twoLevel()
		octants[0].Children[2] = 77
		_, err := octree.New(octants)
		test.That(t, errors.Is(err, octree.ErrChildDepth), test.ShouldBeTrue)
	})
	t.Run("child refers to ancestor", func(t *testing.T) {
		octants := twoLevel()
		octants[0].Children[0] = 900
		_, err := octree.New(octants)
		test.That(t, errors.Is(err, octree.ErrChildDepth), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "900")
	})
	t.Run("duplicate id", func(t *testing.T) {
		octants := append(twoLevel(), codec.Octant{ID: 77, Children: noChildren(), Depth: 1})
		_, err := octree.New(octants)
		test.That(t, errors.Is(err, octree.ErrDuplicateID), test.ShouldBeTrue)
	})
}

func TestInputIsNotAliased(t *testing.T) {
	octants := twoLevel()
	tree, err := octree.New(octants)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, octants[1].Children[7], test.ShouldEqual, int64(77))

	octants[0].Bounds = cube(-1000, -900)
	hits := tree.Search(mustSphere(t, r3.Vector{X: 5, Y: 5, Z: 5}, 1))
	test.That(t, hitIDs(hits), test.ShouldResemble, []int64{77, 900})
}

func TestIndex(t *testing.T) {
	var zero octree.Index
	test.That(t, zero.Valid(), test.ShouldBeFalse)

	tree, err := octree.New(twoLevel())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Root().Valid(), test.ShouldBeTrue)
	test.That(t, tree.Root().Pos(), test.ShouldEqual, uint32(1))
	test.That(t, func() { tree.At(zero) }, test.ShouldPanic)

	count := 0
	for i, o := range tree.All() {
		test.That(t, tree.At(i), test.ShouldResemble, o)
		count++
	}
	test.That(t, count, test.ShouldEqual, 2)
}

func TestSearchPrunes(t *testing.T) {
	// The deep branch below the second child lies outside its parent's bounds, so it can only be
	// found when the parent is skipped.
	children := noChildren()
	children[0] = 2
	children[1] = 3
	stray := noChildren()
	stray[0] = 4
	octants := []codec.Octant{
		{ID: 1, Bounds: cube(-10, 10), Children: children},
		{ID: 2, Bounds: cube(0, 10), Children: noChildren(), Depth: 1},
		{ID: 3, Bounds: cube(-10, -8), Children: stray, Depth: 1},
		{ID: 4, Bounds: cube(4, 6), Children: noChildren(), Depth: 2},
	}
	tree, err := octree.New(octants)
	test.That(t, err, test.ShouldBeNil)

	hits := tree.Search(mustSphere(t, r3.Vector{X: 5, Y: 5, Z: 5}, 0.5))
	test.That(t, hitIDs(hits), test.ShouldResemble, []int64{1, 2})
}

// diamond returns a root with two children that share one grandchild.
func diamond() []codec.Octant {
	root, left, right := noChildren(), noChildren(), noChildren()
	root[0], root[1] = 1, 2
	left[0] = 3
	right[0] = 3
	return []codec.Octant{
		{ID: 0, Bounds: cube(-10, 10), Children: root},
		{ID: 1, Bounds: cube(-10, 0), Children: left, Depth: 1},
		{ID: 2, Bounds: cube(0, 10), Children: right, Depth: 1},
		{ID: 3, Bounds: cube(-1, 1), Children: noChildren(), Depth: 2},
	}
}

func TestSearchSharedChild(t *testing.T) {
	tree, err := octree.New(diamond())
	test.That(t, err, test.ShouldBeNil)

	hits := tree.Search(mustSphere(t, r3.Vector{}, 1))
	test.That(t, hitIDs(hits), test.ShouldResemble, []int64{0, 1, 2, 3})

	hits = tree.Search(mustSphere(t, r3.Vector{X: 5, Y: 5, Z: 5}, 1))
	test.That(t, hitIDs(hits), test.ShouldResemble, []int64{0, 2})
}

func TestSearchMatchesBruteForce(t *testing.T) {
	tree, err := octree.New(synthetic.Octants(3, 64, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Len(), test.ShouldEqual, 1+8+64+512)

	//nolint:gosec
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		center := r3.Vector{
			X: rnd.Float64()*200 - 100,
			Y: rnd.Float64()*200 - 100,
			Z: rnd.Float64()*200 - 100,
		}
		s := mustSphere(t, center, rnd.Float64()*40)

		var want []int64
		for _, o := range tree.All() {
			if s.IntersectsBox(o.Bounds) {
				want = append(want, o.ID)
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		got := tree.Search(s)
		if len(want) == 0 {
			test.That(t, got, test.ShouldBeEmpty)
			continue
		}
		test.That(t, hitIDs(got), test.ShouldResemble, want)
		for _, h := range got {
			test.That(t, tree.At(h.Index), test.ShouldResemble, h.Octant)
		}
	}
}

func TestFromFile(t *testing.T) {
	octants := synthetic.Octants(1, 10, 4)
	var buf bytes.Buffer
	test.That(t, catalog.WriteMetadata(&buf, octants, codec.DefaultUnits), test.ShouldBeNil)

	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.bin")
	test.That(t, os.WriteFile(path, buf.Bytes(), 0o600), test.ShouldBeNil)

	logger, logs := logging.NewObservedTestLogger(t)
	tree, err := octree.FromFile(path, codec.DefaultUnits, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Len(), test.ShouldEqual, 9)
	test.That(t, logs.FilterMessage("metadata file ended early").Len(), test.ShouldEqual, 0)

	t.Run("truncated", func(t *testing.T) {
		short := filepath.Join(dir, "short.bin")
		// drops the last three leaves, which the root still refers to
		test.That(t, os.WriteFile(short, buf.Bytes()[:buf.Len()-250], 0o600), test.ShouldBeNil)
		logger, logs := logging.NewObservedTestLogger(t)
		_, err := octree.FromFile(short, codec.DefaultUnits, logger)
		test.That(t, errors.Is(err, octree.ErrUnresolvedChild), test.ShouldBeTrue)
		test.That(t, logs.FilterMessage("metadata file ended early").Len(), test.ShouldEqual, 1)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := octree.FromFile(filepath.Join(dir, "nope.bin"), codec.DefaultUnits, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldNotBeNil)
	})
}
