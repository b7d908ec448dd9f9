// Package workingset tracks which octants of a tree are inside a moving query sphere.
package workingset

import (
	"github.com/RoaringBitmap/roaring"

	"go.viam.com/starfield/octree"
	"go.viam.com/starfield/spatialmath"
)

// Differ computes the octants entering and leaving a query sphere between successive calls.
// Several differs may share one tree. A Differ is not safe for concurrent use.
type Differ struct {
	tree *octree.Octree

	// loaded holds the positions returned by the last search; scratch is rebuilt on every call
	// and then swapped with loaded.
	loaded  *roaring.Bitmap
	scratch *roaring.Bitmap
	indexes []octree.Index
}

// New returns a differ with an empty working set.
func New(tree *octree.Octree) *Differ {
	return &Differ{
		tree:    tree,
		loaded:  roaring.New(),
		scratch: roaring.New(),
		indexes: make([]octree.Index, tree.Len()),
	}
}

// Diff searches the tree with s and returns the octants that intersect s but did not intersect
// the previous sphere, and the octants that did but no longer do. Afterwards the working set is
// exactly the result of searching with s.
func (d *Differ) Diff(s spatialmath.Sphere) (toLoad, toUnload []octree.Hit) {
	d.scratch.Clear()
	for _, hit := range d.tree.Search(s) {
		pos := hit.Index.Pos()
		if !d.scratch.CheckedAdd(pos) {
			continue
		}
		if !d.loaded.Contains(pos) {
			d.indexes[pos] = hit.Index
			toLoad = append(toLoad, hit)
		}
	}

	// what is left in loaded after this is everything that fell out of the sphere
	d.loaded.AndNot(d.scratch)
	if !d.loaded.IsEmpty() {
		toUnload = make([]octree.Hit, 0, d.loaded.GetCardinality())
		it := d.loaded.Iterator()
		for it.HasNext() {
			idx := d.indexes[it.Next()]
			toUnload = append(toUnload, octree.Hit{Index: idx, Octant: d.tree.At(idx)})
		}
	}

	d.loaded, d.scratch = d.scratch, d.loaded
	return toLoad, toUnload
}

// Contains reports whether i is in the working set.
func (d *Differ) Contains(i octree.Index) bool {
	return i.Valid() && d.loaded.Contains(i.Pos())
}

// Len returns the size of the working set.
func (d *Differ) Len() int {
	return int(d.loaded.GetCardinality())
}

// Loaded returns the working set in ascending position order.
func (d *Differ) Loaded() []octree.Index {
	out := make([]octree.Index, 0, d.loaded.GetCardinality())
	it := d.loaded.Iterator()
	for it.HasNext() {
		out = append(out, d.indexes[it.Next()])
	}
	return out
}

// Reset empties the working set without reporting anything as unloaded.
func (d *Differ) Reset() {
	d.loaded.Clear()
	d.scratch.Clear()
}
