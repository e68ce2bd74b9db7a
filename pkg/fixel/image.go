package fixel

// The on-disk voxel image formats are handled by external tooling; the
// connectivity matrix builder only needs random access to the template
// index image and the fixel directions image, expressed through the
// interfaces below.

// IndexImage exposes the 4D template index image: for each voxel, the number
// of fixels within it and the offset of the first of those fixels within the
// template fixel list.
type IndexImage interface {
	// FixelsInVoxel returns the offset of the first fixel and the fixel
	// count for the given voxel position. A count of zero means the voxel
	// contains no fixels.
	FixelsInVoxel(x, y, z int) (offset Index, count Index)

	// NumFixels returns the total number of fixels in the template.
	NumFixels() Index
}

// DirectionsImage exposes the unit direction vector of each template fixel.
type DirectionsImage interface {
	Direction(fixel Index) [3]float64
}
