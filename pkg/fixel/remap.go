// Package fixel handles the element index space of a fixel template:
// remapping between the external (whole-template) index space and the
// internal (mask-restricted, contiguous) index space, and the fixel
// directory file conventions shared by the analysis commands.
package fixel

import "math"

// Index identifies a single fixel within the template.
type Index = uint32

// Invalid is the sentinel returned for external indices that are excluded
// from processing by the current mask.
const Invalid Index = math.MaxUint32

// IndexRemapper provides a bijective mapping between external fixel indices
// (spanning the full template) and internal indices (contiguous over the
// fixels selected by a processing mask).
//
// Internal indices are exactly the external indices for which the mask is
// true, in external order. A default remapper is an identity mapping over
// the whole template and carries no per-fixel storage.
type IndexRemapper struct {
	// externalToInternal has one entry per external fixel, Invalid where the
	// mask excludes the fixel. nil for a default (identity) remapper.
	externalToInternal []Index

	// internalToExternal is dense over the fixels inside the mask.
	// nil for a default remapper.
	internalToExternal []Index

	numExternal Index
}

// NewDefaultRemapper returns an identity remapper over numFixels template
// fixels. Lookups on a default remapper are pass-through.
func NewDefaultRemapper(numFixels Index) *IndexRemapper {
	return &IndexRemapper{numExternal: numFixels}
}

// NewRemapper builds a remapper from a fixel mask with one entry per
// template fixel. Fixels with a true mask value receive contiguous internal
// indices in external order.
func NewRemapper(mask []bool) *IndexRemapper {
	r := &IndexRemapper{
		externalToInternal: make([]Index, len(mask)),
		numExternal:        Index(len(mask)),
	}
	for external, inside := range mask {
		if inside {
			r.externalToInternal[external] = Index(len(r.internalToExternal))
			r.internalToExternal = append(r.internalToExternal, Index(external))
		} else {
			r.externalToInternal[external] = Invalid
		}
	}
	return r
}

// ExternalToInternal maps an external fixel index to its internal index,
// returning Invalid if the fixel is outside the processing mask.
func (r *IndexRemapper) ExternalToInternal(external Index) Index {
	if r.externalToInternal == nil {
		return external
	}
	return r.externalToInternal[external]
}

// InternalToExternal maps an internal index back to the external index of
// the corresponding template fixel.
func (r *IndexRemapper) InternalToExternal(internal Index) Index {
	if r.internalToExternal == nil {
		return internal
	}
	return r.internalToExternal[internal]
}

// NumExternal returns the number of fixels in the template.
func (r *IndexRemapper) NumExternal() Index { return r.numExternal }

// NumInternal returns the number of fixels inside the processing mask.
func (r *IndexRemapper) NumInternal() Index {
	if r.internalToExternal == nil {
		return r.numExternal
	}
	return Index(len(r.internalToExternal))
}

// IsDefault reports whether the remapper is an identity mapping over the
// whole template.
func (r *IndexRemapper) IsDefault() bool { return r.externalToInternal == nil }
