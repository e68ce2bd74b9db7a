package fixel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Cohort holds one per-fixel data file per subject, restricted to the fixels
// inside the processing mask. It backs both the measurements matrix of the
// GLM and the element-wise extra design matrix columns.
type Cohort struct {
	names []string
	// data is indexed [subject][internal fixel index].
	data [][]float64
}

// LoadCohort reads the data file of every subject in the list, remapping
// values into internal index order. Every file must contain one value per
// template fixel.
func LoadCohort(fixelDir string, subjects []string, remapper *IndexRemapper) (*Cohort, error) {
	c := &Cohort{
		names: subjects,
		data:  make([][]float64, len(subjects)),
	}
	for s, name := range subjects {
		path, err := FindSubjectFile(fixelDir, name)
		if err != nil {
			return nil, err
		}
		values, err := ReadDataFile(path)
		if err != nil {
			return nil, err
		}
		if Index(len(values)) != remapper.NumExternal() {
			return nil, fmt.Errorf("subject file %q contains %d values; template has %d fixels",
				name, len(values), remapper.NumExternal())
		}
		row := make([]float64, remapper.NumInternal())
		for internal := Index(0); internal != remapper.NumInternal(); internal++ {
			row[internal] = values[remapper.InternalToExternal(internal)]
		}
		c.data[s] = row
	}
	return c, nil
}

// NumSubjects returns the number of subjects in the cohort.
func (c *Cohort) NumSubjects() int { return len(c.data) }

// NumElements returns the number of fixels inside the processing mask.
func (c *Cohort) NumElements() int {
	if len(c.data) == 0 {
		return 0
	}
	return len(c.data[0])
}

// Name returns the data filename of the given subject.
func (c *Cohort) Name(subject int) string { return c.names[subject] }

// Column returns one value per subject at the given element, in subject
// order. The returned slice is freshly allocated and safe for the caller to
// retain or modify.
func (c *Cohort) Column(element int) []float64 {
	column := make([]float64, len(c.data))
	for s := range c.data {
		column[s] = c.data[s][element]
	}
	return column
}

// AllFinite reports whether every value of every subject is finite.
func (c *Cohort) AllFinite() bool {
	for _, row := range c.data {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Measurements assembles the elements x subjects measurement matrix
// consumed by the GLM engine.
func (c *Cohort) Measurements() *mat.Dense {
	y := mat.NewDense(c.NumElements(), c.NumSubjects(), nil)
	for s, row := range c.data {
		for e, v := range row {
			y.Set(e, s, v)
		}
	}
	return y
}
