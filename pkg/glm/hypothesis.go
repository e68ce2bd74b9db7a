package glm

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Hypothesis is one tested contrast: a single row of factor weights for a
// t-type hypothesis, or a set of rows for an F-type hypothesis.
type Hypothesis struct {
	name    string
	weights *mat.Dense // rows x factors
	isF     bool
	rank    int
}

// NewTHypothesis creates a t-type hypothesis from one row of factor weights.
func NewTHypothesis(name string, weights []float64) Hypothesis {
	return Hypothesis{
		name:    name,
		weights: mat.NewDense(1, len(weights), append([]float64(nil), weights...)),
		rank:    1,
	}
}

// NewFHypothesis creates an F-type hypothesis from a set of weight rows.
func NewFHypothesis(name string, weights *mat.Dense) (Hypothesis, error) {
	r, err := rank(weights)
	if err != nil {
		return Hypothesis{}, fmt.Errorf("failed to compute rank of F-test weights: %w", err)
	}
	return Hypothesis{name: name, weights: mat.DenseCopyOf(weights), isF: true, rank: r}, nil
}

// LoadHypotheses reads a contrast matrix file and returns one t-type
// hypothesis per row, named by row number.
func LoadHypotheses(path string) ([]Hypothesis, error) {
	m, err := LoadMatrix(path)
	if err != nil {
		return nil, err
	}
	rows, _ := m.Dims()
	hypotheses := make([]Hypothesis, rows)
	for i := 0; i < rows; i++ {
		hypotheses[i] = NewTHypothesis(strconv.Itoa(i+1), m.RawRowView(i))
	}
	return hypotheses, nil
}

// Name returns the hypothesis name used to suffix output files.
func (h Hypothesis) Name() string { return h.name }

// IsF reports whether this is an F-type hypothesis.
func (h Hypothesis) IsF() bool { return h.isF }

// NumFactors returns the number of design matrix factors the weights span.
func (h Hypothesis) NumFactors() int {
	_, cols := h.weights.Dims()
	return cols
}

// Rank returns the rank of the weight matrix (1 for t-type hypotheses).
func (h Hypothesis) Rank() int { return h.rank }

// Weights returns the contrast weight matrix (rows x factors).
func (h Hypothesis) Weights() *mat.Dense { return h.weights }

// nonzeroColumns counts the design columns carrying any nonzero weight. The
// restricted fit forms W*beta over exactly the columns of interest, so this
// count must equal the number of weight rows for the statistic to be defined.
func (h Hypothesis) nonzeroColumns() int {
	rows, cols := h.weights.Dims()
	n := 0
	for col := 0; col < cols; col++ {
		for row := 0; row < rows; row++ {
			if h.weights.At(row, col) != 0 {
				n++
				break
			}
		}
	}
	return n
}

// Partition is the column-wise split of a design matrix induced by a
// hypothesis: the "of interest" columns X (those with any nonzero contrast
// weight) and the nuisance columns Z, together with the residual-forming
// matrix of the nuisance partition used by the Freedman-Lane procedure.
type Partition struct {
	X, Z         *mat.Dense // Z is nil when every column is of interest
	Rz           *mat.Dense // subjects x subjects
	RankX, RankZ int
}

// Partition splits the design matrix according to which of its columns carry
// nonzero weight in this hypothesis.
func (h Hypothesis) Partition(design *mat.Dense) (*Partition, error) {
	subjects, factors := design.Dims()
	if factors != h.NumFactors() {
		return nil, fmt.Errorf("%w: hypothesis %q spans %d factors, design matrix has %d columns",
			ErrShapeMismatch, h.name, h.NumFactors(), factors)
	}

	var ofInterest, nuisance []int
	wRows, _ := h.weights.Dims()
	for col := 0; col < factors; col++ {
		nonzero := false
		for row := 0; row < wRows; row++ {
			if h.weights.At(row, col) != 0 {
				nonzero = true
				break
			}
		}
		if nonzero {
			ofInterest = append(ofInterest, col)
		} else {
			nuisance = append(nuisance, col)
		}
	}

	if len(ofInterest) == 0 {
		return nil, fmt.Errorf("hypothesis %q has no nonzero weights", h.name)
	}

	p := &Partition{X: extractColumns(design, ofInterest)}
	rx, err := rank(p.X)
	if err != nil {
		return nil, fmt.Errorf("failed to compute rank of design partition: %w", err)
	}
	p.RankX = rx

	if len(nuisance) == 0 {
		p.Rz = identity(subjects)
		return p, nil
	}
	p.Z = extractColumns(design, nuisance)
	rz, err := rank(p.Z)
	if err != nil {
		return nil, fmt.Errorf("failed to compute rank of nuisance partition: %w", err)
	}
	p.RankZ = rz
	p.Rz, err = residualFormer(p.Z)
	if err != nil {
		return nil, fmt.Errorf("failed to compute nuisance residual-forming matrix: %w", err)
	}
	return p, nil
}

func extractColumns(m *mat.Dense, cols []int) *mat.Dense {
	rows, _ := m.Dims()
	out := mat.NewDense(rows, len(cols), nil)
	for j, col := range cols {
		for i := 0; i < rows; i++ {
			out.Set(i, j, m.At(i, col))
		}
	}
	return out
}
