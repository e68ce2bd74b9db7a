package glm

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errFactorize = errors.New("glm: SVD factorization failed")

// pseudoInverse computes the Moore-Penrose pseudo-inverse of a via a thin
// SVD, zeroing singular values below the conventional numerical tolerance.
func pseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	rows, cols := a.Dims()

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errFactorize
	}
	values := svd.Values(nil)
	tol := singularValueTolerance(rows, cols, values)

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	k := len(values)
	inv := mat.NewDense(k, k, nil)
	for i, s := range values {
		if s > tol {
			inv.Set(i, i, 1/s)
		}
	}

	pinv := mat.NewDense(cols, rows, nil)
	var tmp mat.Dense
	tmp.Mul(&v, inv)
	pinv.Mul(&tmp, u.T())
	return pinv, nil
}

// rank returns the numerical rank of a.
func rank(a mat.Matrix) (int, error) {
	rows, cols := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return 0, errFactorize
	}
	values := svd.Values(nil)
	tol := singularValueTolerance(rows, cols, values)
	r := 0
	for _, s := range values {
		if s > tol {
			r++
		}
	}
	return r, nil
}

func singularValueTolerance(rows, cols int, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	dim := rows
	if cols > dim {
		dim = cols
	}
	return float64(dim) * values[0] * machineEpsilon
}

const machineEpsilon = 2.220446049250313e-16

// identity returns the n x n identity matrix.
func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// residualFormer returns I - m * pinv(m), the matrix projecting onto the
// orthogonal complement of the column space of m.
func residualFormer(m *mat.Dense) (*mat.Dense, error) {
	rows, _ := m.Dims()
	pinv, err := pseudoInverse(m)
	if err != nil {
		return nil, err
	}
	var proj mat.Dense
	proj.Mul(m, pinv)
	r := identity(rows)
	r.Sub(r, &proj)
	return r, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
