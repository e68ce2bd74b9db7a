package glm

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ShuffleType selects how subject labels are shuffled between permutations.
type ShuffleType int

const (
	// ShufflePermute draws a random permutation of the subjects.
	ShufflePermute ShuffleType = iota
	// ShuffleSignFlip draws a random sign flip of each subject's residual,
	// applicable when errors are exchangeable under symmetry.
	ShuffleSignFlip
	// ShuffleBoth composes a random permutation with random sign flips.
	ShuffleBoth
)

// Shuffler generates random shuffling matrices over subjects. Under the
// Freedman-Lane scheme these are applied to the nuisance-residualized
// response rather than the raw observations. A Shuffler is not safe for
// concurrent use; draw matrices from one goroutine and distribute them.
type Shuffler struct {
	subjects int
	typ      ShuffleType
	rng      *rand.Rand
}

// NewShuffler creates a shuffler over the given number of subjects, seeded
// deterministically.
func NewShuffler(subjects int, typ ShuffleType, seed int64) *Shuffler {
	return &Shuffler{
		subjects: subjects,
		typ:      typ,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Next draws one random shuffling matrix.
func (s *Shuffler) Next() *mat.Dense {
	perm := make([]int, s.subjects)
	for i := range perm {
		perm[i] = i
	}
	if s.typ == ShufflePermute || s.typ == ShuffleBoth {
		s.rng.Shuffle(s.subjects, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	}
	m := mat.NewDense(s.subjects, s.subjects, nil)
	for i, j := range perm {
		value := 1.0
		if (s.typ == ShuffleSignFlip || s.typ == ShuffleBoth) && s.rng.Intn(2) == 1 {
			value = -1
		}
		m.Set(i, j, value)
	}
	return m
}

// IdentityShuffle returns the shuffling matrix of the unshuffled design.
func IdentityShuffle(subjects int) *mat.Dense {
	return identity(subjects)
}
