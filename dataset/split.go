package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Designation names one of the dataset splits.
type Designation string

const (
	// Train is the training split.
	Train Designation = "train"
	// Val is the validation split.
	Val Designation = "val"
	// Test is the test split; it receives the remainder after train and val.
	Test Designation = "test"
)

// Designations lists the splits in the order they are carved from the permutation.
var Designations = []Designation{Train, Val, Test}

// Subset is a view of a dataset restricted to a set of sample indices.
// It references the parent's samples without copying them.
type Subset struct {
	Designation Designation

	parent  *Dataset
	indices []int
}

// Len returns the number of samples in the subset.
func (s *Subset) Len() int {
	return len(s.indices)
}

// Sample returns the i-th sample of the subset.
func (s *Subset) Sample(i int) Sample {
	return s.parent.samples[s.indices[i]]
}

// Indices returns a copy of the parent dataset indices in this subset.
func (s *Subset) Indices() []int {
	return append([]int(nil), s.indices...)
}

// Parent returns the dataset the subset indexes into.
func (s *Subset) Parent() *Dataset {
	return s.parent
}

// SplitSizes computes the number of samples in each split.
//
// Train and val sizes are floor(fraction * n); test takes the remainder so
// the sizes always sum to n.
//
// Arguments:
// - n: The total number of samples.
// - fractions: The split fractions; they must sum to 1.
//
// Returns:
// - map[Designation]int: The size of every split.
// - error: ErrConfig if the fractions are invalid or any size is not positive.
//
// @example
// sizes, err := SplitSizes(10, SplitFractions{Train: 0.6, Val: 0.2, Test: 0.2}) // 6, 2, 2
func SplitSizes(n int, fractions SplitFractions) (map[Designation]int, error) {
	if err := fractions.Validate(); err != nil {
		return nil, err
	}

	train := int(math.Floor(fractions.Train * float64(n)))
	val := int(math.Floor(fractions.Val * float64(n)))
	sizes := map[Designation]int{
		Train: train,
		Val:   val,
		Test:  n - train - val,
	}

	for _, d := range Designations {
		if sizes[d] <= 0 {
			return nil, errors.Wrapf(ErrConfig,
				"could not create valid dataset split sizes: %v, full dataset size is %d", sizes, n)
		}
	}
	return sizes, nil
}

// Split randomly partitions a dataset into non-overlapping train, val and test subsets.
//
// The same seed always yields the same partition of the same dataset.
//
// Arguments:
// - ds: The dataset to split.
// - fractions: The split fractions; they must sum to 1.
// - seed: Seed of the permutation.
//
// Returns:
// - map[Designation]*Subset: One subset per designation.
// - error: ErrConfig when the sizes are invalid.
//
// @example
// splits, err := Split(ds, desc.SplitFractions, 42)
// train := splits[Train]
func Split(ds *Dataset, fractions SplitFractions, seed int64) (map[Designation]*Subset, error) {
	sizes, err := SplitSizes(ds.Len(), fractions)
	if err != nil {
		return nil, err
	}

	perm := rand.New(rand.NewSource(seed)).Perm(ds.Len())

	splits := make(map[Designation]*Subset, len(Designations))
	offset := 0
	for _, d := range Designations {
		splits[d] = &Subset{
			Designation: d,
			parent:      ds,
			indices:     perm[offset : offset+sizes[d] : offset+sizes[d]],
		}
		offset += sizes[d]
	}

	log.WithFields(log.Fields{
		"train": sizes[Train],
		"val":   sizes[Val],
		"test":  sizes[Test],
		"seed":  seed,
	}).Info("📋 Dataset split")

	return splits, nil
}
