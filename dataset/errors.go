// Package dataset - Indexing, splitting and batch loading of object detection datasets.
package dataset

import "github.com/pkg/errors"

var (
	// ErrConfig is returned for conflicting or invalid configuration, such as
	// supplying both (or neither) of an extension filter and a validity
	// predicate, or split fractions that do not produce a valid partition.
	ErrConfig = errors.New("dataset configuration error")
	// ErrMissingResource is returned when an image directory, label directory
	// or per-image label file does not exist.
	ErrMissingResource = errors.New("dataset resource missing")
	// ErrFormat is returned when a label file row is malformed.
	ErrFormat = errors.New("label format error")
)
