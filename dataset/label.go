package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-yogo/common"
	"github.com/pkg/errors"
)

// LabelExtension is the extension of per-image label files.
const LabelExtension = ".csv"

// labelFields is the number of fields in a label row: class, xc, yc, w, h.
const labelFields = 5

// ReadLabels loads the labels for one image from a delimited label file.
//
// The first row is treated as a header when none of its fields is a
// number; every other row must have exactly five numeric fields
// (class, xc, yc, w, h) with box coordinates in [0, 1].
//
// Arguments:
// - path: Path of the label file.
//
// Returns:
// - []common.Label: The labels in file order. A file with no data rows
// yields an empty, non-nil slice.
// - error: ErrMissingResource if the file does not exist, ErrFormat for
// malformed rows.
//
// @example
// labels, err := ReadLabels("labels/img_001.csv")
func ReadLabels(path string) ([]common.Label, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrMissingResource, "label file %s", path)
		}
		return nil, errors.Wrapf(err, "failed to open label file %s", path)
	}
	defer f.Close()

	labels, err := parseLabels(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "label file %s", path)
	}
	return labels, nil
}

func parseLabels(r io.Reader) ([]common.Label, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(ErrFormat, err.Error())
	}

	if len(records) > 0 && isHeader(records[0]) {
		records = records[1:]
	}

	labels := make([]common.Label, 0, len(records))
	for i, row := range records {
		if len(row) != labelFields {
			return nil, errors.Wrapf(ErrFormat,
				"row %d: should have [class,xc,yc,w,h] - got length %d", i, len(row))
		}

		var v [labelFields]float64
		for j, field := range row {
			v[j], err = strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.Wrapf(ErrFormat, "row %d field %d: %q is not a number", i, j, field)
			}
		}

		label := common.Label{
			Class: v[0],
			Box:   common.Box{XC: v[1], YC: v[2], W: v[3], H: v[4]},
		}
		if !label.Valid() {
			return nil, errors.Wrapf(ErrFormat, "row %d: box %s outside [0,1]", i, label.Box)
		}
		labels = append(labels, label)
	}

	return labels, nil
}

// isHeader sniffs whether a row is a header: a header carries only column names.
// A row with any numeric field is data, so a typo in it surfaces as ErrFormat.
func isHeader(row []string) bool {
	for _, field := range row {
		if _, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err == nil {
			return false
		}
	}
	return len(row) > 0
}
