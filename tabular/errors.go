// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package tabular

import "fmt"

// ErrFieldCount flags a row with a different number of fields than
// the header.
type ErrFieldCount struct {
	Row  int
	Got  int
	Want int
}

func (err ErrFieldCount) Error() string {
	return fmt.Sprintf("row %d has %d fields, header has %d", err.Row, err.Got, err.Want)
}

// ErrEmptyRow flags a row whose every field is blank.
type ErrEmptyRow struct {
	Row int
}

func (err ErrEmptyRow) Error() string {
	return fmt.Sprintf("row %d is empty", err.Row)
}
