// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package tabular reads uploaded coordinate tables.
//
// An Iterator is a lazy, once-only pass over one on-disk table.  Rows
// come back as string-to-string maps keyed by column name, so inputs
// with arbitrary schemas round-trip into output feature properties
// without a fixed record type.  Each job opens its own iterator;
// iterators are not restartable and not safe for concurrent use.
package tabular

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Character encodings an upload can be detected as.
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin-1"
)

// Options describe how one table is parsed, as detected at ingest
// time.
type Options struct {
	// Separator is the field separator rune.
	Separator rune

	// Encoding is EncodingUTF8 or EncodingLatin1.
	Encoding string

	// DecimalMark is '.' or ','.  Decimal commas are normalised to
	// dots before numeric conversion.
	DecimalMark rune
}

// Row is one record from the table.  A malformed or empty input line
// is still yielded, with Err set and Fields holding whatever could be
// recovered; the caller marks such rows failed without further
// processing.
type Row struct {
	// Index is the zero-based data row index, not counting the
	// header line.
	Index int

	// Fields maps column name to raw field value.
	Fields map[string]string

	// Err is non-nil for malformed rows.
	Err error
}

// Iterator is a lazy ordered pass over one table.  Typical use:
//
//	it, err := tabular.Open(path, opts)
//	defer it.Close()
//	for it.Next() {
//	    row := it.Row()
//	    ...
//	}
//	err = it.Err()
type Iterator struct {
	file    *os.File
	reader  *csv.Reader
	columns []string
	row     Row
	index   int
	err     error
	done    bool
}

// Open opens the table at path and reads its header line.  The
// returned iterator yields every subsequent line as one Row.
func Open(path string, opts Options) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var r io.Reader = f
	if opts.Encoding == EncodingLatin1 {
		r = charmap.ISO8859_1.NewDecoder().Reader(f)
	}

	cr := csv.NewReader(r)
	cr.Comma = opts.Separator
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		// A headerless empty file yields an empty iterator
		return &Iterator{file: f, reader: cr, done: true}, nil
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	}
	return &Iterator{file: f, reader: cr, columns: columns}, nil
}

// Columns returns the header names in file order.
func (it *Iterator) Columns() []string {
	return it.columns
}

// Next advances to the next row.  It returns false at the end of the
// table or on an unrecoverable read error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	record, err := it.reader.Read()
	if err == io.EOF {
		it.done = true
		return false
	}

	row := Row{Index: it.index, Fields: make(map[string]string, len(it.columns))}
	it.index++

	if err != nil {
		if _, ok := err.(*csv.ParseError); ok {
			// A single unparseable line is a row-level failure,
			// not the end of the table
			row.Err = err
			it.row = row
			return true
		}
		it.err = err
		return false
	}

	for i, name := range it.columns {
		if i < len(record) {
			row.Fields[name] = strings.TrimSpace(record[i])
		}
	}
	if len(record) != len(it.columns) {
		row.Err = ErrFieldCount{Row: row.Index, Got: len(record), Want: len(it.columns)}
	} else if emptyRecord(record) {
		row.Err = ErrEmptyRow{Row: row.Index}
	}
	it.row = row
	return true
}

// Row returns the row read by the last successful call to Next.
func (it *Iterator) Row() Row {
	return it.row
}

// Err returns the error that stopped iteration, if any.  Reaching the
// end of the table is not an error.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the underlying file.
func (it *Iterator) Close() error {
	return it.file.Close()
}

func emptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// ParseCoordinate converts one raw field value to a float64, honouring
// the table's decimal mark.  Decimal commas are normalised to dots
// first; thousands separators are not supported.
func ParseCoordinate(raw string, opts Options) (float64, error) {
	s := strings.TrimSpace(raw)
	if opts.DecimalMark == ',' {
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}
