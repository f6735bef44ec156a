// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package tabular

// This file detects the parse options of an uploaded table: field
// separator, character encoding, and decimal mark.  Detection runs
// over a bounded sample of the file at ingest time; the resulting
// Options are recorded in the upload descriptor and reused by every
// job reading the file.

import (
	"bufio"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

// sniffLines bounds how many lines detection examines.
const sniffLines = 50

// candidateSeparators are scored in order; the comma wins ties.
var candidateSeparators = []rune{',', ';', '\t', '|'}

// decimalComma matches a numeric field written with a decimal comma.
var decimalComma = regexp.MustCompile(`^-?\d+,\d+$`)

// Sniff examines the head of a table and returns the detected parse
// options along with the header line's column names.
func Sniff(r io.Reader) (Options, []string, error) {
	sample, err := readSample(r)
	if err != nil {
		return Options{}, nil, err
	}

	opts := Options{
		Encoding:    detectEncoding(sample),
		DecimalMark: '.',
	}
	lines := sampleLines(sample)
	opts.Separator = detectSeparator(lines)
	opts.DecimalMark = detectDecimalMark(lines, opts.Separator)

	var columns []string
	if len(lines) > 0 {
		for _, name := range strings.Split(lines[0], string(opts.Separator)) {
			name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
			columns = append(columns, strings.Trim(name, `"`))
		}
	}
	return opts, columns, nil
}

// readSample pulls at most sniffLines lines' worth of bytes.
func readSample(r io.Reader) ([]byte, error) {
	var sample []byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for i := 0; i < sniffLines && scanner.Scan(); i++ {
		sample = append(sample, scanner.Bytes()...)
		sample = append(sample, '\n')
	}
	return sample, scanner.Err()
}

func sampleLines(sample []byte) []string {
	lines := strings.Split(string(sample), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// detectEncoding distinguishes UTF-8 from Latin-1.  Anything that is
// not valid UTF-8 is assumed Latin-1, which decodes every byte
// sequence.
func detectEncoding(sample []byte) string {
	if utf8.Valid(sample) {
		return EncodingUTF8
	}
	return EncodingLatin1
}

// detectSeparator scores each candidate by how consistently it splits
// the sampled lines into more than one field.  A separator that
// yields the same field count on every line beats one that varies.
func detectSeparator(lines []string) rune {
	best := ','
	bestScore := -1
	for _, sep := range candidateSeparators {
		score := separatorScore(lines, sep)
		if score > bestScore {
			best = sep
			bestScore = score
		}
	}
	return best
}

func separatorScore(lines []string, sep rune) int {
	if len(lines) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, line := range lines {
		n := len(strings.Split(line, string(sep)))
		counts[n]++
	}
	// The modal field count and its support
	modal, support := 1, 0
	for n, c := range counts {
		if c > support || (c == support && n > modal) {
			modal, support = n, c
		}
	}
	if modal < 2 {
		return 0
	}
	// Consistency-weighted: a modal count of >=2 fields scores that
	// count plus ten times the number of lines agreeing on it
	return modal + support*10
}

// detectDecimalMark looks for numeric fields written as "12,34".
// A decimal comma can only be detected when the comma is not already
// the field separator.
func detectDecimalMark(lines []string, sep rune) rune {
	if sep == ',' {
		return '.'
	}
	// Skip the header line
	for _, line := range lines[min(1, len(lines)):] {
		for _, field := range strings.Split(line, string(sep)) {
			if decimalComma.MatchString(strings.TrimSpace(field)) {
				return ','
			}
		}
	}
	return '.'
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CountRows counts the data rows in a table, excluding the header
// line.  Blank lines are skipped, matching what the iterator's CSV
// reader does, so the job's total always agrees with the number of
// rows the iterator will actually yield.
func CountRows(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			lines++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if lines == 0 {
		return 0, nil
	}
	return lines - 1, nil
}
