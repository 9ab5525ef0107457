// Package importer converts external game exports (vendor JSON, CSV,
// spreadsheets) into typed overlay deltas, resolving names against the
// reference catalog and recording every applied import as a reversible
// receipt.
package importer

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
)

// Format is the accepted upload format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// maxPayloadBytes bounds a decoded upload.
const maxPayloadBytes = 10 << 20

// ErrInvalidInput marks malformed uploads; the API layer maps it to
// INVALID_PARAM.
var ErrInvalidInput = errors.New("importer: invalid input")

// ErrTooLarge marks uploads past the decoded size bound; mapped to
// PAYLOAD_TOO_LARGE.
var ErrTooLarge = errors.New("importer: payload too large")

// ParseRequest is a raw upload.
type ParseRequest struct {
	FileName      string `json:"fileName"`
	Format        Format `json:"format"`
	ContentBase64 string `json:"contentBase64"`
}

// Parsed is the tabular form of an upload: a header row and data rows.
type Parsed struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Parse decodes and tabulates an upload.
func Parse(req ParseRequest) (*Parsed, error) {
	if req.ContentBase64 == "" {
		return nil, fmt.Errorf("%w: contentBase64 required", ErrInvalidInput)
	}
	raw, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not valid base64: %v", ErrInvalidInput, err)
	}
	if len(raw) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrTooLarge, len(raw), maxPayloadBytes)
	}

	switch req.Format {
	case FormatCSV:
		return parseCSV(raw)
	case FormatXLSX:
		return parseXLSX(raw)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidInput, req.Format)
	}
}

func parseCSV(raw []byte) (*Parsed, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed csv: %v", ErrInvalidInput, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: csv has no rows", ErrInvalidInput)
	}

	headers := records[0]
	rows := records[1:]
	// Ragged rows pad out to the header width so downstream indexing is safe.
	for i, row := range rows {
		for len(row) < len(headers) {
			row = append(row, "")
		}
		rows[i] = row
	}
	return &Parsed{Headers: headers, Rows: rows}, nil
}

// SerializeCSV is the inverse of parseCSV. encoding/csv applies the quoting
// rules the wire format requires: cells containing commas, quotes or
// newlines are double-quote wrapped with inner quotes doubled.
func SerializeCSV(p *Parsed) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(p.Headers); err != nil {
		return nil, err
	}
	for _, row := range p.Rows {
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Records projects rows into maps keyed by header, trimming surrounding
// whitespace from cells.
func (p *Parsed) Records() []map[string]string {
	out := make([]map[string]string, 0, len(p.Rows))
	for _, row := range p.Rows {
		rec := make(map[string]string, len(p.Headers))
		for i, h := range p.Headers {
			if i < len(row) {
				rec[h] = strings.TrimSpace(row[i])
			} else {
				rec[h] = ""
			}
		}
		out = append(out, rec)
	}
	return out
}
