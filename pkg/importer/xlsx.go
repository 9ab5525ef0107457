package importer

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// parseXLSX reads the first worksheet of an xlsx archive. The format is a
// zip of XML parts; only shared strings and the sheet grid are needed for
// tabular imports, so no spreadsheet dependency is pulled in.
func parseXLSX(raw []byte) (*Parsed, error) {
	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid xlsx archive: %v", ErrInvalidInput, err)
	}

	shared, err := readSharedStrings(archive)
	if err != nil {
		return nil, err
	}

	sheet := firstWorksheet(archive)
	if sheet == nil {
		return nil, fmt.Errorf("%w: xlsx archive has no worksheet", ErrInvalidInput)
	}
	grid, err := readWorksheet(sheet, shared)
	if err != nil {
		return nil, err
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("%w: worksheet is empty", ErrInvalidInput)
	}

	headers := grid[0]
	rows := grid[1:]
	for i, row := range rows {
		for len(row) < len(headers) {
			row = append(row, "")
		}
		rows[i] = row
	}
	return &Parsed{Headers: headers, Rows: rows}, nil
}

func firstWorksheet(archive *zip.Reader) *zip.File {
	var sheets []*zip.File
	for _, f := range archive.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			sheets = append(sheets, f)
		}
	}
	if len(sheets) == 0 {
		return nil
	}
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].Name < sheets[j].Name })
	return sheets[0]
}

type sharedStrings struct {
	Items []struct {
		T string `xml:"t"`
		R []struct {
			T string `xml:"t"`
		} `xml:"r"`
	} `xml:"si"`
}

func readSharedStrings(archive *zip.Reader) ([]string, error) {
	for _, f := range archive.File {
		if f.Name != "xl/sharedStrings.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open shared strings: %v", ErrInvalidInput, err)
		}
		defer rc.Close()

		var doc sharedStrings
		if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: malformed shared strings: %v", ErrInvalidInput, err)
		}
		out := make([]string, len(doc.Items))
		for i, item := range doc.Items {
			if item.T != "" {
				out[i] = item.T
				continue
			}
			// Rich-text runs concatenate.
			var b strings.Builder
			for _, run := range item.R {
				b.WriteString(run.T)
			}
			out[i] = b.String()
		}
		return out, nil
	}
	return nil, nil
}

type worksheet struct {
	Rows []struct {
		Cells []struct {
			Ref  string `xml:"r,attr"`
			Type string `xml:"t,attr"`
			V    string `xml:"v"`
			IS   struct {
				T string `xml:"t"`
			} `xml:"is"`
		} `xml:"c"`
	} `xml:"sheetData>row"`
}

func readWorksheet(f *zip.File, shared []string) ([][]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open worksheet: %v", ErrInvalidInput, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read worksheet: %v", ErrInvalidInput, err)
	}
	if len(data) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: worksheet exceeds the %d byte limit", ErrTooLarge, maxPayloadBytes)
	}

	var doc worksheet
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed worksheet: %v", ErrInvalidInput, err)
	}

	var grid [][]string
	for _, row := range doc.Rows {
		var cells []string
		for _, cell := range row.Cells {
			col := columnIndex(cell.Ref)
			for len(cells) <= col {
				cells = append(cells, "")
			}
			cells[col] = cellValue(cell.Type, cell.V, cell.IS.T, shared)
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

func cellValue(cellType, v, inline string, shared []string) string {
	switch cellType {
	case "s":
		idx, err := strconv.Atoi(v)
		if err == nil && idx >= 0 && idx < len(shared) {
			return shared[idx]
		}
		return ""
	case "inlineStr":
		return inline
	default:
		return v
	}
}

// columnIndex converts a cell reference like "BC12" to a zero-based column.
func columnIndex(ref string) int {
	col := 0
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		col = col*26 + int(r-'A') + 1
	}
	if col == 0 {
		return 0
	}
	return col - 1
}
