package importer

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeCSV(t *testing.T, content string) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(content))
}

func TestParseCSV(t *testing.T) {
	parsed, err := Parse(ParseRequest{
		FileName:      "roster.csv",
		Format:        FormatCSV,
		ContentBase64: encodeCSV(t, "name,level\nKirk,20\n\"O'Brien, Miles\",5\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "level"}, parsed.Headers)
	require.Len(t, parsed.Rows, 2)
	assert.Equal(t, "O'Brien, Miles", parsed.Rows[1][0])
}

func TestParseCSVPadsRaggedRows(t *testing.T) {
	parsed, err := Parse(ParseRequest{
		Format:        FormatCSV,
		ContentBase64: encodeCSV(t, "a,b,c\n1\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "", ""}, parsed.Rows[0])
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse(ParseRequest{Format: FormatCSV})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Parse(ParseRequest{Format: FormatCSV, ContentBase64: "!!!not base64!!!"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Parse(ParseRequest{Format: "pdf", ContentBase64: encodeCSV(t, "a\n1\n")})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCSVRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Cells may contain commas and quotes; bare CR is excluded because the
	// reader normalises line endings inside quoted fields.
	cell := gen.RegexMatch(`[a-zA-Z0-9 ,"']{0,12}`)
	properties.Property("parse(serialize(rows)) == rows", prop.ForAll(
		func(headers []string, cells []string) bool {
			if len(headers) == 0 {
				return true
			}
			// Shape the flat cell list into one row matching the header width.
			row := make([]string, len(headers))
			copy(row, cells)
			parsed := &Parsed{Headers: headers, Rows: [][]string{row}}

			raw, err := SerializeCSV(parsed)
			if err != nil {
				return false
			}
			again, err := Parse(ParseRequest{
				Format:        FormatCSV,
				ContentBase64: base64.StdEncoding.EncodeToString(raw),
			})
			if err != nil {
				return false
			}
			if len(again.Headers) != len(headers) {
				return false
			}
			for i := range headers {
				if again.Headers[i] != headers[i] || again.Rows[0][i] != row[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, nonEmptyCell()),
		gen.SliceOfN(3, cell),
	))

	properties.TestingRun(t)
}

// nonEmptyCell avoids header cells that encoding/csv cannot round-trip
// unambiguously (empty strings and bare CR).
func nonEmptyCell() gopter.Gen {
	return gen.RegexMatch(`[a-zA-Z0-9 ,"']{1,12}`)
}

func xlsxFixture(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	shared, err := w.Create("xl/sharedStrings.xml")
	require.NoError(t, err)
	_, err = shared.Write([]byte(`<?xml version="1.0"?>
<sst><si><t>name</t></si><si><t>level</t></si><si><t>Kirk</t></si></sst>`))
	require.NoError(t, err)

	sheet, err := w.Create("xl/worksheets/sheet1.xml")
	require.NoError(t, err)
	_, err = sheet.Write([]byte(`<?xml version="1.0"?>
<worksheet><sheetData>
<row><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>
<row><c r="A2" t="s"><v>2</v></c><c r="B2"><v>20</v></c></row>
</sheetData></worksheet>`))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestParseXLSX(t *testing.T) {
	parsed, err := Parse(ParseRequest{
		FileName:      "roster.xlsx",
		Format:        FormatXLSX,
		ContentBase64: xlsxFixture(t),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "level"}, parsed.Headers)
	require.Len(t, parsed.Rows, 1)
	assert.Equal(t, []string{"Kirk", "20"}, parsed.Rows[0])
}

func TestParseXLSXRejectsGarbage(t *testing.T) {
	_, err := Parse(ParseRequest{
		Format:        FormatXLSX,
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("not a zip")),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordsTrimWhitespace(t *testing.T) {
	parsed := &Parsed{Headers: []string{"name"}, Rows: [][]string{{"  Kirk  "}}}
	records := parsed.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Kirk", records[0]["name"])
}
