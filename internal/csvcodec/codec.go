// Package csvcodec encodes and decodes the RFC 4180 result table.
//
// Fields are quoted only when they contain a comma, a double quote, CR or LF,
// an empty field is always written as "". Records are terminated by CRLF.
package csvcodec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for tables which can't be decoded
var ErrMalformed = errors.New("malformed csv")

const crlf = "\r\n"

// EncodeField encodes a single value
func EncodeField(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, ",\"\r\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

// EncodeRow encodes fields as a single CRLF terminated record
func EncodeRow(fields []string) string {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(EncodeField(f))
	}
	sb.WriteString(crlf)
	return sb.String()
}

// DecodeTable decodes text into a list of rows keyed by column names.
// The header is returned as well, to keep the column order.
func DecodeTable(text string) ([]map[string]string, []string, error) {
	records, err := DecodeRecords(text)
	if err != nil {
		return nil, nil, err
	}
	header := records[0]
	seen := make(map[string]struct{}, len(header))
	for _, name := range header {
		if _, ok := seen[name]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate column %q", ErrMalformed, name)
		}
		seen[name] = struct{}{}
	}

	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			row[name] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

// DecodeRecords decodes all records of a table. The first record is the header,
// every other record must have the same number of fields.
//
// Unlike encoding/csv the values are returned verbatim, CR LF inside of
// a quoted field is not collapsed to LF.
func DecodeRecords(text string) ([][]string, error) {
	p := parser{text: text, line: 1}
	var records [][]string
	for !p.eof() {
		startLine := p.line
		rec, err := p.record()
		if err != nil {
			return nil, err
		}
		if len(records) > 0 && len(rec) != len(records[0]) {
			return nil, fmt.Errorf("%w: record on line %d: wrong number of fields: got %d, want %d",
				ErrMalformed, startLine, len(rec), len(records[0]))
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	return records, nil
}

type parser struct {
	text string
	pos  int
	line int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.text)
}

// record reads fields up to and including the record separator (CRLF or LF)
func (p *parser) record() ([]string, error) {
	var fields []string
	for {
		field, err := p.field()
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)

		switch {
		case p.eof():
			return fields, nil
		case p.text[p.pos] == ',':
			p.pos++
		case strings.HasPrefix(p.text[p.pos:], crlf):
			p.pos += 2
			p.line++
			return fields, nil
		case p.text[p.pos] == '\n':
			p.pos++
			p.line++
			return fields, nil
		default:
			return nil, fmt.Errorf("%w: line %d: unexpected %q after field", ErrMalformed, p.line, p.text[p.pos])
		}
	}
}

func (p *parser) field() (string, error) {
	if p.eof() || p.text[p.pos] != '"' {
		return p.bare()
	}
	return p.quoted()
}

func (p *parser) bare() (string, error) {
	start := p.pos
	for !p.eof() {
		switch c := p.text[p.pos]; {
		case c == ',' || c == '\n' || strings.HasPrefix(p.text[p.pos:], crlf):
			return p.text[start:p.pos], nil
		case c == '"':
			return "", fmt.Errorf("%w: line %d: bare quote in non-quoted field", ErrMalformed, p.line)
		}
		p.pos++
	}
	return p.text[start:], nil
}

func (p *parser) quoted() (string, error) {
	startLine := p.line
	p.pos++ // opening quote
	var sb strings.Builder
	for !p.eof() {
		c := p.text[p.pos]
		if c != '"' {
			if c == '\n' {
				p.line++
			}
			sb.WriteByte(c)
			p.pos++
			continue
		}
		// c is a quote: either escaped quote or the end of a field
		if p.pos+1 < len(p.text) && p.text[p.pos+1] == '"' {
			sb.WriteByte('"')
			p.pos += 2
			continue
		}
		p.pos++
		if !p.eof() && p.text[p.pos] != ',' && p.text[p.pos] != '\n' && !strings.HasPrefix(p.text[p.pos:], crlf) {
			return "", fmt.Errorf("%w: line %d: extraneous %q after quoted field", ErrMalformed, p.line, p.text[p.pos])
		}
		return sb.String(), nil
	}
	return "", fmt.Errorf("%w: unterminated quoted field starting on line %d", ErrMalformed, startLine)
}
