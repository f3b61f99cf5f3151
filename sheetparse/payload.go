// Package sheetparse converts raw sheet payloads, either the remote API's
// sheet-name-keyed tables or uploaded workbooks, into normalized schedule
// snapshots.
//
// Validation runs before parsing and rejects inputs that are clearly not
// schedules with a specific reason, so callers never index into an
// unverified table shape.
package sheetparse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Sheet is one named table of rows. Cells are normalized to strings.
type Sheet struct {
	Name string
	Rows [][]string
}

// Payload is the raw fetch/import result: an ordered list of sheets. Order
// is preserved from the wire because week-label extraction depends on "the
// first sheet", which a plain Go map would not keep stable.
type Payload struct {
	Sheets []Sheet
}

// UnmarshalJSON decodes the wire shape {"data": {sheetName: [[cell, ...]]}}
// preserving sheet order. Scalar cells of any JSON type are rendered as
// strings; null cells become empty strings.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("sheetparse: payload: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("sheetparse: payload: %w", err)
		}
		key, _ := tok.(string)
		if key != "data" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("sheetparse: payload: %w", err)
			}
			continue
		}

		if err := expectDelim(dec, '{'); err != nil {
			return fmt.Errorf("sheetparse: payload data: %w", err)
		}
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("sheetparse: payload data: %w", err)
			}
			name, _ := nameTok.(string)

			var raw [][]any
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("sheetparse: sheet %q: %w", name, err)
			}
			rows := make([][]string, len(raw))
			for i, r := range raw {
				row := make([]string, len(r))
				for j, cell := range r {
					row[j] = cellString(cell)
				}
				rows[i] = row
			}
			p.Sheets = append(p.Sheets, Sheet{Name: name, Rows: rows})
		}
		if _, err := dec.Token(); err != nil { // closing '}'
			return fmt.Errorf("sheetparse: payload data: %w", err)
		}
	}
	return nil
}

// MarshalJSON writes the same wire shape back, keeping sheet order.
func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"data":{`)
	for i, sheet := range p.Sheets {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(sheet.Name)
		if err != nil {
			return nil, err
		}
		rows, err := json.Marshal(sheet.Rows)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(rows)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

func expectDelim(dec *json.Decoder, want rune) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || rune(d) != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func cellString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.Number:
		return c.String()
	case bool:
		return strconv.FormatBool(c)
	default:
		return fmt.Sprint(c)
	}
}
