package tableau

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/martinemde/vizagent/pipeline"
)

// Row limits for fetched view data.
const (
	DefaultMaxRows = 50
	MinMaxRows     = 10
	MaxMaxRows     = 500
)

// readTable reads CSV data keeping the header and at most maxRows records.
// Truncated is set when more records were available.
func readTable(asset pipeline.Asset, r io.Reader, maxRows int) (*pipeline.Table, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("view %q has no data: %w", asset.Name, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %q: %w", asset.Name, err)
	}
	header[0] = trimBOM(header[0])

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	t := &pipeline.Table{Asset: asset, Columns: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", asset.Name, err)
		}
		if t.Rows == maxRows {
			t.Truncated = true
			break
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
		t.Rows++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	t.CSV = buf.String()
	return t, nil
}

func trimBOM(s string) string {
	const bom = "\ufeff"
	if len(s) >= len(bom) && s[:len(bom)] == bom {
		return s[len(bom):]
	}
	return s
}
