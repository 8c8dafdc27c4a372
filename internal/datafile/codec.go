package datafile

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"cdflake/internal/domain"
)

// Cell kinds. Values are stored by their Go type so a file can be decoded
// without the table schema.
const (
	kindNull int32 = iota
	kindInt
	kindDouble
	kindString
	kindBool
)

// fileRow is the Parquet row layout of a data file.
type fileRow struct {
	Seq   int64      `parquet:"seq"`
	Cells []fileCell `parquet:"cells"`
}

type fileCell struct {
	Kind   int32   `parquet:"kind"`
	Int    int64   `parquet:"int"`
	Double float64 `parquet:"double"`
	Str    string  `parquet:"str"`
	Bool   bool    `parquet:"bool"`
}

// encode writes rows as a Snappy-compressed Parquet file. Row i gets Seq i.
// The output is a pure function of rows.
func encode(rows []domain.Row) ([]byte, error) {
	out := make([]fileRow, len(rows))
	for i, r := range rows {
		cells := make([]fileCell, len(r))
		for j, v := range r {
			c, err := encodeCell(v)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i, j, err)
			}
			cells[j] = c
		}
		out[i] = fileRow{Seq: int64(i), Cells: cells}
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[fileRow](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(out); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) ([]domain.StoredRow, error) {
	rows, err := parquet.Read[fileRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	out := make([]domain.StoredRow, len(rows))
	for i, r := range rows {
		vals := make(domain.Row, len(r.Cells))
		for j, c := range r.Cells {
			v, err := decodeCell(c)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", r.Seq, j, err)
			}
			vals[j] = v
		}
		out[i] = domain.StoredRow{Seq: r.Seq, Values: vals}
	}
	return out, nil
}

func encodeCell(v any) (fileCell, error) {
	switch x := v.(type) {
	case nil:
		return fileCell{Kind: kindNull}, nil
	case int64:
		return fileCell{Kind: kindInt, Int: x}, nil
	case float64:
		return fileCell{Kind: kindDouble, Double: x}, nil
	case string:
		return fileCell{Kind: kindString, Str: x}, nil
	case bool:
		return fileCell{Kind: kindBool, Bool: x}, nil
	}
	return fileCell{}, fmt.Errorf("unsupported value type %T", v)
}

func decodeCell(c fileCell) (any, error) {
	switch c.Kind {
	case kindNull:
		return nil, nil
	case kindInt:
		return c.Int, nil
	case kindDouble:
		return c.Double, nil
	case kindString:
		return c.Str, nil
	case kindBool:
		return c.Bool, nil
	}
	return nil, fmt.Errorf("unknown cell kind %d", c.Kind)
}
