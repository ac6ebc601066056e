package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/Sternrassler/stockpile/pkg/table"
)

// writeRows encodes rows as zstd-compressed JSON lines into f and syncs it.
func writeRows(f *os.File, rows []table.Row) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	je := json.NewEncoder(enc)
	for i, r := range rows {
		if err := je.Encode(r); err != nil {
			enc.Close()
			return fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush zstd writer: %w", err)
	}
	return f.Sync()
}

// readRows decodes every row of an artifact file and passes it to fn.
func readRows(path string, fn func(raw map[string]any) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	jd := json.NewDecoder(dec)
	jd.UseNumber()
	for {
		var raw map[string]any
		if err := jd.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}
