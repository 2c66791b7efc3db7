package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Export writes every record to w as zstd-compressed JSON lines and
// returns how many were written.
func (s *Store) Export(w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	n := 0
	jw := json.NewEncoder(enc)
	err = s.each(func(rec *Record) error {
		n++
		return jw.Encode(rec)
	})
	if err != nil {
		enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}
	return n, nil
}

// ReadExport decodes records written by Export.
func ReadExport(r io.Reader) ([]Record, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	var recs []Record
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode export line: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return recs, nil
}
