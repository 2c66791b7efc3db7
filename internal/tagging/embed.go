// Package tagging writes descriptive tags and the front cover into audio
// payloads: ID3v2.4 for MP3 and Vorbis comments plus a picture block for
// FLAC. Payloads are edited where they live, on disk or in memory.
package tagging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"golang.org/x/text/unicode/norm"
)

// ErrUnsupportedFormat is returned for formats that cannot carry tags.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// CoverDescription labels the embedded picture.
const CoverDescription = "Front cover"

// TagError reports that a payload could not be tagged. The payload itself
// is untouched and still usable.
type TagError struct {
	Format storage.Format
	Err    error
}

// Error implements the error interface
func (e *TagError) Error() string {
	return fmt.Sprintf("tag %s: %v", e.Format, e.Err)
}

// Unwrap returns the underlying error
func (e *TagError) Unwrap() error {
	return e.Err
}

// Fields are the text tags written to every payload.
type Fields struct {
	Title      string
	Album      string
	Artist     string
	SourceText string // Identifies the origin of the file
}

func (f Fields) normalized() Fields {
	return Fields{
		Title:      norm.NFC.String(f.Title),
		Album:      norm.NFC.String(f.Album),
		Artist:     norm.NFC.String(f.Artist),
		SourceText: norm.NFC.String(f.SourceText),
	}
}

// Picture is an embedded cover image.
type Picture struct {
	MIME string
	Data []byte
}

func (p *Picture) mime() string {
	if p.MIME == "" {
		return "image/jpeg"
	}
	return p.MIME
}

// Embedder tags audio buffers.
type Embedder struct {
	logger *log.Logger
}

// NewEmbedder creates an embedder.
func NewEmbedder(logger *log.Logger) *Embedder {
	if logger == nil {
		logger = log.Default().WithPrefix("tagging")
	}
	return &Embedder{logger: logger}
}

// Embed writes fields and cover into buf and returns the new payload size.
// The buffer is finished first. Errors are one of:
//   - *TagError: the container could not be tagged, buf is unchanged
//   - storage.ErrInsufficientMemory: a memory buffer could not grow
//   - storage.ErrIO: the file system failed
func (e *Embedder) Embed(buf storage.Buffer, format storage.Format, fields Fields, cover *Picture) (int64, error) {
	if err := buf.Finish(); err != nil {
		return 0, err
	}
	if cover != nil && len(cover.Data) == 0 {
		cover = nil
	}
	fields = fields.normalized()

	var tagger func([]byte, Fields, *Picture) ([]byte, int64, error)
	switch format {
	case storage.FormatMP3:
		tagger = id3Rewrite
	case storage.FormatFLAC:
		tagger = flacRewrite
	default:
		return 0, &TagError{Format: format, Err: ErrUnsupportedFormat}
	}

	var err error
	switch b := buf.(type) {
	case *storage.MemoryBuffer:
		err = e.embedMemory(b, format, tagger, fields, cover)
	case *storage.DiskBuffer:
		err = e.embedFile(b.Path(), format, tagger, fields, cover)
	default:
		err = &TagError{Format: format, Err: fmt.Errorf("unknown buffer type %T", buf)}
	}
	if err != nil {
		return 0, err
	}

	size := buf.Size()
	e.logger.Debug("embedded tags",
		"format", format,
		"mode", buf.Mode(),
		"cover", cover != nil,
		"size", size)
	return size, nil
}

// headLimit bounds how much of a file is read to locate the audio start.
const headLimit = 16 << 20

func (e *Embedder) embedMemory(b *storage.MemoryBuffer, format storage.Format, tagger func([]byte, Fields, *Picture) ([]byte, int64, error), fields Fields, cover *Picture) error {
	head, start, err := tagger(b.Bytes(), fields, cover)
	if err != nil {
		return &TagError{Format: format, Err: err}
	}
	return b.Splice(head, int(start))
}

func (e *Embedder) embedFile(path string, format storage.Format, tagger func([]byte, Fields, *Picture) ([]byte, int64, error), fields Fields, cover *Picture) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open audio file: %w", storage.ErrIO, err)
	}
	defer src.Close()

	prefix, err := io.ReadAll(io.LimitReader(src, headLimit))
	if err != nil {
		return fmt.Errorf("%w: read audio file: %w", storage.ErrIO, err)
	}
	head, start, err := tagger(prefix, fields, cover)
	if err != nil {
		return &TagError{Format: format, Err: err}
	}
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek audio file: %w", storage.ErrIO, err)
	}

	dst, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-tag-*")
	if err != nil {
		return fmt.Errorf("%w: create tagged file: %w", storage.ErrIO, err)
	}
	tmp := dst.Name()
	fail := func(err error) error {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write tagged file: %w", storage.ErrIO, err)
	}
	if _, err := dst.Write(head); err != nil {
		return fail(err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close tagged file: %w", storage.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: replace audio file: %w", storage.ErrIO, err)
	}
	return nil
}
