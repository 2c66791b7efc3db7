package tagging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // cover dimensions
	_ "image/png"
	"strings"

	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
)

// flacAudioStart returns the offset of the first audio frame, after the
// "fLaC" marker and every metadata block.
func flacAudioStart(data []byte) (int64, error) {
	if len(data) < 8 || string(data[:4]) != "fLaC" {
		return 0, errors.New("not a FLAC stream")
	}
	pos := 4
	for {
		if pos+4 > len(data) {
			return 0, errors.New("unexpected end of FLAC metadata")
		}
		last := data[pos]&0x80 != 0
		n := int(data[pos+1])<<16 | int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4 + n
		if pos > len(data) {
			return 0, errors.New("FLAC metadata block exceeds payload")
		}
		if last {
			return int64(pos), nil
		}
	}
}

// Vorbis comment fields owned by the embedder; existing values are replaced.
var flacFields = []string{
	flacvorbis.FIELD_TITLE,
	flacvorbis.FIELD_ALBUM,
	flacvorbis.FIELD_ARTIST,
	flacvorbis.FIELD_DESCRIPTION,
}

// flacRewrite rebuilds the metadata blocks of a FLAC stream with the given
// comments and front cover. Other blocks are kept as they are.
func flacRewrite(data []byte, fields Fields, cover *Picture) ([]byte, int64, error) {
	start, err := flacAudioStart(data)
	if err != nil {
		return nil, 0, err
	}
	f, err := flac.ParseMetadata(bytes.NewReader(data[:start]))
	if err != nil {
		return nil, 0, fmt.Errorf("parse FLAC metadata: %w", err)
	}

	var (
		meta     []*flac.MetaDataBlock
		comments *flacvorbis.MetaDataBlockVorbisComment
	)
	for _, block := range f.Meta {
		switch block.Type {
		case flac.VorbisComment:
			if comments == nil {
				comments, err = flacvorbis.ParseFromMetaDataBlock(*block)
				if err != nil {
					return nil, 0, fmt.Errorf("parse vorbis comments: %w", err)
				}
			}
			continue
		case flac.Picture:
			if cover != nil {
				pic, err := flacpicture.ParseFromMetaDataBlock(*block)
				if err == nil && pic.PictureType == flacpicture.PictureTypeFrontCover {
					continue
				}
			}
		case flac.Padding:
			// Dropped; the rewritten file carries no padding.
			continue
		}
		meta = append(meta, block)
	}

	if comments == nil {
		comments = flacvorbis.New()
	}
	comments.Comments = withoutFields(comments.Comments, flacFields)
	values := []string{fields.Title, fields.Album, fields.Artist, fields.SourceText}
	for i, name := range flacFields {
		if values[i] == "" {
			continue
		}
		if err := comments.Add(name, values[i]); err != nil {
			return nil, 0, fmt.Errorf("add %s comment: %w", name, err)
		}
	}
	cmtBlock := comments.Marshal()
	meta = append(meta, &cmtBlock)

	if cover != nil {
		pic := &flacpicture.MetadataBlockPicture{
			PictureType: flacpicture.PictureTypeFrontCover,
			MIME:        cover.mime(),
			Description: CoverDescription,
			ColorDepth:  24,
			ImageData:   cover.Data,
		}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(cover.Data)); err == nil {
			pic.Width = uint32(cfg.Width)
			pic.Height = uint32(cfg.Height)
		}
		picBlock := pic.Marshal()
		meta = append(meta, &picBlock)
	}

	if len(meta) == 0 || meta[0].Type != flac.StreamInfo {
		return nil, 0, errors.New("FLAC stream has no STREAMINFO block")
	}
	f.Meta = meta
	f.Frames = nil
	return f.Marshal(), start, nil
}

func withoutFields(comments []string, fields []string) []string {
	out := comments[:0:0]
	for _, c := range comments {
		name, _, _ := strings.Cut(c, "=")
		drop := false
		for _, field := range fields {
			if strings.EqualFold(name, field) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, c)
		}
	}
	return out
}
