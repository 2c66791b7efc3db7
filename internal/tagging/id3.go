package tagging

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bogem/id3v2/v2"
)

const id3HeaderSize = 10

// id3AudioStart returns the offset of the first byte after a leading
// ID3v2 tag, or 0 when data does not start with one.
func id3AudioStart(data []byte) (int64, error) {
	if len(data) < 3 || string(data[:3]) != "ID3" {
		return 0, nil
	}
	if len(data) < id3HeaderSize {
		return 0, errors.New("truncated ID3v2 header")
	}
	sz := data[6:10]
	for _, b := range sz {
		if b&0x80 != 0 {
			return 0, errors.New("invalid ID3v2 tag size")
		}
	}
	size := int64(sz[0])<<21 | int64(sz[1])<<14 | int64(sz[2])<<7 | int64(sz[3])
	end := id3HeaderSize + size
	if data[5]&0x10 != 0 { // footer present
		end += id3HeaderSize
	}
	if end > int64(len(data)) {
		return 0, fmt.Errorf("ID3v2 tag size %d exceeds payload", size)
	}
	return end, nil
}

// id3Rewrite builds a fresh ID3v2.4 tag. Any existing leading tag is
// dropped in favor of it.
func id3Rewrite(data []byte, fields Fields, cover *Picture) ([]byte, int64, error) {
	start, err := id3AudioStart(data)
	if err != nil {
		return nil, 0, err
	}

	tag := id3v2.NewEmptyTag()
	tag.SetVersion(4)
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(fields.Title)
	tag.SetAlbum(fields.Album)
	tag.SetArtist(fields.Artist)
	if fields.SourceText != "" {
		tag.AddCommentFrame(id3v2.CommentFrame{
			Encoding:    id3v2.EncodingUTF8,
			Language:    "eng",
			Description: "source",
			Text:        fields.SourceText,
		})
	}
	if cover != nil {
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    cover.mime(),
			PictureType: id3v2.PTFrontCover,
			Description: CoverDescription,
			Picture:     cover.Data,
		})
	}

	var head bytes.Buffer
	if _, err := tag.WriteTo(&head); err != nil {
		return nil, 0, fmt.Errorf("encode ID3v2 tag: %w", err)
	}
	return head.Bytes(), start, nil
}
