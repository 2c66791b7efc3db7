package storage

import (
	"bytes"
	"mime"
	"net/url"
	"path"
	"strings"
)

// Format is the container format of an audio payload.
type Format string

const (
	FormatMP3   Format = "mp3"
	FormatFLAC  Format = "flac"
	FormatOther Format = "other"
)

// Ext returns the file extension used for blobs of this format.
func (f Format) Ext() string {
	switch f {
	case FormatMP3:
		return ".mp3"
	case FormatFLAC:
		return ".flac"
	default:
		return ".bin"
	}
}

// DetectFormat identifies the audio format from the leading bytes of the
// payload, falling back to the Content-Type and then the URL extension.
func DetectFormat(rawURL, contentType string, head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte("fLaC")):
		return FormatFLAC
	case bytes.HasPrefix(head, []byte("ID3")):
		return FormatMP3
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return FormatMP3
	}

	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "audio/flac", "audio/x-flac":
			return FormatFLAC
		case "audio/mpeg", "audio/mp3":
			return FormatMP3
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".flac":
			return FormatFLAC
		case ".mp3":
			return FormatMP3
		}
	}
	return FormatOther
}
