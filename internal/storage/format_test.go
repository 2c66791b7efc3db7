package storage

import "testing"

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		contentType string
		head        []byte
		want        Format
	}{
		{"flac magic", "http://x/a.mp3", "audio/mpeg", []byte("fLaC\x00\x00"), FormatFLAC},
		{"id3 header", "http://x/a", "", []byte("ID3\x04\x00"), FormatMP3},
		{"mpeg frame sync", "http://x/a", "", []byte{0xFF, 0xFB, 0x90}, FormatMP3},
		{"content type flac", "http://x/a", "audio/flac", []byte("????"), FormatFLAC},
		{"content type with params", "http://x/a", "audio/mpeg; charset=binary", nil, FormatMP3},
		{"url extension", "http://x/song.FLAC?sig=1", "application/octet-stream", nil, FormatFLAC},
		{"unknown", "http://x/song.ogg", "audio/ogg", []byte("OggS"), FormatOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.url, tt.contentType, tt.head); got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}
