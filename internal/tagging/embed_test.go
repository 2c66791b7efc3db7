package tagging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/bogem/id3v2/v2"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dgnsrekt/tunecache/internal/storage"
	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
)

func testMonitor(ceiling uint64) *memory.Monitor {
	return memory.NewMonitor(
		memory.Budget{ThresholdBytes: ceiling},
		memory.WithSystem(func() (uint64, error) { return 1 << 40, nil }),
	)
}

// mp3Audio returns fake MPEG frames.
func mp3Audio() []byte {
	frame := append([]byte{0xFF, 0xFB, 0x90, 0x64}, bytes.Repeat([]byte{0x11}, 413)...)
	return bytes.Repeat(frame, 8)
}

// flacStream returns a minimal FLAC stream with a STREAMINFO block, an
// optional extra block and fake frames.
func flacStream(t *testing.T, extra ...flac.MetaDataBlock) ([]byte, []byte) {
	t.Helper()
	frames := bytes.Repeat([]byte{0xFF, 0xF8, 0x69, 0x08}, 600)
	f := &flac.File{
		Meta:   []*flac.MetaDataBlock{{Type: flac.StreamInfo, Data: make([]byte, 34)}},
		Frames: frames,
	}
	for i := range extra {
		f.Meta = append(f.Meta, &extra[i])
	}
	return f.Marshal(), frames
}

func coverPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func memBuffer(t *testing.T, data []byte) *storage.MemoryBuffer {
	t.Helper()
	b, err := storage.NewMemoryBuffer(testMonitor(64<<20), int64(len(data)))
	if err != nil {
		t.Fatalf("NewMemoryBuffer failed: %v", err)
	}
	if _, err := b.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return b
}

func diskBuffer(t *testing.T, data []byte) *storage.DiskBuffer {
	t.Helper()
	b, err := storage.NewDiskBuffer(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskBuffer failed: %v", err)
	}
	if _, err := b.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return b
}

func contents(t *testing.T, b storage.Buffer) []byte {
	t.Helper()
	rc, err := b.Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

var testFields = Fields{
	Title:      "Cafe\u0301", // decomposed
	Album:      "Album",
	Artist:     "Artist A/Artist B",
	SourceText: "src:12345",
}

func checkID3(t *testing.T, data, audio []byte, title string, wantCover bool) {
	t.Helper()
	tag, err := id3v2.ParseReader(bytes.NewReader(data), id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("ParseReader failed: %v", err)
	}
	if tag.Title() != title {
		t.Errorf("Title = %q, want %q", tag.Title(), title)
	}
	if tag.Artist() != "Artist A/Artist B" || tag.Album() != "Album" {
		t.Errorf("Artist/Album = %q/%q", tag.Artist(), tag.Album())
	}

	comments := tag.GetFrames(tag.CommonID("Comments"))
	if len(comments) != 1 || comments[0].(id3v2.CommentFrame).Text != "src:12345" {
		t.Errorf("comments = %v", comments)
	}

	pics := tag.GetFrames(tag.CommonID("Attached picture"))
	if !wantCover {
		if len(pics) != 0 {
			t.Errorf("%d pictures, want none", len(pics))
		}
	} else {
		if len(pics) != 1 {
			t.Fatalf("%d pictures, want 1", len(pics))
		}
		pic := pics[0].(id3v2.PictureFrame)
		if pic.PictureType != id3v2.PTFrontCover || pic.Description != CoverDescription {
			t.Errorf("picture = type %d %q", pic.PictureType, pic.Description)
		}
	}

	start, err := id3AudioStart(data)
	if err != nil {
		t.Fatalf("id3AudioStart failed: %v", err)
	}
	if !bytes.Equal(data[start:], audio) {
		t.Error("audio frames changed by tagging")
	}
}

func TestEmbed_MP3(t *testing.T) {
	cover := &Picture{MIME: "image/png", Data: coverPNG(t)}
	e := NewEmbedder(nil)

	for _, tt := range []struct {
		name string
		buf  func([]byte) storage.Buffer
	}{
		{"memory", func(d []byte) storage.Buffer { return memBuffer(t, d) }},
		{"disk", func(d []byte) storage.Buffer { return diskBuffer(t, d) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			audio := mp3Audio()
			buf := tt.buf(audio)
			defer buf.Discard()

			size, err := e.Embed(buf, storage.FormatMP3, testFields, cover)
			if err != nil {
				t.Fatalf("Embed failed: %v", err)
			}
			data := contents(t, buf)
			if size != int64(len(data)) {
				t.Errorf("size = %d, payload is %d", size, len(data))
			}
			checkID3(t, data, audio, "Caf\u00e9", true)
		})
	}
}

func TestEmbed_MP3ReplacesExistingTag(t *testing.T) {
	audio := mp3Audio()
	old := id3v2.NewEmptyTag()
	old.SetTitle("Old Title")
	old.AddAttachedPicture(id3v2.PictureFrame{Encoding: id3v2.EncodingUTF8, MimeType: "image/jpeg", PictureType: id3v2.PTFrontCover, Picture: []byte("old")})
	var tagged bytes.Buffer
	if _, err := old.WriteTo(&tagged); err != nil {
		t.Fatal(err)
	}
	tagged.Write(audio)

	buf := memBuffer(t, tagged.Bytes())
	defer buf.Discard()
	if _, err := NewEmbedder(nil).Embed(buf, storage.FormatMP3, testFields, nil); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	checkID3(t, buf.Bytes(), audio, "Caf\u00e9", false)
}

func TestEmbed_MP3TruncatedTag(t *testing.T) {
	data := append([]byte("ID3\x04\x00\x00\x00\x00\x7f\x7f"), mp3Audio()...)
	buf := memBuffer(t, data)
	defer buf.Discard()

	_, err := NewEmbedder(nil).Embed(buf, storage.FormatMP3, testFields, nil)
	var tagErr *TagError
	if !errors.As(err, &tagErr) {
		t.Fatalf("Embed err = %v, want *TagError", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("payload modified by failed Embed")
	}
}

func flacMeta(t *testing.T, data []byte) *flac.File {
	t.Helper()
	f, err := flac.ParseMetadata(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ParseMetadata failed: %v", err)
	}
	return f
}

func TestEmbed_FLAC(t *testing.T) {
	oldComments := flacvorbis.New()
	_ = oldComments.Add(flacvorbis.FIELD_TITLE, "Old Title")
	_ = oldComments.Add(flacvorbis.FIELD_GENRE, "Jazz")
	oldCmt := oldComments.Marshal()
	oldPic := (&flacpicture.MetadataBlockPicture{
		PictureType: flacpicture.PictureTypeFrontCover,
		MIME:        "image/jpeg",
		ImageData:   []byte("old cover"),
	}).Marshal()

	cover := &Picture{MIME: "image/png", Data: coverPNG(t)}
	e := NewEmbedder(nil)

	for _, tt := range []struct {
		name string
		buf  func([]byte) storage.Buffer
	}{
		{"memory", func(d []byte) storage.Buffer { return memBuffer(t, d) }},
		{"disk", func(d []byte) storage.Buffer { return diskBuffer(t, d) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			stream, frames := flacStream(t, oldCmt, oldPic)
			buf := tt.buf(stream)
			defer buf.Discard()

			if _, err := e.Embed(buf, storage.FormatFLAC, testFields, cover); err != nil {
				t.Fatalf("Embed failed: %v", err)
			}
			data := contents(t, buf)
			f := flacMeta(t, data)

			if f.Meta[0].Type != flac.StreamInfo {
				t.Errorf("first block is %v, want STREAMINFO", f.Meta[0].Type)
			}

			var (
				cmts *flacvorbis.MetaDataBlockVorbisComment
				pics []*flacpicture.MetadataBlockPicture
			)
			for _, m := range f.Meta {
				switch m.Type {
				case flac.VorbisComment:
					if cmts != nil {
						t.Error("more than one comment block")
					}
					cmts, _ = flacvorbis.ParseFromMetaDataBlock(*m)
				case flac.Picture:
					p, err := flacpicture.ParseFromMetaDataBlock(*m)
					if err != nil {
						t.Fatalf("parse picture: %v", err)
					}
					pics = append(pics, p)
				}
			}
			if cmts == nil {
				t.Fatal("no comment block")
			}
			for field, want := range map[string]string{
				flacvorbis.FIELD_TITLE:       "Caf\u00e9",
				flacvorbis.FIELD_ALBUM:       "Album",
				flacvorbis.FIELD_ARTIST:      "Artist A/Artist B",
				flacvorbis.FIELD_DESCRIPTION: "src:12345",
				flacvorbis.FIELD_GENRE:       "Jazz",
			} {
				got, _ := cmts.Get(field)
				if len(got) != 1 || got[0] != want {
					t.Errorf("%s = %v, want [%s]", field, got, want)
				}
			}

			if len(pics) != 1 {
				t.Fatalf("%d pictures, want 1", len(pics))
			}
			if pics[0].Description != CoverDescription || pics[0].Width != 4 || pics[0].Height != 3 {
				t.Errorf("picture = %q %dx%d", pics[0].Description, pics[0].Width, pics[0].Height)
			}

			start, err := flacAudioStart(data)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data[start:], frames) {
				t.Error("audio frames changed by tagging")
			}
		})
	}
}

func TestEmbed_FLACWithoutCoverKeepsPictures(t *testing.T) {
	oldPic := (&flacpicture.MetadataBlockPicture{
		PictureType: flacpicture.PictureTypeFrontCover,
		MIME:        "image/jpeg",
		ImageData:   []byte("old cover"),
	}).Marshal()
	stream, _ := flacStream(t, oldPic)
	buf := memBuffer(t, stream)
	defer buf.Discard()

	if _, err := NewEmbedder(nil).Embed(buf, storage.FormatFLAC, testFields, nil); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	pics := 0
	for _, m := range flacMeta(t, buf.Bytes()).Meta {
		if m.Type == flac.Picture {
			pics++
		}
	}
	if pics != 1 {
		t.Errorf("%d pictures, want the original one kept", pics)
	}
}

func TestEmbed_Errors(t *testing.T) {
	e := NewEmbedder(nil)

	buf := memBuffer(t, []byte("OggS not supported"))
	defer buf.Discard()
	_, err := e.Embed(buf, storage.FormatOther, testFields, nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("other format err = %v, want ErrUnsupportedFormat", err)
	}
	var tagErr *TagError
	if !errors.As(err, &tagErr) {
		t.Errorf("other format err = %T, want *TagError", err)
	}

	bad := memBuffer(t, []byte("not a flac stream at all"))
	defer bad.Discard()
	if _, err := e.Embed(bad, storage.FormatFLAC, testFields, nil); !errors.As(err, &tagErr) {
		t.Errorf("malformed flac err = %v, want *TagError", err)
	}
}

func TestEmbed_MemoryRefusalLeavesPayload(t *testing.T) {
	audio := mp3Audio()
	b, err := storage.NewMemoryBuffer(testMonitor(uint64(len(audio))+16), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Discard()
	if _, err := b.Write(audio); err != nil {
		t.Fatal(err)
	}

	cover := &Picture{Data: bytes.Repeat([]byte{1}, 4096)}
	_, err = NewEmbedder(nil).Embed(b, storage.FormatMP3, testFields, cover)
	if !errors.Is(err, storage.ErrInsufficientMemory) {
		t.Fatalf("Embed err = %v, want ErrInsufficientMemory", err)
	}
	if !bytes.Equal(b.Bytes(), audio) {
		t.Error("payload modified by refused Embed")
	}
}

func TestEmbed_MemoryReservesBothPayloadsDuringRewrite(t *testing.T) {
	audio := mp3Audio()
	cover := &Picture{MIME: "image/png", Data: coverPNG(t)}

	ref := memBuffer(t, audio)
	tagged, err := NewEmbedder(nil).Embed(ref, storage.FormatMP3, testFields, cover)
	ref.Discard()
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	tests := []struct {
		name    string
		ceiling uint64
		wantErr bool
	}{
		{"room for both", uint64(len(audio)) + uint64(tagged), false},
		{"room for new only", uint64(len(audio)) + uint64(tagged) - 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMonitor(tt.ceiling)
			b, err := storage.NewMemoryBuffer(m, int64(len(audio)))
			if err != nil {
				t.Fatal(err)
			}
			defer b.Discard()
			if _, err := b.Write(audio); err != nil {
				t.Fatal(err)
			}

			size, err := NewEmbedder(nil).Embed(b, storage.FormatMP3, testFields, cover)
			if tt.wantErr {
				if !errors.Is(err, storage.ErrInsufficientMemory) {
					t.Fatalf("Embed err = %v, want ErrInsufficientMemory", err)
				}
				if !bytes.Equal(b.Bytes(), audio) {
					t.Error("payload modified by refused Embed")
				}
				if got := m.Reserved(); got != uint64(len(audio)) {
					t.Errorf("Reserved() = %d, want %d", got, len(audio))
				}
				return
			}
			if err != nil {
				t.Fatalf("Embed failed: %v", err)
			}
			if size != tagged {
				t.Errorf("size = %d, want %d", size, tagged)
			}
			if got := m.Reserved(); got != uint64(size) {
				t.Errorf("Reserved() = %d, want %d", got, size)
			}
		})
	}
}

func TestID3AudioStart(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    int64
		wantErr bool
	}{
		{"no tag", []byte{0xFF, 0xFB, 0, 0}, 0, false},
		{"tag", append([]byte("ID3\x04\x00\x00\x00\x00\x00\x02"), 0, 0, 0xFF), 12, false},
		{"tag with footer", append([]byte("ID3\x04\x00\x10\x00\x00\x00\x01"), make([]byte, 12)...), 21, false},
		{"size not syncsafe", []byte("ID3\x04\x00\x00\x80\x00\x00\x00"), 0, true},
		{"size too large", []byte("ID3\x04\x00\x00\x00\x00\x01\x00"), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := id3AudioStart(tt.data)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("id3AudioStart() = %d, %v", got, err)
			}
		})
	}
}
