package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/tunecache/internal/storage"
)

// Common errors for cache operations
var (
	// ErrReserved is returned when a key already has an outstanding
	// reservation.
	ErrReserved = errors.New("cache key already reserved")

	// ErrReservationClosed is returned when committing or aborting a
	// reservation that is no longer current.
	ErrReservationClosed = errors.New("reservation is no longer valid")

	// ErrStorage marks failures of the store or its file system. It
	// matches storage.ErrIO so buffer failures classify the same way.
	ErrStorage = storage.ErrIO

	// ErrInvalidQuality is returned when parsing an unknown quality tier
	ErrInvalidQuality = errors.New("invalid quality tier")
)

// Quality is the audio quality tier of a cached item.
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
	QualityLossless Quality = "lossless"
)

// ParseQuality parses a quality tier name. An empty string is standard.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case "":
		return QualityStandard, nil
	case QualityStandard, QualityHigh, QualityLossless:
		return q, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidQuality, s)
	}
}

// Key identifies one cached item at one quality tier.
type Key struct {
	ItemID  int64   `json:"item_id"`
	Quality Quality `json:"quality"`
}

// String returns the "<id>:<tier>" form of the key.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.ItemID, k.Quality)
}

// dbKey encodes the key so that all tiers of one item sort together.
func (k Key) dbKey() []byte {
	b := make([]byte, 8, 8+len(k.Quality))
	binary.BigEndian.PutUint64(b, uint64(k.ItemID))
	return append(b, k.Quality...)
}

func itemPrefix(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// LocationKind says how a record's bytes are reached.
type LocationKind string

const (
	// LocationFile is a blob under the cache directory
	LocationFile LocationKind = "file"
	// LocationRef is an opaque reference held by a delivery channel
	LocationRef LocationKind = "ref"
)

// Location is where the bytes of a record live.
type Location struct {
	Kind LocationKind `json:"kind"`
	Path string       `json:"path,omitempty"`
	Ref  string       `json:"ref,omitempty"`
}

// Record is a committed cache entry. Records are never modified after
// commit; callers receive copies.
type Record struct {
	Key          Key            `json:"key"`
	Location     Location       `json:"location"`
	Size         int64          `json:"size_bytes"`
	Format       storage.Format `json:"audio_format"`
	Title        string         `json:"title"`
	Album        string         `json:"album"`
	Artist       string         `json:"artist"`
	SourceText   string         `json:"source_id_text"`
	CoverRef     string         `json:"cover_reference,omitempty"`
	ThumbnailRef string         `json:"thumbnail_reference,omitempty"`
	BitrateBPS   int64          `json:"bitrate_bps"`
	Duration     int64          `json:"duration_seconds"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RecordData is everything Commit needs to build a record.
type RecordData struct {
	// Audio is the tagged payload. Commit takes ownership of it.
	Audio storage.Buffer
	// Ref is used instead of Audio for records whose bytes live elsewhere.
	Ref string

	Format     storage.Format
	Title      string
	Album      string
	Artist     string
	SourceText string
	CoverRef   string
	Thumbnail  []byte
	Duration   time.Duration
}

// Stats summarizes the store contents.
type Stats struct {
	Records  int                    // Committed records
	Bytes    int64                  // Total payload size
	ByFormat map[storage.Format]int // Records per audio format
	Reserved int                    // Outstanding reservations
}
