// Package source resolves cache keys into downloadable tracks using the
// catalog API of the remote source.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/cache"
)

// ErrNotFound is returned when the source has no such item.
var ErrNotFound = errors.New("item not found")

// UnknownAlbum is used when the source does not name an album.
const UnknownAlbum = "Unknown Album"

// Track is a resolved item.
type Track struct {
	ID           int64         `json:"id"`
	Quality      cache.Quality `json:"quality"`
	Title        string        `json:"title"`
	Album        string        `json:"album"`
	Artists      []string      `json:"artists"`
	AudioURL     string        `json:"audio_url"`
	CoverURL     string        `json:"cover_url"`
	ThumbnailURL string        `json:"thumbnail_url"`
	DurationMS   int64         `json:"duration_ms"`
	SourceText   string        `json:"source_text"`
}

// Artist joins the artist names the way they are tagged.
func (t *Track) Artist() string {
	return strings.Join(t.Artists, "/")
}

// Duration returns the track length.
func (t *Track) Duration() time.Duration {
	return time.Duration(t.DurationMS) * time.Millisecond
}

// Resolver looks up the track behind a cache key.
type Resolver interface {
	Resolve(ctx context.Context, key cache.Key) (*Track, error)
}

// HTTPResolver fetches track documents from a JSON endpoint. The endpoint
// is a URL template with {id} and {quality} placeholders.
type HTTPResolver struct {
	endpoint   string
	thumbParam string
	client     *http.Client
	logger     *log.Logger
}

// Option configures an HTTPResolver.
type Option func(*HTTPResolver)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPResolver) { r.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *HTTPResolver) { r.logger = l }
}

// NewHTTPResolver creates a resolver for the endpoint template.
// thumbParam, such as "param=320y320", is appended to the cover URL to
// build the thumbnail URL when the document has none.
func NewHTTPResolver(endpoint, thumbParam string, opts ...Option) (*HTTPResolver, error) {
	if !strings.Contains(endpoint, "{id}") {
		return nil, fmt.Errorf("source endpoint %q has no {id} placeholder", endpoint)
	}
	if _, err := url.Parse(strings.NewReplacer("{id}", "0", "{quality}", "standard").Replace(endpoint)); err != nil {
		return nil, fmt.Errorf("invalid source endpoint: %w", err)
	}
	r := &HTTPResolver{
		endpoint:   endpoint,
		thumbParam: thumbParam,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     log.Default().WithPrefix("source"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, key cache.Key) (*Track, error) {
	u := strings.NewReplacer(
		"{id}", strconv.FormatInt(key.ItemID, 10),
		"{quality}", url.QueryEscape(string(key.Quality)),
	).Replace(r.endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("resolve %s: %w", key, ErrNotFound)
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("resolve %s: unexpected status %d", key, resp.StatusCode)
	}

	var t Track
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&t); err != nil {
		return nil, fmt.Errorf("resolve %s: decode track: %w", key, err)
	}
	if t.AudioURL == "" {
		return nil, fmt.Errorf("resolve %s: %w: no audio url", key, ErrNotFound)
	}
	r.complete(&t, key, u)

	r.logger.Debug("resolved track", "key", key, "title", t.Title, "artist", t.Artist())
	return &t, nil
}

func (r *HTTPResolver) complete(t *Track, key cache.Key, endpoint string) {
	t.ID = key.ItemID
	if t.Quality == "" {
		t.Quality = key.Quality
	}
	if t.Album == "" {
		t.Album = UnknownAlbum
	}
	if t.ThumbnailURL == "" && t.CoverURL != "" && r.thumbParam != "" {
		t.ThumbnailURL = withParam(t.CoverURL, r.thumbParam)
	}
	if t.SourceText == "" {
		host := "source"
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			host = u.Hostname()
		}
		t.SourceText = fmt.Sprintf("%s:%d", host, key.ItemID)
	}
}

func withParam(rawURL, param string) string {
	if strings.Contains(rawURL, "?") {
		return rawURL + "&" + param
	}
	return rawURL + "?" + param
}
