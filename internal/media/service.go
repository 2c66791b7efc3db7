// Package media serves cached tracks, downloading and tagging them on a
// miss. Concurrent requests for the same key share one download.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/dedup"
	"github.com/dgnsrekt/tunecache/internal/fetch"
	"github.com/dgnsrekt/tunecache/internal/source"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dgnsrekt/tunecache/internal/tagging"
	"github.com/dustin/go-humanize"
)

// reserveWait bounds how long a request waits for a reservation held
// outside this service to be committed or released.
const reserveWait = 2 * time.Minute

// Service is the request entry point.
type Service struct {
	store    *cache.Store
	resolver source.Resolver
	fetcher  *fetch.Orchestrator
	selector *storage.Selector
	embedder *tagging.Embedder
	group    dedup.Group[*cache.Record]

	strict      bool
	reserveWait time.Duration
	logger      *log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithStrictTagging makes tagging failures fail the request instead of
// caching the audio untagged.
func WithStrictTagging(strict bool) Option {
	return func(s *Service) { s.strict = strict }
}

// WithReserveWait sets how long to wait for a foreign reservation.
func WithReserveWait(d time.Duration) Option {
	return func(s *Service) { s.reserveWait = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires the pipeline together.
func NewService(store *cache.Store, resolver source.Resolver, fetcher *fetch.Orchestrator, selector *storage.Selector, embedder *tagging.Embedder, opts ...Option) *Service {
	s := &Service{
		store:       store,
		resolver:    resolver,
		fetcher:     fetcher,
		selector:    selector,
		embedder:    embedder,
		reserveWait: reserveWait,
		logger:      log.Default().WithPrefix("media"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the record for key, fetching it on a miss. Errors are
// always *Failure.
func (s *Service) Get(ctx context.Context, key cache.Key) (*cache.Record, error) {
	rec, ok, err := s.store.Lookup(key)
	if err != nil {
		return nil, newFailure(key, err)
	}
	if ok {
		s.logger.Debug("cache hit", "key", key)
		return rec, nil
	}

	rec, role, err := s.group.Do(ctx, key.String(), func(ctx context.Context) (*cache.Record, error) {
		return s.load(ctx, key)
	})
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return nil, err
		}
		// The caller's own context ended while waiting.
		return nil, &Failure{Kind: NotRetrievable, Key: key, Err: err}
	}
	if role == dedup.Follower {
		s.logger.Debug("shared in-flight result", "key", key)
	}
	out := *rec
	return &out, nil
}

// InFlight returns the number of downloads currently running.
func (s *Service) InFlight() int {
	return s.group.InFlight()
}

func (s *Service) load(ctx context.Context, key cache.Key) (*cache.Record, error) {
	rec, res, err := s.reserve(ctx, key)
	if err != nil {
		return nil, newFailure(key, err)
	}
	if rec != nil {
		return rec, nil
	}

	var buf storage.Buffer
	rec, err = s.fill(ctx, res, &buf)
	if err != nil {
		s.store.Abort(res, buf)
		s.logger.Error("request failed", "key", key, "error", err)
		return nil, newFailure(key, err)
	}
	return rec, nil
}

// reserve returns the committed record or a reservation. A reservation
// held elsewhere is waited out with backoff.
func (s *Service) reserve(ctx context.Context, key cache.Key) (*cache.Record, *cache.Reservation, error) {
	var (
		rec *cache.Record
		res *cache.Reservation
	)
	op := func() error {
		var err error
		rec, res, err = s.store.GetOrReserve(key)
		if errors.Is(err, cache.ErrReserved) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = s.reserveWait
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, nil, err
	}
	return rec, res, nil
}

// fill downloads, tags and commits the reserved key. *buf always holds
// the buffer the caller must discard on failure.
func (s *Service) fill(ctx context.Context, res *cache.Reservation, buf *storage.Buffer) (*cache.Record, error) {
	key := res.Key()

	track, err := s.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	size := s.fetcher.Probe(ctx, track.AudioURL)
	mode := s.selector.Select(size)

	result, err := s.fetcher.Fetch(ctx, key, fetch.Sources{
		AudioURL:     track.AudioURL,
		CoverURL:     track.CoverURL,
		ThumbnailURL: track.ThumbnailURL,
	}, mode, size)
	if err != nil {
		return nil, err
	}
	*buf = result.Audio

	fields := tagging.Fields{
		Title:      track.Title,
		Album:      track.Album,
		Artist:     track.Artist(),
		SourceText: track.SourceText,
	}
	var cover *tagging.Picture
	if result.Cover != nil {
		cover = &tagging.Picture{MIME: result.Cover.MIME, Data: result.Cover.Data}
	}
	if err := s.tag(key, buf, result.Format, fields, cover); err != nil {
		return nil, err
	}

	data := cache.RecordData{
		Audio:      *buf,
		Format:     result.Format,
		Title:      fields.Title,
		Album:      fields.Album,
		Artist:     fields.Artist,
		SourceText: fields.SourceText,
		CoverRef:   track.CoverURL,
		Duration:   track.Duration(),
	}
	if result.Thumbnail != nil {
		data.Thumbnail = result.Thumbnail.Data
	}
	rec, err := s.store.Commit(res, data)
	if err != nil {
		return nil, err
	}

	s.logger.Info("cached track",
		"key", key,
		"title", rec.Title,
		"format", rec.Format,
		"size", humanize.IBytes(uint64(rec.Size)), //nolint:gosec
		"mode", result.Audio.Mode())
	return rec, nil
}

// tag embeds metadata into *buf. A memory buffer that cannot grow is
// moved to disk and tagged there. Tagging failures are logged and the
// audio is cached untagged unless the service is strict.
func (s *Service) tag(key cache.Key, buf *storage.Buffer, format storage.Format, fields tagging.Fields, cover *tagging.Picture) error {
	_, err := s.embedder.Embed(*buf, format, fields, cover)
	if errors.Is(err, storage.ErrInsufficientMemory) {
		mb, ok := (*buf).(*storage.MemoryBuffer)
		if !ok {
			return err
		}
		s.logger.Warn("memory exhausted while tagging, moving to disk", "key", key)
		disk, serr := storage.Spill(mb, s.store.TempDir())
		if serr != nil {
			return serr
		}
		*buf = disk
		_, err = s.embedder.Embed(disk, format, fields, cover)
	}

	var tagErr *tagging.TagError
	if errors.As(err, &tagErr) && !s.strict {
		s.logger.Warn("caching untagged audio", "key", key, "format", format, "error", err)
		return nil
	}
	return err
}
