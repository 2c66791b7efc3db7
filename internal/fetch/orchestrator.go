// Package fetch downloads an audio payload and its cover images from the
// source, concurrently and with bounded retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Sources are the URLs of one item.
type Sources struct {
	AudioURL     string
	CoverURL     string // Original resolution, embedded into the audio
	ThumbnailURL string // Small preview, never embedded
}

// Image is a downloaded cover.
type Image struct {
	MIME string
	Data []byte
}

// Result is the outcome of a successful Fetch. The caller owns Audio.
type Result struct {
	Audio     storage.Buffer
	Format    storage.Format
	Cover     *Image // nil when not fetched or failed
	Thumbnail *Image // nil when not fetched or failed
	Bytes     int64
	Elapsed   time.Duration
}

// Orchestrator downloads items. It is safe for concurrent use; the
// semaphore and rate limiter are shared by all callers.
type Orchestrator struct {
	cfg        Config
	client     *http.Client
	monitor    *memory.Monitor
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	logger     *log.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBackOff replaces the retry delay policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *Orchestrator) { o.newBackOff = fn }
}

// New creates an orchestrator.
func New(cfg Config, monitor *memory.Monitor, opts ...Option) *Orchestrator {
	cfg.applyDefaults()

	// A burst of 4 lets one item's probe, audio and two covers start together.
	limit := rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))

	o := &Orchestrator{
		cfg:     cfg,
		client:  &http.Client{},
		monitor: monitor,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, 4),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: log.Default().WithPrefix("fetch"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Probe asks the source for the payload size with a HEAD request. It
// returns storage.UnknownSize when the size cannot be learned.
func (o *Orchestrator) Probe(ctx context.Context, url string) int64 {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return storage.UnknownSize
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return storage.UnknownSize
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Debug("size probe failed", "url", url, "error", err)
		return storage.UnknownSize
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 || resp.ContentLength <= 0 {
		return storage.UnknownSize
	}
	return resp.ContentLength
}

// Fetch downloads the audio and the covers selected by the cover mode
// concurrently. Only an audio failure fails the fetch; cover failures are
// logged and leave the cover nil. The audio is buffered in mode unless a
// memory buffer is refused, in which case it continues on disk.
func (o *Orchestrator) Fetch(ctx context.Context, key cache.Key, src Sources, mode storage.Mode, sizeHint int64) (*Result, error) {
	start := time.Now()
	res := &Result{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buf, format, err := o.fetchAudio(gctx, key, src.AudioURL, mode, sizeHint)
		if err != nil {
			return err
		}
		res.Audio, res.Format = buf, format
		return nil
	})
	if o.cfg.CoverMode.original() && src.CoverURL != "" {
		g.Go(func() error {
			res.Cover = o.fetchImage(gctx, key, "cover", src.CoverURL)
			return nil
		})
	}
	if o.cfg.CoverMode.thumbnail() && src.ThumbnailURL != "" {
		g.Go(func() error {
			res.Thumbnail = o.fetchImage(gctx, key, "thumbnail", src.ThumbnailURL)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Bytes = res.Audio.Size()
	res.Elapsed = time.Since(start)

	o.logger.Info("download completed",
		"key", key,
		"mode", res.Audio.Mode(),
		"size", humanize.IBytes(uint64(res.Bytes)),
		"format", res.Format,
		"cover", res.Cover != nil,
		"thumbnail", res.Thumbnail != nil,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func (o *Orchestrator) fetchAudio(ctx context.Context, key cache.Key, url string, mode storage.Mode, sizeHint int64) (storage.Buffer, storage.Format, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer o.sem.Release(1)

	var (
		attempts int
		status   int
		buf      storage.Buffer
		format   storage.Format
	)
	op := func() error {
		attempts++
		b, f, err := o.downloadOnce(ctx, url, mode, sizeHint)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				status = se.code
			}
			return err
		}
		buf, format = b, f
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), uint64(o.cfg.MaxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		o.logger.Warn("download attempt failed, retrying",
			"key", key,
			"attempt", attempts,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, storage.ErrIO) {
			return nil, "", err
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, "", err
		}
		return nil, "", &Error{URL: url, Status: status, Attempts: attempts, Err: err}
	}
	return buf, format, nil
}

// downloadOnce performs one attempt. Errors that retrying cannot fix are
// wrapped with backoff.Permanent.
func (o *Orchestrator) downloadOnce(ctx context.Context, url string, mode storage.Mode, sizeHint int64) (storage.Buffer, storage.Format, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", backoff.Permanent(err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		se := &statusError{code: resp.StatusCode}
		if se.permanent() {
			return nil, "", backoff.Permanent(se)
		}
		return nil, "", se
	}

	hint := sizeHint
	if resp.ContentLength > 0 {
		hint = resp.ContentLength
	}
	buf, err := storage.NewBuffer(mode, o.cfg.TempDir, hint, o.monitor)
	if errors.Is(err, storage.ErrInsufficientMemory) {
		o.logger.Debug("memory buffer refused, using disk", "url", url, "size", hint)
		buf, err = storage.NewDiskBuffer(o.cfg.TempDir)
	}
	if err != nil {
		return nil, "", backoff.Permanent(err)
	}

	head, err := o.stream(resp.Body, &buf)
	if err != nil {
		buf.Discard()
		if errors.Is(err, storage.ErrIO) {
			return nil, "", backoff.Permanent(err)
		}
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if err := buf.Finish(); err != nil {
		buf.Discard()
		return nil, "", backoff.Permanent(err)
	}

	size := buf.Size()
	if resp.ContentLength > 0 && size != resp.ContentLength {
		buf.Discard()
		return nil, "", fmt.Errorf("truncated body: got %d of %d bytes", size, resp.ContentLength)
	}
	if size < o.cfg.MinSize {
		buf.Discard()
		return nil, "", backoff.Permanent(fmt.Errorf("%w: %d bytes", ErrTooSmall, size))
	}

	return buf, storage.DetectFormat(url, resp.Header.Get("Content-Type"), head), nil
}

// stream copies body into *buf chunk by chunk and returns the first bytes
// of the payload. A memory buffer that cannot grow is spilled to disk and
// *buf is replaced by the disk buffer.
func (o *Orchestrator) stream(body io.Reader, buf *storage.Buffer) ([]byte, error) {
	chunk := make([]byte, o.cfg.ChunkSize)
	var head []byte
	for {
		n, rerr := io.ReadFull(body, chunk)
		if n > 0 {
			if len(head) < 16 {
				head = append(head, chunk[:min(n, 16-len(head))]...)
			}
			if err := o.write(buf, chunk[:n]); err != nil {
				return nil, err
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return head, nil
		default:
			return nil, rerr
		}
	}
}

func (o *Orchestrator) write(buf *storage.Buffer, p []byte) error {
	_, err := (*buf).Write(p)
	if !errors.Is(err, storage.ErrInsufficientMemory) {
		return err
	}
	mb, ok := (*buf).(*storage.MemoryBuffer)
	if !ok {
		return err
	}
	o.logger.Info("memory budget exhausted mid-download, continuing on disk",
		"received", humanize.IBytes(uint64(mb.Size())))
	disk, err := storage.Spill(mb, o.cfg.TempDir)
	if err != nil {
		return err
	}
	*buf = disk
	_, err = disk.Write(p)
	return err
}

// fetchImage downloads a cover, retrying transient failures like the
// audio download. Failures are logged and return nil.
func (o *Orchestrator) fetchImage(ctx context.Context, key cache.Key, kind, url string) *Image {
	var img *Image
	op := func() error {
		var err error
		img, err = o.downloadImage(ctx, url)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), uint64(o.cfg.MaxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		o.logger.Warn(kind+" attempt failed, retrying", "key", key, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		o.logger.Warn("failed to download "+kind, "key", key, "error", err)
		return nil
	}
	o.logger.Debug("downloaded "+kind, "key", key, "size", humanize.IBytes(uint64(len(img.Data))))
	return img
}

func (o *Orchestrator) downloadImage(ctx context.Context, url string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := &statusError{code: resp.StatusCode}
		if se.permanent() {
			return nil, backoff.Permanent(se)
		}
		return nil, se
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &Image{MIME: mime, Data: data}, nil
}
