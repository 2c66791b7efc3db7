package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bogem/id3v2/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/fetch"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dgnsrekt/tunecache/internal/source"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dgnsrekt/tunecache/internal/tagging"
)

func mp3Audio() []byte {
	frame := append([]byte{0xFF, 0xFB, 0x90, 0x64}, bytes.Repeat([]byte{0x11}, 413)...)
	return bytes.Repeat(frame, 8)
}

func pngCover(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// upstream fakes the catalog API and the CDN.
type upstream struct {
	audio     []byte
	audioType string
	cover     []byte

	audioStatus atomic.Int32 // 0 means 200
	gate        chan struct{}
	entered     chan struct{}

	resolves  atomic.Int32
	downloads atomic.Int32
	coverHits atomic.Int32
	thumbHits atomic.Int32
	enterOnce sync.Once
}

func (u *upstream) server(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/tracks/"):
			u.resolves.Add(1)
			id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/tracks/"), 10, 64)
			fmt.Fprintf(w, `{"title":"Song %d","album":"","artists":["A","B"],`+
				`"audio_url":"%s/audio/%d","cover_url":"%s/cover.png","duration_ms":10000}`,
				id, srv.URL, id, srv.URL)
		case strings.HasPrefix(r.URL.Path, "/audio/"):
			if code := u.audioStatus.Load(); code != 0 {
				w.WriteHeader(int(code))
				return
			}
			w.Header().Set("Content-Type", u.audioType)
			w.Header().Set("Content-Length", strconv.Itoa(len(u.audio)))
			if r.Method == http.MethodHead {
				return
			}
			u.downloads.Add(1)
			if u.gate != nil {
				u.enterOnce.Do(func() { close(u.entered) })
				<-u.gate
			}
			w.Write(u.audio)
		case r.URL.Path == "/cover.png":
			if r.URL.Query().Get("param") != "" {
				u.thumbHits.Add(1)
			} else {
				u.coverHits.Add(1)
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write(u.cover)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	svc   *Service
	store *cache.Store
	up    *upstream
}

func newFixture(t *testing.T, policy storage.Policy, opts ...Option) *fixture {
	t.Helper()
	up := &upstream{audio: mp3Audio(), audioType: "audio/mpeg", cover: pngCover(t)}
	srv := up.server(t)

	store, err := cache.Open(cache.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	monitor := memory.NewMonitor(
		memory.Budget{ThresholdBytes: 1 << 20, SafetyBytes: 1 << 20},
		memory.WithSystem(func() (uint64, error) { return 1 << 30, nil }),
	)

	cfg := fetch.DefaultConfig()
	cfg.TempDir = store.TempDir()
	cfg.RequestsPerMinute = 6000
	fetcher := fetch.New(cfg, monitor, fetch.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))

	resolver, err := source.NewHTTPResolver(srv.URL+"/api/tracks/{id}?q={quality}", "param=320y320")
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, resolver, fetcher,
		storage.NewSelector(policy, monitor, nil),
		tagging.NewEmbedder(nil),
		opts...)
	return &fixture{svc: svc, store: store, up: up}
}

func TestGet_FirstRequestDownloadsTagsAndCommits(t *testing.T) {
	for _, policy := range []storage.Policy{storage.PolicyHybrid, storage.PolicyDisk} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(t, policy)
			key := cache.Key{ItemID: 12345, Quality: cache.QualityHigh}

			rec, err := f.svc.Get(context.Background(), key)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if rec.Size <= 0 || rec.Format != storage.FormatMP3 {
				t.Errorf("record size/format = %d/%s", rec.Size, rec.Format)
			}
			if rec.Album != source.UnknownAlbum || rec.Artist != "A/B" {
				t.Errorf("record album/artist = %q/%q", rec.Album, rec.Artist)
			}
			if rec.ThumbnailRef == "" {
				t.Error("thumbnail was not stored")
			}
			if f.up.coverHits.Load() != 1 || f.up.thumbHits.Load() != 1 {
				t.Errorf("cover/thumbnail hits = %d/%d, want 1/1", f.up.coverHits.Load(), f.up.thumbHits.Load())
			}

			r, err := f.store.OpenAudio(rec)
			if err != nil {
				t.Fatalf("OpenAudio failed: %v", err)
			}
			defer r.Close()
			tag, err := id3v2.ParseReader(r, id3v2.Options{Parse: true})
			if err != nil {
				t.Fatalf("ParseReader failed: %v", err)
			}
			if tag.Title() != "Song 12345" || tag.Artist() != "A/B" {
				t.Errorf("tag title/artist = %q/%q", tag.Title(), tag.Artist())
			}
			if len(tag.GetFrames(tag.CommonID("Attached picture"))) != 1 {
				t.Error("cover was not embedded")
			}
			if len(tag.GetFrames(tag.CommonID("Comments"))) != 1 {
				t.Error("source comment was not embedded")
			}
		})
	}
}

func TestGet_RepeatIsServedFromCache(t *testing.T) {
	f := newFixture(t, storage.PolicyHybrid)
	key := cache.Key{ItemID: 12345, Quality: cache.QualityHigh}

	first, err := f.svc.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resolves, downloads := f.up.resolves.Load(), f.up.downloads.Load()

	second, err := f.svc.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if f.up.resolves.Load() != resolves || f.up.downloads.Load() != downloads {
		t.Error("repeat request reached the network")
	}
	if second.Location != first.Location || second.Size != first.Size || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("repeat returned %+v, want %+v", second, first)
	}
}

func TestGet_ConcurrentRequestsShareOneDownload(t *testing.T) {
	f := newFixture(t, storage.PolicyHybrid)
	f.up.gate = make(chan struct{})
	f.up.entered = make(chan struct{})
	key := cache.Key{ItemID: 999, Quality: cache.QualityStandard}

	const callers = 5
	var wg sync.WaitGroup
	recs := make([]*cache.Record, callers)
	errs := make([]error, callers)
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i], errs[i] = f.svc.Get(context.Background(), key)
		}()
	}

	start(0)
	<-f.up.entered
	for i := 1; i < callers; i++ {
		start(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.up.gate)
	wg.Wait()

	if n := f.up.downloads.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if recs[i].Location != recs[0].Location {
			t.Errorf("caller %d got %+v, want %+v", i, recs[i].Location, recs[0].Location)
		}
	}
	if f.svc.InFlight() != 0 {
		t.Errorf("InFlight = %d after completion", f.svc.InFlight())
	}
}

func TestGet_FailureReleasesReservation(t *testing.T) {
	f := newFixture(t, storage.PolicyDisk)
	f.up.audioStatus.Store(http.StatusNotFound)
	key := cache.Key{ItemID: 7, Quality: cache.QualityStandard}

	_, err := f.svc.Get(context.Background(), key)
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *Failure", err)
	}
	if failure.Kind != NotRetrievable || err.Error() != "could not retrieve 7:standard" {
		t.Errorf("failure = %v (%s)", err, failure.Kind)
	}
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Errorf("cause = %v, want network error", failure.Err)
	}

	stats, err := f.store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Records != 0 || stats.Reserved != 0 {
		t.Errorf("stats = %+v, want empty", stats)
	}
	entries, _ := os.ReadDir(f.store.TempDir())
	if len(entries) != 0 {
		t.Errorf("temp dir holds %d leftover files", len(entries))
	}

	f.up.audioStatus.Store(0)
	if _, err := f.svc.Get(context.Background(), key); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestGet_UnknownItem(t *testing.T) {
	f := newFixture(t, storage.PolicyDisk)
	f.svc.resolver = resolverFunc(func(context.Context, cache.Key) (*source.Track, error) {
		return nil, source.ErrNotFound
	})

	_, err := f.svc.Get(context.Background(), cache.Key{ItemID: 1, Quality: cache.QualityStandard})
	if !errors.Is(err, source.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

type resolverFunc func(context.Context, cache.Key) (*source.Track, error)

func (fn resolverFunc) Resolve(ctx context.Context, key cache.Key) (*source.Track, error) {
	return fn(ctx, key)
}

func TestGet_TaggingPolicy(t *testing.T) {
	payload := bytes.Repeat([]byte("not audio "), 300)

	t.Run("lenient caches untagged", func(t *testing.T) {
		f := newFixture(t, storage.PolicyHybrid)
		f.up.audio, f.up.audioType = payload, "application/octet-stream"

		rec, err := f.svc.Get(context.Background(), cache.Key{ItemID: 5, Quality: cache.QualityStandard})
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		r, err := f.store.OpenAudio(rec)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		got, _ := io.ReadAll(r)
		if !bytes.Equal(got, payload) {
			t.Error("untagged payload was altered")
		}
	})

	t.Run("strict fails", func(t *testing.T) {
		f := newFixture(t, storage.PolicyHybrid, WithStrictTagging(true))
		f.up.audio, f.up.audioType = payload, "application/octet-stream"

		_, err := f.svc.Get(context.Background(), cache.Key{ItemID: 5, Quality: cache.QualityStandard})
		var tagErr *tagging.TagError
		if !errors.As(err, &tagErr) {
			t.Fatalf("err = %v, want TagError cause", err)
		}
		if n, _ := f.store.Count(); n != 0 {
			t.Errorf("Count = %d, want 0", n)
		}
	})
}

func TestFailure_Kind(t *testing.T) {
	key := cache.Key{ItemID: 1, Quality: cache.QualityStandard}
	if f := newFailure(key, fmt.Errorf("x: %w", cache.ErrStorage)); f.Kind != Storage {
		t.Errorf("Kind = %s, want storage", f.Kind)
	}
	if f := newFailure(key, errors.New("boom")); f.Kind != NotRetrievable {
		t.Errorf("Kind = %s, want not_retrievable", f.Kind)
	}
}
