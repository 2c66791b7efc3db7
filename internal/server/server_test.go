package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgnsrekt/tunecache/internal/admin"
	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/fetch"
	"github.com/dgnsrekt/tunecache/internal/media"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dgnsrekt/tunecache/internal/source"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dgnsrekt/tunecache/internal/tagging"
)

func mp3Audio() []byte {
	frame := append([]byte{0xFF, 0xFB, 0x90, 0x64}, bytes.Repeat([]byte{0x22}, 413)...)
	return bytes.Repeat(frame, 4)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/1":
			fmt.Fprintf(w, `{"title":"One","artists":["X"],"audio_url":"%s/audio/1.mp3"}`, upstream.URL)
		case "/audio/1.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write(mp3Audio())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	store, err := cache.Open(cache.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	monitor := memory.NewMonitor(memory.Budget{ThresholdBytes: 1 << 20},
		memory.WithSystem(func() (uint64, error) { return 1 << 30, nil }))
	cfg := fetch.DefaultConfig()
	cfg.TempDir = store.TempDir()
	fetcher := fetch.New(cfg, monitor, fetch.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	resolver, err := source.NewHTTPResolver(upstream.URL+"/api/{id}", "")
	if err != nil {
		t.Fatal(err)
	}
	svc := media.NewService(store, resolver, fetcher,
		storage.NewSelector(storage.PolicyHybrid, monitor, nil), tagging.NewEmbedder(nil))
	mgr := admin.NewManager(store, []string{"root"})
	return New(svc, store, mgr, monitor, nil)
}

func do(t *testing.T, s *Server, method, target, identity string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestGetTrack(t *testing.T) {
	s := newTestServer(t)

	resp := do(t, s, http.MethodGet, "/tracks/1?quality=high", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body)
	}
	var rec cache.Record
	if err := json.Unmarshal(resp.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Key.ItemID != 1 || rec.Key.Quality != cache.QualityHigh || rec.Title != "One" {
		t.Errorf("record = %+v", rec)
	}

	audio := do(t, s, http.MethodGet, "/tracks/1/audio?quality=high", "")
	if audio.Code != http.StatusOK {
		t.Fatalf("audio status = %d", audio.Code)
	}
	if ct := audio.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(audio.Body.Bytes(), []byte("ID3")) {
		t.Error("audio was not tagged")
	}
	if int64(audio.Body.Len()) != rec.Size {
		t.Errorf("audio length = %d, want %d", audio.Body.Len(), rec.Size)
	}
}

func TestGetTrack_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		target string
		code   int
		body   string
	}{
		{"/tracks/abc", http.StatusBadRequest, "invalid item id"},
		{"/tracks/1?quality=ultra", http.StatusBadRequest, "quality"},
		{"/tracks/2", http.StatusBadGateway, "could not retrieve 2:standard"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			resp := do(t, s, http.MethodGet, tt.target, "")
			if resp.Code != tt.code {
				t.Errorf("status = %d, want %d", resp.Code, tt.code)
			}
			if !strings.Contains(resp.Body.String(), tt.body) {
				t.Errorf("body = %s, want %q", resp.Body, tt.body)
			}
		})
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	if resp := do(t, s, http.MethodGet, "/tracks/1", ""); resp.Code != http.StatusOK {
		t.Fatalf("seed status = %d", resp.Code)
	}

	if resp := do(t, s, http.MethodPost, "/cache/clear", "guest"); resp.Code != http.StatusForbidden {
		t.Errorf("unauthorized clear status = %d", resp.Code)
	}
	if resp := do(t, s, http.MethodPost, "/cache/clear?confirm=true", "root"); resp.Code != http.StatusConflict {
		t.Errorf("confirm without prompt status = %d", resp.Code)
	}

	if resp := do(t, s, http.MethodPost, "/cache/clear", "root"); resp.Code != http.StatusAccepted {
		t.Fatalf("prompt status = %d", resp.Code)
	}
	resp := do(t, s, http.MethodPost, "/cache/clear?confirm=true", "root")
	if resp.Code != http.StatusOK {
		t.Fatalf("confirm status = %d", resp.Code)
	}
	var out admin.Outcome
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || !out.Executed {
		t.Errorf("outcome = %+v", out)
	}

	if resp := do(t, s, http.MethodDelete, "/cache/1", "root"); resp.Code != http.StatusOK {
		t.Errorf("delete status = %d", resp.Code)
	}
	if resp := do(t, s, http.MethodDelete, "/cache/1", ""); resp.Code != http.StatusForbidden {
		t.Errorf("anonymous delete status = %d", resp.Code)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodGet, "/tracks/1", "")

	resp := do(t, s, http.MethodGet, "/status", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var st statusResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Records != 1 || st.ByFormat[storage.FormatMP3] != 1 || st.InFlight != 0 {
		t.Errorf("status = %+v", st)
	}
}
