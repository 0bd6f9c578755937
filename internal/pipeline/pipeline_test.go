package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"hls-fetch/internal/database"
	"hls-fetch/internal/fetch"
	"hls-fetch/internal/job"
	"hls-fetch/internal/playlist"
	"hls-fetch/internal/workspace"
)

// cdn serves fixed bodies by path and counts every request.
type cdn struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]bool
	hits   map[string]int
}

func newCDN() *cdn {
	return &cdn{
		bodies: make(map[string]string),
		fail:   make(map[string]bool),
		hits:   make(map[string]int),
	}
}

func (c *cdn) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.hits[r.URL.Path]++
	body, ok := c.bodies[r.URL.Path]
	failing := c.fail[r.URL.Path]
	c.mu.Unlock()

	if !ok || failing {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, body)
}

func (c *cdn) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.hits {
		n += h
	}
	return n
}

func (c *cdn) hitsFor(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

// mediaPlaylist registers a media playlist with n segments under dir.
func (c *cdn) mediaPlaylist(dir string, n int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n")
	b.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key\"\n")
	c.bodies[dir+"/enc.key"] = "0123456789abcdef"
	for i := 0; i < n; i++ {
		seg := fmt.Sprintf("seg%03d.ts", i)
		fmt.Fprintf(&b, "#EXTINF:10.0,\n%s\n", seg)
		c.bodies[dir+"/"+seg] = "segment-" + seg
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	c.bodies[dir+"/index.m3u8"] = b.String()
	return b.String()
}

// fakeMuxer writes a marker file instead of running ffmpeg.
type fakeMuxer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMuxer) Merge(_ context.Context, manifestPath, outputPath string) error {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if _, err := os.Stat(manifestPath); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("merged"), 0644)
}

func (m *fakeMuxer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixture struct {
	cdn    *cdn
	server *httptest.Server
	ws     *workspace.Workspace
	muxer  *fakeMuxer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := newCDN()
	server := httptest.NewServer(c)
	t.Cleanup(server.Close)

	root := t.TempDir()
	ws, err := workspace.New(filepath.Join(root, "videos"), filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("workspace.New() error: %v", err)
	}
	return &fixture{cdn: c, server: server, ws: ws, muxer: &fakeMuxer{}}
}

func (f *fixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	cfg := fetch.DefaultConfig()
	cfg.MaxConcurrent = 4
	cfg.MaxRetry = 1
	cfg.RequestTimeout = 5 * time.Second
	cfg.StatusBackoff = 0

	engine, err := fetch.New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("fetch.New() error: %v", err)
	}
	return New(f.ws, engine, f.muxer, zaptest.NewLogger(t), opts...)
}

func TestPipeline_Run(t *testing.T) {
	f := newFixture(t)
	f.cdn.mediaPlaylist("/video", 5)
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), f.server.URL+"/video/index.m3u8", "")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := filepath.Base(out.Output); got != "index.mp4" {
		t.Errorf("output name = %s, want index.mp4", got)
	}
	if !workspace.FileExists(out.Output) {
		t.Error("output file not created")
	}
	// 5 segments + key
	if out.Total != 6 || out.Downloaded != 6 || out.Failed != 0 {
		t.Errorf("outcome = %+v, want total=6 downloaded=6 failed=0", out)
	}
	if f.muxer.callCount() != 1 {
		t.Errorf("muxer calls = %d, want 1", f.muxer.callCount())
	}
	if _, err := os.Stat(f.ws.JobDir("index.mp4")); !os.IsNotExist(err) {
		t.Errorf("job dir should be removed after merge, stat err = %v", err)
	}
}

func TestPipeline_RunWritesLocalManifest(t *testing.T) {
	f := newFixture(t)
	raw := f.cdn.mediaPlaylist("/video", 3)
	p := f.pipeline(t, WithCleanTemp(false))

	if _, err := p.Run(context.Background(), f.server.URL+"/video/index.m3u8", "clip"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	jobDir := f.ws.JobDir("clip.mp4")
	data, err := os.ReadFile(filepath.Join(jobDir, LocalManifestName))
	if err != nil {
		t.Fatalf("read local manifest: %v", err)
	}
	local := string(data)

	if got, want := strings.Count(local, "\n"), strings.Count(raw, "\n"); got != want {
		t.Errorf("local manifest has %d lines, want %d", got, want)
	}
	if !strings.Contains(local, `URI="`+filepath.Join(jobDir, "enc.key")+`"`) {
		t.Errorf("key not localised:\n%s", local)
	}
	if !strings.Contains(local, filepath.Join(jobDir, "seg000.ts")) {
		t.Errorf("segment not localised:\n%s", local)
	}
	if strings.Contains(local, f.server.URL) {
		t.Errorf("local manifest still references the server:\n%s", local)
	}
}

func TestPipeline_RunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.cdn.mediaPlaylist("/video", 4)
	p := f.pipeline(t, WithCleanTemp(false))
	manifestURL := f.server.URL + "/video/index.m3u8"

	first, err := p.Run(context.Background(), manifestURL, "")
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	requests := f.cdn.total()
	if requests == 0 {
		t.Fatal("first run made no requests")
	}

	// Same job with the temp dir intact: everything is already on disk.
	if err := os.Remove(first.Output); err != nil {
		t.Fatalf("remove output: %v", err)
	}
	second, err := p.Run(context.Background(), manifestURL, "")
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if got := f.cdn.total() - requests; got != 0 {
		t.Errorf("second run made %d requests, want 0", got)
	}
	if second.Total != first.Total || second.Downloaded != 0 {
		t.Errorf("second outcome = %+v, want total=%d downloaded=0", second, first.Total)
	}
	if f.muxer.callCount() != 2 {
		t.Errorf("muxer calls = %d, want 2", f.muxer.callCount())
	}

	// With the output present the job is skipped outright.
	third, err := p.Run(context.Background(), manifestURL, "")
	if err != nil {
		t.Fatalf("third Run() error: %v", err)
	}
	if !third.Skipped {
		t.Error("third run should be skipped")
	}
	if f.muxer.callCount() != 2 {
		t.Errorf("muxer calls = %d after skip, want 2", f.muxer.callCount())
	}
}

func TestPipeline_FailFast(t *testing.T) {
	f := newFixture(t)
	f.cdn.mediaPlaylist("/video", 10)
	f.cdn.fail["/video/seg006.ts"] = true
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), f.server.URL+"/video/index.m3u8", "")
	if !fetch.IsBatchIncomplete(err) {
		t.Fatalf("Run() error = %v, want BatchIncompleteError", err)
	}
	var be *fetch.BatchIncompleteError
	errors.As(err, &be)
	if be.Failed != 1 {
		t.Errorf("failed = %d, want 1", be.Failed)
	}
	if out.Failed != 1 {
		t.Errorf("outcome failed = %d, want 1", out.Failed)
	}
	if f.muxer.callCount() != 0 {
		t.Error("muxer must not run when the batch is incomplete")
	}
	// retry budget of 1: two attempts
	if got := f.cdn.hitsFor("/video/seg006.ts"); got != 2 {
		t.Errorf("failing segment requested %d times, want 2", got)
	}
	if _, err := os.Stat(filepath.Join(f.ws.JobDir("index.mp4"), LocalManifestName)); err != nil {
		t.Errorf("temp files should be kept: %v", err)
	}
}

func TestPipeline_MasterPlaylist(t *testing.T) {
	f := newFixture(t)
	f.cdn.mediaPlaylist("/low", 2)
	f.cdn.mediaPlaylist("/high", 3)
	f.cdn.bodies["/master.m3u8"] = "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=300000\n" +
		"low/index.m3u8\n" +
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=2500000\n" +
		"high/index.m3u8\n"
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), f.server.URL+"/master.m3u8", "")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if want := f.server.URL + "/high/index.m3u8"; out.MediaURL != want {
		t.Errorf("media url = %s, want %s", out.MediaURL, want)
	}
	if filepath.Base(out.Output) != "master.mp4" {
		t.Errorf("output = %s, want master.mp4", out.Output)
	}
	if out.Total != 4 {
		t.Errorf("total = %d, want 4", out.Total)
	}
	if f.cdn.hitsFor("/low/index.m3u8") != 0 || f.cdn.hitsFor("/low/seg000.ts") != 0 {
		t.Error("low variant should not be fetched")
	}
	if f.cdn.hitsFor("/high/seg002.ts") != 1 {
		t.Error("high variant segment not fetched")
	}
}

func TestPipeline_MasterDepth(t *testing.T) {
	f := newFixture(t)
	f.cdn.bodies["/loop.m3u8"] = "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\nloop.m3u8\n"
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), f.server.URL+"/loop.m3u8", "")
	if !errors.Is(err, ErrMasterDepth) {
		t.Fatalf("Run() error = %v, want ErrMasterDepth", err)
	}
	if got := f.cdn.hitsFor("/loop.m3u8"); got != maxMasterDepth+1 {
		t.Errorf("manifest requested %d times, want %d", got, maxMasterDepth+1)
	}
}

func TestPipeline_ManifestFetchError(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), f.server.URL+"/missing/index.m3u8", "")
	if !IsManifestFetch(err) {
		t.Fatalf("Run() error = %v, want ManifestFetchError", err)
	}
	if !fetch.IsTransient(err) {
		t.Errorf("cause should be the last transient status error, got %v", err)
	}
	if f.muxer.callCount() != 0 {
		t.Error("muxer must not run without a manifest")
	}
}

func TestPipeline_NotAPlaylist(t *testing.T) {
	f := newFixture(t)
	f.cdn.bodies["/page.m3u8"] = "<html>nope</html>"
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), f.server.URL+"/page.m3u8", "")
	if !errors.Is(err, playlist.ErrNotPlaylist) {
		t.Fatalf("Run() error = %v, want not-a-playlist error", err)
	}
}

func TestPipeline_MergeErrorKeepsTemp(t *testing.T) {
	f := newFixture(t)
	f.cdn.mediaPlaylist("/video", 2)
	f.muxer.err = errors.New("exit status 1")
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), f.server.URL+"/video/index.m3u8", "")
	if !IsMerge(err) {
		t.Fatalf("Run() error = %v, want MergeError", err)
	}
	if workspace.FileExists(out.Output) {
		t.Error("no output expected after a failed merge")
	}
	if !workspace.FileExists(filepath.Join(f.ws.JobDir("index.mp4"), "seg001.ts")) {
		t.Error("segments should be kept after a failed merge")
	}
}

func TestPipeline_Ledger(t *testing.T) {
	f := newFixture(t)
	f.cdn.mediaPlaylist("/ok", 2)
	f.cdn.mediaPlaylist("/bad", 2)
	f.cdn.fail["/bad/seg001.ts"] = true

	db, err := database.Init(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("database.Init() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo, err := job.NewRepository(db)
	if err != nil {
		t.Fatalf("NewRepository() error: %v", err)
	}
	p := f.pipeline(t, WithLedger(repo))

	ok, err := p.Run(context.Background(), f.server.URL+"/ok/index.m3u8", "ok")
	if err != nil {
		t.Fatalf("Run(ok) error: %v", err)
	}
	bad, err := p.Run(context.Background(), f.server.URL+"/bad/index.m3u8", "bad")
	if err == nil {
		t.Fatal("Run(bad) should fail")
	}

	meta, err := repo.GetJob(ok.JobID)
	if err != nil {
		t.Fatalf("GetJob(ok) error: %v", err)
	}
	if meta.Status != job.StatusCompleted || meta.TotalTasks != 3 || meta.FailedTasks != 0 {
		t.Errorf("ok job = %+v", meta)
	}

	meta, err = repo.GetJob(bad.JobID)
	if err != nil {
		t.Fatalf("GetJob(bad) error: %v", err)
	}
	if meta.Status != job.StatusFailed || meta.FailedTasks != 1 || meta.Error == "" {
		t.Errorf("bad job = %+v", meta)
	}

	items, err := repo.GetJobItems(bad.JobID)
	if err != nil {
		t.Fatalf("GetJobItems() error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	failed := 0
	for _, it := range items {
		if !it.Success {
			failed++
			if !strings.HasSuffix(it.URL, "/bad/seg001.ts") || it.Attempts != 2 {
				t.Errorf("failed item = %+v", it)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed items = %d, want 1", failed)
	}
}
