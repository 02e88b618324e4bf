package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/landrop/landrop/internal/discovery"
	"github.com/landrop/landrop/internal/events"
	"github.com/landrop/landrop/internal/fileserve"
	"github.com/landrop/landrop/internal/netutil"
	"github.com/landrop/landrop/internal/watch"
)

type staticPeers []discovery.Peer

func (s staticPeers) Peers() []discovery.Peer { return s }

func newTestServer(t *testing.T, opts ...func(*Server)) (*httptest.Server, *fileserve.Store) {
	t.Helper()
	guard, err := fileserve.NewGuard(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := fileserve.NewStore(guard, fileserve.NewSessionRegistry())
	device := netutil.DeviceInfo{
		ID:   "test-device",
		Name: "test-host",
		IP:   "127.0.0.1",
		Port: 8080,
		OS:   "linux",
	}
	s := NewServer(store, events.NewBroadcaster(), nil, device, 1<<20, 0)
	for _, opt := range opts {
		opt(s)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func multipartBody(t *testing.T, files map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(fw, content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func decodeJSON(t *testing.T, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]any
	decodeJSON(t, resp.Body, &body)
	if body["status"] != "healthy" || body["service"] != "landrop" {
		t.Errorf("body = %v", body)
	}
	if body["version"] == "" {
		t.Error("missing version")
	}
}

func TestDevice(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/device")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var device netutil.DeviceInfo
	decodeJSON(t, resp.Body, &device)
	if device.ID != "test-device" || device.Name != "test-host" {
		t.Errorf("device = %+v", device)
	}
}

func TestPeersWithoutDiscovery(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Peers []discovery.Peer `json:"peers"`
		Count int              `json:"count"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.Count != 0 || body.Peers == nil {
		t.Errorf("expected empty peer list, got %+v", body)
	}
}

func TestPeersFromSource(t *testing.T) {
	source := staticPeers{{ID: "p1", Name: "office-pc", Addr: "192.168.1.20", Port: 8080}}
	ts, _ := newTestServer(t, func(s *Server) { s.peers = source })

	resp, err := http.Get(ts.URL + "/api/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Peers []discovery.Peer `json:"peers"`
		Count int              `json:"count"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.Count != 1 || body.Peers[0].Name != "office-pc" {
		t.Errorf("body = %+v", body)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	content := strings.Repeat("0123456789", 5000)

	body, ct := multipartBody(t, map[string]string{"big.txt": content})
	resp, err := http.Post(ts.URL+"/api/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	var uploaded struct {
		Files []fileserve.FileEntry `json:"files"`
		Count int                   `json:"count"`
	}
	decodeJSON(t, resp.Body, &uploaded)
	if uploaded.Count != 1 || uploaded.Files[0].Name != "big.txt" {
		t.Fatalf("upload response = %+v", uploaded)
	}

	dl, err := http.Get(ts.URL + "/api/download/big.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
	if cd := dl.Header.Get("Content-Disposition"); !strings.Contains(cd, "big.txt") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	got, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Error("downloaded content differs from upload")
	}
}

func TestUploadMultipleFiles(t *testing.T) {
	ts, store := newTestServer(t)

	body, ct := multipartBody(t, map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbb",
		"c.txt": "ccc",
	})
	resp, err := http.Post(ts.URL+"/api/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	entries, err := store.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("stored %d files, want 3", len(entries))
	}
}

func TestUploadStripsDirectoryComponents(t *testing.T) {
	ts, store := newTestServer(t)

	// A hostile client sending a path as the file name must not place
	// files outside the root or in surprise subdirectories.
	body, ct := multipartBody(t, map[string]string{"../../evil.sh": "#!/bin/sh"})
	resp, err := http.Post(ts.URL+"/api/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	entries, err := store.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "evil.sh" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestUploadTooLargeLeavesNoResidue(t *testing.T) {
	ts, store := newTestServer(t, func(s *Server) { s.maxUploadSize = 1024 })

	body, ct := multipartBody(t, map[string]string{
		"huge.bin": strings.Repeat("x", 2048),
	})
	resp, err := http.Post(ts.URL+"/api/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}

	dirents, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(dirents) != 0 {
		t.Errorf("oversized upload left files: %v", dirents)
	}
}

// Parts that fit individually must still be refused when they exceed the
// limit together.
func TestUploadLimitSpansParts(t *testing.T) {
	ts, store := newTestServer(t, func(s *Server) { s.maxUploadSize = 1024 })

	body, ct := multipartBody(t, map[string]string{
		"first.bin":  strings.Repeat("a", 800),
		"second.bin": strings.Repeat("b", 800),
	})
	resp, err := http.Post(ts.URL+"/api/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}

	dirents, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(dirents) != 0 {
		t.Errorf("rejected upload left files: %v", dirents)
	}
}

// A chunked body has no Content-Length to check up front, so the budget
// has to be enforced while streaming.
func TestUploadLimitSpansPartsChunked(t *testing.T) {
	ts, store := newTestServer(t, func(s *Server) { s.maxUploadSize = 1024 })

	body, ct := multipartBody(t, map[string]string{
		"first.bin":  strings.Repeat("a", 800),
		"second.bin": strings.Repeat("b", 800),
	})
	// Hiding the concrete reader type forces chunked transfer encoding.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/upload",
		struct{ io.Reader }{body})
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", ct)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}

	var total int64
	dirents, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatal(err)
	}
	for _, de := range dirents {
		if fileserve.IsTempName(de.Name()) {
			t.Errorf("rejected upload left temp file %s", de.Name())
		}
		info, err := de.Info()
		if err != nil {
			t.Fatal(err)
		}
		total += info.Size()
	}
	if total > 1024 {
		t.Errorf("stored %d bytes, over the 1024 byte limit", total)
	}
}

func TestUploadRejectPolicyConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	for i, wantStatus := range []int{http.StatusCreated, http.StatusConflict} {
		body, ct := multipartBody(t, map[string]string{"once.txt": "data"})
		resp, err := http.Post(ts.URL+"/api/upload?policy=reject", ct, body)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != wantStatus {
			t.Errorf("attempt %d: status = %d, want %d", i, resp.StatusCode, wantStatus)
		}
	}
}

func TestUploadBadPolicy(t *testing.T) {
	ts, _ := newTestServer(t)
	body, ct := multipartBody(t, map[string]string{"x.txt": "x"})
	resp, err := http.Post(ts.URL+"/api/upload?policy=bogus", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadRequiresMultipart(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/upload", "text/plain", strings.NewReader("raw"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDownloadNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/download/nope.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	var body errorResponse
	decodeJSON(t, resp.Body, &body)
	if body.Code != http.StatusNotFound || body.Error == "" {
		t.Errorf("error body = %+v", body)
	}
}

func TestDownloadTraversalRejected(t *testing.T) {
	guard, err := fileserve.NewGuard(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := fileserve.NewStore(guard, fileserve.NewSessionRegistry())
	s := NewServer(store, events.NewBroadcaster(), nil, netutil.DeviceInfo{}, 1<<20, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/download/x", nil)
	req.SetPathValue("path", "../../etc/passwd")
	rec := httptest.NewRecorder()
	s.handleDownload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDownloadRange(t *testing.T) {
	ts, store := newTestServer(t)
	seed(t, store, "ranged.bin", "abcdefghij")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/download/ranged.bin", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Range", "bytes=2-5")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", cr)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "cdef" {
		t.Errorf("body = %q, want cdef", got)
	}
}

func TestDownloadOpenEndedRange(t *testing.T) {
	ts, store := newTestServer(t)
	seed(t, store, "tail.bin", "abcdefghij")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/download/tail.bin", nil)
	req.Header.Set("Range", "bytes=7-")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusPartialContent || string(got) != "hij" {
		t.Errorf("status=%d body=%q", resp.StatusCode, got)
	}
}

func TestDownloadUnsatisfiableRange(t *testing.T) {
	ts, store := newTestServer(t)
	seed(t, store, "short.bin", "abcdefghij")
	seed(t, store, "empty.bin", "")

	cases := []struct {
		name string
		file string
		rng  string
		want string // Content-Range
	}{
		{"inverted", "short.bin", "bytes=5-2", "bytes */10"},
		{"past end", "short.bin", "bytes=50-", "bytes */10"},
		{"empty file", "empty.bin", "bytes=0-0", "bytes */0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/download/"+tc.file, nil)
			req.Header.Set("Range", tc.rng)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
				t.Fatalf("status = %d, want 416", resp.StatusCode)
			}
			if cr := resp.Header.Get("Content-Range"); cr != tc.want {
				t.Errorf("Content-Range = %q, want %q", cr, tc.want)
			}
		})
	}
}

func TestListFiles(t *testing.T) {
	ts, store := newTestServer(t)
	seed(t, store, "one.txt", "1")
	seed(t, store, "two.txt", "22")

	resp, err := http.Get(ts.URL + "/api/files")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Files []fileserve.FileEntry `json:"files"`
		Count int                   `json:"count"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	if body.Files[0].Name != "one.txt" || body.Files[1].Name != "two.txt" {
		t.Errorf("files = %+v", body.Files)
	}
	if body.Files[1].SizeHuman == "" {
		t.Error("missing human-readable size")
	}
}

func TestEventsStreamDelivery(t *testing.T) {
	var srv *Server
	ts, _ := newTestServer(t, func(s *Server) { srv = s })

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		srv.broadcaster.Publish(events.Event{Type: events.EventFileCreated, Path: "announced.txt"})
	}()

	lines := sseLines(resp.Body)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event arrived")
			}
			if strings.HasPrefix(line, "data:") && strings.Contains(line, "announced.txt") {
				if !strings.Contains(line, events.EventFileCreated) {
					t.Errorf("unexpected event payload: %s", line)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}
}

// The watcher is the only publisher of file events, so one upload must
// surface on the stream exactly once.
func TestUploadEmitsSingleFileEvent(t *testing.T) {
	guard, err := fileserve.NewGuard(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := fileserve.NewStore(guard, fileserve.NewSessionRegistry())
	b := events.NewBroadcaster()

	watcher, err := watch.New(store.Root(), b)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := watcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		watcher.Close()
	})

	s := NewServer(store, b, nil, netutil.DeviceInfo{}, 1<<20, 0)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	lines := sseLines(resp.Body)

	body, ct := multipartBody(t, map[string]string{"solo.txt": "once"})
	up, err := http.Post(ts.URL+"/api/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	up.Body.Close()
	if up.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", up.StatusCode)
	}

	created := 0
	deadline := time.After(5 * time.Second)
wait:
	for created == 0 {
		select {
		case line := <-lines:
			if strings.HasPrefix(line, "data:") && strings.Contains(line, "solo.txt") &&
				strings.Contains(line, events.EventFileCreated) {
				created++
			}
		case <-deadline:
			break wait
		}
	}
	if created != 1 {
		t.Fatalf("saw %d create events, want 1", created)
	}

	// A duplicate would arrive promptly after the first; give it a window.
	grace := time.After(500 * time.Millisecond)
	for {
		select {
		case line := <-lines:
			if strings.HasPrefix(line, "data:") && strings.Contains(line, "solo.txt") &&
				strings.Contains(line, events.EventFileCreated) {
				t.Fatal("upload produced a duplicate create event")
			}
		case <-grace:
			return
		}
	}
}

func sseLines(r io.Reader) chan string {
	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return lines
}

func TestRateLimitReturns429(t *testing.T) {
	ts, _ := newTestServer(t, func(s *Server) { s.rateLimit = 1 })

	var limited bool
	for i := 0; i < 10; i++ {
		resp, err := http.Get(ts.URL + "/api/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			if resp.Header.Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of requests was never limited")
	}
}

func TestRootRedirectsToApp(t *testing.T) {
	ts, _ := newTestServer(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently || resp.Header.Get("Location") != "/app/" {
		t.Errorf("status=%d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestAppServesEmbeddedUI(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/app/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("LANDrop")) {
		t.Error("embedded UI not served")
	}
}

func TestParseRangeHeader(t *testing.T) {
	tests := []struct {
		header   string
		total    int64
		offset   int64
		length   int64
		hasRange bool
	}{
		{"", 100, 0, 100, false},
		{"bytes=0-49", 100, 0, 50, true},
		{"bytes=50-", 100, 50, 50, true},
		{"bytes=-10", 100, 90, 10, true},
		{"bytes=90-200", 100, 90, 10, true},
		// Unsatisfiable ranges come back unclamped so the handler can 416.
		{"bytes=5-2", 10, 5, -2, true},
		{"bytes=50-", 10, 50, -40, true},
		{"bytes=0-0", 0, 0, 0, true},
		{"garbage", 100, 0, 100, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.header, tt.total), func(t *testing.T) {
			offset, length, hasRange := parseRangeHeader(tt.header, tt.total)
			if offset != tt.offset || length != tt.length || hasRange != tt.hasRange {
				t.Errorf("got (%d, %d, %v), want (%d, %d, %v)",
					offset, length, hasRange, tt.offset, tt.length, tt.hasRange)
			}
		})
	}
}

func seed(t *testing.T, store *fileserve.Store, name, content string) {
	t.Helper()
	h, err := store.CreateForWrite(name, fileserve.CollisionOverwrite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(h, content); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Finalize(h); err != nil {
		t.Fatal(err)
	}
}
