package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClient_PutFileSignsRequest(t *testing.T) {
	var (
		gotPath, gotAuth, gotType, gotHash string
		gotBody                            []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotHash = r.Header.Get("x-amz-content-sha256")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "datasets", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "traffic-000.mp4")
	if err := os.WriteFile(local, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.PutFile(context.Background(), "run 1/traffic-000.mp4", local); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	if gotPath != "/datasets/run%201/traffic-000.mp4" {
		t.Fatalf("path=%q", gotPath)
	}
	if string(gotBody) != "video" {
		t.Fatalf("body=%q", gotBody)
	}
	if gotType != "video/mp4" {
		t.Fatalf("content-type=%q want video/mp4", gotType)
	}
	if gotHash != sha256Hex([]byte("video")) {
		t.Fatalf("payload hash=%q", gotHash)
	}
	wantPrefix := "AWS4-HMAC-SHA256 Credential=AKID/20240506/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="
	if !strings.HasPrefix(gotAuth, wantPrefix) {
		t.Fatalf("authorization=%q", gotAuth)
	}
	if sig := strings.TrimPrefix(gotAuth, wantPrefix); len(sig) != 64 {
		t.Fatalf("signature=%q want 64 hex chars", sig)
	}
}

func TestClient_PutFileReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	local := filepath.Join(t.TempDir(), "x.yml")
	_ = os.WriteFile(local, []byte("a: 1"), 0o644)
	err = c.PutFile(context.Background(), "x.yml", local)
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("err=%v want status=403", err)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{Endpoint: "r2.example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"/a/b.mp4":   "a/b.mp4",
		`a\b\c.mp4`:  "a/b/c.mp4",
		"../escape":  "",
		"  ":         "",
		"a/./b/../c": "a/c",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want %q", in, got, want)
		}
	}
}

type recordingPutter struct {
	mu    sync.Mutex
	keys  []string
	fails map[string]int
}

func (p *recordingPutter) PutFile(_ context.Context, key, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails[key] > 0 {
		p.fails[key]--
		return errors.New("transient")
	}
	p.keys = append(p.keys, key)
	return nil
}

func TestMirror_UploadsRelativeToDataDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"traffic-000.mp4", "configuration.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	p := &recordingPutter{fails: map[string]int{"runs/demo/traffic-000.mp4": 2}}
	m := NewMirror(p, MirrorConfig{DataDir: dir, Prefix: "/runs/demo/", Workers: 2, Backoff: time.Millisecond})

	m.Enqueue(filepath.Join(dir, "traffic-000.mp4"))
	m.Enqueue(filepath.Join(dir, "configuration.yml"))
	if err := m.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	sort.Strings(p.keys)
	if len(p.keys) != 2 || p.keys[0] != "runs/demo/configuration.yml" || p.keys[1] != "runs/demo/traffic-000.mp4" {
		t.Fatalf("keys=%v", p.keys)
	}
	st := m.Stats()
	if st.UploadSuccessTotal != 2 || st.UploadFailTotal != 0 || st.EnqueuedTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_ReportsFailuresAndSkips(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a.mp4")
	_ = os.WriteFile(local, []byte("a"), 0o644)

	p := &recordingPutter{fails: map[string]int{"a.mp4": 10}}
	m := NewMirror(p, MirrorConfig{DataDir: dir, Workers: 1, Attempts: 2, Backoff: time.Millisecond})
	m.Enqueue(local)
	m.Enqueue(filepath.Join(dir, "missing.mp4"))
	m.Enqueue(filepath.Join(t.TempDir(), "outside.mp4"))

	err := m.Wait()
	if err == nil {
		t.Fatalf("expected joined error")
	}
	st := m.Stats()
	if st.UploadFailTotal != 1 || st.SkippedTotal != 2 {
		t.Fatalf("stats=%+v want 1 failure, 2 skipped", st)
	}
	if p.fails["a.mp4"] != 8 {
		t.Fatalf("attempts=%d want 2", 10-p.fails["a.mp4"])
	}
	// Wait is idempotent.
	if err2 := m.Wait(); err2 == nil {
		t.Fatalf("second Wait lost errors")
	}
}
