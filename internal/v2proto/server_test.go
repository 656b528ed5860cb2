package v2proto_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/gitmirror/smart-proxy/internal/config"
	"github.com/gitmirror/smart-proxy/internal/logging"
	"github.com/gitmirror/smart-proxy/internal/metrics"
	"github.com/gitmirror/smart-proxy/internal/mirror"
	"github.com/gitmirror/smart-proxy/internal/pktline"
	"github.com/gitmirror/smart-proxy/internal/v2proto"
)

func requireGit(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not found in PATH")
	}
	return path
}

func initBareUpstream(t *testing.T, gitPath, path string) {
	t.Helper()
	cmd := exec.Command(gitPath, "init", "--bare", "--initial-branch=main", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("init bare upstream: %v\n%s", err, out)
	}
}

func newTestServer(t *testing.T, gitPath, upstreamDir string) *httptest.Server {
	t.Helper()
	cfg, err := config.LoadArgs([]string{"-namespaces=local=" + filepath.Dir(upstreamDir) + "/", "-git-path=" + gitPath, "-mirror-dir=" + t.TempDir()})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	log, _ := logging.New("error")
	m, err := mirror.New(cfg.MirrorDir, cfg.GitPath, log, metrics.NewUnregistered())
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	srv := v2proto.New(cfg, m, log, metrics.NewUnregistered())
	mux := http.NewServeMux()
	srv.Register(mux)
	return httptest.NewServer(mux)
}

func TestInfoRefsRejectsMissingProtocolHeader(t *testing.T) {
	gitPath := requireGit(t)
	upstream := filepath.Join(t.TempDir(), "repo")
	initBareUpstream(t, gitPath, upstream)

	ts := newTestServer(t, gitPath, upstream)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/git/local/repo/info/refs?service=git-upload-pack")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestInfoRefsClonesAndServesAdvertisement(t *testing.T) {
	gitPath := requireGit(t)
	upstream := filepath.Join(t.TempDir(), "repo")
	initBareUpstream(t, gitPath, upstream)

	ts := newTestServer(t, gitPath, upstream)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/git/local/repo/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Git-Protocol", "version=2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-git-upload-pack-advertisement" {
		t.Fatalf("unexpected content-type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc == "" {
		t.Fatal("expected no-cache headers to be set")
	}
}

func TestUploadPackRejectsBadCommandPkt(t *testing.T) {
	gitPath := requireGit(t)
	upstream := filepath.Join(t.TempDir(), "repo")
	initBareUpstream(t, gitPath, upstream)

	ts := newTestServer(t, gitPath, upstream)
	defer ts.Close()

	body := pktline.EncodeAll([]pktline.Pkt{
		pktline.Data([]byte("not-a-command\n")),
		pktline.Flush,
	})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/git/local/repo/git-upload-pack", bytes.NewReader(body))
	req.Header.Set("Git-Protocol", "version=2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadPackRejectsNonEmptyRemainder(t *testing.T) {
	gitPath := requireGit(t)
	upstream := filepath.Join(t.TempDir(), "repo")
	initBareUpstream(t, gitPath, upstream)

	ts := newTestServer(t, gitPath, upstream)
	defer ts.Close()

	body := append(pktline.EncodeAll([]pktline.Pkt{
		pktline.Data([]byte("command=ls-refs\n")),
		pktline.Flush,
	}), 0x30, 0x30) // two stray bytes short of a length prefix

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/git/local/repo/git-upload-pack", bytes.NewReader(body))
	req.Header.Set("Git-Protocol", "version=2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadPackLsRefsWithoutPrefixesSkipsRefreshAndStreamsResult(t *testing.T) {
	gitPath := requireGit(t)
	upstream := filepath.Join(t.TempDir(), "repo")
	initBareUpstream(t, gitPath, upstream)

	ts := newTestServer(t, gitPath, upstream)
	defer ts.Close()

	body := pktline.EncodeAll([]pktline.Pkt{
		pktline.Data([]byte("command=ls-refs\n")),
		pktline.Flush,
	})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/git/local/repo/git-upload-pack", bytes.NewReader(body))
	req.Header.Set("Git-Protocol", "version=2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-git-upload-pack-result" {
		t.Fatalf("unexpected content-type %q", ct)
	}
}
