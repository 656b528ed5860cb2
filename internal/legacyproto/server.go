// Package legacyproto implements the v0/v1 Smart HTTP frontend: a synthesized
// protocol-v0 reference advertisement backed by a TTL cache, and a POST
// handler that resolves `want` lines against a cached objid->ref map before
// proxying the negotiation to `git-http-backend` over CGI.
package legacyproto

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
	"unicode"

	set "github.com/hashicorp/go-set/v3"

	"github.com/gitmirror/smart-proxy/internal/advertisement"
	"github.com/gitmirror/smart-proxy/internal/cache"
	"github.com/gitmirror/smart-proxy/internal/config"
	"github.com/gitmirror/smart-proxy/internal/gitproc"
	"github.com/gitmirror/smart-proxy/internal/httpcommon"
	"github.com/gitmirror/smart-proxy/internal/metrics"
	"github.com/gitmirror/smart-proxy/internal/mirror"
	"github.com/gitmirror/smart-proxy/internal/pktline"
	"github.com/gitmirror/smart-proxy/internal/refparse"
)

// Kind distinguishes the two legacy endpoints, for metrics labeling.
type Kind string

const (
	KindInfoRefs   Kind = "info-refs"
	KindUploadPack Kind = "upload-pack"
)

const (
	advertisementTTL      = 5 * time.Minute
	advertisementCapacity = 32
	refCacheTTL           = 10 * time.Minute
	refCacheCapacity      = 1024
)

// Server is the legacy v0/v1 frontend, pathed under /github.com/{org}/{repo}.
type Server struct {
	cfg     *config.Config
	mirror  *mirror.Mirror
	log     *slog.Logger
	metrics *metrics.Metrics

	advertisements *cache.Cache[[]byte]
	refNames       *cache.Cache[advertisement.RefMap]

	// gitProjectRoot is where git-http-backend looks for bare repos, named
	// by the same (namespace, name) layout the mirror manager uses.
	gitProjectRoot string
}

func New(cfg *config.Config, m *mirror.Mirror, log *slog.Logger, metrics *metrics.Metrics, gitProjectRoot string) *Server {
	return &Server{
		cfg:            cfg,
		mirror:         m,
		log:            log,
		metrics:        metrics,
		advertisements: cache.New[[]byte](advertisementTTL, advertisementCapacity),
		refNames:       cache.New[advertisement.RefMap](refCacheTTL, refCacheCapacity),
		gitProjectRoot: gitProjectRoot,
	}
}

// Register mounts the legacy endpoints on mux under /github.com/{org}/{repo}.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /github.com/{org}/{repo}/info/refs", s.handleInfoRefs)
	mux.HandleFunc("POST /github.com/{org}/{repo}/git-upload-pack", s.handleUploadPack)
}

func repoName(raw string) string {
	return strings.TrimSuffix(raw, ".git")
}

func (s *Server) checkAllowedUpstream(w http.ResponseWriter, host string) bool {
	for _, h := range s.cfg.AllowedUpstreams {
		if h == host {
			return true
		}
	}
	http.Error(w, fmt.Sprintf("upstream %q is not allowed", host), http.StatusInternalServerError)
	return false
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	org, repo := r.PathValue("org"), repoName(r.PathValue("repo"))
	repoKey := "github.com/" + org + "/" + repo
	s.metrics.RequestsTotal.WithLabelValues(repoKey, string(KindInfoRefs)).Inc()

	if !s.checkAllowedUpstream(w, "github.com") {
		return
	}
	if r.URL.Query().Get("service") != "git-upload-pack" {
		http.Error(w, "unsupported service", http.StatusBadRequest)
		return
	}

	if body, ok := s.advertisements.Get(repoKey); ok {
		s.metrics.CacheHits.WithLabelValues(repoKey, "advertisement").Inc()
		s.writeAdvertisement(w, body)
		s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindInfoRefs), "200").Inc()
		s.metrics.UpstreamLatency.WithLabelValues(repoKey, string(KindInfoRefs)).Observe(time.Since(start).Seconds())
		return
	}
	s.metrics.CacheMisses.WithLabelValues(repoKey, "advertisement").Inc()

	upstream := fmt.Sprintf("git@github.com:%s/%s", org, repo)
	out, err := gitproc.Run(r.Context(), gitproc.Spec{
		GitPath: s.cfg.GitPath,
		Args:    []string{"ls-remote", "--symref", upstream},
	}, nil)
	if err != nil {
		s.fail(w, repoKey, KindInfoRefs, fmt.Errorf("ls-remote failed: %w", err))
		return
	}

	syms, resolved, err := refparse.Parse(bytes.NewReader(out))
	if err != nil {
		s.fail(w, repoKey, KindInfoRefs, err)
		return
	}

	body, refs := advertisement.Build(syms, resolved)
	s.advertisements.Set(repoKey, body)
	s.refNames.Set(repoKey, refs)

	s.writeAdvertisement(w, body)
	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindInfoRefs), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(repoKey, string(KindInfoRefs)).Observe(time.Since(start).Seconds())
}

func (s *Server) writeAdvertisement(w http.ResponseWriter, body []byte) {
	httpcommon.NoCacheHeaders(w.Header())
	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	org, repo := r.PathValue("org"), repoName(r.PathValue("repo"))
	repoKey := "github.com/" + org + "/" + repo
	s.metrics.RequestsTotal.WithLabelValues(repoKey, string(KindUploadPack)).Inc()

	if !s.checkAllowedUpstream(w, "github.com") {
		return
	}

	body, err := decodeBody(r)
	if err != nil {
		http.Error(w, "failed to decode request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	pkts, remainder, err := pktline.Decode(body)
	if err != nil {
		http.Error(w, "malformed pkt-line stream: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(remainder) != 0 {
		http.Error(w, "trailing bytes after pkt-line stream", http.StatusBadRequest)
		return
	}

	refs, ok := s.refNames.Get(repoKey)
	if !ok {
		s.metrics.CacheMisses.WithLabelValues(repoKey, "refnames").Inc()
		s.fail(w, repoKey, KindUploadPack, fmt.Errorf("reference cache miss for %s: client must GET info/refs first", repoKey))
		return
	}
	s.metrics.CacheHits.WithLabelValues(repoKey, "refnames").Inc()

	wantedRefs, err := resolveWantedRefs(pkts, refs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	repoPath := s.mirror.RepoPath(org, repo)
	if len(wantedRefs) > 0 {
		args := append([]string{"--git-dir=" + repoPath, "fetch", "origin", "--no-show-forced-updates"}, wantedRefs...)
		if _, err := gitproc.Run(r.Context(), gitproc.Spec{GitPath: s.cfg.GitPath, Args: args}, nil); err != nil {
			s.fail(w, repoKey, KindUploadPack, fmt.Errorf("fetch failed: %w", err))
			return
		}
	}

	if err := s.proxyToHTTPBackend(r.Context(), w, r, org, repo, body); err != nil {
		s.log.Error("git-http-backend proxy failed", "repo", repoKey, "err", err)
	}

	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindUploadPack), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(repoKey, string(KindUploadPack)).Observe(time.Since(start).Seconds())
}

func (s *Server) fail(w http.ResponseWriter, repoKey string, kind Kind, err error) {
	s.metrics.ErrorsTotal.WithLabelValues(repoKey, string(kind)).Inc()
	s.log.Error("request failed", "repo", repoKey, "kind", kind, "err", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// resolveWantedRefs maps every `want <objid>` pkt to its ref name via refs,
// collecting unique ref names while preserving first-seen order. Order
// preservation matters because fetch argument order otherwise becomes
// nondeterministic test-to-test.
func resolveWantedRefs(pkts []pktline.Pkt, refs advertisement.RefMap) ([]string, error) {
	seen := set.New[string](0)
	var ordered []string
	for _, p := range pkts {
		if p.Kind != pktline.KindData {
			continue
		}
		rest, ok := strings.CutPrefix(string(p.Payload), "want ")
		if !ok {
			continue
		}
		objID := rest
		if i := strings.IndexFunc(objID, unicode.IsSpace); i >= 0 {
			objID = objID[:i]
		}
		refName, known := refs[objID]
		if !known {
			return nil, fmt.Errorf("legacyproto: want %q does not match any advertised ref", objID)
		}
		if seen.Insert(refName) {
			ordered = append(ordered, refName)
		}
	}
	return ordered, nil
}

// proxyToHTTPBackend spawns git-http-backend as a CGI child, translating the
// inbound HTTP headers into HTTP_<UPPER_SNAKE> environment variables, and
// streams the CGI response (after stripping its header block) back to w.
func (s *Server) proxyToHTTPBackend(ctx context.Context, w http.ResponseWriter, r *http.Request, org, repo string, body []byte) error {
	env := []string{
		"REQUEST_METHOD=POST",
		"GIT_PROJECT_ROOT=" + s.gitProjectRoot,
		"GIT_HTTP_EXPORT_ALL=1",
		"PATH_INFO=/" + org + "/" + repo + "/git-upload-pack",
		"CONTENT_TYPE=" + r.Header.Get("Content-Type"),
	}
	for key, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		if strings.EqualFold(key, "Content-Type") || strings.EqualFold(key, "Content-Encoding") {
			continue
		}
		env = append(env, cgiEnvName(key)+"="+values[0])
	}
	env = append(env, "HTTP_CONTENT_ENCODING=")

	cmd := exec.CommandContext(ctx, s.cfg.GitPath, "http-backend")
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("legacyproto: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("legacyproto: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("legacyproto: start git-http-backend: %w", err)
	}

	writeErrCh := make(chan error, 1)
	go func() {
		_, werr := stdin.Write(body)
		if cerr := stdin.Close(); werr == nil {
			werr = cerr
		}
		writeErrCh <- werr
	}()

	reader := bufio.NewReader(stdout)
	headers, err := readCGIHeaders(reader)
	if err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("legacyproto: read CGI headers: %w", err)
	}

	httpcommon.NoCacheHeaders(w.Header())
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	}
	w.WriteHeader(http.StatusOK)

	_, copyErr := io.Copy(w, reader)
	waitErr := cmd.Wait()
	writeErr := <-writeErrCh

	if copyErr != nil {
		return fmt.Errorf("copy stdout: %w", copyErr)
	}
	if waitErr != nil {
		return fmt.Errorf("git-http-backend exited with error: %w", waitErr)
	}
	if writeErr != nil {
		return fmt.Errorf("write stdin: %w", writeErr)
	}
	return nil
}

// readCGIHeaders reads lines up to the blank line terminating a CGI header
// block and returns them as a header map.
func readCGIHeaders(r *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return headers, nil
		}
		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
}

// cgiEnvName renders an HTTP header name as its CGI environment variable:
// HTTP_<UPPER_SNAKE_CASE>.
func cgiEnvName(header string) string {
	var sb strings.Builder
	sb.WriteString("HTTP_")
	for _, r := range header {
		if r == '-' {
			sb.WriteByte('_')
			continue
		}
		sb.WriteRune(unicode.ToUpper(r))
	}
	return sb.String()
}

func decodeBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var reader io.Reader = r.Body
	if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}
