// Package v2proto implements the Smart HTTP protocol v2 frontend: the
// Git-Protocol:version=2 gate, the info/refs advertisement endpoint, and the
// ls-refs/fetch command dispatch on the upload-pack POST endpoint.
package v2proto

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gitmirror/smart-proxy/internal/config"
	"github.com/gitmirror/smart-proxy/internal/gitproc"
	"github.com/gitmirror/smart-proxy/internal/httpcommon"
	"github.com/gitmirror/smart-proxy/internal/metrics"
	"github.com/gitmirror/smart-proxy/internal/mirror"
	"github.com/gitmirror/smart-proxy/internal/pktline"
)

// Kind distinguishes the two v2 endpoints, for metrics labeling.
type Kind string

const (
	KindInfoRefs   Kind = "info-refs"
	KindUploadPack Kind = "upload-pack"
)

// Server is the v2 Smart HTTP frontend. Routes are mounted by Register.
type Server struct {
	cfg     *config.Config
	mirror  *mirror.Mirror
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(cfg *config.Config, m *mirror.Mirror, log *slog.Logger, metrics *metrics.Metrics) *Server {
	return &Server{cfg: cfg, mirror: m, log: log, metrics: metrics}
}

// Register mounts the v2 endpoints on mux under /git/{ns}/{repo}/....
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /git/{ns}/{repo}/info/refs", s.handleInfoRefs)
	mux.HandleFunc("POST /git/{ns}/{repo}/git-upload-pack", s.handleUploadPack)
}

func (s *Server) checkProtocolHeader(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Git-Protocol") != "version=2" {
		http.Error(w, "Git-Protocol: version=2 is required", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) resolveUpstream(w http.ResponseWriter, ns, repo string) (upstreamURL string, ok bool) {
	prefix, found := s.cfg.UpstreamPrefix(ns)
	if !found {
		http.Error(w, fmt.Sprintf("unknown namespace %q", ns), http.StatusInternalServerError)
		return "", false
	}
	return prefix + repo, true
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ns, repo := r.PathValue("ns"), r.PathValue("repo")
	repoKey := ns + "/" + repo
	s.metrics.RequestsTotal.WithLabelValues(repoKey, string(KindInfoRefs)).Inc()

	if !s.checkProtocolHeader(w, r) {
		return
	}
	if r.URL.Query().Get("service") != "git-upload-pack" {
		http.Error(w, "unsupported service", http.StatusBadRequest)
		return
	}

	upstreamURL, ok := s.resolveUpstream(w, ns, repo)
	if !ok {
		return
	}

	repoPath, err := s.mirror.EnsurePresent(r.Context(), ns, repo, upstreamURL)
	if err != nil {
		s.fail(w, repoKey, KindInfoRefs, err)
		return
	}

	httpcommon.NoCacheHeaders(w.Header())
	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.WriteHeader(http.StatusOK)

	spec := gitproc.Spec{
		GitPath: s.cfg.GitPath,
		Args:    []string{"upload-pack", "--http-backend-info-refs", repoPath},
		Env:     []string{"GIT_PROTOCOL=version=2"},
	}
	if err := gitproc.Stream(r.Context(), spec, strings.NewReader(""), w); err != nil {
		s.log.Error("info/refs stream failed", "repo", repoKey, "err", err)
	}

	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindInfoRefs), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(repoKey, string(KindInfoRefs)).Observe(time.Since(start).Seconds())
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ns, repo := r.PathValue("ns"), r.PathValue("repo")
	repoKey := ns + "/" + repo
	s.metrics.RequestsTotal.WithLabelValues(repoKey, string(KindUploadPack)).Inc()

	if !s.checkProtocolHeader(w, r) {
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

	command, ok := firstCommand(pkts)
	if !ok {
		http.Error(w, "first pkt-line is not a command= line", http.StatusBadRequest)
		return
	}

	upstreamURL, ok := s.resolveUpstream(w, ns, repo)
	if !ok {
		return
	}
	repoPath, err := s.mirror.EnsurePresent(r.Context(), ns, repo, upstreamURL)
	if err != nil {
		s.fail(w, repoKey, KindUploadPack, err)
		return
	}

	switch command {
	case "ls-refs":
		refspecs := refspecsForPrefixes(pkts)
		if len(refspecs) > 0 {
			if err := s.mirror.Refresh(r.Context(), repoPath, refspecs); err != nil {
				s.fail(w, repoKey, KindUploadPack, err)
				return
			}
		}
	case "fetch":
		// Design note: a v2 client performs ls-refs before fetch; refreshing
		// at ls-refs time is sufficient so fetch never refreshes again.
	default:
		http.Error(w, fmt.Sprintf("unsupported command %q", command), http.StatusBadRequest)
		return
	}

	httpcommon.NoCacheHeaders(w.Header())
	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.WriteHeader(http.StatusOK)

	spec := gitproc.Spec{
		GitPath: s.cfg.GitPath,
		Args:    []string{"upload-pack", "--stateless-rpc", repoPath},
		Env:     []string{"GIT_PROTOCOL=version=2"},
	}
	if err := gitproc.Stream(r.Context(), spec, bytes.NewReader(body), w); err != nil {
		s.log.Error("upload-pack stream failed", "repo", repoKey, "command", command, "err", err)
	}

	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindUploadPack), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(repoKey, string(KindUploadPack)).Observe(time.Since(start).Seconds())
}

func (s *Server) fail(w http.ResponseWriter, repoKey string, kind Kind, err error) {
	s.metrics.ErrorsTotal.WithLabelValues(repoKey, string(kind)).Inc()
	s.log.Error("request failed", "repo", repoKey, "kind", kind, "err", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
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

// firstCommand extracts the command name from the first data pkt, which
// must have the form "command=<name>\n".
func firstCommand(pkts []pktline.Pkt) (string, bool) {
	if len(pkts) == 0 || pkts[0].Kind != pktline.KindData {
		return "", false
	}
	payload := strings.TrimRight(string(pkts[0].Payload), "\n")
	name, ok := strings.CutPrefix(payload, "command=")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// refspecsForPrefixes collects every "ref-prefix <p>" pkt and turns each
// prefix into a refspec glob.
func refspecsForPrefixes(pkts []pktline.Pkt) [][]byte {
	var refspecs [][]byte
	for _, p := range pkts {
		if p.Kind != pktline.KindData {
			continue
		}
		rest, ok := strings.CutPrefix(string(p.Payload), "ref-prefix ")
		if !ok {
			continue
		}
		prefix := strings.TrimRight(rest, "\n")
		if prefix == "" {
			continue
		}
		refspecs = append(refspecs, mirror.RefspecForPrefix([]byte(prefix)))
	}
	return refspecs
}
