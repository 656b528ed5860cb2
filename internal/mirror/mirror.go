// Package mirror owns the on-disk layout of local bare git mirrors: lazily
// initializing them with `git clone --mirror --single-branch`, and
// refreshing them with refspec-scoped `git fetch` calls.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gitmirror/smart-proxy/internal/gitproc"
	"github.com/gitmirror/smart-proxy/internal/metrics"
)

// Mirror manages bare git repository mirrors rooted at a single data
// directory, keyed by (namespace, name).
type Mirror struct {
	root    string
	gitPath string
	log     *slog.Logger
	metrics *metrics.Metrics

	maintainAfterSync bool
	packThreads       int

	cloneGroup singleflight.Group
	maintGroup singleflight.Group
}

// Option configures optional Mirror behavior.
type Option func(*Mirror)

// WithMaintenance enables background repo maintenance (commit-graph,
// multi-pack-index) after a successful refresh or clone.
func WithMaintenance(packThreads int) Option {
	return func(m *Mirror) {
		m.maintainAfterSync = true
		m.packThreads = packThreads
	}
}

// New creates a Mirror manager rooted at root, creating the directory if
// necessary.
func New(root, gitPath string, log *slog.Logger, metrics *metrics.Metrics, opts ...Option) (*Mirror, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mirror: create root: %w", err)
	}
	m := &Mirror{root: root, gitPath: gitPath, log: log, metrics: metrics}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RepoPath returns the deterministic filesystem path for a mirror:
// <data-root>/<namespace>/<name>.
func (m *Mirror) RepoPath(namespace, name string) string {
	return filepath.Join(m.root, namespace, name)
}

func repoKey(namespace, name string) string {
	return namespace + "/" + name
}

// EnsurePresent makes sure the local mirror directory exists, cloning it
// from upstreamURL if necessary. Concurrent callers for the same repo key
// share one clone via singleflight so a second request never observes a
// half-initialized directory as "present".
func (m *Mirror) EnsurePresent(ctx context.Context, namespace, name, upstreamURL string) (repoPath string, err error) {
	key := repoKey(namespace, name)
	repoPath = m.RepoPath(namespace, name)

	_, err, shared := m.cloneGroup.Do(key, func() (interface{}, error) {
		if _, statErr := os.Stat(repoPath); statErr == nil {
			return nil, nil
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("mirror: stat %s: %w", repoPath, statErr)
		}
		return nil, m.clone(ctx, repoPath, upstreamURL)
	})
	if shared {
		m.log.Debug("ensure_present: waited for in-flight clone", "repo", key)
	}
	if err != nil {
		return "", err
	}
	return repoPath, nil
}

func (m *Mirror) clone(ctx context.Context, repoPath, upstreamURL string) error {
	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		return fmt.Errorf("mirror: create parent dir: %w", err)
	}
	m.log.Info("cloning mirror", "path", repoPath, "upstream", upstreamURL)
	spec := gitproc.Spec{
		GitPath: m.gitPath,
		Args:    []string{"clone", "--quiet", "--mirror", "--single-branch", upstreamURL, repoPath},
		Env:     gitEnv(),
	}
	if _, err := gitproc.Run(ctx, spec, nil); err != nil {
		return fmt.Errorf("mirror: clone failed: %w", err)
	}
	m.metrics.MirrorOpsTotal.WithLabelValues(repoPath, "clone").Inc()
	m.metrics.MirrorLatency.WithLabelValues(repoPath, "clone").Observe(time.Since(start).Seconds())
	m.log.Info("clone complete", "path", repoPath, "duration_ms", time.Since(start).Milliseconds())

	if m.maintainAfterSync {
		m.scheduleMaintenance(repoPath)
	}
	return nil
}

// RefspecForPrefix builds the glob refspec `P*:P*` for a ref-prefix P, per
// spec §4.3.
func RefspecForPrefix(prefix []byte) []byte {
	out := make([]byte, 0, len(prefix)*2+2)
	out = append(out, prefix...)
	out = append(out, '*', ':')
	out = append(out, prefix...)
	out = append(out, '*')
	return out
}

// Refresh fetches the given refspecs into repoPath from origin. Refspecs are
// written to the fetch subprocess's stdin, one per line, per spec §4.3.
// --no-write-fetch-head is required because concurrent requests against the
// same mirror must not race on FETCH_HEAD.
func (m *Mirror) Refresh(ctx context.Context, repoPath string, refspecs [][]byte) error {
	if len(refspecs) == 0 {
		return nil
	}
	start := time.Now()
	stdin := strings.NewReader(joinRefspecs(refspecs))
	spec := gitproc.Spec{
		GitPath: m.gitPath,
		Args: []string{
			"--git-dir=" + repoPath,
			"fetch", "origin", "--quiet",
			"--no-write-fetch-head", "--no-show-forced-updates", "--stdin",
		},
		Env: gitEnv(),
	}
	if _, err := gitproc.Run(ctx, spec, stdin); err != nil {
		return fmt.Errorf("mirror: refresh failed: %w", err)
	}
	m.metrics.MirrorOpsTotal.WithLabelValues(repoPath, "refresh").Inc()
	m.metrics.MirrorLatency.WithLabelValues(repoPath, "refresh").Observe(time.Since(start).Seconds())
	m.log.Debug("refresh complete", "path", repoPath, "refspecs", len(refspecs), "duration_ms", time.Since(start).Milliseconds())

	if m.maintainAfterSync {
		m.scheduleMaintenance(repoPath)
	}
	return nil
}

func joinRefspecs(refspecs [][]byte) string {
	var sb strings.Builder
	for i, rs := range refspecs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.Write(rs)
	}
	return sb.String()
}

// scheduleMaintenance runs lightweight repo maintenance in the background,
// coalesced per repo path so concurrent refreshes don't pile up maintenance
// runs against the same mirror.
func (m *Mirror) scheduleMaintenance(repoPath string) {
	go func() {
		_, _, _ = m.maintGroup.Do(repoPath, func() (interface{}, error) {
			m.maintain(context.Background(), repoPath)
			return nil, nil
		})
	}()
}

func (m *Mirror) maintain(ctx context.Context, repoPath string) {
	start := time.Now()
	args := []string{"-C", repoPath, "commit-graph", "write", "--reachable"}
	if _, err := gitproc.Run(ctx, gitproc.Spec{GitPath: m.gitPath, Args: args}, nil); err != nil {
		m.log.Warn("maintenance: commit-graph write failed", "path", repoPath, "err", err)
	}
	midxArgs := []string{"-C", repoPath, "multi-pack-index", "write"}
	if m.packThreads > 0 {
		midxArgs = append([]string{"-c", fmt.Sprintf("pack.threads=%d", m.packThreads)}, midxArgs...)
	}
	if _, err := gitproc.Run(ctx, gitproc.Spec{GitPath: m.gitPath, Args: midxArgs}, nil); err != nil {
		m.log.Warn("maintenance: multi-pack-index write failed", "path", repoPath, "err", err)
	}
	m.metrics.MirrorOpsTotal.WithLabelValues(repoPath, "maintain").Inc()
	m.log.Debug("maintenance complete", "path", repoPath, "duration_ms", time.Since(start).Milliseconds())
}

// gitEnv returns the process environment for git child processes, with
// overrides that disable user/system git config and terminal prompts.
func gitEnv() []string {
	return append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
}
