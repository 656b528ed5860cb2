// Package config loads the proxy's flag+env configuration: the v2 frontend's
// namespace-to-upstream map, the legacy frontend's allowed-upstream list, and
// the ambient knobs (listen address, git binary path, log level, optional
// AWS fleet-discovery settings). Configuration is never loaded from disk —
// that is explicitly out of scope for this module.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config holds the fully parsed, validated configuration for a single
// process.
type Config struct {
	ListenAddr  string
	GitPath     string
	MirrorDir   string
	LogLevel    string
	MetricsPath string
	HealthPath  string

	// Namespaces maps a v2-frontend namespace (e.g. "github") to the
	// upstream URL prefix used to build the full clone URL: prefix+name.
	Namespaces map[string]string

	// AllowedUpstreams gates the legacy frontend's {org}/{repo} path, which
	// has no explicit namespace map of its own.
	AllowedUpstreams []string

	UploadPackThreads int
	MaintainAfterSync bool

	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string
}

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from an explicit argument vector (for
// testing) and the environment; flags take precedence when both are set.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("git-smart-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.GitPath, "git-path", envOrDefault("GIT_PATH", "git"), "path to the git binary")
	fs.StringVar(&cfg.MirrorDir, "mirror-dir", envOrDefault("MIRROR_DIR", "/var/lib/git-smart-proxy/mirrors"), "data root for bare git mirrors")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.IntVar(&cfg.UploadPackThreads, "upload-pack-threads", envOrDefaultInt("UPLOAD_PACK_THREADS", 0), "pack.threads to use for upload-pack (0 means git default)")
	fs.BoolVar(&cfg.MaintainAfterSync, "maintain-after-sync", envOrDefaultBool("MAINTAIN_AFTER_SYNC", false), "run background maintenance (commit-graph, multi-pack-index) after a mirror refresh")
	fs.StringVar(&cfg.AWSCloudMapServiceID, "aws-cloud-map-service-id", envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""), "AWS Cloud Map service ID for fleet registration and health heartbeat")
	fs.StringVar(&cfg.Route53HostedZoneID, "route53-hosted-zone-id", envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""), "Route53 hosted zone ID for DNS registration")
	fs.StringVar(&cfg.Route53RecordName, "route53-record-name", envOrDefault("ROUTE53_RECORD_NAME", ""), "Route53 record name (e.g. git-proxy.example.com)")

	namespacesStr := fs.String("namespaces", envOrDefault("NAMESPACES", ""), "comma-separated ns=upstream-url-prefix pairs, e.g. github=https://github.com/")
	allowedUpstreamsStr := fs.String("allowed-upstreams", envOrDefault("ALLOWED_UPSTREAMS", "github.com"), "comma-separated list of upstream hosts allowed through the legacy frontend")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.Namespaces, err = parseNamespaces(*namespacesStr); err != nil {
		return nil, fmt.Errorf("invalid namespaces: %w", err)
	}

	for _, h := range strings.Split(*allowedUpstreamsStr, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			cfg.AllowedUpstreams = append(cfg.AllowedUpstreams, h)
		}
	}
	if len(cfg.AllowedUpstreams) == 0 {
		return nil, errors.New("at least one allowed upstream is required")
	}

	return cfg, nil
}

// UpstreamPrefix looks up the upstream URL prefix for a v2-frontend
// namespace. A namespace absent from the map is the spec's "unknown
// namespace" condition — callers surface this as an HTTP 500.
func (c *Config) UpstreamPrefix(namespace string) (string, bool) {
	prefix, ok := c.Namespaces[namespace]
	return prefix, ok
}

func parseNamespaces(s string) (map[string]string, error) {
	out := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ns, prefix, ok := strings.Cut(pair, "=")
		if !ok || ns == "" || prefix == "" {
			return nil, fmt.Errorf("malformed namespace entry %q, expected ns=prefix", pair)
		}
		out[ns] = prefix
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}
