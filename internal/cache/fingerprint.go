package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultModelTag tags requests that leave model selection to the router.
const DefaultModelTag = "auto"

// FingerprintConfig selects which parts of a request identify a cache entry.
type FingerprintConfig struct {
	IncludePath        bool     `mapstructure:"include_path"`
	IncludeQuery       bool     `mapstructure:"include_query"`
	IncludeHeaders     []string `mapstructure:"include_headers"`
	PerUser            bool     `mapstructure:"per_user"`
	IncludeContentType bool     `mapstructure:"include_content_type"`
	IncludeBody        bool     `mapstructure:"include_body"`
	UserHeaders        []string `mapstructure:"user_headers"`
}

// requestMeta is the subset of a JSON request body the cache inspects.
type requestMeta struct {
	Model   string `json:"model"`
	ModelID string `json:"model_id"`
	Stream  bool   `json:"stream"`
}

func parseMeta(body []byte) requestMeta {
	var meta requestMeta
	if len(body) > 0 {
		_ = json.Unmarshal(body, &meta)
	}
	return meta
}

// modelTag returns the model a request asks for, or DefaultModelTag.
func (m requestMeta) modelTag() string {
	switch {
	case m.Model != "" && m.Model != DefaultModelTag:
		return m.Model
	case m.ModelID != "" && m.ModelID != DefaultModelTag:
		return m.ModelID
	default:
		return DefaultModelTag
	}
}

// Fingerprint hashes the configured request components into a hex SHA-256.
func (c FingerprintConfig) Fingerprint(r *http.Request, body []byte) string {
	parts := []string{"method=" + r.Method}

	if c.IncludePath {
		parts = append(parts, "path="+r.URL.Path)
	}
	if c.IncludeQuery {
		query := r.URL.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			vals := append([]string(nil), query[k]...)
			sort.Strings(vals)
			parts = append(parts, "query:"+k+"="+strings.Join(vals, ","))
		}
	}
	if len(c.IncludeHeaders) > 0 {
		names := make([]string, len(c.IncludeHeaders))
		for i, h := range c.IncludeHeaders {
			names[i] = http.CanonicalHeaderKey(h)
		}
		sort.Strings(names)
		for _, h := range names {
			parts = append(parts, "header:"+h+"="+strings.Join(r.Header.Values(h), ","))
		}
	}
	if c.PerUser {
		parts = append(parts, "user="+c.Identity(r))
	}
	if c.IncludeContentType {
		parts = append(parts,
			"content-type="+r.Header.Get("Content-Type"),
			"accept="+r.Header.Get("Accept"))
	}
	if c.IncludeBody {
		parts = append(parts, "body="+string(body))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Identity returns the caller identity: the first configured user header
// present, else the remote IP.
func (c FingerprintConfig) Identity(r *http.Request) string {
	for _, h := range c.UserHeaders {
		if v := r.Header.Get(h); v != "" {
			return h + ":" + v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
