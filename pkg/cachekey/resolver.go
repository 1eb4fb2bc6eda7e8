// Package cachekey computes stable identities for queries and their
// refresh keys. A fingerprint names a query result; a refresh key names
// the freshness check whose evaluated value decides staleness.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/quernlabs/quern/pkg/hooks"
)

// Resolver renders refresh-key templates and fingerprints queries
type Resolver struct {
	funcMap template.FuncMap
}

// NewResolver creates a resolver with Sprig template functions
func NewResolver() *Resolver {
	return &Resolver{
		funcMap: sprig.TxtFuncMap(),
	}
}

// Fingerprint returns a stable identity for (query, security context,
// data source). Security context maps are serialized with sorted keys so
// equal contexts always hash equally.
func (r *Resolver) Fingerprint(query string, req *hooks.RequestContext) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(query)))
	h.Write([]byte{0})

	if req != nil {
		h.Write([]byte(req.DataSource))
		h.Write([]byte{0})
		h.Write([]byte(ContextDigest(req)))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// ContextDigest returns a stable digest of a request's security context.
// Used in cache keys and task payloads where the raw context must not be
// persisted.
func ContextDigest(req *hooks.RequestContext) string {
	if req == nil || len(req.SecurityContext) == 0 {
		return "anonymous"
	}

	keys := make([]string, 0, len(req.SecurityContext))
	for k := range req.SecurityContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		// Errors are impossible for the JSON-compatible values hosts
		// supply; a failed marshal degrades to fmt formatting.
		if data, err := json.Marshal(req.SecurityContext[k]); err == nil {
			h.Write(data)
		} else {
			fmt.Fprintf(h, "%v", req.SecurityContext[k])
		}
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// RenderRefreshKey renders a refresh-key SQL template with the given
// variables (schema name, table names, timezone).
func (r *Resolver) RenderRefreshKey(expr string, variables map[string]interface{}) (string, error) {
	tmpl, err := template.New("refresh_key").Funcs(r.funcMap).Parse(expr)
	if err != nil {
		return "", fmt.Errorf("failed to parse refresh key template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, variables); err != nil {
		return "", fmt.Errorf("failed to render refresh key template: %w", err)
	}

	return buf.String(), nil
}

// RefreshKeyID returns the cache key under which a rendered refresh key's
// evaluation result is stored.
func RefreshKeyID(renderedSQL string, req *hooks.RequestContext) string {
	h := sha256.New()
	h.Write([]byte(renderedSQL))
	h.Write([]byte{0})
	h.Write([]byte(ContextDigest(req)))

	return hex.EncodeToString(h.Sum(nil))[:32]
}
