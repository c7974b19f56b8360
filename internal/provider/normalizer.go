package provider

import (
	"net/url"
	"strings"
)

// NormalizeEndpoint rewrites a raw provider URL into the exact URL a
// JSON-RPC request should be POSTed to, applying the family rule. It is
// a pure string transform: total over arbitrary input and idempotent.
//
// hasKey tells the OnFinality rule whether an api key is configured
// (keyed deployments use /rpc, public ones /public).
func NormalizeEndpoint(typ Type, raw string, hasKey bool) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	s = strings.TrimSuffix(s, "/")

	// This system targets the v2 JSON-RPC surface.
	if strings.HasSuffix(strings.ToLower(s), "/api/v3") {
		return s[:len(s)-len("/api/v3")] + "/api/v2/jsonRPC"
	}

	switch typ {
	case TypeOnfinality:
		return normalizeOnfinality(s, hasKey)
	case TypeOrbs:
		// Discovered gateways already end in /api/v2 and take the
		// envelope at that path directly.
		if hasPathSuffix(s, "/api/v2") {
			return s
		}
		return normalizeGeneric(s)
	case TypeToncenter, TypeChainstack, TypeQuicknode, TypeGetblock, TypeTatum:
		if endsWithJSONRPC(s) {
			return s
		}
		return s + "/jsonRPC"
	default:
		return normalizeGeneric(s)
	}
}

// normalizeGeneric appends /jsonRPC only to bare roots and leaves any
// URL that already names a JSON-RPC path alone.
func normalizeGeneric(s string) string {
	if endsWithJSONRPC(s) {
		return s
	}
	if p := pathOf(s); p == "" || p == "/" {
		return s + "/jsonRPC"
	}
	return s
}

func normalizeOnfinality(s string, hasKey bool) string {
	s = stripQuery(s)
	s = strings.TrimSuffix(s, "/")
	// A JSON-RPC path (the /api/v3 rewrite's output) is already final.
	if endsWithJSONRPC(s) || hasPathSuffix(s, "/rpc") || hasPathSuffix(s, "/public") {
		return s
	}
	if hasKey {
		return s + "/rpc"
	}
	return s + "/public"
}

// RequestHeaders builds the per-family auth headers for a request to a
// normalized endpoint. Families that carry the key in the URL send no
// header.
func RequestHeaders(typ Type, apiKey string) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	switch typ {
	case TypeGetblock, TypeTatum:
		if apiKey != "" {
			h["x-api-key"] = apiKey
		}
	case TypeOnfinality:
		if apiKey != "" {
			h["apikey"] = apiKey
		}
	case TypeToncenter, TypeChainstack, TypeQuicknode, TypeOrbs:
		// key lives in the URL (path or subdomain), or no auth at all
	default:
		if apiKey != "" {
			h["x-api-key"] = apiKey
		}
	}
	return h
}

func endsWithJSONRPC(s string) bool {
	return strings.HasSuffix(strings.ToLower(s), "/jsonrpc")
}

// pathOf extracts the URL path without erroring on garbage input.
func pathOf(s string) string {
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		return u.Path
	}
	// Not parseable as an absolute URL; approximate by cutting after
	// the scheme-less host segment.
	rest := s
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return ""
}

func hasPathSuffix(s, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(pathOf(s)), suffix) ||
		strings.HasSuffix(strings.ToLower(s), suffix)
}

func stripQuery(s string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}
