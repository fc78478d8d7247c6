// Package canonical computes the source-independent identity of an offer so
// the same product listed on several networks collapses to one candidate.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// Query keys that only carry attribution and never change the product.
var trackingQueryKeys = map[string]struct{}{
	"aff":            {},
	"aff_id":         {},
	"affid":          {},
	"aff_sub":        {},
	"aff_sub2":       {},
	"aff_sub3":       {},
	"aff_sub4":       {},
	"aff_sub5":       {},
	"affiliate":      {},
	"campaign":       {},
	"cid":            {},
	"click_id":       {},
	"clickid":        {},
	"fbclid":         {},
	"gclid":          {},
	"hop":            {},
	"msclkid":        {},
	"ref":            {},
	"referrer":       {},
	"source":         {},
	"sub1":           {},
	"sub2":           {},
	"sub3":           {},
	"sub4":           {},
	"sub5":           {},
	"subid":          {},
	"tid":            {},
	"tracking":       {},
	"transaction_id": {},
}

// Hash returns the canonical identity for a (title, merchant, destination) tuple.
func Hash(title, merchant, destination string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(title)))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeText(merchant)))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeURL(destination)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText lowercases s, drops control characters and collapses whitespace.
func NormalizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeURL reduces raw to a comparable identity. The whole result is
// lowercased, path and query keys and values included. Default ports, "www.",
// the fragment, a trailing slash and tracking parameters are dropped.
// Unparsable input falls back to NormalizeText.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return NormalizeText(trimmed)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := parsed.Port(); port != "" {
		defaultPort := (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
		if !defaultPort {
			host = host + ":" + port
		}
	}
	// http and https versions of the same page are the same product.
	if scheme == "http" {
		scheme = "https"
	}

	path := strings.ToLower(parsed.EscapedPath())
	path = strings.TrimRight(path, "/")

	q := parsed.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingQueryKeys[lower]; ok {
			q.Del(key)
		}
	}

	out := scheme + "://" + host + path
	if len(q) == 0 {
		return out
	}

	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		values := make([]string, len(q[key]))
		for k, v := range q[key] {
			values[k] = strings.ToLower(v)
		}
		sort.Strings(values)
		for j, value := range values {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(strings.ToLower(key)))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return out + "?" + b.String()
}
