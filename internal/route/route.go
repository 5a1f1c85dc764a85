// Package route picks the tunnel a public request belongs to.
package route

import (
	"net"
	"strings"

	"github.com/google/uuid"
)

// PathPrefix marks path based tunnel selection: /t/{tunnelId}/rest.
const PathPrefix = "/t/"

// ExtractName returns the subdomain label of host under baseDomain, or "" if
// host is not a strict subdomain. Without a base domain the first label of a
// multi-label host is used.
func ExtractName(host, baseDomain string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	if baseDomain == "" {
		parts := strings.Split(host, ".")
		if len(parts) < 2 {
			return ""
		}
		return parts[0]
	}
	suffix := "." + strings.ToLower(strings.Trim(baseDomain, "."))
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	name := strings.TrimSuffix(host, suffix)
	// only one label deep
	if name == "" || strings.Contains(name, ".") {
		return ""
	}
	return name
}

// SplitPathPrefix splits /t/{id}/rest into id and /rest. ok is false when
// path does not carry the prefix.
func SplitPathPrefix(path string) (id, rest string, ok bool) {
	if !strings.HasPrefix(path, PathPrefix) {
		return "", path, false
	}
	tail := path[len(PathPrefix):]
	if i := strings.IndexByte(tail, '/'); i >= 0 {
		id, rest = tail[:i], tail[i:]
	} else {
		id, rest = tail, "/"
	}
	if id == "" {
		return "", path, false
	}
	return id, rest, true
}

// TunnelIDFromPath returns the last path segment of a control endpoint URL
// when it parses as a UUID.
func TunnelIDFromPath(path string) (string, bool) {
	path = strings.TrimRight(path, "/")
	i := strings.LastIndexByte(path, '/')
	seg := path[i+1:]
	id, err := uuid.Parse(seg)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
