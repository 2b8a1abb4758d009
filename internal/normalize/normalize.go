// Package normalize canonicalizes raw scanner and user strings so that
// (target, type, normalized) is stable across runs and across scanners.
// Normalizing an already-normalized value is a fixed point.
package normalize

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"path"
	"strings"
)

// Error describes why a raw value could not be canonicalized. Callers skip
// the offending record and write an audit event.
type Error struct {
	Type   string
	Input  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s %q: %s", e.Type, e.Input, e.Reason)
}

// IsError reports whether err is a normalization failure.
func IsError(err error) bool {
	var ne *Error
	return errors.As(err, &ne)
}

// Domain canonicalizes a subdomain or host name: lowercase, trailing dot
// stripped, any scheme or port removed. Fails if the result is not a
// syntactically valid DNS name.
func Domain(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", &Error{Type: "domain", Input: raw, Reason: "empty"}
	}

	host := v
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil || u.Hostname() == "" {
			return "", &Error{Type: "domain", Input: raw, Reason: "unparseable"}
		}
		host = u.Hostname()
	} else {
		host = strings.SplitN(host, "/", 2)[0]
		if strings.HasPrefix(host, "[") {
			if end := strings.Index(host, "]"); end > 0 {
				host = host[1:end]
			}
		} else if strings.Count(host, ":") == 1 {
			host = strings.SplitN(host, ":", 2)[0]
		}
	}

	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return "", &Error{Type: "domain", Input: raw, Reason: "empty host"}
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return "", &Error{Type: "domain", Input: raw, Reason: "ip address, not a dns name"}
	}
	if reason := dnsNameProblem(host); reason != "" {
		return "", &Error{Type: "domain", Input: raw, Reason: reason}
	}
	return host, nil
}

// IP canonicalizes an IPv4 or IPv6 address to its shortest textual form
// (zero-compressed IPv6, brackets stripped, v4-mapped unwrapped). Loopback
// and private addresses are rejected unless allowPrivate is set, which the
// caller derives from the target's scope policy.
func IP(raw string, allowPrivate bool) (string, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "[")
	v = strings.TrimSuffix(v, "]")
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return "", &Error{Type: "ip", Input: raw, Reason: "not an ip address"}
	}
	addr = addr.Unmap()
	if !allowPrivate {
		switch {
		case addr.IsLoopback():
			return "", &Error{Type: "ip", Input: raw, Reason: "loopback address"}
		case addr.IsPrivate():
			return "", &Error{Type: "ip", Input: raw, Reason: "private address"}
		case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
			return "", &Error{Type: "ip", Input: raw, Reason: "link-local address"}
		case addr.IsUnspecified():
			return "", &Error{Type: "ip", Input: raw, Reason: "unspecified address"}
		}
	}
	return addr.String(), nil
}

// IsIP reports whether the value parses as an IP address.
func IsIP(value string) bool {
	_, err := netip.ParseAddr(strings.TrimSpace(value))
	return err == nil
}

// URL canonicalizes an http(s) URL: scheme and host lowercased, default
// ports elided, dot segments collapsed, the trailing slash kept on the root
// path and stripped elsewhere. Query and fragment are preserved verbatim.
// A bare host is interpreted as http.
func URL(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", &Error{Type: "url", Input: raw, Reason: "empty"}
	}
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}

	u, err := url.Parse(v)
	if err != nil {
		return "", &Error{Type: "url", Input: raw, Reason: "unparseable"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &Error{Type: "url", Input: raw, Reason: "unsupported scheme " + scheme}
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", &Error{Type: "url", Input: raw, Reason: "empty host"}
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		// Bare IPv6 hosts keep their brackets in the authority.
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}

	// Clean the escaped form so percent-encoded separators inside a
	// segment cannot alter the path structure.
	rawPath := u.EscapedPath()
	if rawPath == "" {
		rawPath = "/"
	}
	rawPath = path.Clean(rawPath)
	if rawPath == "." {
		rawPath = "/"
	}
	decodedPath, perr := url.PathUnescape(rawPath)
	if perr != nil {
		decodedPath = rawPath
	}

	out := url.URL{
		Scheme:      scheme,
		Host:        host,
		Path:        decodedPath,
		RawPath:     rawPath,
		RawQuery:    u.RawQuery,
		ForceQuery:  u.ForceQuery,
		Fragment:    u.Fragment,
		RawFragment: u.RawFragment,
	}
	return out.String(), nil
}

// Service canonicalizes a (host, port, proto) service key. The host follows
// the domain rules, or the IP rules when it is an address.
func Service(host string, port int, proto string, allowPrivate bool) (string, int, string, error) {
	if port < 1 || port > 65535 {
		return "", 0, "", &Error{Type: "service", Input: fmt.Sprintf("%s:%d", host, port), Reason: "port out of range"}
	}
	proto = strings.ToLower(strings.TrimSpace(proto))
	if proto == "" {
		proto = "tcp"
	}
	if proto != "tcp" && proto != "udp" {
		return "", 0, "", &Error{Type: "service", Input: proto, Reason: "unknown protocol"}
	}

	var norm string
	var err error
	if IsIP(strings.Trim(strings.TrimSpace(host), "[]")) {
		norm, err = IP(host, allowPrivate)
	} else {
		norm, err = Domain(host)
	}
	if err != nil {
		return "", 0, "", err
	}
	return norm, port, proto, nil
}

// Value dispatches on the asset type.
func Value(assetType, raw string, allowPrivate bool) (string, error) {
	switch assetType {
	case "subdomain", "host":
		return Domain(raw)
	case "ip":
		return IP(raw, allowPrivate)
	case "url":
		return URL(raw)
	default:
		return "", &Error{Type: assetType, Input: raw, Reason: "unknown asset type"}
	}
}

// dnsNameProblem validates an already-lowercased name against RFC 1123
// shape. Underscore labels are accepted; they show up legitimately in
// recon output (_dmarc, _acme-challenge).
func dnsNameProblem(name string) string {
	if len(name) > 253 {
		return "name exceeds 253 octets"
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" {
			return "empty label"
		}
		if len(label) > 63 {
			return "label exceeds 63 octets"
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "label starts or ends with hyphen"
		}
		for _, c := range label {
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
				return fmt.Sprintf("invalid character %q", c)
			}
		}
	}
	return ""
}
