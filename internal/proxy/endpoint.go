// Package proxy holds outbound proxy endpoints, the per-run Pool and the health Checker.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidEndpoint = errors.New("invalid proxy endpoint")

// Endpoint is one SOCKS5 proxy.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ParseEndpoint accepts "host:port" or "host:port:user:pass".
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 || parts[0] == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	ep := Endpoint{Host: parts[0], Port: port}
	if len(parts) == 4 {
		ep.Username, ep.Password = parts[2], parts[3]
	}
	return ep, nil
}

// String returns the stored form, credentials included.
func (e Endpoint) String() string {
	base := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	if e.Username == "" && e.Password == "" {
		return base
	}
	return e.Host + ":" + strconv.Itoa(e.Port) + ":" + e.Username + ":" + e.Password
}

// Redacted is safe for logs and progress lines.
func (e Endpoint) Redacted() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL is the socks5 URL used by HTTP transports and dialers.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: "socks5", Host: net.JoinHostPort(e.Host, strconv.Itoa(e.Port))}
	if e.Username != "" || e.Password != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// ParseList parses endpoints, skipping blanks and collecting per-line errors.
func ParseList(lines []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(lines))
	var errs []error
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		ep, err := ParseEndpoint(l)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ep)
	}
	return out, errors.Join(errs...)
}
