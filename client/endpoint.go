package client

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is where a socket connects. Password is optional and travels as
// a query parameter.
type Endpoint struct {
	Host     string
	Port     int
	Path     string
	Password string
	Secure   bool
}

func (e Endpoint) url(password string) *url.URL {
	u := &url.URL{Scheme: "ws", Host: e.Host, Path: e.Path}
	if e.Secure {
		u.Scheme = "wss"
	}
	if e.Port > 0 {
		u.Host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	if password != "" {
		q := url.Values{}
		q.Set("password", password)
		u.RawQuery = q.Encode()
	}
	return u
}

func (e Endpoint) URL() string {
	return e.url(e.Password).String()
}

// Redacted is URL with the password replaced, for logs.
func (e Endpoint) Redacted() string {
	if e.Password == "" {
		return e.URL()
	}
	return e.url("xxxxx").String()
}

// WithPath returns a copy pointing at a different path on the same gateway.
func (e Endpoint) WithPath(path string) Endpoint {
	e.Path = path
	return e
}

// ParseEndpoint accepts ws://, wss://, http:// and https:// URLs. A
// password query parameter is lifted into Password.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	var e Endpoint
	switch u.Scheme {
	case "ws", "http":
	case "wss", "https":
		e.Secure = true
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	e.Host = u.Hostname()
	if e.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", raw)
	}
	if p := u.Port(); p != "" {
		e.Port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
	}
	e.Path = u.Path
	e.Password = u.Query().Get("password")
	return e, nil
}
