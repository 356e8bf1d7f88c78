package locator

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Query keys that select forwarding for a single URL.
const (
	QueryTunnelURL = "tunnel_url"
	QueryProxyURL  = "proxy_url"
)

var ErrInvalidURL = errors.New("invalid service url")

// URL addresses a data service:
//
//	service:[translator]:[paramfile]//host[:port][:file][?query]
//
// for example mdvp:://radar:5440:mdv/refl?tunnel_url=http://gw/ds.
type URL struct {
	Service    string
	Translator string
	ParamFile  string
	Host       string
	Port       int // zero when absent
	File       string
	Query      url.Values
}

// Parse parses a service URL. An empty host means localhost.
func Parse(raw string) (*URL, error) {
	rest, rawQuery, _ := strings.Cut(raw, "?")

	prefix, location, ok := strings.Cut(rest, "//")
	if !ok {
		return nil, fmt.Errorf("%w %q: missing //", ErrInvalidURL, raw)
	}
	parts := strings.SplitN(prefix, ":", 3)
	if len(parts) != 3 || strings.Contains(parts[2], ":") {
		return nil, fmt.Errorf("%w %q: expected service:translator:paramfile prefix", ErrInvalidURL, raw)
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("%w %q: empty service", ErrInvalidURL, raw)
	}

	u := &URL{
		Service:    parts[0],
		Translator: parts[1],
		ParamFile:  parts[2],
	}

	fields := strings.SplitN(location, ":", 3)
	u.Host = fields[0]
	if u.Host == "" {
		u.Host = "localhost"
	}
	if len(fields) > 1 && fields[1] != "" {
		port, err := strconv.Atoi(fields[1])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w %q: bad port %q", ErrInvalidURL, raw, fields[1])
		}
		u.Port = port
	}
	if len(fields) > 2 {
		u.File = fields[2]
	}

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidURL, raw, err)
	}
	u.Query = query
	return u, nil
}

// String renders the URL in canonical form.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Service)
	b.WriteByte(':')
	b.WriteString(u.Translator)
	b.WriteByte(':')
	b.WriteString(u.ParamFile)
	b.WriteString("//")
	b.WriteString(u.Host)
	b.WriteByte(':')
	if u.Port > 0 {
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteByte(':')
	b.WriteString(u.File)
	if len(u.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(u.Query.Encode())
	}
	return b.String()
}
