package locator

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/Mmx233/dsserver/config"
)

// ManagerService is the service name used for manager targets.
const ManagerService = "DsServerMgr"

// TargetHeader names the host:port the tunnel should relay to.
const TargetHeader = "X-Ds-Target"

// Target is a resolved destination for one exchange. When
// ForwardingEnabled is false only Host and Port are meaningful.
type Target struct {
	URL     string
	Service string
	Host    string
	Port    int

	ForwardingEnabled bool
	ForwardingHost    string // proxy host when UseProxy, tunnel host otherwise
	ForwardingPort    int
	HTTPHeader        string // request line and fixed fields, without Content-Length
	UseProxy          bool

	fwd config.Forwarding
}

// Addr returns host:port of the service itself.
func (t *Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ForwardingAddr returns host:port of the first forwarding hop.
func (t *Target) ForwardingAddr() string {
	return net.JoinHostPort(t.ForwardingHost, strconv.Itoa(t.ForwardingPort))
}

// Forwarding returns the tunnel and proxy settings the target was resolved with.
func (t *Target) Forwarding() config.Forwarding {
	return t.fwd
}

// ForwardHeader renders the complete request header for a body of
// contentLength bytes.
func (t *Target) ForwardHeader(contentLength int) []byte {
	var b strings.Builder
	b.Grow(len(t.HTTPHeader) + 40)
	b.WriteString(t.HTTPHeader)
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(contentLength))
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}

// Resolve builds a Target from u. Forwarding settings in the URL query take
// precedence over fwd.
func Resolve(u *URL, fwd config.Forwarding) (*Target, error) {
	if u.Port <= 0 {
		return nil, fmt.Errorf("resolve %s: %w: no port", u, ErrInvalidURL)
	}
	if v := u.Query.Get(QueryTunnelURL); v != "" {
		fwd.TunnelURL = v
	}
	if v := u.Query.Get(QueryProxyURL); v != "" {
		fwd.ProxyURL = v
	}

	t := &Target{
		URL:     u.String(),
		Service: u.Service,
		Host:    u.Host,
		Port:    u.Port,
		fwd:     fwd,
	}
	if fwd.TunnelURL == "" {
		return t, nil
	}
	if err := fwd.Validate(); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", u, err)
	}

	tunnel, err := url.Parse(fwd.TunnelURL)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: parse tunnel url: %w", u, err)
	}
	hop := tunnel
	if fwd.ProxyURL != "" {
		if hop, err = url.Parse(fwd.ProxyURL); err != nil {
			return nil, fmt.Errorf("resolve %s: parse proxy url: %w", u, err)
		}
		t.UseProxy = true
	}

	t.ForwardingEnabled = true
	t.ForwardingHost = hop.Hostname()
	t.ForwardingPort = 80
	if p := hop.Port(); p != "" {
		if t.ForwardingPort, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("resolve %s: bad forwarding port %q", u, p)
		}
	}
	t.HTTPHeader = requestPreamble(tunnel, t.Addr())
	return t, nil
}

// ResolveString parses and resolves raw in one step.
func ResolveString(raw string, fwd config.Forwarding) (*Target, error) {
	u, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Resolve(u, fwd)
}

// ManagerTarget returns the manager's address on the same host as t,
// reached through the same forwarding path.
func ManagerTarget(t *Target, managerPort int) (*Target, error) {
	u := &URL{
		Service: ManagerService,
		Host:    t.Host,
		Port:    managerPort,
		Query:   url.Values{},
	}
	return Resolve(u, t.fwd)
}

func requestPreamble(tunnel *url.URL, target string) string {
	path := tunnel.EscapedPath()
	if path == "" {
		path = "/"
	}
	requestURI := "http://" + tunnel.Host + path

	var b strings.Builder
	b.WriteString("POST ")
	b.WriteString(requestURI)
	b.WriteString(" HTTP/1.0\r\n")
	b.WriteString("Host: ")
	b.WriteString(tunnel.Host)
	b.WriteString("\r\n")
	b.WriteString(TargetHeader)
	b.WriteString(": ")
	b.WriteString(target)
	b.WriteString("\r\n")
	b.WriteString("Content-Type: application/octet-stream\r\n")
	return b.String()
}
