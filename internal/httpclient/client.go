// Package httpclient provides the HTTP client used by the http job.
// It refuses loopback, private and other non-public destinations unless
// told otherwise, checking both the URL and every address a host resolves to.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// ErrBlocked marks requests refused before any connection was made
var ErrBlocked = errors.New("destination blocked")

// Options configures a Client
type Options struct {
	Timeout      time.Duration // whole-request timeout, 0 for none
	MaxRedirects int           // 0 means 10
	AllowPrivate bool          // permit loopback and private destinations
}

// Client is an http.Client that validates every request and redirect
type Client struct {
	*http.Client
	allowPrivate bool
}

// New creates a Client
func New(opts Options) *Client {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	c := &Client{
		Client:       &http.Client{Timeout: opts.Timeout},
		allowPrivate: opts.AllowPrivate,
	}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		return errors.Wrap(c.check(req.URL), "redirect blocked")
	}

	if !opts.AllowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// resolve here so a name cannot rebind to a private address after the URL check
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if !Public(ip) {
						return nil, errors.Mark(errors.Newf("%s resolves to non-public address %s", host, ip), ErrBlocked)
					}
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return c
}

// Validate parses rawURL and checks it against the client's policy
func (c *Client) Validate(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid URL"), ErrBlocked)
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	if !slices.Contains([]string{"http", "https"}, strings.ToLower(u.Scheme)) {
		return errors.Mark(errors.Newf("scheme %q not allowed", u.Scheme), ErrBlocked)
	}
	if u.User != nil {
		return errors.Mark(errors.New("URL must not carry credentials"), ErrBlocked)
	}
	host := u.Hostname()
	if host == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if c.allowPrivate {
		return nil
	}

	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.Mark(errors.Newf("host %q is local", host), ErrBlocked)
	}
	if ip, err := netip.ParseAddr(host); err == nil && !Public(ip) {
		return errors.Mark(errors.Newf("address %s is not public", ip), ErrBlocked)
	}
	return nil
}

// Do validates req before sending it
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"), // documentation
	netip.MustParsePrefix("fec0::/10"),     // site-local
}

// Public reports whether ip is a routable unicast address
func Public(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() || ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() ||
		ip.IsInterfaceLocalMulticast() {
		return false
	}
	for _, p := range reserved {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}
