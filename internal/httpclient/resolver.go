package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	dnsMessageType   = "application/dns-message"
	maxDNSResponse   = 64 << 10
	minAnswerTTL     = 30 * time.Second
	maxAnswerTTL     = 10 * time.Minute
	lookupCacheSweep = 10 * time.Minute
)

// Resolver maps a host name to IP addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type systemResolver struct{}

func (systemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// loopbackResolver answers every query with 127.0.0.1, which makes all outgoing
// connections fail fast.
type loopbackResolver struct{}

func (loopbackResolver) LookupHost(context.Context, string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

// DoHResolver resolves names with RFC 8484 wire-format queries sent over HTTPS.
type DoHResolver struct {
	server DoHServer
	client *http.Client
	cache  *gocache.Cache
}

// NewDoHResolver returns a resolver for srv. The DoH host itself is reached
// through srv.Bootstrap so no system lookup takes place.
func NewDoHResolver(srv DoHServer, tlsConfig *tls.Config, connectTimeout time.Duration) (*DoHResolver, error) {
	u, err := url.Parse(srv.URL)
	if err != nil {
		return nil, fmt.Errorf("parse doh url: %w", err)
	}
	if len(srv.Bootstrap) == 0 {
		return nil, fmt.Errorf("doh server %s has no bootstrap addresses", u.Host)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		TLSClientConfig:   tlsConfig,
		ForceAttemptHTTP2: true,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialFirst(ctx, dialer, network, srv.Bootstrap, port)
		},
	}
	return &DoHResolver{
		server: srv,
		client: &http.Client{Transport: transport, Timeout: 2 * connectTimeout},
		cache:  gocache.New(minAnswerTTL, lookupCacheSweep),
	}, nil
}

func (r *DoHResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	if cached, ok := r.cache.Get(host); ok {
		return cached.([]string), nil
	}

	var (
		addrs  []string
		errs   *multierror.Error
		minTTL = maxAnswerTTL
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, ttl, err := r.query(ctx, host, qtype)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
		if len(found) > 0 && ttl < minTTL {
			minTTL = ttl
		}
	}
	if len(addrs) == 0 {
		if err := errs.ErrorOrNil(); err != nil {
			return nil, fmt.Errorf("resolve %s via %s: %w", host, r.server.URL, err)
		}
		return nil, fmt.Errorf("resolve %s via %s: no addresses", host, r.server.URL)
	}
	if minTTL < minAnswerTTL {
		minTTL = minAnswerTTL
	}
	r.cache.Set(host, addrs, minTTL)
	return addrs, nil
}

func (r *DoHResolver) query(ctx context.Context, host string, qtype uint16) ([]string, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.Id = 0
	packed, err := msg.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("pack %s query: %w", dns.TypeToString[qtype], err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.server.URL, bytes.NewReader(packed))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("doh server returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDNSResponse))
	if err != nil {
		return nil, 0, fmt.Errorf("read doh response: %w", err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, 0, fmt.Errorf("unpack doh response: %w", err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[reply.Rcode])
	}

	var (
		addrs []string
		ttl   = maxAnswerTTL
	)
	for _, rr := range reply.Answer {
		switch v := rr.(type) {
		case *dns.A:
			addrs = append(addrs, v.A.String())
		case *dns.AAAA:
			addrs = append(addrs, v.AAAA.String())
		default:
			continue
		}
		if t := time.Duration(rr.Header().Ttl) * time.Second; t < ttl {
			ttl = t
		}
	}
	return addrs, ttl, nil
}

// dialFirst tries addrs in order and returns the first connection that succeeds.
func dialFirst(ctx context.Context, dialer *net.Dialer, network string, addrs []string, port string) (net.Conn, error) {
	var errs *multierror.Error
	for _, ip := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		log.WithField("addr", ip).Debugf("dial failed: %v", err)
		errs = multierror.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no addresses to dial")
}

// resolvingDialer returns a DialContext that resolves the target host through r.
func resolvingDialer(r Resolver, dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := r.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return dialFirst(ctx, dialer, network, addrs, port)
	}
}

func newResolver(s Settings, tlsConfig *tls.Config) (Resolver, error) {
	switch s.DNS {
	case DNSSystem, "":
		return systemResolver{}, nil
	case DNSOff:
		return loopbackResolver{}, nil
	case DNSCustom:
		srv, err := ParseCustomDoH(s.CustomDNS)
		if err != nil {
			return nil, err
		}
		return NewDoHResolver(srv, tlsConfig, s.ConnectTimeout)
	default:
		srv, ok := dohProviders[s.DNS]
		if !ok {
			return nil, fmt.Errorf("unknown dns mode %q", s.DNS)
		}
		return NewDoHResolver(srv, tlsConfig, s.ConnectTimeout)
	}
}
