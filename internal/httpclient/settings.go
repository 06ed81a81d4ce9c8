package httpclient

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DNSMode selects how host names are resolved.
type DNSMode string

const (
	DNSSystem                    DNSMode = "system"
	DNSDigitalSocietySwitzerland DNSMode = "digital-society-switzerland-doh"
	DNSQuad9                     DNSMode = "quad9-doh"
	DNSCloudflare                DNSMode = "cloudflare-doh"
	DNSGoogle                    DNSMode = "google-doh"
	DNSCustom                    DNSMode = "custom"
	DNSOff                       DNSMode = "off"
)

// DoHServer is a DNS-over-HTTPS endpoint plus the addresses used to reach it
// without a prior lookup.
type DoHServer struct {
	URL       string
	Bootstrap []string
}

var dohProviders = map[DNSMode]DoHServer{
	DNSDigitalSocietySwitzerland: {
		URL:       "https://dns.digitale-gesellschaft.ch/dns-query",
		Bootstrap: []string{"185.95.218.42", "185.95.218.43", "2a05:fc84::42", "2a05:fc84::43"},
	},
	DNSQuad9: {
		URL:       "https://dns.quad9.net/dns-query",
		Bootstrap: []string{"9.9.9.9", "149.112.112.112"},
	},
	DNSCloudflare: {
		URL:       "https://cloudflare-dns.com/dns-query",
		Bootstrap: []string{"1.1.1.1", "1.0.0.1"},
	},
	DNSGoogle: {
		URL:       "https://dns.google/dns-query",
		Bootstrap: []string{"8.8.8.8", "8.8.4.4"},
	},
}

func ParseDNSMode(s string) (DNSMode, error) {
	switch m := DNSMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DNSSystem, nil
	case DNSSystem, DNSDigitalSocietySwitzerland, DNSQuad9, DNSCloudflare, DNSGoogle, DNSCustom, DNSOff:
		return m, nil
	default:
		return "", fmt.Errorf("unknown dns mode %q", s)
	}
}

// ParseCustomDoH parses "https://host/dns-query;ip;ip...". At least one bootstrap
// address is required.
func ParseCustomDoH(s string) (DoHServer, error) {
	parts := strings.Split(strings.TrimSpace(s), ";")
	if len(parts) < 2 {
		return DoHServer{}, fmt.Errorf("custom dns server %q: want \"url;ip[;ip...]\"", s)
	}
	u, err := url.Parse(strings.TrimSpace(parts[0]))
	if err != nil || u.Host == "" {
		return DoHServer{}, fmt.Errorf("custom dns server %q: invalid url", s)
	}
	if u.Scheme != "https" {
		return DoHServer{}, fmt.Errorf("custom dns server %q: url must use https", s)
	}
	srv := DoHServer{URL: u.String()}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if net.ParseIP(p) == nil {
			return DoHServer{}, fmt.Errorf("custom dns server %q: invalid address %q", s, p)
		}
		srv.Bootstrap = append(srv.Bootstrap, p)
	}
	return srv, nil
}

// ProxyType is the proxy protocol.
type ProxyType string

const (
	ProxyHTTP  ProxyType = "HTTP"
	ProxySOCKS ProxyType = "SOCKS"
)

type Proxy struct {
	Type     ProxyType
	Host     string
	Port     int
	User     string
	Password string
}

// ParseProxy parses "TYPE;host;port" or "TYPE;host;port;user;password".
// An empty string means no proxy.
func ParseProxy(s string) (*Proxy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	if len(parts) != 3 && len(parts) != 5 {
		return nil, fmt.Errorf("proxy %q: want 3 or 5 fields separated by ';'", s)
	}
	p := &Proxy{Type: ProxyType(strings.ToUpper(parts[0])), Host: parts[1]}
	if p.Type != ProxyHTTP && p.Type != ProxySOCKS {
		return nil, fmt.Errorf("proxy %q: unknown type %q", s, parts[0])
	}
	if p.Host == "" {
		return nil, fmt.Errorf("proxy %q: empty host", s)
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("proxy %q: invalid port %q", s, parts[2])
	}
	p.Port = port
	if len(parts) == 5 {
		p.User, p.Password = parts[3], parts[4]
	}
	return p, nil
}

// URL renders the proxy in the form net/http understands.
func (p *Proxy) URL() *url.URL {
	scheme := "http"
	if p.Type == ProxySOCKS {
		scheme = "socks5"
	}
	u := &url.URL{Scheme: scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u
}

// Settings configures a Client.
type Settings struct {
	DNS       DNSMode
	CustomDNS string
	Proxy     string

	TrustUserCAs bool
	UserCAFile   string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	CallTimeout    time.Duration

	// Retries is the number of extra attempts for idempotent API requests.
	Retries      int
	RetryInitial time.Duration

	UserAgent string
}

func DefaultSettings() Settings {
	return Settings{
		DNS:            DNSSystem,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		CallTimeout:    60 * time.Second,
		Retries:        2,
		RetryInitial:   500 * time.Millisecond,
		UserAgent:      "apkfetch/dev",
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.DNS == "" {
		s.DNS = d.DNS
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = d.CallTimeout
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	if s.RetryInitial <= 0 {
		s.RetryInitial = d.RetryInitial
	}
	if s.UserAgent == "" {
		s.UserAgent = d.UserAgent
	}
	return s
}
