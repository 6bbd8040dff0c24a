package proxypool

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"relentless-harvester/internal/models"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// NewHTTPClient returns a client that sends every request through the egress.
// Connect and response-header timeouts are explicit so a hung proxy releases its worker.
func NewHTTPClient(e models.Egress, connectTimeout, requestTimeout time.Duration) (*http.Client, error) {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: requestTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}

	switch e.Kind {
	case models.EgressDirect, "":
	case models.EgressHTTPProxy:
		u, err := proxyURL(e.Address, "http")
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(u)
	case models.EgressSOCKSProxy:
		u, err := proxyURL(e.Address, "socks5")
		if err != nil {
			return nil, err
		}
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		socks, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", e.ID, err)
		}
		ctxDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", e.ID)
		}
		transport.DialContext = ctxDialer.DialContext
	default:
		return nil, fmt.Errorf("egress %s: unsupported kind %q", e.ID, e.Kind)
	}

	return &http.Client{Transport: transport, Timeout: requestTimeout}, nil
}

func proxyURL(address, defaultScheme string) (*url.URL, error) {
	if !strings.Contains(address, "://") {
		address = defaultScheme + "://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse egress address %q: %w", address, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("egress address %q has no host", address)
	}
	return u, nil
}
