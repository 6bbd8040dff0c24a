package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EgressKind selects how outbound connections are made through an egress.
type EgressKind string

const (
	EgressDirect     EgressKind = "direct"
	EgressHTTPProxy  EgressKind = "http"
	EgressSOCKSProxy EgressKind = "socks5"
)

// Egress is an outbound network identity.
type Egress struct {
	ID           string     `json:"id" yaml:"id"`
	Address      string     `json:"address" yaml:"address"`
	Kind         EgressKind `json:"kind" yaml:"kind"`
	IsAlive      bool       `json:"is_alive" yaml:"-"`
	FailCount    int        `json:"fail_count" yaml:"-"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty" yaml:"-"`
	LastFailedAt *time.Time `json:"last_failed_at,omitempty" yaml:"-"`
}

// ResolveEgressKind derives the kind from an address. An empty address is a direct egress;
// a bare host:port is treated as an HTTP proxy.
func ResolveEgressKind(address string) (EgressKind, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return EgressDirect, nil
	}
	if !strings.Contains(address, "://") {
		return EgressHTTPProxy, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse egress address %q: %w", address, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return EgressHTTPProxy, nil
	case "socks5", "socks5h", "socks":
		return EgressSOCKSProxy, nil
	case "direct":
		return EgressDirect, nil
	default:
		return "", fmt.Errorf("unsupported egress scheme %q", u.Scheme)
	}
}
