package router

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mealhub/gateway/config"
)

// Target is an upstream origin.
type Target struct {
	Scheme string
	Host   string
	Port   int
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns scheme://host:port.
func (t Target) URL() string {
	return t.Scheme + "://" + t.Addr()
}

func (t Target) String() string {
	return t.URL()
}

// TargetSource records which rule produced a target.
type TargetSource string

const (
	SourceOverride    TargetSource = "env-override"
	SourceConfigured  TargetSource = "config-url"
	SourceContainer   TargetSource = "docker"
	SourceDevelopment TargetSource = "localhost"
	SourceDefault     TargetSource = "service-name"
)

// ServiceEnvVar returns the override variable for a service name,
// e.g. "order" -> "ORDER_SERVICE_URL".
func ServiceEnvVar(name string) string {
	n := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return n + "_SERVICE_URL"
}

// ResolveTarget derives the upstream origin for svc without network I/O.
// Precedence: <NAME>_SERVICE_URL, the configured url, the container
// network, localhost in development, then the service host name.
func ResolveTarget(svc config.ServiceConfig, env config.EnvironmentConfig, lookup config.LookupFunc) (Target, TargetSource, error) {
	if lookup != nil {
		if raw, ok := lookup(ServiceEnvVar(svc.Name)); ok && raw != "" {
			t, err := parseTargetURL(raw)
			if err != nil {
				return Target{}, "", fmt.Errorf("%s: %w", ServiceEnvVar(svc.Name), err)
			}
			return t, SourceOverride, nil
		}
	}

	if svc.URL != "" {
		t, err := parseTargetURL(svc.URL)
		if err != nil {
			return Target{}, "", fmt.Errorf("service %s url: %w", svc.Name, err)
		}
		return t, SourceConfigured, nil
	}

	scheme := svc.Scheme
	if scheme == "" {
		scheme = "http"
	}

	switch {
	case env.Docker:
		return Target{Scheme: scheme, Host: svc.HostName(), Port: svc.Port}, SourceContainer, nil
	case env.IsDevelopment():
		return Target{Scheme: scheme, Host: "localhost", Port: svc.Port}, SourceDevelopment, nil
	default:
		return Target{Scheme: scheme, Host: svc.HostName(), Port: svc.Port}, SourceDefault, nil
	}
}

func parseTargetURL(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("invalid url %q: host is required", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return Target{}, fmt.Errorf("invalid url %q: path is not supported", raw)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("invalid url %q: bad port", raw)
		}
	}

	return Target{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

// Resolved pairs an entry with how its target was chosen.
type Resolved struct {
	Entry  Entry
	Source TargetSource
}

// BuildTable resolves every configured service into a route table.
func BuildTable(cfg *config.Config, lookup config.LookupFunc) (*Table, []Resolved, error) {
	entries := make([]Entry, 0, len(cfg.Services))
	resolved := make([]Resolved, 0, len(cfg.Services))

	for _, svc := range cfg.Services {
		target, source, err := ResolveTarget(svc, cfg.Environment, lookup)
		if err != nil {
			return nil, nil, err
		}
		class, err := ParseRateLimitClass(svc.RateLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}

		e := Entry{
			Name:           svc.Name,
			Prefix:         svc.Prefix,
			Target:         target,
			AuthRequired:   svc.Auth,
			RateLimitClass: class,
			WebSocket:      svc.WebSocketEnabled(),
		}
		entries = append(entries, e)
		resolved = append(resolved, Resolved{Entry: e, Source: source})
	}

	table, err := NewTable(entries)
	if err != nil {
		return nil, nil, err
	}
	return table, resolved, nil
}
