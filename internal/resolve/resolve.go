// Package resolve turns target expressions into scannable IP addresses.
// An expression is a comma-separated list of IP literals, CIDR networks,
// and hostnames. Hostnames go through a configurable nameserver or the
// system resolver; CIDR networks expand with the usual network and
// broadcast exclusions.
package resolve

import (
	"context"
	"math/bits"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/okvist/portsweep/internal/errors"
	"github.com/okvist/portsweep/internal/logging"
	"github.com/okvist/portsweep/internal/metrics"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultMaxCIDRHosts = 65536
	hostBitsThreshold   = 31
)

// Config holds resolver settings.
type Config struct {
	// Nameserver is the DNS server to query (host:port). Empty means the
	// system resolver.
	Nameserver string
	// Timeout bounds each lookup.
	Timeout time.Duration
	// MaxCIDRHosts caps how many hosts a single CIDR expression may expand
	// to, protecting against an accidental /8.
	MaxCIDRHosts int
}

// Resolver resolves target expressions.
type Resolver struct {
	config Config
	client *dns.Client
	logger *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for resolution events.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a resolver with the given settings. Zero values fall back to
// defaults.
func New(config Config, opts ...Option) *Resolver {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxCIDRHosts <= 0 {
		config.MaxCIDRHosts = defaultMaxCIDRHosts
	}

	r := &Resolver{
		config: config,
		client: &dns.Client{Timeout: config.Timeout},
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Targets resolves a comma-separated target expression into a deduplicated
// address list that preserves first-mention order.
func (r *Resolver) Targets(ctx context.Context, expr string) ([]net.IP, error) {
	m := metrics.GetGlobalMetrics()

	tokens := splitTokens(expr)
	if len(tokens) == 0 {
		return nil, errors.ErrNoTargets()
	}

	var out []net.IP
	seen := make(map[string]struct{})
	add := func(ip net.IP) {
		key := ip.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, ip)
	}

	for _, token := range tokens {
		switch {
		case net.ParseIP(token) != nil:
			m.IncrementResolutions("literal", "success")
			add(net.ParseIP(token))

		case strings.Contains(token, "/"):
			ips, err := r.expandCIDR(token)
			if err != nil {
				m.IncrementResolutions("cidr", "error")
				return nil, err
			}
			m.IncrementResolutions("cidr", "success")
			for _, ip := range ips {
				add(ip)
			}

		default:
			ips, err := r.lookupHost(ctx, token)
			if err != nil {
				m.IncrementResolutions("hostname", "error")
				r.logger.ErrorResolve("Failed to resolve hostname", token, err)
				return nil, err
			}
			m.IncrementResolutions("hostname", "success")
			for _, ip := range ips {
				add(ip)
			}
		}
	}

	if len(out) == 0 {
		return nil, errors.ErrNoTargets()
	}

	m.IncrementTargetsResolved(len(out))
	return out, nil
}

func splitTokens(expr string) []string {
	var tokens []string
	for _, part := range strings.Split(expr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	return tokens
}

// expandCIDR lists the host addresses of a network. The network and
// broadcast addresses are skipped except for /31 and /32, which have no
// such addresses to skip.
func (r *Resolver) expandCIDR(token string) ([]net.IP, error) {
	_, ipnet, err := net.ParseCIDR(token)
	if err != nil {
		return nil, errors.ErrTargetInvalid(token)
	}

	ones, maskBits := ipnet.Mask.Size()
	hostBits := maskBits - ones
	// 1<<hostBits overflows int for wide IPv6 prefixes, so compare
	// exponents: 2^hostBits > cap iff hostBits >= bits.Len(cap).
	if hostBits >= bits.Len(uint(r.config.MaxCIDRHosts)) {
		return nil, errors.NewResolveError(errors.CodeTargetInvalid,
			"network expands beyond the configured host cap", token)
	}

	skipEdges := maskBits == 32 && ones < hostBitsThreshold

	var ips []net.IP
	for ip := ipnet.IP.Mask(ipnet.Mask); ipnet.Contains(ip); ip = nextIP(ip) {
		out := make(net.IP, len(ip))
		copy(out, ip)
		ips = append(ips, out)
	}

	if skipEdges && len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}
	return ips, nil
}

// nextIP returns the address immediately after ip.
func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// lookupHost resolves a hostname to its addresses. With a configured
// nameserver the lookup queries A and AAAA records directly; otherwise the
// system resolver handles it.
func (r *Resolver) lookupHost(ctx context.Context, name string) ([]net.IP, error) {
	if r.config.Nameserver == "" {
		return r.lookupSystem(ctx, name)
	}

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), qtype)

		resp, _, err := r.client.ExchangeContext(ctx, msg, r.config.Nameserver)
		if err != nil {
			return nil, errors.WrapResolveError(errors.CodeResolveFailed,
				"nameserver query failed", name, err)
		}
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				ips = append(ips, record.A)
			case *dns.AAAA:
				ips = append(ips, record.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, errors.NewResolveError(errors.CodeResolveFailed,
			"hostname has no addresses", name)
	}
	return ips, nil
}

func (r *Resolver) lookupSystem(ctx context.Context, name string) ([]net.IP, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, name)
	if err != nil {
		return nil, errors.WrapResolveError(errors.CodeResolveFailed,
			"hostname lookup failed", name, err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}
