package proxy

import (
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/xerrors"
)

// TunnelPolicy decides whether a CONNECT tunnel is terminated and inspected
// or relayed opaquely. Patterns are globs over host names with '.' as the
// separator: "*" matches within one label, "**" across labels. A leading
// "*." or "**." also matches the bare domain.
type TunnelPolicy struct {
	// Intercept enables TLS termination. False relays every tunnel.
	Intercept bool
	// BypassDomains are always relayed.
	BypassDomains []string
	// OnlyDomains, when non-empty, limits interception to matching hosts.
	OnlyDomains []string
	// RejectNonTLS closes intercepted tunnels whose client does not start
	// with a TLS handshake. Otherwise such tunnels are relayed to the origin.
	RejectNonTLS bool
}

type domainMatcher []glob.Glob

// ValidateDomainPattern reports whether pattern can be used in a
// TunnelPolicy domain list.
func ValidateDomainPattern(pattern string) error {
	_, err := compilePattern(pattern)
	return err
}

func compilePattern(pattern string) ([]glob.Glob, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return nil, xerrors.New("empty domain pattern")
	}
	if strings.ContainsAny(p, " /:@") {
		return nil, xerrors.Errorf("invalid domain pattern %q", pattern)
	}

	g, err := glob.Compile(p, '.')
	if err != nil {
		return nil, xerrors.Errorf("invalid domain pattern %q: %w", pattern, err)
	}
	globs := []glob.Glob{g}

	for _, prefix := range []string{"**.", "*."} {
		if bare, ok := strings.CutPrefix(p, prefix); ok {
			if bare == "" {
				return nil, xerrors.Errorf("invalid domain pattern %q", pattern)
			}
			bg, err := glob.Compile(bare, '.')
			if err != nil {
				return nil, xerrors.Errorf("invalid domain pattern %q: %w", pattern, err)
			}
			globs = append(globs, bg)
			break
		}
	}
	return globs, nil
}

func newDomainMatcher(patterns []string) (domainMatcher, error) {
	var m domainMatcher
	for _, p := range patterns {
		globs, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		m = append(m, globs...)
	}
	return m, nil
}

func (m domainMatcher) match(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, g := range m {
		if g.Match(host) {
			return true
		}
	}
	return false
}

type compiledPolicy struct {
	intercept    bool
	rejectNonTLS bool
	bypass       domainMatcher
	only         domainMatcher
}

func compilePolicy(p TunnelPolicy) (*compiledPolicy, error) {
	bypass, err := newDomainMatcher(p.BypassDomains)
	if err != nil {
		return nil, xerrors.Errorf("bypass domains: %w", err)
	}
	only, err := newDomainMatcher(p.OnlyDomains)
	if err != nil {
		return nil, xerrors.Errorf("only domains: %w", err)
	}
	return &compiledPolicy{
		intercept:    p.Intercept,
		rejectNonTLS: p.RejectNonTLS,
		bypass:       bypass,
		only:         only,
	}, nil
}

// shouldIntercept applies the policy to a CONNECT target host (no port).
func (c *compiledPolicy) shouldIntercept(host string) bool {
	if !c.intercept {
		return false
	}
	if c.bypass.match(host) {
		return false
	}
	if len(c.only) > 0 && !c.only.match(host) {
		return false
	}
	return true
}
