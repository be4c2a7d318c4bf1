package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDomainPattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{pattern: "example.com"},
		{pattern: "*.example.com"},
		{pattern: "**.example.com"},
		{pattern: "api-?.example.com"},
		{pattern: "{a,b}.example.com"},
		{pattern: "", wantErr: true},
		{pattern: "   ", wantErr: true},
		{pattern: "*.", wantErr: true},
		{pattern: "example.com:443", wantErr: true},
		{pattern: "https://example.com", wantErr: true},
		{pattern: "user@example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidateDomainPattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDomainMatcher(t *testing.T) {
	m, err := newDomainMatcher([]string{"*.example.com", "**.internal", "Exact.ORG"})
	require.NoError(t, err)

	tests := []struct {
		host string
		want bool
	}{
		{host: "example.com", want: true},
		{host: "www.example.com", want: true},
		{host: "WWW.Example.COM.", want: true},
		{host: "a.b.example.com", want: false},
		{host: "notexample.com", want: false},
		{host: "internal", want: true},
		{host: "db.internal", want: true},
		{host: "a.b.internal", want: true},
		{host: "exact.org", want: true},
		{host: "sub.exact.org", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, m.match(tt.host))
		})
	}
}

func TestCompiledPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy TunnelPolicy
		host   string
		want   bool
	}{
		{name: "disabled", policy: TunnelPolicy{}, host: "example.com", want: false},
		{name: "enabled", policy: TunnelPolicy{Intercept: true}, host: "example.com", want: true},
		{
			name:   "bypassed",
			policy: TunnelPolicy{Intercept: true, BypassDomains: []string{"*.bank.com"}},
			host:   "www.bank.com",
			want:   false,
		},
		{
			name:   "only matches",
			policy: TunnelPolicy{Intercept: true, OnlyDomains: []string{"*.example.com"}},
			host:   "api.example.com",
			want:   true,
		},
		{
			name:   "only misses",
			policy: TunnelPolicy{Intercept: true, OnlyDomains: []string{"*.example.com"}},
			host:   "other.com",
			want:   false,
		},
		{
			name: "bypass wins over only",
			policy: TunnelPolicy{
				Intercept:     true,
				OnlyDomains:   []string{"**.example.com"},
				BypassDomains: []string{"login.example.com"},
			},
			host: "login.example.com",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := compilePolicy(tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.shouldIntercept(tt.host))
		})
	}
}

func TestCompilePolicyErrors(t *testing.T) {
	_, err := compilePolicy(TunnelPolicy{BypassDomains: []string{"bad:pattern"}})
	assert.ErrorContains(t, err, "bypass domains")

	_, err = compilePolicy(TunnelPolicy{OnlyDomains: []string{""}})
	assert.ErrorContains(t, err, "only domains")
}
