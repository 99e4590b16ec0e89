package resolver_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/profianinc/promote/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		trigger     resolver.Trigger
		opts        resolver.Options
		wantVersion string
		wantImage   string
		wantHighest resolver.Environment
		wantTagged  bool
	}{
		{
			name:        "release tag reaches production",
			trigger:     resolver.Trigger{Service: "steward", Ref: "refs/tags/v2.3.0"},
			wantVersion: "v2.3.0",
			wantImage:   "ghcr.io/profianinc/steward:v2.3.0",
			wantHighest: resolver.Production,
			wantTagged:  true,
		},
		{
			name:        "release candidate stops at staging",
			trigger:     resolver.Trigger{Service: "steward", Ref: "refs/tags/v2.3.0-rc1"},
			wantVersion: "v2.3.0-rc1",
			wantImage:   "ghcr.io/profianinc/steward:v2.3.0-rc1",
			wantHighest: resolver.Staging,
			wantTagged:  true,
		},
		{
			name:        "digest build is confined to testing",
			trigger:     resolver.Trigger{Service: "steward", Ref: "refs/heads/main", Digest: "abc123"},
			wantVersion: "digest:abc123",
			wantImage:   "ghcr.io/profianinc/steward@abc123",
			wantHighest: resolver.Testing,
		},
		{
			name:        "tag ignores digest",
			trigger:     resolver.Trigger{Service: "steward", Ref: "refs/tags/v1.0.0", Digest: "sha256:ffff"},
			wantVersion: "v1.0.0",
			wantImage:   "ghcr.io/profianinc/steward:v1.0.0",
			wantHighest: resolver.Production,
			wantTagged:  true,
		},
		{
			name:        "custom registry and marker",
			trigger:     resolver.Trigger{Service: "drawbridge", Ref: "refs/tags/v0.4.0-pre.2"},
			opts:        resolver.Options{Registry: "registry.example.com/team/", RCMarker: "-pre"},
			wantVersion: "v0.4.0-pre.2",
			wantImage:   "registry.example.com/team/drawbridge:v0.4.0-pre.2",
			wantHighest: resolver.Staging,
			wantTagged:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(tt.trigger, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got.Version)
			assert.Equal(t, tt.wantImage, got.ImageRef)
			assert.Equal(t, tt.wantHighest, got.Highest)
			assert.Equal(t, tt.wantTagged, got.Tagged)
		})
	}
}

func TestResolve_DigestImageSuffix(t *testing.T) {
	got, err := resolver.Resolve(resolver.Trigger{Service: "foo", Ref: "main", Digest: "abc123"}, resolver.Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got.ImageRef, "@abc123"), "image ref %q", got.ImageRef)
	assert.Equal(t, resolver.Testing, got.Highest)
}

func TestResolve_InvalidTrigger(t *testing.T) {
	tests := []struct {
		name    string
		trigger resolver.Trigger
	}{
		{"empty tag", resolver.Trigger{Service: "foo", Ref: "refs/tags/"}},
		{"blank tag", resolver.Trigger{Service: "foo", Ref: "refs/tags/  "}},
		{"no tag and no digest", resolver.Trigger{Service: "foo", Ref: "refs/heads/main"}},
		{"blank digest", resolver.Trigger{Service: "foo", Ref: "refs/heads/main", Digest: " "}},
		{"nothing at all", resolver.Trigger{Service: "foo"}},
		{"missing service", resolver.Trigger{Ref: "refs/tags/v1.0.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(tt.trigger, resolver.Options{})
			assert.Nil(t, got)
			var invalid *resolver.InvalidTriggerError
			require.True(t, errors.As(err, &invalid), "error = %v", err)
			assert.Equal(t, tt.trigger, invalid.Trigger)
		})
	}
}

func TestChainTo(t *testing.T) {
	tests := []struct {
		highest resolver.Environment
		want    []resolver.Environment
	}{
		{resolver.Testing, []resolver.Environment{resolver.Testing}},
		{resolver.Staging, []resolver.Environment{resolver.Testing, resolver.Staging}},
		{resolver.Production, []resolver.Environment{resolver.Testing, resolver.Staging, resolver.Production}},
	}

	for _, tt := range tests {
		t.Run(string(tt.highest), func(t *testing.T) {
			got, err := resolver.ChainTo(tt.highest)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := resolver.ChainTo("qa")
	assert.Error(t, err)
}

func TestChainTo_DoesNotAliasChain(t *testing.T) {
	got, err := resolver.ChainTo(resolver.Staging)
	require.NoError(t, err)
	got[0] = "mutated"
	again, err := resolver.ChainTo(resolver.Staging)
	require.NoError(t, err)
	assert.Equal(t, resolver.Testing, again[0])
}

func TestCap(t *testing.T) {
	tests := []struct {
		highest, ceiling, want resolver.Environment
	}{
		{resolver.Production, "", resolver.Production},
		{resolver.Production, resolver.Staging, resolver.Staging},
		{resolver.Production, resolver.Testing, resolver.Testing},
		{resolver.Staging, resolver.Production, resolver.Staging},
		{resolver.Testing, resolver.Staging, resolver.Testing},
		{resolver.Staging, resolver.Staging, resolver.Staging},
		{resolver.Staging, "qa", resolver.Staging},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolver.Cap(tt.highest, tt.ceiling), "Cap(%s, %q)", tt.highest, tt.ceiling)
	}
}

func TestParseEnvironment(t *testing.T) {
	env, err := resolver.ParseEnvironment("  Staging ")
	require.NoError(t, err)
	assert.Equal(t, resolver.Staging, env)
	assert.False(t, env.IsProduction())
	assert.True(t, resolver.Production.IsProduction())

	_, err = resolver.ParseEnvironment("prod")
	assert.Error(t, err)
}
