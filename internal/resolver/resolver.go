// Package resolver turns a promotion trigger (a tag push or an ad-hoc digest
// build) into the image reference to deploy and the highest environment the
// promotion is allowed to reach.
package resolver

import (
	"fmt"
	"strings"
)

// Defaults used when Options leaves a field empty.
const (
	// TagRefPrefix marks a ref as a tag push.
	TagRefPrefix = "refs/tags/"

	// DefaultRegistry is the image registry services are published to.
	DefaultRegistry = "ghcr.io/profianinc"

	// DefaultRCMarker is the substring that identifies a release candidate.
	DefaultRCMarker = "-rc"

	// DigestVersionPrefix prefixes the version label of digest builds.
	DigestVersionPrefix = "digest:"
)

// Trigger describes what started a promotion run.
type Trigger struct {
	Service string // Service name, e.g. "steward"
	Ref     string // Tag ref ("refs/tags/v1.2.0") or plain ref ("refs/heads/main")
	Digest  string // Image digest, only consulted when Ref is not a tag
}

// Options controls how triggers map onto images.
type Options struct {
	Registry string // Registry host and namespace (default: DefaultRegistry)
	RCMarker string // Release candidate marker (default: DefaultRCMarker)
}

func (o Options) registry() string {
	if o.Registry == "" {
		return DefaultRegistry
	}
	return strings.TrimSuffix(o.Registry, "/")
}

func (o Options) rcMarker() string {
	if o.RCMarker == "" {
		return DefaultRCMarker
	}
	return o.RCMarker
}

// Resolution is the outcome of classifying a trigger.
type Resolution struct {
	Service  string      `json:"service"`
	Version  string      `json:"version"`   // Human label: tag name or "digest:<digest>"
	ImageRef string      `json:"image_ref"` // Fully qualified pull reference
	Highest  Environment `json:"highest_environment"`
	Tagged   bool        `json:"tagged"`
}

// InvalidTriggerError reports a trigger that cannot be promoted.
type InvalidTriggerError struct {
	Trigger Trigger
	Reason  string
}

func (e *InvalidTriggerError) Error() string {
	return fmt.Sprintf("invalid trigger (ref %q, digest %q): %s", e.Trigger.Ref, e.Trigger.Digest, e.Reason)
}

// IsTag reports whether ref names a tag.
func IsTag(ref string) bool {
	return strings.HasPrefix(ref, TagRefPrefix)
}

// Resolve classifies t. It has no side effects.
//
// Tags resolve to "<registry>/<service>:<tag>" and may reach production, or
// only staging when the tag carries the release candidate marker. Anything
// else is a digest build: "<registry>/<service>@<digest>", confined to testing.
func Resolve(t Trigger, opts Options) (*Resolution, error) {
	service := strings.TrimSpace(t.Service)
	if service == "" {
		return nil, &InvalidTriggerError{Trigger: t, Reason: "service name is empty"}
	}

	if IsTag(t.Ref) {
		version := strings.TrimSpace(strings.TrimPrefix(t.Ref, TagRefPrefix))
		if version == "" {
			return nil, &InvalidTriggerError{Trigger: t, Reason: "tag name is empty"}
		}
		highest := Production
		if strings.Contains(version, opts.rcMarker()) {
			highest = Staging
		}
		return &Resolution{
			Service:  service,
			Version:  version,
			ImageRef: fmt.Sprintf("%s/%s:%s", opts.registry(), service, version),
			Highest:  highest,
			Tagged:   true,
		}, nil
	}

	digest := strings.TrimSpace(t.Digest)
	if digest == "" {
		return nil, &InvalidTriggerError{Trigger: t, Reason: "ref is not a tag and no image digest was supplied"}
	}
	return &Resolution{
		Service:  service,
		Version:  DigestVersionPrefix + digest,
		ImageRef: fmt.Sprintf("%s/%s@%s", opts.registry(), service, digest),
		Highest:  Testing,
	}, nil
}
