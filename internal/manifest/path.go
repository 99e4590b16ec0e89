package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// ImageField is the container image of a Deployment patch.
const ImageField = "spec.template.spec.containers[0].image"

// segment is one hop of a FieldPath: a mapping key, optionally followed by
// sequence indexes.
type segment struct {
	Key     string
	Indexes []int
}

// FieldPath addresses a scalar inside a document, e.g.
// "spec.template.spec.containers[0].image".
type FieldPath struct {
	raw      string
	segments []segment
}

func (p FieldPath) String() string { return p.raw }

// ParseFieldPath parses a dotted path with optional [n] indexes.
func ParseFieldPath(s string) (FieldPath, error) {
	if strings.TrimSpace(s) == "" {
		return FieldPath{}, fmt.Errorf("empty field path")
	}
	p := FieldPath{raw: s}
	for _, part := range strings.Split(s, ".") {
		seg, err := parseSegment(part)
		if err != nil {
			return FieldPath{}, fmt.Errorf("field path %q: %w", s, err)
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

// MustParseFieldPath is ParseFieldPath for constant paths.
func MustParseFieldPath(s string) FieldPath {
	p, err := ParseFieldPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(part string) (segment, error) {
	key := part
	var indexes []int
	if i := strings.IndexByte(part, '['); i >= 0 {
		key = part[:i]
		rest := part[i:]
		for rest != "" {
			if rest[0] != '[' {
				return segment{}, fmt.Errorf("unexpected %q after index", rest)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return segment{}, fmt.Errorf("unterminated index in %q", part)
			}
			n, err := strconv.Atoi(rest[1:end])
			if err != nil || n < 0 {
				return segment{}, fmt.Errorf("bad index %q in %q", rest[1:end], part)
			}
			indexes = append(indexes, n)
			rest = rest[end+1:]
		}
	}
	if key == "" {
		return segment{}, fmt.Errorf("empty key in %q", part)
	}
	return segment{Key: key, Indexes: indexes}, nil
}
