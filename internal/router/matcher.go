package router

import (
	"fmt"
	"strings"
)

// PatternKind orders patterns of equal literal length from most to
// least specific.
type PatternKind int

// Pattern kinds.
const (
	KindExact PatternKind = iota
	KindParam
	KindPrefix
)

// String returns the kind name.
func (k PatternKind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindParam:
		return "param"
	case KindPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

type segment struct {
	literal string
	param   string
}

// Pattern is a compiled route path.
//
// Segments in braces bind a path parameter. A trailing "/*" or "/"
// turns the pattern into a prefix that also matches the bare path.
type Pattern struct {
	raw      string
	kind     PatternKind
	segments []segment

	literalChars    int
	literalSegments int
}

// ParsePattern compiles a route path.
func ParsePattern(raw string) (*Pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", raw)
	}

	p := &Pattern{raw: raw, kind: KindExact}
	trimmed := raw
	switch {
	case raw == "/":
		p.kind = KindPrefix
		return p, nil
	case strings.HasSuffix(raw, "/*"):
		p.kind = KindPrefix
		trimmed = strings.TrimSuffix(raw, "/*")
	case strings.HasSuffix(raw, "/"):
		p.kind = KindPrefix
		trimmed = strings.TrimSuffix(raw, "/")
	}

	seen := make(map[string]bool)
	for _, part := range strings.Split(strings.TrimPrefix(trimmed, "/"), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") && len(part) > 2 {
			name := part[1 : len(part)-1]
			if seen[name] {
				return nil, fmt.Errorf("pattern %q: duplicate parameter %q", raw, name)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{param: name})
			if p.kind == KindExact {
				p.kind = KindParam
			}
			continue
		}
		if strings.ContainsAny(part, "{}*") {
			return nil, fmt.Errorf("pattern %q: malformed segment %q", raw, part)
		}
		p.segments = append(p.segments, segment{literal: part})
		p.literalChars += len(part)
		p.literalSegments++
	}
	return p, nil
}

// Kind returns the pattern kind.
func (p *Pattern) Kind() PatternKind { return p.kind }

// String returns the pattern as configured.
func (p *Pattern) String() string { return p.raw }

// Match reports whether path matches and returns the bound parameters.
func (p *Pattern) Match(path string) (bool, map[string]string) {
	if p.kind == KindExact {
		return path == p.raw, nil
	}

	parts := splitPath(path)
	if len(parts) < len(p.segments) {
		return false, nil
	}
	if p.kind != KindPrefix && len(parts) != len(p.segments) {
		return false, nil
	}

	var params map[string]string
	for i, seg := range p.segments {
		if seg.param == "" {
			if parts[i] != seg.literal {
				return false, nil
			}
			continue
		}
		if parts[i] == "" {
			return false, nil
		}
		if params == nil {
			params = make(map[string]string, len(p.segments))
		}
		params[seg.param] = parts[i]
	}
	return true, params
}

// moreSpecific reports whether p should be tried before o. Longer
// literal text wins across kinds; the kind only breaks ties. An exact
// pattern always has at least as many literal characters as any other
// pattern matching the same path, so it still comes first.
func (p *Pattern) moreSpecific(o *Pattern) (bool, bool) {
	if p.literalChars != o.literalChars {
		return p.literalChars > o.literalChars, true
	}
	if p.kind != o.kind {
		return p.kind < o.kind, true
	}
	if p.literalSegments != o.literalSegments {
		return p.literalSegments > o.literalSegments, true
	}
	return false, false
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
