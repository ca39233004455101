// internal/rules/fieldpath.go
package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

/*
 * Object path resolution for fact values.
 *
 * Conditions may carry a path ("$.profile.addresses[0].city") selecting a
 * sub-value of an object-like fact result. The default PathResolver parses
 * the path into segments and walks maps and slices. Values of other kinds
 * (structs, typed maps) are normalized through encoding/json first so that
 * struct json tags are honored.
 *
 * Path grammar (JSONPath subset):
 *   $            optional root
 *   .key         object key
 *   ['key']      quoted object key (may contain dots)
 *   [n]          array index
 *   [*] or .*    wildcard: first match wins (ANY semantics)
 *
 * Wildcard semantics: objects are visited in sorted key order so that
 * resolution is deterministic.
 *
 * Missing segments resolve to nil without error.
 */

// PathResolver extracts the sub-value of value addressed by path.
type PathResolver func(value any, path string) (any, error)

// PathSegment represents one component of a parsed path.
type PathSegment struct {
	Key      string // object key (mutually exclusive with Index/Wildcard)
	Index    int    // array index (mutually exclusive with Key/Wildcard)
	IsIndex  bool   // disambiguates Index=0 from unset
	Wildcard bool   // true = wildcard segment
}

// MaxPathDepth bounds the number of segments in a path.
const MaxPathDepth = 32

// ResolvePath is the default PathResolver.
func ResolvePath(value any, path string) (any, error) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	v, found := resolveRecursive(segments, normalize(value))
	if !found {
		return nil, nil
	}
	return v, nil
}

// ParsePath splits path into segments.
func ParsePath(path string) ([]PathSegment, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	var segments []PathSegment
	for len(p) > 0 {
		switch p[0] {
		case '.':
			p = p[1:]
			end := strings.IndexAny(p, ".[")
			if end < 0 {
				end = len(p)
			}
			key := p[:end]
			if key == "" {
				return nil, fmt.Errorf("path %q: empty key", path)
			}
			if key == "*" {
				segments = append(segments, PathSegment{Wildcard: true})
			} else {
				segments = append(segments, PathSegment{Key: key})
			}
			p = p[end:]
		case '[':
			end := strings.IndexByte(p, ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unterminated bracket", path)
			}
			inner := strings.TrimSpace(p[1:end])
			switch {
			case inner == "*":
				segments = append(segments, PathSegment{Wildcard: true})
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
				segments = append(segments, PathSegment{Key: inner[1 : len(inner)-1]})
			default:
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("path %q: invalid index %q", path, inner)
				}
				segments = append(segments, PathSegment{Index: idx, IsIndex: true})
			}
			p = p[end+1:]
		default:
			// bare leading key ("profile.age") is accepted as ".profile.age"
			if len(segments) == 0 {
				p = "." + p
				continue
			}
			return nil, fmt.Errorf("path %q: unexpected %q", path, p[0])
		}
		if len(segments) > MaxPathDepth {
			return nil, fmt.Errorf("path %q: exceeds maximum depth %d", path, MaxPathDepth)
		}
	}
	return segments, nil
}

// normalize converts non-JSON-shaped containers (structs, typed maps and
// slices) to map[string]any / []any.
func normalize(v any) any {
	switch v.(type) {
	case map[string]any, []any, nil:
		return v
	}
	kind := reflect.ValueOf(v).Kind()
	if kind != reflect.Struct && kind != reflect.Ptr && kind != reflect.Map && kind != reflect.Slice && kind != reflect.Array {
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// resolveRecursive traverses nested structures following path segments.
// Returns first match for wildcards (ANY semantics).
func resolveRecursive(path []PathSegment, current any) (any, bool) {
	if len(path) == 0 {
		return current, true
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		if seg.Wildcard {
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				if result, ok := resolveRecursive(remaining, v[key]); ok {
					return result, true
				}
			}
			return nil, false
		}
		if seg.IsIndex {
			return nil, false
		}
		val, ok := v[seg.Key]
		if !ok {
			return nil, false
		}
		return resolveRecursive(remaining, val)

	case []any:
		if seg.Wildcard {
			for _, elem := range v {
				if result, ok := resolveRecursive(remaining, elem); ok {
					return result, true
				}
			}
			return nil, false
		}
		if !seg.IsIndex || seg.Index >= len(v) {
			return nil, false
		}
		return resolveRecursive(remaining, v[seg.Index])

	default:
		// Scalar or null value but path continues
		return nil, false
	}
}
