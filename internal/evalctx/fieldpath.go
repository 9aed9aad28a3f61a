package evalctx

import (
	"sort"
	"strconv"
	"strings"

	"github.com/solatis/serverrules/internal/types"
)

/*
 * Field path resolution over decoded JSON subjects.
 *
 * Paths are written as dotted expressions: "study.modality",
 * "series[0].description", "series[*].modality", "*.value". A wildcard
 * returns the first element that resolves (ANY semantics); object keys are
 * visited in sorted order so the result is deterministic.
 */

// ResolveResult contains the resolved value and the actual path taken.
type ResolveResult struct {
	Value        any                 // resolved value (nil if not found)
	ResolvedPath []types.PathSegment // path with wildcards replaced by actual indices
	Found        bool                // true if path resolved to a value
}

// ParsePath parses a dotted field path expression into segments.
func ParsePath(expr string) ([]types.PathSegment, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, types.ErrInvalidPath
	}

	var path []types.PathSegment
	for _, part := range strings.Split(expr, ".") {
		if part == "" {
			return nil, types.ErrInvalidPath
		}
		key := part
		var brackets string
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, brackets = part[:i], part[i:]
		}
		switch key {
		case "":
		case "*":
			path = append(path, types.PathSegment{Wildcard: true})
		default:
			path = append(path, types.PathSegment{Key: key})
		}
		for brackets != "" {
			end := strings.IndexByte(brackets, ']')
			if brackets[0] != '[' || end < 0 {
				return nil, types.ErrInvalidPath
			}
			inner := brackets[1:end]
			brackets = brackets[end+1:]
			if inner == "*" {
				path = append(path, types.PathSegment{Wildcard: true})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return nil, types.ErrInvalidPath
			}
			path = append(path, types.PathSegment{Index: idx, IsIndex: true})
		}
	}

	if err := checkPath(path); err != nil {
		return nil, err
	}
	return path, nil
}

// checkPath enforces MaxPathDepth and MaxNestedWildcards.
func checkPath(path []types.PathSegment) error {
	if len(path) > types.MaxPathDepth {
		return types.ErrPathTooDeep
	}
	wildcardCount := 0
	for _, seg := range path {
		if seg.Wildcard {
			wildcardCount++
		}
	}
	if wildcardCount > types.MaxNestedWildcards {
		return types.ErrTooManyWildcards
	}
	return nil
}

// Resolve traverses data following path segments.
// Returns ErrPathTooDeep if path exceeds MaxPathDepth.
// Returns ErrTooManyWildcards if path contains > MaxNestedWildcards wildcards.
// Returns ErrFieldNotFound if path does not exist in data.
func Resolve(path []types.PathSegment, data any) (ResolveResult, error) {
	if err := checkPath(path); err != nil {
		return ResolveResult{}, err
	}
	return resolveRecursive(path, data, nil)
}

// resolveRecursive traverses nested structures following path segments.
// Accumulates the resolved path with actual indices/keys replacing wildcards.
func resolveRecursive(path []types.PathSegment, current any, resolvedSoFar []types.PathSegment) (ResolveResult, error) {
	if len(path) == 0 {
		return ResolveResult{
			Value:        current,
			ResolvedPath: resolvedSoFar,
			Found:        true,
		}, nil
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
				resolved := appendSegment(resolvedSoFar, types.PathSegment{Key: key})
				result, err := resolveRecursive(remaining, v[key], resolved)
				if err == nil && result.Found {
					return result, nil
				}
			}
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if seg.IsIndex {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		val, ok := v[seg.Key]
		if !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val, appendSegment(resolvedSoFar, seg))

	case []any:
		if seg.Wildcard {
			for i, elem := range v {
				resolved := appendSegment(resolvedSoFar, types.PathSegment{Index: i, IsIndex: true})
				result, err := resolveRecursive(remaining, elem, resolved)
				if err == nil && result.Found {
					return result, nil
				}
			}
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[seg.Index], appendSegment(resolvedSoFar, seg))

	default:
		// nil or scalar with path remaining
		return ResolveResult{}, types.ErrFieldNotFound
	}
}

// appendSegment copies before appending; wildcard branches share a prefix.
func appendSegment(path []types.PathSegment, seg types.PathSegment) []types.PathSegment {
	out := make([]types.PathSegment, len(path), len(path)+1)
	copy(out, path)
	return append(out, seg)
}
