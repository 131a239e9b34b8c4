package services

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)
	// variableName accepts words of letters, digits and underscores joined by single
	// spaces or dashes, as produced from spreadsheet headers like "primeiro nome".
	variableName = regexp.MustCompile(`^[\p{L}\p{N}_]+(?:[ -][\p{L}\p{N}_]+)*$`)
)

// RenderTemplate substitutes every {key} placeholder, matched case-insensitively,
// with the stringified value from vars. Any key present in vars is substituted
// whatever its characters. Absent keys and nil values render as empty text when
// the braces enclose a variable name; other braces are kept as written.
func RenderTemplate(template string, vars map[string]any) string {
	if !strings.Contains(template, "{") {
		return template
	}

	lookup := foldKeys(vars)
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		inner := match[1 : len(match)-1]
		if v, ok := lookup[strings.ToLower(inner)]; ok {
			return stringify(v)
		}
		if variableName.MatchString(inner) {
			return ""
		}
		return match
	})
}

// foldKeys lowercases keys. When two keys fold to the same name, the one already
// lowercase wins, otherwise the lexically smallest, so output never depends on map order.
func foldKeys(vars map[string]any) map[string]any {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(vars))
	for _, k := range keys {
		lk := strings.ToLower(k)
		if _, seen := out[lk]; seen && k != lk {
			continue
		}
		out[lk] = vars[k]
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case *string:
		if val == nil {
			return ""
		}
		return *val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
