package cache

import (
	"sort"
	"strings"
)

// NormalizeSymbols upper-cases, trims, de-duplicates and sorts symbols. Blank
// symbols are dropped.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Key builds "<type>:<SYM1,SYM2>[|k=v&k=v]" with symbols and params sorted,
// so the same request always maps to the same entry.
func Key(dataType DataType, symbols []string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(string(dataType))
	b.WriteByte(':')
	b.WriteString(strings.Join(NormalizeSymbols(symbols), ","))
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for k := range params {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteByte('|')
		for i, k := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(params[k])
		}
	}
	return b.String()
}

// ParseKey is the inverse of Key for the type and symbol parts.
func ParseKey(key string) (DataType, []string, bool) {
	typ, rest, ok := strings.Cut(key, ":")
	if !ok || typ == "" {
		return "", nil, false
	}
	if i := strings.IndexByte(rest, '|'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return DataType(typ), nil, true
	}
	return DataType(typ), strings.Split(rest, ","), true
}
