package syncqueue

import (
	"regexp"
	"strings"
)

// KeyPattern evaluates SQL LIKE patterns for stores that have no SQL engine:
// '%' matches any run of characters, '_' exactly one, and '\' escapes the
// next character.
type KeyPattern struct {
	re *regexp.Regexp
}

// CompileKeyPattern returns nil for the empty pattern, which matches every key.
func CompileKeyPattern(like string) (*KeyPattern, error) {
	if like == "" {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString(`(?s)^`)
	escaped := false
	for _, r := range like {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, &ValidationError{Field: "key_like", Reason: "pattern ends with an escape character"}
	}
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, &ValidationError{Field: "key_like", Reason: err.Error()}
	}
	return &KeyPattern{re: re}, nil
}

func (p *KeyPattern) Match(key string) bool {
	if p == nil {
		return true
	}
	return p.re.MatchString(key)
}
