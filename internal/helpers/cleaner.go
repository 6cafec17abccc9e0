package helpers

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned whenever no usable JSON object can be located in
// model output. Callers treat it as a single failure kind; no partial data
// is ever returned alongside it.
var ErrNoJSON = errors.New("no balanced JSON object found")

// ExtractJSONObject finds and returns the first balanced JSON object in s.
// Model responses often wrap the payload in commentary or markdown fences;
// the scan ignores braces inside strings and escape sequences and stops at
// the first complete object.
func ExtractJSONObject(s string) (string, error) {
	s = strings.TrimSpace(trimBOM(s))
	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			if out, ok := balancedFrom(s, i); ok {
				return out, nil
			}
		}
	}
	return "", ErrNoJSON
}

// DecodeObject extracts the first JSON object from model output and
// unmarshals it into target. Any failure maps to ErrNoJSON so callers see
// one well-defined error kind instead of partial data.
func DecodeObject(s string, target interface{}) error {
	raw, err := ExtractJSONObject(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return ErrNoJSON
	}
	return nil
}

// stripCodeFence unwraps the first ``` or ~~~ fenced block when s starts
// with one, tolerating a language tag after the opening fence.
func stripCodeFence(s string) (string, bool) {
	trim := strings.TrimLeft(s, "\n\r\t ")
	fence := ""
	switch {
	case strings.HasPrefix(trim, "```"):
		fence = "```"
	case strings.HasPrefix(trim, "~~~"):
		fence = "~~~"
	default:
		return "", false
	}
	rest := trim[len(fence):]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, fence); end != -1 {
		return rest[:end], true
	}
	return "", false
}

func balancedFrom(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}

func trimBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}
