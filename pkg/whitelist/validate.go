package whitelist

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MaxParamLength is the longest accepted parameter value.
const MaxParamLength = 256

const unsafeChars = "`$|;&><\n\r\\"

// ValidationError is returned when an operator request cannot be turned into
// a command. Reason is suitable to show to the operator.
type ValidationError struct {
	Param  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidateParams checks every required parameter of command id against its
// validator and the sanitizer. Only required parameters are returned.
func (w *Whitelist) ValidateParams(id string, params map[string]any) (map[string]string, error) {
	spec, ok := w.Get(id)
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("Command '%s' not in whitelist", id), Err: ErrCommandNotWhitelisted}
	}

	sanitized := make(map[string]string, len(spec.Params))
	for _, name := range spec.Params {
		raw, ok := params[name]
		if !ok {
			return nil, &ValidationError{Param: name, Reason: "Missing required parameter: " + name}
		}
		value, ok := scalarString(raw)
		if !ok {
			return nil, &ValidationError{Param: name, Reason: fmt.Sprintf("Invalid value for parameter '%s': not a scalar", name)}
		}
		if v, declared := spec.ParamValidators[name]; declared && !ValidateValue(value, v) {
			return nil, &ValidationError{Param: name, Reason: fmt.Sprintf("Invalid value for parameter '%s': %s", name, value)}
		}
		clean, ok := Sanitize(value)
		if !ok {
			return nil, &ValidationError{Param: name, Reason: fmt.Sprintf("Unsafe characters in parameter '%s'", name)}
		}
		sanitized[name] = clean
	}
	return sanitized, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// ValidateValue applies a format validator. Unknown validator types accept
// any value.
func ValidateValue(value string, v Validator) bool {
	switch v.Type {
	case "ip":
		return isIPv4(value)
	case "hostname":
		return isHostname(value)
	case "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return false
		}
		if v.Min != nil && n < *v.Min {
			return false
		}
		if v.Max != nil && n > *v.Max {
			return false
		}
		return true
	case "choice":
		for _, c := range v.Choices {
			if value == c {
				return true
			}
		}
		return false
	case "path":
		if strings.Contains(value, "..") || strings.HasPrefix(value, "/") || value == "" {
			return false
		}
		for _, r := range value {
			if !isAlnum(r) && r != '_' && r != '-' && r != '.' && r != '/' {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Sanitize rejects shell metacharacters and over-long values. It runs on
// every parameter whether or not a validator passed it.
func Sanitize(value string) (string, bool) {
	if strings.ContainsAny(value, unsafeChars) {
		return "", false
	}
	if len(value) > MaxParamLength {
		return "", false
	}
	return value, true
}

func isIPv4(value string) bool {
	parts := strings.Split(value, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

func isHostname(value string) bool {
	if value == "" || len(value) > 255 {
		return false
	}
	for i, r := range value {
		switch {
		case isAlnum(r):
		case r == '-' || r == '.':
			if i == 0 || i == len(value)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
