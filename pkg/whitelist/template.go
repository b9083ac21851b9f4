package whitelist

import (
	"errors"
	"fmt"
	"strings"
)

var errMalformedTemplate = errors.New("malformed command template")

type segment struct {
	literal     string
	placeholder string
}

// parseTemplate splits a template into literal text and {name} placeholders.
// Doubled braces are literal braces.
func parseTemplate(tmpl string) ([]segment, error) {
	var (
		segs []segment
		lit  strings.Builder
	)
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed '{'", errMalformedTemplate)
			}
			name := tmpl[i+1 : i+1+end]
			if name == "" || strings.ContainsAny(name, "{ ") {
				return nil, fmt.Errorf("%w: bad placeholder %q", errMalformedTemplate, name)
			}
			if lit.Len() > 0 {
				segs = append(segs, segment{literal: lit.String()})
				lit.Reset()
			}
			segs = append(segs, segment{placeholder: name})
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("%w: single '}'", errMalformedTemplate)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		segs = append(segs, segment{literal: lit.String()})
	}
	return segs, nil
}

func placeholders(tmpl string) ([]string, error) {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range segs {
		if s.placeholder != "" {
			names = append(names, s.placeholder)
		}
	}
	return names, nil
}

// BuildCommandString substitutes sanitized params into the template of
// command id. It fails when a placeholder has no value.
func (w *Whitelist) BuildCommandString(id string, params map[string]string) (string, error) {
	spec, ok := w.Get(id)
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("Command '%s' not in whitelist", id), Err: ErrCommandNotWhitelisted}
	}
	segs, err := parseTemplate(spec.Template)
	if err != nil {
		return "", &ValidationError{Reason: "Failed to build command string", Err: err}
	}

	var b strings.Builder
	for _, s := range segs {
		if s.placeholder == "" {
			b.WriteString(s.literal)
			continue
		}
		value, ok := params[s.placeholder]
		if !ok {
			return "", &ValidationError{
				Param:  s.placeholder,
				Reason: fmt.Sprintf("Failed to build command string: unbound placeholder '%s'", s.placeholder),
			}
		}
		b.WriteString(value)
	}
	return b.String(), nil
}
