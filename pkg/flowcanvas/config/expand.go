package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// refPattern matches ${NAME}. The bare $NAME form is not expanded so that
// literal dollar signs in passwords and DSNs survive.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// UndefinedVariableError lists ${NAME} references with no value.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	return "undefined variable: " + strings.Join(e.Names, ", ")
}

// ExpandEnv replaces ${NAME} references in every string value of c with
// lookup(NAME), descending into nested maps and lists. References that
// lookup cannot resolve are left in place and reported together.
func (c Config) ExpandEnv(lookup func(string) (string, bool)) error {
	missing := map[string]bool{}
	for k, v := range c.data {
		c.data[k] = expandValue(v, lookup, missing)
	}
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return &UndefinedVariableError{Names: names}
}

func expandValue(v any, lookup func(string) (string, bool), missing map[string]bool) any {
	switch t := v.(type) {
	case string:
		return expandString(t, lookup, missing)
	case map[string]any:
		for k, inner := range t {
			t[k] = expandValue(inner, lookup, missing)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = expandValue(inner, lookup, missing)
		}
		return t
	}
	return v
}

func expandString(s string, lookup func(string) (string, bool), missing map[string]bool) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := lookup(name); ok {
			return val
		}
		missing[name] = true
		return match
	})
}

// expandFileEnv wraps ExpandEnv errors with the file they came from.
func expandFileEnv(c Config, path string, lookup func(string) (string, bool)) error {
	if err := c.ExpandEnv(lookup); err != nil {
		return fmt.Errorf("expand %s: %w", path, err)
	}
	return nil
}
