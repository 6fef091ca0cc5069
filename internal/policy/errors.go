package policy

import "strings"

// ConfigurationError reports every problem found in a policy document.
type ConfigurationError struct {
	Source   string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	prefix := "policy"
	if e.Source != "" {
		prefix = "policy " + e.Source
	}
	return prefix + ": " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) add(format string) {
	e.Problems = append(e.Problems, format)
}
