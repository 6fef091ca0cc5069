package policy

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/davidahmann/steward/internal/crypto"
	"gopkg.in/yaml.v3"
)

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// LoadPolicy loads a YAML policy and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	loaded, err := ParsePolicy(data)
	if err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Source = path
		}
		return LoadedPolicy{}, err
	}
	return loaded, nil
}

// ParsePolicy decodes and validates policy bytes. Unknown keys are rejected.
func ParsePolicy(data []byte) (LoadedPolicy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return LoadedPolicy{}, &ConfigurationError{Problems: []string{err.Error()}}
	}
	if err := Validate(p); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}
