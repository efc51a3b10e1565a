// Package manifest reads service declarations from a YAML file.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Loader reads one manifest file.
type Loader struct {
	filePath string
	lookup   func(string) (string, bool)
}

func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath, lookup: os.LookupEnv}
}

// Path returns the manifest location.
func (l *Loader) Path() string { return l.filePath }

// Load reads and parses the manifest. Unknown fields are rejected.
func (l *Loader) Load() (File, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return File{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return l.Parse(data)
}

// Parse decodes manifest bytes after expanding ${VAR} and ${VAR:-default}.
func (l *Loader) Parse(data []byte) (File, error) {
	data = expandEnv(data, l.lookup)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("failed to parse manifest yaml: %w", err)
	}
	return f, nil
}

// expandEnv replaces environment references. Unset variables without a
// default expand to the empty string.
func expandEnv(data []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := lookup(string(sub[1])); ok {
			return []byte(v)
		}
		return sub[2]
	})
}

// ParseService decodes a single service declaration. JSON input is accepted
// since it is valid YAML. Environment references are not expanded.
func ParseService(data []byte) (domain.ServiceDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec ServiceSpec
	if err := dec.Decode(&spec); err != nil {
		return domain.ServiceDefinition{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	return toDefinition(spec)
}
