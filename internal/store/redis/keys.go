package redis

import (
	"fmt"
	"strings"
)

const (
	// KeyPrefixDefinition prefixes one JSON service definition per service name.
	KeyPrefixDefinition = "keel:definition:"
	// KeyAllDefinitions is the set of persisted service names.
	KeyAllDefinitions = "keel:definitions:all"
	// KeyPrefixFault prefixes one JSON terminal fault per fault id.
	KeyPrefixFault = "keel:fault:"
	// KeyFaultTimeline is a sorted set of fault ids scored by report time.
	KeyFaultTimeline = "keel:faults:timeline"
)

// DefinitionKey returns the key of the definition of name.
func DefinitionKey(name string) string {
	return KeyPrefixDefinition + name
}

// FaultKey returns the key of a terminal fault.
func FaultKey(id string) string {
	return KeyPrefixFault + id
}

// ExtractName returns the service name of a definition key.
func ExtractName(key string) (string, error) {
	name, ok := strings.CutPrefix(key, KeyPrefixDefinition)
	if !ok || name == "" {
		return "", fmt.Errorf("invalid definition key: %s", key)
	}
	return name, nil
}
