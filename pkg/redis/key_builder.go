package redis

import (
	"strings"
)

// KeyBuilder helps build Redis keys according to our naming convention:
// namespace:context:entity[:attribute]. Identifiers inside the attribute keep
// their case.
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a Redis key following our naming convention.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := []string{
		kb.namespace,
		kb.context,
		strings.ToLower(entity),
	}

	if attribute != "" {
		parts = append(parts, attribute)
	}

	return strings.Join(parts, ":")
}

// BuildTagged creates a key whose id is wrapped in a cluster hash tag, so
// every key of one id lands in the same slot and can share a transaction.
func (kb *KeyBuilder) BuildTagged(entity, id, suffix string) string {
	attribute := "{" + id + "}"
	if suffix != "" {
		attribute += ":" + suffix
	}
	return kb.Build(entity, attribute)
}
