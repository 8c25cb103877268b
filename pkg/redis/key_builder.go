package redis

import (
	"strings"
)

// KeyBuilder builds keys of the form namespace:context:entity[:attribute].
type KeyBuilder struct {
	namespace string
	context   string
}

func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build joins the builder prefix with entity and an optional attribute.
// Entity and attribute keep their case since campaign and user ids are
// case-sensitive.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := make([]string, 0, 4)
	if kb.namespace != "" {
		parts = append(parts, kb.namespace)
	}
	if kb.context != "" {
		parts = append(parts, kb.context)
	}
	parts = append(parts, entity)
	if attribute != "" {
		parts = append(parts, attribute)
	}
	return strings.Join(parts, ":")
}

// Prefix is the key prefix shared by everything this builder produces,
// including the trailing separator.
func (kb *KeyBuilder) Prefix() string {
	return kb.Build("", "")
}
