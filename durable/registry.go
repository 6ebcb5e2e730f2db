package durable

import (
	"context"
	"fmt"
)

// Factory creates a Store from its JSON configuration.
type Factory func(context.Context, map[string]interface{}) (Store, error)

var registry = make(map[string]Factory)

// Register makes a Store type available to Create under the given key.
// It is normally called from the init function of the package implementing the type.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create creates a Store of the registered type named by key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (Store, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}
