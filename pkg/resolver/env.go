package resolver

import (
	"context"
	"os"
	"strings"
)

// Env resolves "env:NAME" references from the process environment.
type Env struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

func (e Env) Resolve(_ context.Context, ref string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(strings.TrimSpace(ref))
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}
