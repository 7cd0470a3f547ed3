package secrets

import (
	"sort"
	"time"
)

// Outcome is the internal result of a registry lookup and comparison.
type Outcome int

const (
	// Miss means the name resolves to neither a secret nor a group.
	Miss Outcome = iota
	// Mismatch means the name resolved but the candidate matched nothing.
	Mismatch
	// Match means the candidate matched the secret or a group member.
	Match
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "miss"
	}
}

// Kind tells what a lookup name resolves to.
type Kind string

const (
	KindNone   Kind = "none"
	KindSecret Kind = "secret"
	KindGroup  Kind = "group"
)

// Registry holds every secret and group available for validation. It is
// immutable once Build returns it and safe for concurrent use.
type Registry struct {
	secrets  map[string]*Entry
	groups   map[string]*Group
	hasher   Hasher
	fullScan bool
	builtAt  time.Time
}

// Check resolves name and compares candidate against the associated hash or
// hashes. Standalone secrets are looked up before groups.
func (r *Registry) Check(name string, candidate []byte) (Outcome, error) {
	if e, ok := r.secrets[name]; ok {
		ok, err := e.matches(r.hasher, candidate)
		return outcome(ok), err
	}
	if g, ok := r.groups[name]; ok {
		ok, err := g.matches(r.hasher, candidate, r.fullScan)
		return outcome(ok), err
	}
	return Miss, nil
}

func outcome(ok bool) Outcome {
	if ok {
		return Match
	}
	return Mismatch
}

// Resolve reports what name refers to.
func (r *Registry) Resolve(name string) Kind {
	if _, ok := r.secrets[name]; ok {
		return KindSecret
	}
	if _, ok := r.groups[name]; ok {
		return KindGroup
	}
	return KindNone
}

// Secret returns the standalone entry registered under name.
func (r *Registry) Secret(name string) (*Entry, bool) {
	e, ok := r.secrets[name]
	return e, ok
}

// Group returns the group registered under name.
func (r *Registry) Group(name string) (*Group, bool) {
	g, ok := r.groups[name]
	return g, ok
}

// SecretNames returns the sorted standalone secret names.
func (r *Registry) SecretNames() []string {
	return sortedKeys(r.secrets)
}

// GroupNames returns the sorted group names.
func (r *Registry) GroupNames() []string {
	return sortedKeys(r.groups)
}

// Algorithm returns the hash algorithm the registry was built with.
func (r *Registry) Algorithm() Algorithm {
	return r.hasher.Algorithm()
}

// BuiltAt returns when the registry was built.
func (r *Registry) BuiltAt() time.Time {
	return r.builtAt
}

// Stats summarizes the registry for diagnostics.
type Stats struct {
	Secrets   int       `json:"secrets"`
	Groups    int       `json:"groups"`
	Members   int       `json:"members"`
	Algorithm Algorithm `json:"algorithm"`
	BuiltAt   time.Time `json:"built_at"`
}

// Stats returns entry counts and build metadata.
func (r *Registry) Stats() Stats {
	members := 0
	for _, g := range r.groups {
		members += g.Len()
	}
	return Stats{
		Secrets:   len(r.secrets),
		Groups:    len(r.groups),
		Members:   members,
		Algorithm: r.hasher.Algorithm(),
		BuiltAt:   r.builtAt,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
