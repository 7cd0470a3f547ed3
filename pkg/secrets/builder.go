package secrets

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/errgroup"

	"github.com/mywio/secret-service/pkg/core"
)

// Config is the raw secret_service configuration.
type Config struct {
	Hash          HashParams     `yaml:"hash"`
	FullGroupScan bool           `yaml:"full_group_scan"`
	Secrets       []SecretConfig `yaml:"secrets"`
	Groups        []GroupConfig  `yaml:"groups"`
}

// SecretConfig is one secret definition. Value holds the plaintext once the
// host has resolved ValueFrom.
type SecretConfig struct {
	Name      string       `yaml:"secret"`
	Value     *core.Secret `yaml:"value"`
	ValueFrom string       `yaml:"value_from"`
}

// GroupConfig is one group definition.
type GroupConfig struct {
	Name    string         `yaml:"group"`
	Secrets []SecretConfig `yaml:"secrets"`
}

type buildOptions struct {
	hasher      Hasher
	concurrency int
	fullScan    bool
}

// Option tunes Build.
type Option func(*buildOptions)

// WithHasher overrides the hasher described by Config.Hash.
func WithHasher(h Hasher) Option {
	return func(o *buildOptions) { o.hasher = h }
}

// WithConcurrency bounds the number of secrets hashed in parallel.
func WithConcurrency(n int) Option {
	return func(o *buildOptions) { o.concurrency = n }
}

// WithFullGroupScan makes group checks compare every member even after a match.
func WithFullGroupScan() Option {
	return func(o *buildOptions) { o.fullScan = true }
}

type hashJob struct {
	entry *Entry
	value string
}

// Build validates cfg, hashes every secret with its own random salt and
// returns the resulting Registry. Validation errors are all reported at once
// as joined *ConfigError values; no registry is returned unless every entry
// is valid and hashed.
func Build(cfg Config, opts ...Option) (*Registry, error) {
	o := buildOptions{
		concurrency: runtime.GOMAXPROCS(0),
		fullScan:    cfg.FullGroupScan,
	}
	for _, opt := range opts {
		opt(&o)
	}

	hasher := o.hasher
	if hasher == nil {
		var err error
		hasher, err = NewHasher(cfg.Hash)
		if err != nil {
			return nil, err
		}
	}

	reg := &Registry{
		secrets:  make(map[string]*Entry, len(cfg.Secrets)),
		groups:   make(map[string]*Group, len(cfg.Groups)),
		hasher:   hasher,
		fullScan: o.fullScan,
	}

	jobs, errs := plan(cfg, reg)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g := new(errgroup.Group)
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for _, job := range jobs {
		g.Go(func() error {
			return hashEntry(hasher, job)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	reg.builtAt = time.Now()
	return reg, nil
}

// plan checks names and values and lays out the registry maps with unhashed
// entries.
func plan(cfg Config, reg *Registry) ([]hashJob, []error) {
	var (
		jobs []hashJob
		errs []error
		// seen maps every secret and group name to where it was first defined.
		seen = map[string]string{}
	)

	claim := func(name, field string) bool {
		if prev, ok := seen[name]; ok {
			errs = append(errs, &ConfigError{
				Kind:  fmt.Errorf("%w (already defined at %s)", ErrDuplicateName, prev),
				Field: field,
				Name:  name,
			})
			return false
		}
		seen[name] = field
		return true
	}

	entry := func(sc SecretConfig, field string) (*Entry, string, bool) {
		name := strings.TrimSpace(sc.Name)
		valid := true
		if name == "" {
			errs = append(errs, &ConfigError{Kind: ErrMissingName, Field: field})
			valid = false
		}
		switch {
		case sc.Value == nil:
			errs = append(errs, &ConfigError{Kind: ErrMissingValue, Field: field, Name: name})
			valid = false
		case sc.Value.Value == "":
			errs = append(errs, &ConfigError{Kind: ErrEmptyValue, Field: field, Name: name})
			valid = false
		}
		if !valid {
			return nil, name, false
		}
		return &Entry{name: name}, name, true
	}

	if len(cfg.Secrets) == 0 && len(cfg.Groups) == 0 {
		return nil, []error{&ConfigError{Kind: ErrNoSecrets}}
	}

	for i, sc := range cfg.Secrets {
		field := fmt.Sprintf("secrets[%d]", i)
		e, name, ok := entry(sc, field)
		if name != "" && !claim(name, field) {
			ok = false
		}
		if !ok {
			continue
		}
		reg.secrets[name] = e
		jobs = append(jobs, hashJob{entry: e, value: sc.Value.Value})
	}

	for i, gc := range cfg.Groups {
		field := fmt.Sprintf("groups[%d]", i)
		gname := strings.TrimSpace(gc.Name)
		groupOK := true
		if gname == "" {
			errs = append(errs, &ConfigError{Kind: ErrMissingName, Field: field})
			groupOK = false
		} else if !claim(gname, field) {
			groupOK = false
		}
		if len(gc.Secrets) == 0 {
			errs = append(errs, &ConfigError{Kind: ErrEmptyGroup, Field: field, Name: gname})
			groupOK = false
		}

		group := &Group{name: gname, members: make([]*Entry, 0, len(gc.Secrets))}
		members := map[string]struct{}{}
		for j, sc := range gc.Secrets {
			mfield := fmt.Sprintf("%s.secrets[%d]", field, j)
			e, name, ok := entry(sc, mfield)
			if name != "" {
				if _, dup := members[name]; dup {
					errs = append(errs, &ConfigError{Kind: ErrDuplicateMember, Field: mfield, Name: name})
					ok = false
				} else {
					members[name] = struct{}{}
					if !claim(name, mfield) {
						ok = false
					}
				}
			}
			if !ok {
				groupOK = false
				continue
			}
			group.members = append(group.members, e)
			jobs = append(jobs, hashJob{entry: e, value: sc.Value.Value})
		}
		if groupOK {
			reg.groups[gname] = group
		}
	}

	return jobs, errs
}

// hashEntry salts and hashes one secret. The plaintext is copied into a
// locked buffer that is destroyed before returning.
func hashEntry(h Hasher, job hashJob) error {
	salt, err := newSalt()
	if err != nil {
		return err
	}

	buf := memguard.NewBufferFromBytes([]byte(job.value))
	defer buf.Destroy()

	sum, err := h.Hash(buf.Bytes(), salt)
	if err != nil {
		return fmt.Errorf("secret %q: %w", job.entry.name, err)
	}
	job.entry.salt = salt
	job.entry.hash = sum
	return nil
}
