// Package secretservice is the host plugin that builds the secret registry
// from the secret_service config section and answers check_secret calls.
package secretservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mywio/secret-service/pkg/core"
	"github.com/mywio/secret-service/pkg/resolver"
	"github.com/mywio/secret-service/pkg/secrets"
)

const (
	name = "secret_service"

	ActionCheck  = "check_secret"
	ActionReload = core.ActionReload

	EventCheckFailed  core.EventTypeName = "secret_check_failed"
	EventReloaded     core.EventTypeName = "secret_service_reloaded"
	EventReloadFailed core.EventTypeName = "secret_service_reload_failed"
)

// SecretServicePlugin adapts the host lifecycle and service calls to the
// secret registry.
type SecretServicePlugin struct {
	logger   *slog.Logger
	registry core.PluginRegistry

	store    *secrets.Store
	engine   *secrets.Engine
	metrics  *secrets.Metrics
	policies []secrets.Policy

	extra map[string]resolver.Resolver
	gsm   *resolver.GSM

	// reloadMu serializes builds; checks never take it.
	reloadMu sync.Mutex
	errMu    sync.Mutex
	lastErr  error
}

// Option configures the plugin.
type Option func(*SecretServicePlugin)

// WithPolicy installs a policy hook on the validation engine.
func WithPolicy(p secrets.Policy) Option {
	return func(s *SecretServicePlugin) { s.policies = append(s.policies, p) }
}

// WithResolver registers or replaces the resolver for a value_from scheme.
func WithResolver(scheme string, r resolver.Resolver) Option {
	return func(s *SecretServicePlugin) { s.extra[scheme] = r }
}

// New returns an uninitialized plugin.
func New(opts ...Option) *SecretServicePlugin {
	p := &SecretServicePlugin{
		store:  secrets.NewStore(nil),
		extra:  map[string]resolver.Resolver{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SecretServicePlugin) Name() string {
	return name
}

func (p *SecretServicePlugin) Description() string {
	return "Validates values against hashed secrets and secret groups"
}

func (p *SecretServicePlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityValidator, core.CapabilityAPI}
}

func (p *SecretServicePlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	p.registry = registry

	engineOpts := []secrets.EngineOption{secrets.WithLogger(logger)}
	if registry != nil {
		p.metrics = secrets.NewMetrics(registry.Metrics())
		engineOpts = append(engineOpts, secrets.WithMetrics(p.metrics))

		for _, desc := range []core.EventTypeDesc{
			{
				Name:        EventCheckFailed,
				Description: "A secret check did not succeed",
				PayloadSpec: map[string]core.PayloadField{
					"name": {Type: "string", Description: "Name that was checked", Required: true},
				},
			},
			{Name: EventReloaded, Description: "A new secret registry was published"},
			{Name: EventReloadFailed, Description: "Rebuilding the secret registry failed; the previous one stays active"},
		} {
			if err := registry.RegisterEventType(desc); err != nil {
				p.logger.WarnContext(ctx, "Event type not registered", "type", desc.Name, "error", err)
			}
		}

		mux := registry.GetMuxServer()
		mux.HandleFunc("/api/secret_service/check", p.handleCheck)
		mux.HandleFunc("/api/secret_service/reload", p.handleReload)
	}
	for _, pol := range p.policies {
		engineOpts = append(engineOpts, secrets.WithPolicy(pol))
	}
	p.engine = secrets.NewEngine(p.store, engineOpts...)

	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()
	return p.load(ctx)
}

func (p *SecretServicePlugin) Start(ctx context.Context) error {
	return nil
}

func (p *SecretServicePlugin) Stop(ctx context.Context) error {
	if p.gsm != nil {
		return p.gsm.Close()
	}
	return nil
}

func (p *SecretServicePlugin) Status() core.ServiceStatus {
	p.errMu.Lock()
	lastErr := p.lastErr
	p.errMu.Unlock()

	switch {
	case p.store.Load() == nil:
		return core.StatusUnhealthy
	case lastErr != nil:
		return core.StatusDegraded
	default:
		return core.StatusHealthy
	}
}

// Config reports what is loaded without any secret material.
func (p *SecretServicePlugin) Config() any {
	reg := p.store.Load()
	if reg == nil {
		return map[string]any{"loaded": false}
	}
	groups := map[string][]string{}
	for _, g := range reg.GroupNames() {
		grp, _ := reg.Group(g)
		groups[g] = grp.Members()
	}
	return map[string]any{
		"loaded":    true,
		"algorithm": reg.Algorithm(),
		"secrets":   reg.SecretNames(),
		"groups":    groups,
		"built_at":  reg.BuiltAt(),
	}
}

// Stats describes the active registry. ok is false before the first
// successful build.
func (p *SecretServicePlugin) Stats() (st secrets.Stats, ok bool) {
	reg := p.store.Load()
	if reg == nil {
		return st, false
	}
	return reg.Stats(), true
}

// Reload rebuilds the registry from the current host configuration and
// publishes it. On failure the previous registry stays active. Inline values
// are dropped from the host configuration after every build, so the host
// must refresh its configuration first.
func (p *SecretServicePlugin) Reload(ctx context.Context) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	if err := p.load(ctx); err != nil {
		p.publish(ctx, core.InternalEvent{
			Type:    EventReloadFailed,
			Source:  name,
			String:  "Secret registry reload failed",
			Details: map[string]any{"error": err.Error()},
		})
		return err
	}
	return nil
}

// Check reports whether value matches the secret or group called name.
func (p *SecretServicePlugin) Check(ctx context.Context, secretName, value string) bool {
	return p.Validate(ctx, secretName, value).OK()
}

// Validate is Check with the result code.
func (p *SecretServicePlugin) Validate(ctx context.Context, secretName, value string) (result secrets.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "Secret check panicked, denying", "name", secretName, "panic", r)
			result = secrets.ResultFailedInvalid
		}
	}()

	if p.engine == nil {
		p.logger.ErrorContext(ctx, "Secret check before Init, denying", "name", secretName)
		return secrets.ResultFailedInvalid
	}
	result = p.engine.Validate(ctx, secretName, value)
	if !result.OK() {
		p.publish(ctx, core.InternalEvent{
			Type:    EventCheckFailed,
			Source:  name,
			String:  fmt.Sprintf("Secret check for %s failed", secretName),
			Details: map[string]any{"name": secretName, "result": string(result)},
		})
	}
	return result
}

func (p *SecretServicePlugin) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	switch action {
	case ActionCheck:
		req, err := parseCheckParams(params)
		if err != nil {
			return nil, err
		}
		return p.checkResponse(ctx, req), nil
	case ActionReload:
		if p.registry == nil {
			if err := p.Reload(ctx); err != nil {
				return nil, err
			}
			return p.reloadResponse(), nil
		}
		if err := p.registry.RefreshConfig(); err != nil {
			return nil, err
		}
		// Through the host so a plugin disabled at Init is enabled again.
		if err := p.registry.ReloadModule(ctx, name); err != nil {
			return nil, err
		}
		return p.reloadResponse(), nil
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

type checkRequest struct {
	Name         string `json:"name"`
	Value        string `json:"value"`
	FullResponse bool   `json:"full_response"`
}

func parseCheckParams(params map[string]any) (checkRequest, error) {
	var req checkRequest
	var ok bool
	if req.Name, ok = params["name"].(string); !ok {
		return req, errors.New("check_secret: name must be a string")
	}
	if req.Value, ok = params["value"].(string); !ok {
		return req, errors.New("check_secret: value must be a string")
	}
	switch v := params["full_response"].(type) {
	case nil:
	case bool:
		req.FullResponse = v
	case string:
		req.FullResponse = strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return req, errors.New("check_secret: full_response must be a boolean")
	}
	return req, nil
}

func (p *SecretServicePlugin) checkResponse(ctx context.Context, req checkRequest) map[string]any {
	result := p.Validate(ctx, req.Name, req.Value)
	if req.FullResponse {
		return map[string]any{"result": string(result)}
	}
	return map[string]any{"result": result.OK()}
}

func (p *SecretServicePlugin) reloadResponse() map[string]any {
	out := map[string]any{"status": "reloaded"}
	if reg := p.store.Load(); reg != nil {
		st := reg.Stats()
		out["secrets"] = st.Secrets
		out["groups"] = st.Groups
	}
	return out
}

// load builds a registry from the secret_service section and publishes it.
// Callers hold reloadMu.
func (p *SecretServicePlugin) load(ctx context.Context) error {
	start := time.Now()
	err := p.build(ctx, start)
	p.errMu.Lock()
	p.lastErr = err
	p.errMu.Unlock()
	return err
}

func (p *SecretServicePlugin) build(ctx context.Context, start time.Time) error {
	cfgMap := map[string]map[string]any{}
	if p.registry != nil {
		cfgMap = p.registry.GetConfig()
	}
	section, ok := cfgMap[name]
	if !ok {
		return &secrets.ConfigError{Kind: secrets.ErrNoSecrets, Field: name}
	}

	var cfg secrets.Config
	err := core.DecodeConfigSectionStrict(section, &cfg)
	p.scrubConfig()
	if err != nil {
		return fmt.Errorf("decode %s config: %w", name, err)
	}

	if err := resolveValues(ctx, p.resolvers(cfgMap), &cfg); err != nil {
		return err
	}

	reg, err := secrets.Build(cfg)
	p.metrics.ObserveBuild(time.Since(start), reg)
	if err != nil {
		return err
	}
	p.store.Publish(reg)

	st := reg.Stats()
	p.logger.InfoContext(ctx, "Secret registry published",
		"secrets", st.Secrets,
		"groups", st.Groups,
		"members", st.Members,
		"algorithm", st.Algorithm,
		"duration", time.Since(start))
	p.publish(ctx, core.InternalEvent{
		Type:    EventReloaded,
		Source:  name,
		String:  "Secret registry published",
		Details: map[string]any{"secrets": st.Secrets, "groups": st.Groups, "members": st.Members},
	})
	return nil
}

func (p *SecretServicePlugin) resolvers(cfgMap map[string]map[string]any) *resolver.Chain {
	var secretsDir, projectID string
	if section, ok := cfgMap["core"]; ok {
		secretsDir = stringValue(section["secrets_dir"])
	}
	if section, ok := cfgMap["google_secret_manager"]; ok {
		projectID = stringValue(section["project_id"])
	}

	chain := resolver.NewChain()
	chain.Register("env", resolver.Env{})
	chain.Register("file", resolver.File{Dir: secretsDir})
	if p.gsm == nil {
		p.gsm = resolver.NewGSM(projectID)
	} else {
		p.gsm.ProjectID = projectID
	}
	chain.Register("gsm", p.gsm)
	for scheme, r := range p.extra {
		chain.Register(scheme, r)
	}
	return chain
}

// resolveValues fills Value for every entry that uses value_from.
func resolveValues(ctx context.Context, chain *resolver.Chain, cfg *secrets.Config) error {
	var errs []error
	resolve := func(sc *secrets.SecretConfig, field string) {
		if sc.ValueFrom == "" {
			return
		}
		if sc.Value != nil {
			errs = append(errs, &secrets.ConfigError{
				Kind:  errors.New("value and value_from are mutually exclusive"),
				Field: field,
				Name:  sc.Name,
			})
			return
		}
		v, err := chain.Resolve(ctx, sc.ValueFrom)
		if err != nil {
			errs = append(errs, &secrets.ConfigError{
				Kind:  fmt.Errorf("%w: %w", secrets.ErrMissingValue, err),
				Field: field,
				Name:  sc.Name,
			})
			return
		}
		s := core.NewSecret(v)
		sc.Value = &s
	}

	for i := range cfg.Secrets {
		resolve(&cfg.Secrets[i], fmt.Sprintf("secrets[%d]", i))
	}
	for i := range cfg.Groups {
		for j := range cfg.Groups[i].Secrets {
			resolve(&cfg.Groups[i].Secrets[j], fmt.Sprintf("groups[%d].secrets[%d]", i, j))
		}
	}
	return errors.Join(errs...)
}

// scrubConfig removes inline secret values from the host configuration once
// they have been read.
func (p *SecretServicePlugin) scrubConfig() {
	if p.registry != nil {
		p.registry.RewriteConfigSection(name, scrubSection)
	}
}

func scrubSection(section map[string]any) map[string]any {
	if section == nil {
		return nil
	}
	if list, ok := section["secrets"].([]any); ok {
		section["secrets"] = scrubSecrets(list)
	}
	if list, ok := section["groups"].([]any); ok {
		groups := make([]any, 0, len(list))
		for _, item := range list {
			g, ok := item.(map[string]any)
			if !ok {
				groups = append(groups, item)
				continue
			}
			copied := make(map[string]any, len(g))
			for k, v := range g {
				copied[k] = v
			}
			if members, ok := g["secrets"].([]any); ok {
				copied["secrets"] = scrubSecrets(members)
			}
			groups = append(groups, copied)
		}
		section["groups"] = groups
	}
	return section
}

func scrubSecrets(list []any) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		sc, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		copied := make(map[string]any, len(sc))
		for k, v := range sc {
			if k != "value" {
				copied[k] = v
			}
		}
		out = append(out, copied)
	}
	return out
}

func (p *SecretServicePlugin) publish(ctx context.Context, event core.InternalEvent) {
	if p.registry != nil {
		p.registry.Publish(ctx, event)
	}
}

// HTTP handler for /api/secret_service/check
func (p *SecretServicePlugin) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req checkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	writeJSON(w, http.StatusOK, p.checkResponse(r.Context(), req))
}

// HTTP handler for /api/secret_service/reload
func (p *SecretServicePlugin) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	res, err := p.Execute(r.Context(), ActionReload, nil)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
