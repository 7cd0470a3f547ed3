package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Module interface {
	Name() string
	Init(ctx context.Context, logger *slog.Logger, registry PluginRegistry) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Plugin interface {
	Module
	Description() string
	Capabilities() []Capability
	Status() ServiceStatus
}

// Executor is implemented by plugins that expose service actions.
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]any) (any, error)
}

// ConfigProvider exposes a plugin's effective (redacted) configuration.
type ConfigProvider interface {
	Config() any
}

// Reloader is implemented by modules that can rebuild from refreshed config.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ActionReload is the Execute action that stays available on a plugin whose
// Init failed, provided the plugin is a Reloader.
const ActionReload = "reload"

// PluginRegistry is the host surface handed to modules at Init.
type PluginRegistry interface {
	GetConfig() map[string]map[string]any
	RefreshConfig() error
	RewriteConfigSection(name string, rewrite func(section map[string]any) map[string]any)
	ReloadModule(ctx context.Context, name string) error
	GetMuxServer() *http.ServeMux
	GetHTTPClient() *http.Client
	Metrics() prometheus.Registerer
	RegisterEventType(desc EventTypeDesc) error
	Subscribe(pattern string, handler Listener)
	Publish(ctx context.Context, event InternalEvent)
}

// ConfigLoader re-reads the sectioned configuration, e.g. from disk.
type ConfigLoader func() (map[string]map[string]any, error)

type ModuleManager struct {
	modules []Module
	logger  *slog.Logger
	broker  *Broker

	mu     sync.RWMutex
	config map[string]map[string]any
	loader ConfigLoader
	failed map[string]error

	httpClient *http.Client
	metrics    *prometheus.Registry
	mux        *http.ServeMux
	server     *http.Server
	serverOnce sync.Once
}

func NewModuleManager(logger *slog.Logger) *ModuleManager {
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &ModuleManager{
		modules:    []Module{},
		logger:     logger,
		broker:     NewBroker(logger.With("module", "broker")),
		config:     map[string]map[string]any{},
		failed:     map[string]error{},
		httpClient: http.DefaultClient,
		metrics:    metrics,
		mux:        http.NewServeMux(),
	}
	m.registerCoreRoutes()
	return m
}

func (m *ModuleManager) Register(mod Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules = append(m.modules, mod)
}

// SetConfig replaces the sectioned configuration.
func (m *ModuleManager) SetConfig(cfg map[string]map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == nil {
		cfg = map[string]map[string]any{}
	}
	m.config = cfg
}

// SetConfigLoader installs the callback used by RefreshConfig.
func (m *ModuleManager) SetConfigLoader(loader ConfigLoader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loader = loader
}

// GetConfig returns a copy of the configuration. Sections are copied; nested
// values are shared and must be treated as read-only.
func (m *ModuleManager) GetConfig() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]any, len(m.config))
	for name, section := range m.config {
		out[name] = cloneSection(section)
	}
	return out
}

// RewriteConfigSection replaces the named section with rewrite's result,
// atomically with respect to other config access. rewrite gets a copy of the
// section (nil when absent) and must not mutate nested values in place.
func (m *ModuleManager) RewriteConfigSection(name string, rewrite func(section map[string]any) map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current map[string]any
	if section, ok := m.config[name]; ok {
		current = cloneSection(section)
	}
	next := rewrite(current)
	if next == nil {
		delete(m.config, name)
		return
	}
	m.config[name] = next
}

func cloneSection(section map[string]any) map[string]any {
	out := make(map[string]any, len(section))
	for k, v := range section {
		out[k] = v
	}
	return out
}

// RefreshConfig reloads the configuration through the installed loader. The
// current configuration is kept if the loader fails.
func (m *ModuleManager) RefreshConfig() error {
	m.mu.RLock()
	loader := m.loader
	m.mu.RUnlock()
	if loader == nil {
		return nil
	}
	cfg, err := loader()
	if err != nil {
		return fmt.Errorf("refresh config: %w", err)
	}
	m.SetConfig(cfg)
	return nil
}

func (m *ModuleManager) SetHTTPClient(c *http.Client) {
	m.httpClient = c
}

func (m *ModuleManager) GetHTTPClient() *http.Client {
	return m.httpClient
}

func (m *ModuleManager) GetMuxServer() *http.ServeMux {
	return m.mux
}

// Metrics returns the registerer served on /metrics.
func (m *ModuleManager) Metrics() prometheus.Registerer {
	return m.metrics
}

func (m *ModuleManager) RegisterEventType(desc EventTypeDesc) error {
	return m.broker.RegisterEventType(desc)
}

func (m *ModuleManager) Subscribe(pattern string, handler Listener) {
	m.broker.Subscribe(pattern, handler)
}

func (m *ModuleManager) Publish(ctx context.Context, event InternalEvent) {
	m.broker.Publish(ctx, event)
}

func (m *ModuleManager) LoadPlugins(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("Plugins directory not found", "dir", dir)
			return nil
		}
		return fmt.Errorf("failed to read plugins dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		m.logger.Info("Loading plugin", "path", path)

		p, err := plugin.Open(path)
		if err != nil {
			m.logger.Error("Failed to open plugin", "path", path, "error", err)
			continue
		}

		sym, err := p.Lookup("Plugin")
		if err != nil {
			m.logger.Error("Plugin symbol not found", "path", path, "error", err)
			continue
		}

		// Lookup returns a pointer to the exported variable.
		var plug Plugin
		switch v := sym.(type) {
		case *Plugin:
			plug = *v
		case Plugin:
			plug = v
		}
		if plug == nil {
			m.logger.Error("Plugin has wrong type", "path", path)
			continue
		}

		m.Register(plug)
		m.logger.Info("Plugin loaded successfully", "name", plug.Name())
	}
	return nil
}

// Init initializes every module. A plugin that fails Init is marked failed
// and skipped for the rest of the lifecycle; any other module failing Init
// aborts.
func (m *ModuleManager) Init(ctx context.Context) error {
	for _, mod := range m.snapshot() {
		err := mod.Init(ctx, m.logger.With("module", mod.Name()), m)
		if err == nil {
			continue
		}
		if _, ok := mod.(Plugin); !ok {
			return fmt.Errorf("init %s: %w", mod.Name(), err)
		}
		m.logger.ErrorContext(ctx, "Plugin failed to initialize, disabled", "module", mod.Name(), "error", err)
		m.setFailed(mod.Name(), err)
	}
	return nil
}

func (m *ModuleManager) Start(ctx context.Context) {
	for _, mod := range m.snapshot() {
		if m.Failed(mod.Name()) != nil {
			continue
		}
		go func(mod Module) {
			m.logger.Info("Starting module", "module", mod.Name())
			if err := mod.Start(ctx); err != nil {
				m.logger.Error("Module failed", "module", mod.Name(), "error", err)
			}
		}(mod)
	}
	m.startHTTPServer()
}

func (m *ModuleManager) Stop(ctx context.Context) {
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("HTTP server shutdown failed", "error", err)
		}
	}
	mods := m.snapshot()
	for i := len(mods) - 1; i >= 0; i-- {
		mod := mods[i]
		m.logger.Info("Stopping module", "module", mod.Name())
		if err := mod.Stop(ctx); err != nil {
			m.logger.Error("Error stopping module", "module", mod.Name(), "error", err)
		}
	}
}

// Reload refreshes the configuration and reloads every Reloader module. A
// plugin that failed Init is retried and enabled again if its reload works.
func (m *ModuleManager) Reload(ctx context.Context) error {
	if err := m.RefreshConfig(); err != nil {
		return err
	}
	var errs []error
	for _, mod := range m.snapshot() {
		if _, ok := mod.(Reloader); !ok {
			continue
		}
		if err := m.reloadModule(ctx, mod); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReloadModule reloads one Reloader module against the current configuration
// and re-enables it if its Init had failed.
func (m *ModuleManager) ReloadModule(ctx context.Context, name string) error {
	for _, mod := range m.snapshot() {
		if mod.Name() == name {
			return m.reloadModule(ctx, mod)
		}
	}
	return fmt.Errorf("module %s not found", name)
}

func (m *ModuleManager) reloadModule(ctx context.Context, mod Module) error {
	r, ok := mod.(Reloader)
	if !ok {
		return fmt.Errorf("module %s does not support reload", mod.Name())
	}
	if err := r.Reload(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Module reload failed", "module", mod.Name(), "error", err)
		return fmt.Errorf("reload %s: %w", mod.Name(), err)
	}
	if m.Failed(mod.Name()) != nil {
		m.logger.InfoContext(ctx, "Module recovered after reload", "module", mod.Name())
		m.setFailed(mod.Name(), nil)
	}
	return nil
}

// Failed returns the Init error of a disabled module, or nil.
func (m *ModuleManager) Failed(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failed[name]
}

func (m *ModuleManager) setFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failed, name)
		return
	}
	m.failed[name] = err
}

// ListPlugins returns registered plugins in registration order.
func (m *ModuleManager) ListPlugins() []Plugin {
	var out []Plugin
	for _, mod := range m.snapshot() {
		if p, ok := mod.(Plugin); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *ModuleManager) GetPlugin(name string) (Plugin, error) {
	for _, p := range m.ListPlugins() {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("plugin %s not found", name)
}

// Execute dispatches a service action to the named plugin.
func (m *ModuleManager) Execute(ctx context.Context, name, action string, params map[string]any) (any, error) {
	plug, err := m.GetPlugin(name)
	if err != nil {
		return nil, err
	}
	if err := m.Failed(name); err != nil {
		if _, ok := plug.(Reloader); !ok || action != ActionReload {
			return nil, fmt.Errorf("plugin %s unavailable: %w", name, err)
		}
	}
	exec, ok := plug.(Executor)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not support actions", name)
	}
	return exec.Execute(ctx, action, params)
}

func (m *ModuleManager) snapshot() []Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Module, len(m.modules))
	copy(out, m.modules)
	return out
}
