package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPlugin struct {
	name    string
	initErr error
	reloads int
}

func (p *testPlugin) Name() string { return p.name }
func (p *testPlugin) Init(ctx context.Context, logger *slog.Logger, registry PluginRegistry) error {
	return p.initErr
}
func (p *testPlugin) Start(ctx context.Context) error { return nil }
func (p *testPlugin) Stop(ctx context.Context) error  { return nil }
func (p *testPlugin) Description() string             { return "test plugin" }
func (p *testPlugin) Capabilities() []Capability      { return []Capability{CapabilityAPI} }
func (p *testPlugin) Status() ServiceStatus           { return StatusHealthy }
func (p *testPlugin) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	if action != "echo" {
		return nil, errors.New("unknown action: " + action)
	}
	return map[string]any{"params": params}, nil
}
func (p *testPlugin) Config() any {
	return map[string]any{"token": Secret{Value: "abc"}}
}
func (p *testPlugin) Reload(ctx context.Context) error {
	p.reloads++
	p.initErr = nil
	return nil
}

func newTestManager() *ModuleManager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewModuleManager(logger)
}

func TestPluginsAPIList_NoConfig(t *testing.T) {
	mgr := newTestManager()
	mgr.Register(&testPlugin{name: "test"})

	req := httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	rr := httptest.NewRecorder()
	mgr.handlePlugins(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var out []pluginInfo
	err := json.NewDecoder(rr.Body).Decode(&out)
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "test", out[0].Name)
	assert.Nil(t, out[0].Config)
}

func TestPluginsAPIList_WithConfig(t *testing.T) {
	mgr := newTestManager()
	mgr.Register(&testPlugin{name: "test"})

	req := httptest.NewRequest(http.MethodGet, "/api/plugins?include_config=true", nil)
	rr := httptest.NewRecorder()
	mgr.handlePlugins(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var out []pluginInfo
	err := json.NewDecoder(rr.Body).Decode(&out)
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	cfg, ok := out[0].Config.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "REDACTED", cfg["token"])
}

func TestPluginsAPIDetail(t *testing.T) {
	mgr := newTestManager()
	mgr.Register(&testPlugin{name: "test"})

	req := httptest.NewRequest(http.MethodGet, "/api/plugins/test", nil)
	rr := httptest.NewRecorder()
	mgr.handlePlugin(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var out pluginInfo
	err := json.NewDecoder(rr.Body).Decode(&out)
	assert.NoError(t, err)
	assert.Equal(t, "test", out.Name)
	cfg, ok := out.Config.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "REDACTED", cfg["token"])
}

func TestPluginsAPIDetail_FailedPlugin(t *testing.T) {
	mgr := newTestManager()
	mgr.Register(&testPlugin{name: "broken", initErr: errors.New("bad config")})
	require.NoError(t, mgr.Init(context.Background()))

	req := httptest.NewRequest(http.MethodGet, "/api/plugins/broken", nil)
	rr := httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, req)

	var out pluginInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	assert.Equal(t, StatusUnhealthy, out.Status)
	assert.Equal(t, "bad config", out.Error)
}

func TestPluginsAPIExecute(t *testing.T) {
	mgr := newTestManager()
	mgr.Register(&testPlugin{name: "test"})

	req := httptest.NewRequest(http.MethodPost, "/api/plugins/test/echo", strings.NewReader(`{"name":"wifi"}`))
	rr := httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var out map[string]map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	assert.Equal(t, "wifi", out["params"]["name"])
}

func TestPluginsAPIExecute_Errors(t *testing.T) {
	mgr := newTestManager()
	mgr.Register(&testPlugin{name: "test"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"unknown plugin", http.MethodPost, "/api/plugins/nope/echo", "{}", http.StatusNotFound},
		{"unknown action", http.MethodPost, "/api/plugins/test/nope", "{}", http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/plugins/test/echo", "{", http.StatusBadRequest},
		{"get with action", http.MethodGet, "/api/plugins/test/echo", "", http.StatusMethodNotAllowed},
		{"missing name", http.MethodGet, "/api/plugins/", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			mgr.GetMuxServer().ServeHTTP(rr, req)
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestReloadAPI(t *testing.T) {
	mgr := newTestManager()
	p := &testPlugin{name: "test"}
	mgr.Register(p)

	req := httptest.NewRequest(http.MethodPost, "/api/reload", nil)
	rr := httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, p.reloads)

	req = httptest.NewRequest(http.MethodGet, "/api/reload", nil)
	rr = httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	mgr := newTestManager()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
