package secretservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mywio/secret-service/pkg/config"
	"github.com/mywio/secret-service/pkg/core"
	"github.com/mywio/secret-service/pkg/resolver"
	"github.com/mywio/secret-service/pkg/secrets"
)

const exampleConfig = `
secret_service:
  hash:
    algorithm: bcrypt
    cost: 4
  secrets:
    - secret: wifi
      value: abc123
  groups:
    - group: doors
      secrets:
        - secret: front
          value: p1
        - secret: back
          value: p2
`

func newManager(t *testing.T, yamlCfg string) *core.ModuleManager {
	t.Helper()
	cfg, err := config.ParseConfig([]byte(yamlCfg))
	require.NoError(t, err)
	mgr := core.NewModuleManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.SetConfig(cfg)
	mgr.SetConfigLoader(func() (map[string]map[string]any, error) {
		return config.ParseConfig([]byte(yamlCfg))
	})
	return mgr
}

func initPlugin(t *testing.T, mgr *core.ModuleManager, opts ...Option) *SecretServicePlugin {
	t.Helper()
	p := New(opts...)
	mgr.Register(p)
	require.NoError(t, mgr.Init(context.Background()))
	require.NoError(t, mgr.Failed(p.Name()))
	return p
}

func TestSecretServicePlugin_Lifecycle(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	p := initPlugin(t, mgr)
	ctx := context.Background()

	var _ core.Plugin = p
	var _ core.Executor = p
	var _ core.Reloader = p
	assert.Equal(t, "secret_service", p.Name())
	assert.Contains(t, p.Capabilities(), core.CapabilityValidator)
	assert.Equal(t, core.StatusHealthy, p.Status())

	assert.NoError(t, p.Start(ctx))
	assert.NoError(t, p.Stop(ctx))
}

func TestSecretServicePlugin_CheckExamples(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	p := initPlugin(t, mgr)
	ctx := context.Background()

	assert.True(t, p.Check(ctx, "wifi", "abc123"))
	assert.False(t, p.Check(ctx, "wifi", "ABC123"))
	assert.False(t, p.Check(ctx, "missing", "abc123"))
	assert.True(t, p.Check(ctx, "doors", "p1"))
	assert.True(t, p.Check(ctx, "doors", "p2"))
	assert.False(t, p.Check(ctx, "doors", "p3"))
}

func TestSecretServicePlugin_Execute(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	initPlugin(t, mgr)
	ctx := context.Background()

	res, err := mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": "wifi", "value": "abc123"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": true}, res)

	res, err = mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": "missing", "value": "abc123", "full_response": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "failed_invalid"}, res)

	res, err = mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": "doors", "value": "p2", "full_response": "true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "success"}, res)

	_, err = mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": "wifi"})
	assert.Error(t, err)
	_, err = mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": 1, "value": "x"})
	assert.Error(t, err)
	_, err = mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": "wifi", "value": "x", "full_response": 3})
	assert.Error(t, err)
	_, err = mgr.Execute(ctx, "secret_service", "explode", nil)
	assert.Error(t, err)
}

func TestSecretServicePlugin_ConfigErrorDisablesOnlyPlugin(t *testing.T) {
	mgr := newManager(t, `
secret_service:
  hash: {cost: 4}
  secrets:
    - secret: wifi
      value: ""
`)
	p := New()
	mgr.Register(p)

	require.NoError(t, mgr.Init(context.Background()))
	err := mgr.Failed(p.Name())
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrEmptyValue)
	assert.Equal(t, core.StatusUnhealthy, p.Status())
	assert.False(t, p.Check(context.Background(), "wifi", ""))
}

func TestSecretServicePlugin_MissingSection(t *testing.T) {
	mgr := newManager(t, "core: {http_addr: ''}\n")
	p := New()
	mgr.Register(p)
	require.NoError(t, mgr.Init(context.Background()))
	assert.ErrorIs(t, mgr.Failed(p.Name()), secrets.ErrNoSecrets)
}

func TestSecretServicePlugin_UnknownKeyRejected(t *testing.T) {
	mgr := newManager(t, `
secret_service:
  secrets:
    - secret: wifi
      valeu: abc123
`)
	p := New()
	mgr.Register(p)
	require.NoError(t, mgr.Init(context.Background()))
	assert.Error(t, mgr.Failed(p.Name()))
}

func TestSecretServicePlugin_ValueFrom(t *testing.T) {
	t.Setenv("ALARM_CODE", "4321")
	fake := resolver.NewGSMWithAccess("proj", func(ctx context.Context, name string) ([]byte, error) {
		if name == "projects/proj/secrets/back-door/versions/latest" {
			return []byte("p2"), nil
		}
		return nil, resolver.ErrNotFound
	})

	mgr := newManager(t, `
google_secret_manager:
  project_id: proj
secret_service:
  hash: {cost: 4}
  secrets:
    - secret: alarm
      value_from: env:ALARM_CODE
  groups:
    - group: doors
      secrets:
        - secret: back
          value_from: gsm:back-door
`)
	p := initPlugin(t, mgr, WithResolver("gsm", fake))
	ctx := context.Background()

	assert.True(t, p.Check(ctx, "alarm", "4321"))
	assert.True(t, p.Check(ctx, "doors", "p2"))
	assert.False(t, p.Check(ctx, "doors", "back-door"))
}

func TestSecretServicePlugin_ValueFromErrors(t *testing.T) {
	mgr := newManager(t, `
secret_service:
  hash: {cost: 4}
  secrets:
    - secret: alarm
      value_from: env:SECRET_SERVICE_SURELY_UNSET
    - secret: both
      value: x
      value_from: env:HOME
`)
	p := New()
	mgr.Register(p)
	require.NoError(t, mgr.Init(context.Background()))

	err := mgr.Failed(p.Name())
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrMissingValue)
	assert.ErrorIs(t, err, resolver.ErrNotFound)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestSecretServicePlugin_Reload(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	p := initPlugin(t, mgr)
	ctx := context.Background()

	current := exampleConfig
	mgr.SetConfigLoader(func() (map[string]map[string]any, error) {
		return config.ParseConfig([]byte(current))
	})

	current = `
secret_service:
  hash: {cost: 4}
  secrets:
    - secret: wifi
      value: new-pass
`
	res, err := p.Execute(ctx, ActionReload, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "reloaded", "secrets": 1, "groups": 0}, res)
	assert.True(t, p.Check(ctx, "wifi", "new-pass"))
	assert.False(t, p.Check(ctx, "wifi", "abc123"))
	assert.False(t, p.Check(ctx, "doors", "p1"))

	// A broken config keeps the previous registry live.
	current = `
secret_service:
  secrets:
    - secret: wifi
      value: a
    - secret: wifi
      value: b
`
	_, err = p.Execute(ctx, ActionReload, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrDuplicateName)
	assert.True(t, p.Check(ctx, "wifi", "new-pass"))
	assert.Equal(t, core.StatusDegraded, p.Status())
}

func TestSecretServicePlugin_ConcurrentChecksDuringReload(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	p := initPlugin(t, mgr)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				// the wifi secret is identical in both registries
				assert.True(t, p.Check(ctx, "wifi", "abc123"))
			}
		}()
	}
	_, err := p.Execute(ctx, ActionReload, nil)
	require.NoError(t, err)
	wg.Wait()
}

func TestSecretServicePlugin_EventsAndConfig(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	events := make(chan core.InternalEvent, 4)
	mgr.Subscribe("secret_check_failed", func(ctx context.Context, event core.InternalEvent) {
		events <- event
	})
	p := initPlugin(t, mgr)

	assert.False(t, p.Check(context.Background(), "wifi", "nope"))
	select {
	case ev := <-events:
		assert.Equal(t, "wifi", ev.Details["name"])
		for _, v := range ev.Details {
			assert.NotEqual(t, "nope", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no secret_check_failed event")
	}

	data, err := json.Marshal(p.Config())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"wifi"`)
	assert.Contains(t, string(data), `"front"`)
	assert.NotContains(t, string(data), "abc123")
	assert.NotContains(t, string(data), `"p1"`)
}

func TestSecretServicePlugin_HTTP(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	initPlugin(t, mgr)
	mux := mgr.GetMuxServer()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		want   string
	}{
		{"match", http.MethodPost, "/api/secret_service/check", `{"name":"wifi","value":"abc123"}`, http.StatusOK, `{"result":true}`},
		{"mismatch", http.MethodPost, "/api/secret_service/check", `{"name":"wifi","value":"x"}`, http.StatusOK, `{"result":false}`},
		{"full response", http.MethodPost, "/api/secret_service/check", `{"name":"doors","value":"p1","full_response":true}`, http.StatusOK, `{"result":"success"}`},
		{"generic action route", http.MethodPost, "/api/plugins/secret_service/check_secret", `{"name":"doors","value":"p3"}`, http.StatusOK, `{"result":false}`},
		{"bad body", http.MethodPost, "/api/secret_service/check", `{`, http.StatusBadRequest, ""},
		{"wrong method", http.MethodGet, "/api/secret_service/check", "", http.StatusMethodNotAllowed, ""},
		{"reload", http.MethodPost, "/api/secret_service/reload", "", http.StatusOK, `{"groups":1,"secrets":1,"status":"reloaded"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			assert.Equal(t, tt.code, rr.Code)
			if tt.want != "" {
				assert.JSONEq(t, tt.want, rr.Body.String())
			}
		})
	}
}

func TestSecretServicePlugin_CheckBeforeInit(t *testing.T) {
	p := New()
	assert.False(t, p.Check(context.Background(), "wifi", "abc123"))
	assert.Equal(t, core.StatusUnhealthy, p.Status())
}

type denyAll struct{}

func (denyAll) Before(context.Context, string) (secrets.Result, bool) {
	return secrets.ResultFailedAttemptsExceeded, true
}
func (denyAll) After(context.Context, string, secrets.Result) {}

func TestSecretServicePlugin_Policy(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	p := initPlugin(t, mgr, WithPolicy(denyAll{}))
	assert.Equal(t, secrets.ResultFailedAttemptsExceeded, p.Validate(context.Background(), "wifi", "abc123"))
}

func TestSecretServicePlugin_HTTPReloadReenablesFailedPlugin(t *testing.T) {
	current := `
secret_service:
  secrets:
    - secret: wifi
      value: ""
`
	mgr := newManager(t, current)
	mgr.SetConfigLoader(func() (map[string]map[string]any, error) {
		return config.ParseConfig([]byte(current))
	})
	p := New()
	mgr.Register(p)
	require.NoError(t, mgr.Init(context.Background()))
	require.Error(t, mgr.Failed(p.Name()))
	ctx := context.Background()

	_, err := mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": "wifi", "value": "abc123"})
	assert.Error(t, err)

	current = exampleConfig
	rr := httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/secret_service/reload", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NoError(t, mgr.Failed(p.Name()))

	res, err := mgr.Execute(ctx, "secret_service", ActionCheck, map[string]any{"name": "wifi", "value": "abc123"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": true}, res)

	rr = httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/plugins/secret_service", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, string(core.StatusHealthy), info["status"])
	assert.NotContains(t, info, "error")
}

func TestSecretServicePlugin_ExecuteReloadOnFailedPlugin(t *testing.T) {
	current := "secret_service:\n  secrets: []\n"
	mgr := newManager(t, current)
	mgr.SetConfigLoader(func() (map[string]map[string]any, error) {
		return config.ParseConfig([]byte(current))
	})
	p := New()
	mgr.Register(p)
	require.NoError(t, mgr.Init(context.Background()))
	require.ErrorIs(t, mgr.Failed(p.Name()), secrets.ErrNoSecrets)
	ctx := context.Background()

	// Still broken: the reload runs but reports the error.
	_, err := mgr.Execute(ctx, "secret_service", ActionReload, nil)
	assert.ErrorIs(t, err, secrets.ErrNoSecrets)
	assert.Error(t, mgr.Failed(p.Name()))

	current = exampleConfig
	res, err := mgr.Execute(ctx, "secret_service", ActionReload, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "reloaded", "secrets": 1, "groups": 1}, res)
	assert.NoError(t, mgr.Failed(p.Name()))
	assert.True(t, p.Check(ctx, "doors", "p2"))
}

func TestSecretServicePlugin_ScrubsInlineValuesFromHostConfig(t *testing.T) {
	mgr := newManager(t, exampleConfig)
	p := initPlugin(t, mgr)
	ctx := context.Background()

	assertScrubbed := func() {
		t.Helper()
		section := mgr.GetConfig()["secret_service"]
		require.NotNil(t, section)
		dump := fmt.Sprintf("%v", section)
		assert.Contains(t, dump, "wifi")
		assert.Contains(t, dump, "front")
		for _, plain := range []string{"abc123", "p1", "p2"} {
			assert.NotContains(t, dump, plain)
		}
	}
	assertScrubbed()

	_, err := p.Execute(ctx, ActionReload, nil)
	require.NoError(t, err)
	assertScrubbed()
	assert.True(t, p.Check(ctx, "wifi", "abc123"))
	assert.True(t, p.Check(ctx, "doors", "p1"))
}

func TestScrubSection(t *testing.T) {
	secretsList := []any{map[string]any{"secret": "wifi", "value": "abc123"}, "odd"}
	section := map[string]any{
		"hash":    map[string]any{"cost": 4},
		"secrets": secretsList,
		"groups": []any{map[string]any{
			"group":   "doors",
			"secrets": []any{map[string]any{"secret": "front", "value": "p1", "value_from": "env:X"}},
		}},
	}

	out := scrubSection(section)
	assert.Equal(t, []any{map[string]any{"secret": "wifi"}, "odd"}, out["secrets"])
	assert.Equal(t, []any{map[string]any{
		"group":   "doors",
		"secrets": []any{map[string]any{"secret": "front", "value_from": "env:X"}},
	}}, out["groups"])
	assert.Equal(t, map[string]any{"cost": 4}, out["hash"])
	// the original nested values are not mutated
	assert.Equal(t, "abc123", secretsList[0].(map[string]any)["value"])
	assert.Nil(t, scrubSection(nil))
}
