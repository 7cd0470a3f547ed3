package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxActionBody bounds the JSON body accepted by action endpoints.
const maxActionBody = 64 << 10

type pluginInfo struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Capabilities []Capability  `json:"capabilities,omitempty"`
	Status       ServiceStatus `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
	Config       any           `json:"config,omitempty"`
}

func (m *ModuleManager) registerCoreRoutes() {
	m.mux.HandleFunc("/api/plugins", m.handlePlugins)
	m.mux.HandleFunc("/api/plugins/", m.handlePlugin)
	m.mux.HandleFunc("/api/reload", m.handleReload)
	m.mux.Handle("/metrics", promhttp.HandlerFor(m.metrics, promhttp.HandlerOpts{}))
}

func (m *ModuleManager) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	includeConfig := strings.EqualFold(r.URL.Query().Get("include_config"), "true")
	plugins := m.ListPlugins()
	out := make([]pluginInfo, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, m.buildPluginInfo(p, includeConfig))
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePlugin serves GET /api/plugins/{name} and POST /api/plugins/{name}/{action}.
func (m *ModuleManager) handlePlugin(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/plugins/"), "/")
	name, action, _ := strings.Cut(path, "/")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "plugin name required"})
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		plug, err := m.GetPlugin(name)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, m.buildPluginInfo(plug, true))
	case r.Method == http.MethodPost && action != "":
		m.handleExecute(w, r, name, action)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (m *ModuleManager) handleExecute(w http.ResponseWriter, r *http.Request, name, action string) {
	if _, err := m.GetPlugin(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	params := map[string]any{}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxActionBody))
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	res, err := m.Execute(r.Context(), name, action, params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (m *ModuleManager) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if err := m.Reload(r.Context()); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (m *ModuleManager) buildPluginInfo(plug Plugin, includeConfig bool) pluginInfo {
	info := pluginInfo{
		Name:         plug.Name(),
		Description:  plug.Description(),
		Capabilities: plug.Capabilities(),
		Status:       plug.Status(),
	}
	if err := m.Failed(plug.Name()); err != nil {
		info.Status = StatusUnhealthy
		info.Error = err.Error()
	}
	if includeConfig {
		if cfg, ok := plug.(ConfigProvider); ok {
			info.Config = cfg.Config()
		}
	}
	return info
}

func (m *ModuleManager) startHTTPServer() {
	m.serverOnce.Do(func() {
		addr := m.httpAddr()
		if addr == "" {
			return
		}
		m.server = &http.Server{
			Addr:    addr,
			Handler: m.mux,
		}
		m.logger.Info("HTTP server starting", "addr", addr)
		go func() {
			if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				m.logger.Error("HTTP server failed", "error", err)
			}
		}()
	})
}

func (m *ModuleManager) httpAddr() string {
	cfg := m.GetConfig()
	coreSection, ok := cfg["core"]
	if !ok {
		return ""
	}
	if v, ok := coreSection["http_addr"]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
