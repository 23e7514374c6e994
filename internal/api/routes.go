package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/softwell/mailproxy/internal/command"
)

// route binds one HTTP method and pattern to a registered command. URL
// parameters and query values are folded into the command payload.
type route struct {
	method  string
	pattern string
	command string
}

var routes = []route{
	{http.MethodPost, "/tenants", "addTenant"},
	{http.MethodGet, "/tenants", "listTenants"},
	{http.MethodGet, "/tenants/sync_status", "getSyncStatus"},
	{http.MethodGet, "/tenants/{tenant_id}", "getTenant"},
	{http.MethodDelete, "/tenants/{tenant_id}", "deleteTenant"},
	{http.MethodPost, "/tenants/{tenant_id}/suspend", "suspend"},
	{http.MethodPost, "/tenants/{tenant_id}/activate", "activate"},
	{http.MethodPost, "/tenants/{tenant_id}/api_key", "createApiKey"},
	{http.MethodDelete, "/tenants/{tenant_id}/api_key", "revokeApiKey"},

	{http.MethodPost, "/accounts", "addAccount"},
	{http.MethodGet, "/accounts", "listAccounts"},
	{http.MethodGet, "/accounts/{tenant_id}/{account_id}", "getAccount"},
	{http.MethodDelete, "/accounts/{tenant_id}/{account_id}", "deleteAccount"},

	{http.MethodPost, "/messages", "addMessages"},
	{http.MethodGet, "/messages", "listMessages"},
	{http.MethodPost, "/messages/delete", "deleteMessages"},
	{http.MethodPost, "/messages/cleanup", "cleanupMessages"},
	{http.MethodGet, "/messages/{tenant_id}/{id}", "getMessage"},
	{http.MethodGet, "/messages/{tenant_id}/{id}/events", "listEvents"},

	{http.MethodPost, "/suspend", "suspend"},
	{http.MethodPost, "/activate", "activate"},

	{http.MethodGet, "/instance", "getInstance"},
	{http.MethodPut, "/instance", "setInstance"},
	{http.MethodPost, "/instance/run_now", "runNow"},
	{http.MethodPost, "/instance/upgrade_ee", "upgradeToEE"},

	{http.MethodGet, "/command_log", "exportCommandLog"},
	{http.MethodPost, "/command_log/purge", "purgeCommandLog"},
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", TokenHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Get("/status", s.handleStatus)
		for _, rt := range routes {
			r.Method(rt.method, rt.pattern, s.commandHandler(rt.command))
		}
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	active := true
	if s.status != nil {
		active = s.status.Active()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "active": active})
}

// commandHandler adapts one registered command to HTTP: the JSON body,
// query string, and URL parameters merge into a single payload which is
// then authorized against the request scope and dispatched.
func (s *Server) commandHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields := make(map[string]interface{})

		if r.Method != http.MethodGet && r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
			if err != nil {
				writeError(w, http.StatusBadRequest, "read body failed")
				return
			}
			if len(body) > 0 {
				if err := json.Unmarshal(body, &fields); err != nil {
					writeError(w, http.StatusBadRequest, "invalid json body")
					return
				}
			}
		}
		for key, vals := range r.URL.Query() {
			if len(vals) == 0 {
				continue
			}
			if identifierParams[key] {
				fields[key] = vals[0]
			} else {
				fields[key] = coerce(vals[0])
			}
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			for i, key := range rctx.URLParams.Keys {
				if key != "*" {
					fields[key] = rctx.URLParams.Values[i]
				}
			}
		}

		payload, err := json.Marshal(fields)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}

		sc := scopeFrom(r.Context())
		if !sc.global {
			tenantID := command.TenantID(name, payload)
			if tenantID == "" || tenantID != sc.tenantID {
				writeError(w, http.StatusForbidden, "tenant token out of scope")
				return
			}
		}

		resp, status := s.dispatcher.Dispatch(r.Context(), name, payload)
		writeJSON(w, status, resp)
	}
}

// identifierParams are query keys that stay strings even when their value
// happens to look numeric.
var identifierParams = map[string]bool{
	"tenant_id":  true,
	"account_id": true,
	"id":         true,
	"batch_code": true,
	"name":       true,
}

// coerce turns a query-string value into the JSON type the command layer
// expects: numbers and booleans pass through typed, everything else stays
// a string.
func coerce(v string) interface{} {
	if v == "true" || v == "false" {
		return v == "true"
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}
