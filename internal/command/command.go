// Package command is the single entry point for every state-changing
// operation: a static registry maps command names to handlers, payloads
// are validated at the boundary, and results are wrapped into a uniform
// {ok, ...} envelope. Mutating commands are appended to the command log.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// Store is the storage surface the dispatcher needs.
type Store interface {
	AddTenant(ctx context.Context, t *storage.Tenant) error
	GetTenant(ctx context.Context, id string) (*storage.Tenant, error)
	ListTenants(ctx context.Context, activeOnly bool) ([]*storage.Tenant, error)
	DeleteTenant(ctx context.Context, id string) (bool, error)
	SuspendBatch(ctx context.Context, tenantID, batchCode string) error
	ActivateBatch(ctx context.Context, tenantID, batchCode string) error
	CreateAPIKey(ctx context.Context, tenantID string, expiresAt int64) (string, error)
	RevokeAPIKey(ctx context.Context, tenantID string) error

	AddAccount(ctx context.Context, a *storage.Account) (string, error)
	GetAccount(ctx context.Context, tenantID, id string) (*storage.Account, error)
	ListAccounts(ctx context.Context, tenantID string) ([]*storage.Account, error)
	DeleteAccount(ctx context.Context, tenantID, id string) (bool, error)

	InsertMessages(ctx context.Context, tenantID string, entries []storage.MessageEntry) ([]storage.InsertResult, error)
	GetMessage(ctx context.Context, tenantID, id string) (*storage.Message, error)
	ListMessages(ctx context.Context, tenantID string, activeOnly bool) ([]*storage.Message, error)
	DeleteMessage(ctx context.Context, tenantID, id string) (bool, error)
	GetIDsForTenant(ctx context.Context, ids []string, tenantID string) ([]string, error)
	CountPendingForTenant(ctx context.Context, tenantID, batchCode string) (int, error)
	RemoveFullyReportedBefore(ctx context.Context, thresholdTS int64, tenantID string) (int, error)
	ListEvents(ctx context.Context, messagePK string) ([]*storage.Event, error)
	AddEvent(ctx context.Context, e *storage.Event) error

	GetInstance(ctx context.Context) (*storage.Instance, error)
	SetInstance(ctx context.Context, inst *storage.Instance) error
	UpgradeToEE(ctx context.Context) error

	LogCommand(ctx context.Context, entry *storage.CommandLogEntry) error
	ExportCommandLog(ctx context.Context, fromTS, toTS int64) ([]*storage.CommandLogEntry, error)
	PurgeCommandLog(ctx context.Context, beforeTS int64) (int, error)
}

// Scheduler is the dispatch-loop control surface.
type Scheduler interface {
	Wake()
	Pause()
	Resume()
	Active() bool
}

// Reporter is the webhook-loop control surface.
type Reporter interface {
	Wake()
	ResetTenant(tenantID string)
	LastSync(tenantID string) int64
}

// Response is the uniform command result envelope.
type Response map[string]interface{}

// MaxEnqueueBatch caps a single addMessages submission.
const MaxEnqueueBatch = 1000

// ValidationError rejects a payload synchronously, before any state
// change.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func errValidation(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

type handlerFunc func(ctx context.Context, d *Dispatcher, payload map[string]interface{}) (interface{}, error)

// commandSpec is one registry entry: the owning entity, whether the
// command mutates state (and is therefore command-logged), key aliases
// rewritten at the boundary, the envelope key for list results, and the
// handler itself.
type commandSpec struct {
	entity   string
	mutating bool
	aliases  map[string]string
	listKey  string
	handler  handlerFunc
}

// Dispatcher routes commands through the static registry.
type Dispatcher struct {
	store     Store
	scheduler Scheduler
	reporter  Reporter
	now       func() time.Time
}

// New assembles a dispatcher. scheduler and reporter may be nil in
// contexts that only need storage commands (CLI maintenance, tests).
func New(store Store, scheduler Scheduler, reporter Reporter) *Dispatcher {
	return &Dispatcher{
		store:     store,
		scheduler: scheduler,
		reporter:  reporter,
		now:       time.Now,
	}
}

// Commands returns the registered command names. The API layer derives
// its routes from this.
func Commands() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// IsMutating reports whether a command changes state. Unknown commands
// report false.
func IsMutating(name string) bool {
	spec, ok := registry[name]
	return ok && spec.mutating
}

// TenantID extracts the tenant scope of a raw payload, after legacy key
// rewriting. Empty when the command is not tenant-scoped.
func TenantID(name string, payload json.RawMessage) string {
	spec, ok := registry[name]
	if !ok {
		return ""
	}
	fields := decodeFields(payload, spec.aliases)
	id, _ := fields["tenant_id"].(string)
	return id
}

// Dispatch executes one command and returns the response envelope plus
// an HTTP-shaped status code. It never returns an error: failures are
// mapped into the envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload json.RawMessage) (Response, int) {
	spec, ok := registry[name]
	if !ok {
		return Response{"ok": false, "error": fmt.Sprintf("unknown command %q", name)},
			http.StatusNotFound
	}

	fields := decodeFields(payload, spec.aliases)
	result, err := spec.handler(ctx, d, fields)
	resp, status := wrap(result, spec.listKey, err)

	if spec.mutating {
		d.logCommand(ctx, name, payload, fields, resp, status)
	}
	return resp, status
}

// decodeFields parses the raw payload into a generic map and applies the
// command's legacy key aliases.
func decodeFields(payload json.RawMessage, aliases map[string]string) map[string]interface{} {
	fields := make(map[string]interface{})
	if len(payload) > 0 {
		// Malformed payloads surface as missing required fields.
		_ = json.Unmarshal(payload, &fields)
	}
	for legacy, canonical := range aliases {
		if v, ok := fields[legacy]; ok {
			if _, taken := fields[canonical]; !taken {
				fields[canonical] = v
			}
			delete(fields, legacy)
		}
	}
	return fields
}

// decodeInto re-marshals the generic field map into a typed request.
func decodeInto(fields map[string]interface{}, req interface{}) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return errValidation("invalid payload: %v", err)
	}
	if err := json.Unmarshal(data, req); err != nil {
		return errValidation("invalid payload: %v", err)
	}
	return nil
}

// wrap maps a handler result into the {ok, ...} envelope: booleans
// become ok/not-found, slices go under the command's list key, maps pass
// through with ok inserted, and structs are flattened via JSON.
func wrap(result interface{}, listKey string, err error) (Response, int) {
	if err != nil {
		var invalid *ValidationError
		switch {
		case errors.As(err, &invalid):
			return Response{"ok": false, "error": invalid.Error()}, http.StatusBadRequest
		case errors.Is(err, storage.ErrNotFound):
			return Response{"ok": false, "error": "not found"}, http.StatusNotFound
		case errors.Is(err, storage.ErrSuspendedAll):
			return Response{"ok": false, "error": err.Error()}, http.StatusConflict
		default:
			logger.Error("command failed", "error", err)
			return Response{"ok": false, "error": "internal error"}, http.StatusInternalServerError
		}
	}

	switch v := result.(type) {
	case nil:
		return Response{"ok": true}, http.StatusOK
	case bool:
		if !v {
			return Response{"ok": false, "error": "not found"}, http.StatusNotFound
		}
		return Response{"ok": true}, http.StatusOK
	case Response:
		if _, ok := v["ok"]; !ok {
			v["ok"] = true
		}
		return v, http.StatusOK
	case map[string]interface{}:
		if _, ok := v["ok"]; !ok {
			v["ok"] = true
		}
		return v, http.StatusOK
	}

	data, err := json.Marshal(result)
	if err != nil {
		logger.Error("encode command result failed", "error", err)
		return Response{"ok": false, "error": "internal error"}, http.StatusInternalServerError
	}
	if data[0] == '[' {
		key := listKey
		if key == "" {
			key = "items"
		}
		var items []interface{}
		_ = json.Unmarshal(data, &items)
		return Response{"ok": true, key: items}, http.StatusOK
	}
	resp := Response{}
	_ = json.Unmarshal(data, &resp)
	resp["ok"] = true
	return resp, http.StatusOK
}

// logCommand appends the executed command to the audit log. Logging
// failures never fail the command.
func (d *Dispatcher) logCommand(ctx context.Context, name string, payload json.RawMessage, fields map[string]interface{}, resp Response, status int) {
	tenantID, _ := fields["tenant_id"].(string)
	body, err := json.Marshal(resp)
	if err != nil {
		body = nil
	}
	entry := &storage.CommandLogEntry{
		Endpoint:       name,
		Payload:        payload,
		TenantID:       tenantID,
		ResponseStatus: status,
		ResponseBody:   body,
		CommandTS:      d.now().Unix(),
	}
	if err := d.store.LogCommand(ctx, entry); err != nil {
		logger.Warn("command log write failed", "command", name, "error", err)
	}
}
