package command

import (
	"context"
	"encoding/json"

	"github.com/softwell/mailproxy/internal/storage"
)

var tenantAliases = map[string]string{"id": "tenant_id"}
var accountAliases = map[string]string{"id": "account_id"}

// registry is the static command table. REST routes and the CLI both
// derive from it; nothing is reflected at runtime.
var registry = map[string]commandSpec{
	"addTenant":    {entity: "tenant", mutating: true, aliases: tenantAliases, handler: addTenant},
	"getTenant":    {entity: "tenant", aliases: tenantAliases, handler: getTenant},
	"listTenants":  {entity: "tenant", listKey: "tenants", handler: listTenants},
	"deleteTenant": {entity: "tenant", mutating: true, aliases: tenantAliases, handler: deleteTenant},
	"suspend":      {entity: "tenant", mutating: true, aliases: tenantAliases, handler: suspend},
	"activate":     {entity: "tenant", mutating: true, aliases: tenantAliases, handler: activate},
	"getSyncStatus": {entity: "tenant", listKey: "tenants", handler: getSyncStatus},
	"createApiKey":  {entity: "tenant", mutating: true, aliases: tenantAliases, handler: createAPIKey},
	"revokeApiKey":  {entity: "tenant", mutating: true, aliases: tenantAliases, handler: revokeAPIKey},

	"addAccount":    {entity: "account", mutating: true, aliases: accountAliases, handler: addAccount},
	"getAccount":    {entity: "account", aliases: accountAliases, handler: getAccount},
	"listAccounts":  {entity: "account", listKey: "accounts", handler: listAccounts},
	"deleteAccount": {entity: "account", mutating: true, aliases: accountAliases, handler: deleteAccount},

	"addMessages":     {entity: "message", mutating: true, handler: addMessages},
	"getMessage":      {entity: "message", handler: getMessage},
	"listMessages":    {entity: "message", listKey: "messages", handler: listMessages},
	"deleteMessages":  {entity: "message", mutating: true, handler: deleteMessages},
	"cleanupMessages": {entity: "message", mutating: true, handler: cleanupMessages},
	"listEvents":      {entity: "message", listKey: "events", handler: listEvents},

	"runNow":           {entity: "instance", mutating: true, handler: runNow},
	"getInstance":      {entity: "instance", handler: getInstance},
	"setInstance":      {entity: "instance", mutating: true, handler: setInstance},
	"upgradeToEE":      {entity: "instance", mutating: true, handler: upgradeToEE},
	"exportCommandLog": {entity: "instance", listKey: "entries", handler: exportCommandLog},
	"purgeCommandLog":  {entity: "instance", mutating: true, handler: purgeCommandLog},
}

// ---- tenants ----

type tenantRequest struct {
	TenantID              string                   `json:"tenant_id"`
	Name                  string                   `json:"name"`
	Active                *bool                    `json:"active"`
	ClientBaseURL         string                   `json:"client_base_url"`
	ClientSyncPath        string                   `json:"client_sync_path"`
	ClientAttachmentPath  string                   `json:"client_attachment_path"`
	ClientAuth            *storage.AuthConfig      `json:"client_auth"`
	RateLimits            *storage.RateLimits      `json:"rate_limits"`
	LargeFile             *storage.LargeFileConfig `json:"large_file"`
	PECAcceptanceDeadline int64                    `json:"pec_acceptance_deadline"`
}

type tenantView struct {
	TenantID              string                   `json:"tenant_id"`
	Name                  string                   `json:"name"`
	Active                bool                     `json:"active"`
	ClientBaseURL         string                   `json:"client_base_url,omitempty"`
	ClientSyncPath        string                   `json:"client_sync_path,omitempty"`
	ClientAttachmentPath  string                   `json:"client_attachment_path,omitempty"`
	ClientAuth            *storage.AuthConfig      `json:"client_auth,omitempty"`
	RateLimits            *storage.RateLimits      `json:"rate_limits,omitempty"`
	LargeFile             *storage.LargeFileConfig `json:"large_file,omitempty"`
	SuspendedBatches      string                   `json:"suspended_batches,omitempty"`
	PECAcceptanceDeadline int64                    `json:"pec_acceptance_deadline,omitempty"`
	CreatedAt             int64                    `json:"created_at,omitempty"`
	UpdatedAt             int64                    `json:"updated_at,omitempty"`
}

func viewTenant(t *storage.Tenant) tenantView {
	return tenantView{
		TenantID:              t.ID,
		Name:                  t.Name,
		Active:                t.Active,
		ClientBaseURL:         t.ClientBaseURL,
		ClientSyncPath:        t.ClientSyncPath,
		ClientAttachmentPath:  t.ClientAttachmentPath,
		ClientAuth:            t.ClientAuth,
		RateLimits:            t.RateLimits,
		LargeFile:             t.LargeFile,
		SuspendedBatches:      t.SuspendedBatches,
		PECAcceptanceDeadline: t.PECAcceptanceDeadline,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
	}
}

func addTenant(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	var req tenantRequest
	if err := decodeInto(fields, &req); err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		return nil, errValidation("tenant_id is required")
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	t := &storage.Tenant{
		ID:                    req.TenantID,
		Name:                  req.Name,
		Active:                active,
		ClientBaseURL:         req.ClientBaseURL,
		ClientSyncPath:        req.ClientSyncPath,
		ClientAttachmentPath:  req.ClientAttachmentPath,
		ClientAuth:            req.ClientAuth,
		RateLimits:            req.RateLimits,
		LargeFile:             req.LargeFile,
		PECAcceptanceDeadline: req.PECAcceptanceDeadline,
	}
	if err := d.store.AddTenant(ctx, t); err != nil {
		return nil, err
	}
	return Response{"tenant_id": t.ID}, nil
}

func getTenant(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	id, _ := fields["tenant_id"].(string)
	if id == "" {
		return nil, errValidation("tenant_id is required")
	}
	t, err := d.store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewTenant(t), nil
}

func listTenants(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	activeOnly, _ := fields["active_only"].(bool)
	tenants, err := d.store.ListTenants(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	views := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		views = append(views, viewTenant(t))
	}
	return views, nil
}

func deleteTenant(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	id, _ := fields["tenant_id"].(string)
	if id == "" {
		return nil, errValidation("tenant_id is required")
	}
	return d.store.DeleteTenant(ctx, id)
}

// suspend halts dispatch for one batch code, a whole tenant, or, with no
// tenant_id at all, the whole scheduler.
func suspend(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	batchCode, _ := fields["batch_code"].(string)
	if tenantID == "" {
		if batchCode != "" {
			return nil, errValidation("batch_code requires tenant_id")
		}
		if d.scheduler == nil {
			return nil, errValidation("tenant_id is required")
		}
		d.scheduler.Pause()
		return Response{"active": false}, nil
	}
	if err := d.store.SuspendBatch(ctx, tenantID, batchCode); err != nil {
		return nil, err
	}
	return nil, nil
}

// activate is the inverse of suspend.
func activate(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	batchCode, _ := fields["batch_code"].(string)
	if tenantID == "" {
		if batchCode != "" {
			return nil, errValidation("batch_code requires tenant_id")
		}
		if d.scheduler == nil {
			return nil, errValidation("tenant_id is required")
		}
		d.scheduler.Resume()
		return Response{"active": true}, nil
	}
	if err := d.store.ActivateBatch(ctx, tenantID, batchCode); err != nil {
		return nil, err
	}
	if d.scheduler != nil {
		d.scheduler.Wake()
	}
	return nil, nil
}

type syncStatusView struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	LastSync int64  `json:"last_sync"`
	Pending  int    `json:"pending"`
}

func getSyncStatus(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenants, err := d.store.ListTenants(ctx, false)
	if err != nil {
		return nil, err
	}
	views := make([]syncStatusView, 0, len(tenants))
	for _, t := range tenants {
		pending, err := d.store.CountPendingForTenant(ctx, t.ID, "")
		if err != nil {
			return nil, err
		}
		var lastSync int64
		if d.reporter != nil {
			lastSync = d.reporter.LastSync(t.ID)
		}
		views = append(views, syncStatusView{
			TenantID: t.ID,
			Name:     t.Name,
			Active:   t.Active,
			LastSync: lastSync,
			Pending:  pending,
		})
	}
	return views, nil
}

func createAPIKey(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	if tenantID == "" {
		return nil, errValidation("tenant_id is required")
	}
	expiresAt, _ := fields["expires_at"].(float64)
	raw, err := d.store.CreateAPIKey(ctx, tenantID, int64(expiresAt))
	if err != nil {
		return nil, err
	}
	return Response{"api_key": raw}, nil
}

func revokeAPIKey(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	if tenantID == "" {
		return nil, errValidation("tenant_id is required")
	}
	if err := d.store.RevokeAPIKey(ctx, tenantID); err != nil {
		return nil, err
	}
	return nil, nil
}

// ---- accounts ----

type accountRequest struct {
	TenantID       string `json:"tenant_id"`
	AccountID      string `json:"account_id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	UseTLS         *bool  `json:"use_tls"`
	BatchSize      int    `json:"batch_size"`
	TTL            int    `json:"ttl"`
	LimitPerMinute int    `json:"limit_per_minute"`
	LimitPerHour   int    `json:"limit_per_hour"`
	LimitPerDay    int    `json:"limit_per_day"`
	LimitBehavior  string `json:"limit_behavior"`
	IsPEC          bool   `json:"is_pec"`
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port"`
	IMAPUser       string `json:"imap_user"`
	IMAPPassword   string `json:"imap_password"`
	IMAPFolder     string `json:"imap_folder"`
}

type accountView struct {
	AccountID      string `json:"account_id"`
	TenantID       string `json:"tenant_id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user,omitempty"`
	UseTLS         *bool  `json:"use_tls,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	TTL            int    `json:"ttl,omitempty"`
	LimitPerMinute int    `json:"limit_per_minute,omitempty"`
	LimitPerHour   int    `json:"limit_per_hour,omitempty"`
	LimitPerDay    int    `json:"limit_per_day,omitempty"`
	LimitBehavior  string `json:"limit_behavior,omitempty"`
	IsPEC          bool   `json:"is_pec,omitempty"`
	IMAPHost       string `json:"imap_host,omitempty"`
	IMAPPort       int    `json:"imap_port,omitempty"`
	IMAPUser       string `json:"imap_user,omitempty"`
	IMAPFolder     string `json:"imap_folder,omitempty"`
	CreatedAt      int64  `json:"created_at,omitempty"`
	UpdatedAt      int64  `json:"updated_at,omitempty"`
}

func viewAccount(a *storage.Account) accountView {
	return accountView{
		AccountID:      a.ID,
		TenantID:       a.TenantID,
		Host:           a.Host,
		Port:           a.Port,
		User:           a.User,
		UseTLS:         a.UseTLS,
		BatchSize:      a.BatchSize,
		TTL:            a.TTL,
		LimitPerMinute: a.LimitPerMinute,
		LimitPerHour:   a.LimitPerHour,
		LimitPerDay:    a.LimitPerDay,
		LimitBehavior:  a.LimitBehavior,
		IsPEC:          a.IsPEC,
		IMAPHost:       a.IMAPHost,
		IMAPPort:       a.IMAPPort,
		IMAPUser:       a.IMAPUser,
		IMAPFolder:     a.IMAPFolder,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func addAccount(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	var req accountRequest
	if err := decodeInto(fields, &req); err != nil {
		return nil, err
	}
	switch {
	case req.TenantID == "":
		return nil, errValidation("tenant_id is required")
	case req.AccountID == "":
		return nil, errValidation("account_id is required")
	case req.Host == "":
		return nil, errValidation("host is required")
	case req.Port <= 0 || req.Port > 65535:
		return nil, errValidation("port %d out of range", req.Port)
	}
	if _, err := d.store.GetTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	pk, err := d.store.AddAccount(ctx, &storage.Account{
		ID:             req.AccountID,
		TenantID:       req.TenantID,
		Host:           req.Host,
		Port:           req.Port,
		User:           req.User,
		Password:       req.Password,
		UseTLS:         req.UseTLS,
		BatchSize:      req.BatchSize,
		TTL:            req.TTL,
		LimitPerMinute: req.LimitPerMinute,
		LimitPerHour:   req.LimitPerHour,
		LimitPerDay:    req.LimitPerDay,
		LimitBehavior:  req.LimitBehavior,
		IsPEC:          req.IsPEC,
		IMAPHost:       req.IMAPHost,
		IMAPPort:       req.IMAPPort,
		IMAPUser:       req.IMAPUser,
		IMAPPassword:   req.IMAPPassword,
		IMAPFolder:     req.IMAPFolder,
	})
	if err != nil {
		return nil, err
	}
	return Response{"account_id": req.AccountID, "pk": pk}, nil
}

func getAccount(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	accountID, _ := fields["account_id"].(string)
	if tenantID == "" || accountID == "" {
		return nil, errValidation("tenant_id and account_id are required")
	}
	a, err := d.store.GetAccount(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	return viewAccount(a), nil
}

func listAccounts(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	accounts, err := d.store.ListAccounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewAccount(a))
	}
	return views, nil
}

func deleteAccount(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	accountID, _ := fields["account_id"].(string)
	if tenantID == "" || accountID == "" {
		return nil, errValidation("tenant_id and account_id are required")
	}
	return d.store.DeleteAccount(ctx, tenantID, accountID)
}

// ---- instance ----

// runNow wakes the dispatch and report loops. With a tenant_id, that
// tenant's sync cadence is also cleared so it reports immediately.
func runNow(_ context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	if d.scheduler != nil {
		d.scheduler.Wake()
	}
	if d.reporter != nil {
		if tenantID, _ := fields["tenant_id"].(string); tenantID != "" {
			d.reporter.ResetTenant(tenantID)
		}
		d.reporter.Wake()
	}
	return nil, nil
}

func getInstance(ctx context.Context, d *Dispatcher, _ map[string]interface{}) (interface{}, error) {
	inst, err := d.store.GetInstance(ctx)
	if err != nil {
		return nil, err
	}
	// The API token stays server-side.
	return Response{
		"name":    inst.Name,
		"edition": inst.Edition,
		"config":  inst.Config,
	}, nil
}

type instanceRequest struct {
	Name     string                 `json:"name"`
	APIToken string                 `json:"api_token"`
	Config   map[string]interface{} `json:"config"`
}

func setInstance(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	var req instanceRequest
	if err := decodeInto(fields, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errValidation("name is required")
	}
	err := d.store.SetInstance(ctx, &storage.Instance{
		Name:     req.Name,
		APIToken: req.APIToken,
		Config:   req.Config,
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func upgradeToEE(ctx context.Context, d *Dispatcher, _ map[string]interface{}) (interface{}, error) {
	if err := d.store.UpgradeToEE(ctx); err != nil {
		return nil, err
	}
	return Response{"edition": "ee"}, nil
}

type commandLogView struct {
	ID             int64           `json:"id"`
	Endpoint       string          `json:"endpoint"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
	ResponseStatus int             `json:"response_status"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	CommandTS      int64           `json:"command_ts"`
}

func exportCommandLog(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	fromTS, _ := fields["from_ts"].(float64)
	toTS, _ := fields["to_ts"].(float64)
	entries, err := d.store.ExportCommandLog(ctx, int64(fromTS), int64(toTS))
	if err != nil {
		return nil, err
	}
	views := make([]commandLogView, 0, len(entries))
	for _, e := range entries {
		views = append(views, commandLogView{
			ID:             e.ID,
			Endpoint:       e.Endpoint,
			Payload:        e.Payload,
			TenantID:       e.TenantID,
			ResponseStatus: e.ResponseStatus,
			ResponseBody:   e.ResponseBody,
			CommandTS:      e.CommandTS,
		})
	}
	return views, nil
}

func purgeCommandLog(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	beforeTS, _ := fields["before_ts"].(float64)
	if beforeTS <= 0 {
		return nil, errValidation("before_ts is required")
	}
	n, err := d.store.PurgeCommandLog(ctx, int64(beforeTS))
	if err != nil {
		return nil, err
	}
	return Response{"purged": n}, nil
}
