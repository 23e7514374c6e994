package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Auth method constants shared by tenant webhooks and attachment fetches.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// AuthConfig selects how outbound HTTP requests on behalf of a tenant are
// authenticated. The zero value means no authentication.
type AuthConfig struct {
	Method   string `json:"method,omitempty"`
	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// LargeFileAction values for LargeFileConfig.Action.
const (
	LargeFileWarn    = "warn"
	LargeFileReject  = "reject"
	LargeFileRewrite = "rewrite"
)

// LargeFileConfig governs what happens when an outbound attachment exceeds
// the tenant's size threshold.
type LargeFileConfig struct {
	Enabled     bool   `json:"enabled"`
	MaxSizeMB   int    `json:"max_size_mb"`
	Action      string `json:"action,omitempty"`
	StorageURL  string `json:"storage_url,omitempty"`
	FileTTLDays int    `json:"file_ttl_days,omitempty"`
}

// RateLimits holds optional per-tenant overrides. Per-account limits take
// precedence when both are configured.
type RateLimits struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}

// Tenant is one isolated namespace owning accounts, messages and a webhook
// destination.
type Tenant struct {
	ID                    string
	Name                  string
	Active                bool
	ClientBaseURL         string
	ClientSyncPath        string
	ClientAttachmentPath  string
	ClientAuth            *AuthConfig
	RateLimits            *RateLimits
	LargeFile             *LargeFileConfig
	SuspendedBatches      string // comma-separated batch codes, "*" = all, "" = none
	PECAcceptanceDeadline int64  // seconds before a missing acceptance clears is_pec
	APIKeyExpiresAt       int64
	CreatedAt             int64
	UpdatedAt             int64
}

// SyncURL returns the webhook destination for delivery reports, or "" when
// the tenant has no base URL configured.
func (t *Tenant) SyncURL() string {
	if t.ClientBaseURL == "" {
		return ""
	}
	path := t.ClientSyncPath
	if path == "" {
		path = "/mail-proxy/sync"
	}
	return t.ClientBaseURL + path
}

// AttachmentURL returns the tenant endpoint used for endpoint-mode
// attachment fetches, or "" when no base URL is configured.
func (t *Tenant) AttachmentURL() string {
	if t.ClientBaseURL == "" {
		return ""
	}
	path := t.ClientAttachmentPath
	if path == "" {
		path = "/mail-proxy/attachments"
	}
	return t.ClientBaseURL + path
}

// Limit behaviors when an account rate limit is hit.
const (
	LimitDefer  = "defer"
	LimitReject = "reject"
)

// Account holds SMTP credentials (and IMAP credentials for PEC/bounce
// accounts) used to send on behalf of a tenant. PK is the referential
// identity; ID is unique only within the tenant.
type Account struct {
	PK       string
	ID       string
	TenantID string

	Host     string
	Port     int
	User     string
	Password string
	UseTLS   *bool // nil = infer from port (465 = implicit TLS)

	BatchSize      int
	TTL            int // idle SMTP connection lifetime, seconds
	LimitPerMinute int
	LimitPerHour   int
	LimitPerDay    int
	LimitBehavior  string

	IsPEC           bool
	IMAPHost        string
	IMAPPort        int
	IMAPUser        string
	IMAPPassword    string
	IMAPFolder      string
	IMAPLastUID     uint32
	IMAPUIDValidity uint32

	CreatedAt int64
	UpdatedAt int64
}

// TLSEnabled resolves the implicit-TLS decision for the account.
func (a *Account) TLSEnabled() bool {
	if a.UseTLS != nil {
		return *a.UseTLS
	}
	return a.Port == 465
}

// AttachmentSpec describes one attachment inside a message payload.
type AttachmentSpec struct {
	Filename    string      `json:"filename,omitempty"`
	StoragePath string      `json:"storage_path,omitempty"`
	FetchMode   string      `json:"fetch_mode,omitempty"`
	ContentMD5  string      `json:"content_md5,omitempty"`
	MimeType    string      `json:"mime_type,omitempty"`
	Auth        *AuthConfig `json:"auth,omitempty"`
}

// Envelope is the serialized message payload submitted by tenants. Unknown
// extra headers ride along in Headers.
type Envelope struct {
	From         string            `json:"from,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	To           []string          `json:"to,omitempty"`
	CC           []string          `json:"cc,omitempty"`
	BCC          []string          `json:"bcc,omitempty"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Attachments  []AttachmentSpec  `json:"attachments,omitempty"`
	EnvelopeFrom string            `json:"envelope_from,omitempty"`
	RetryCount   int               `json:"retry_count,omitempty"`
}

// Value implements driver.Valuer so envelopes can be bound as JSONB.
func (e Envelope) Value() (driver.Value, error) {
	return json.Marshal(e)
}

// Scan implements sql.Scanner for JSONB envelope columns.
func (e *Envelope) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	case nil:
		*e = Envelope{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Envelope", src)
	}
}

// Message priorities. Lower is more urgent.
const (
	PriorityImmediate = 0
	PriorityHigh      = 1
	PriorityMedium    = 2
	PriorityLow       = 3
)

var priorityLabels = map[int]string{
	PriorityImmediate: "immediate",
	PriorityHigh:      "high",
	PriorityMedium:    "medium",
	PriorityLow:       "low",
}

// PriorityLabel returns the human-readable label for a priority value.
func PriorityLabel(p int) string {
	if label, ok := priorityLabels[p]; ok {
		return label
	}
	return "medium"
}

// NormalizePriority converts a submitted priority (int 0..3 or label) to its
// numeric form, clamping out-of-range values and falling back to def.
func NormalizePriority(v interface{}, def int) int {
	if def < PriorityImmediate || def > PriorityLow {
		def = PriorityMedium
	}
	clamp := func(p int) int {
		if p < PriorityImmediate {
			return PriorityImmediate
		}
		if p > PriorityLow {
			return PriorityLow
		}
		return p
	}
	switch val := v.(type) {
	case nil:
		return def
	case int:
		return clamp(val)
	case int64:
		return clamp(int(val))
	case float64:
		return clamp(int(val))
	case string:
		for p, label := range priorityLabels {
			if label == val {
				return p
			}
		}
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil {
			return clamp(n)
		}
		return def
	default:
		return def
	}
}

// Message is a queue entry awaiting dispatch (or kept for reporting after a
// terminal outcome).
type Message struct {
	PK        string
	ID        string
	TenantID  string
	AccountID string
	AccountPK string
	Priority  int
	Payload   Envelope
	BatchCode string
	IsPEC     bool

	DeferredTS int64 // 0 = not deferred
	SMTPTS     int64 // 0 = pending or awaiting retry

	CreatedAt int64
	UpdatedAt int64
}

// Event types recorded in the message event log.
const (
	EventSent          = "sent"
	EventError         = "error"
	EventDeferred      = "deferred"
	EventBounce        = "bounce"
	EventPECAcceptance = "pec_acceptance"
	EventPECDelivery   = "pec_delivery"
	EventPECError      = "pec_error"
)

// EventMetadata is the structured blob attached to an event row. Only the
// fields relevant to the event type are set.
type EventMetadata struct {
	DeferredTS int64  `json:"deferred_ts,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	BounceType string `json:"bounce_type,omitempty"`
	BounceCode string `json:"bounce_code,omitempty"`
	SMTPCode   int    `json:"smtp_code,omitempty"`
}

// Value implements driver.Valuer for JSONB metadata columns.
func (m EventMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB metadata columns.
func (m *EventMetadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = EventMetadata{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into EventMetadata", src)
	}
}

// Event is one immutable state transition of a message. Rows are only ever
// mutated to set ReportedTS.
type Event struct {
	ID          int64
	MessagePK   string
	Type        string
	TS          int64
	Description string
	Metadata    EventMetadata
	ReportedTS  int64
}

// ReportEvent is an event joined to its message, as shipped to tenant
// webhooks.
type ReportEvent struct {
	Event
	MessageID string
	TenantID  string
	AccountID string
}

// CommandLogEntry is one appended record of a state-modifying command.
type CommandLogEntry struct {
	ID             int64
	Endpoint       string
	Payload        json.RawMessage
	TenantID       string
	ResponseStatus int
	ResponseBody   json.RawMessage
	CommandTS      int64
}

// Instance is the singleton row of process-wide configuration.
type Instance struct {
	Name     string
	APIToken string
	Edition  string // "ce" or "ee"
	Config   map[string]interface{}
}
