package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy/internal/storage"
)

type fakeStore struct {
	tenants    []*storage.Tenant
	unreported map[string][]*storage.ReportEvent
	marked     [][]int64
	purged     []int64
}

func (f *fakeStore) ListTenants(context.Context, bool) ([]*storage.Tenant, error) {
	return f.tenants, nil
}

func (f *fakeStore) FetchUnreported(_ context.Context, tenantID string, _ int) ([]*storage.ReportEvent, error) {
	return f.unreported[tenantID], nil
}

func (f *fakeStore) MarkReported(_ context.Context, ids []int64, _ int64) error {
	f.marked = append(f.marked, ids)
	return nil
}

func (f *fakeStore) RemoveFullyReportedBefore(_ context.Context, ts int64, _ string) (int, error) {
	f.purged = append(f.purged, ts)
	return 0, nil
}

func sampleEvents(tenantID string) []*storage.ReportEvent {
	return []*storage.ReportEvent{
		{
			Event: storage.Event{
				ID: 1, MessagePK: "pk-1", Type: storage.EventSent, TS: 1000,
			},
			MessageID: "m-1", TenantID: tenantID, AccountID: "main",
		},
		{
			Event: storage.Event{
				ID: 2, MessagePK: "pk-2", Type: storage.EventError, TS: 1001,
				Description: "550 user unknown",
				Metadata:    storage.EventMetadata{SMTPCode: 550},
			},
			MessageID: "m-2", TenantID: tenantID, AccountID: "main",
		},
	}
}

func TestReportCyclePostsAndMarks(t *testing.T) {
	var got reportPayload
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{
		tenants: []*storage.Tenant{{
			ID: "acme", Active: true, ClientBaseURL: srv.URL,
			ClientAuth: &storage.AuthConfig{Method: storage.AuthBearer, Token: "tok"},
		}},
		unreported: map[string][]*storage.ReportEvent{"acme": sampleEvents("acme")},
	}
	r := New(Config{}, store, srv.Client())

	acked := r.ReportCycle(context.Background())
	assert.Equal(t, 2, acked)
	assert.Equal(t, "Bearer tok", gotAuth)

	require.Len(t, got.DeliveryReport, 2)
	assert.Equal(t, "m-1", got.DeliveryReport[0].ID)
	assert.Equal(t, "sent", got.DeliveryReport[0].Status)
	assert.Equal(t, "1970-01-01T00:16:40Z", got.DeliveryReport[0].Timestamp)
	assert.Equal(t, "main", got.DeliveryReport[0].Account)
	assert.Equal(t, "error", got.DeliveryReport[1].Status)
	assert.Equal(t, "550 user unknown", got.DeliveryReport[1].Error)

	require.Len(t, store.marked, 1)
	assert.Equal(t, []int64{1, 2}, store.marked[0])
}

// The webhook body is the external contract: each event carries the
// client-facing id, a status, an RFC 3339 UTC timestamp, the account,
// and failure detail as top-level optional keys.
func TestReportWireShape(t *testing.T) {
	var body struct {
		DeliveryReport []map[string]interface{} `json:"delivery_report"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{
		tenants: []*storage.Tenant{{ID: "acme", Active: true, ClientBaseURL: srv.URL}},
		unreported: map[string][]*storage.ReportEvent{"acme": {
			{
				Event: storage.Event{
					ID: 7, Type: storage.EventBounce, TS: 1700000000,
					Description: "mailbox unavailable",
					Metadata:    storage.EventMetadata{BounceType: "hard", BounceCode: "5.1.1"},
				},
				MessageID: "m-42", TenantID: "acme", AccountID: "main",
			},
			{
				Event: storage.Event{
					ID: 8, Type: storage.EventDeferred, TS: 1700000000,
					Description: "rate limit",
					Metadata:    storage.EventMetadata{DeferredTS: 1700000060},
				},
				MessageID: "m-43", TenantID: "acme", AccountID: "main",
			},
		}},
	}
	r := New(Config{}, store, srv.Client())
	r.ReportCycle(context.Background())

	require.Len(t, body.DeliveryReport, 2)

	bounce := body.DeliveryReport[0]
	assert.Equal(t, "m-42", bounce["id"])
	assert.Equal(t, "bounce", bounce["status"])
	assert.Equal(t, "2023-11-14T22:13:20Z", bounce["timestamp"])
	assert.Equal(t, "main", bounce["account"])
	assert.Equal(t, "hard", bounce["bounce_type"])
	assert.Equal(t, "5.1.1", bounce["bounce_code"])
	assert.Equal(t, "mailbox unavailable", bounce["error"])
	assert.NotContains(t, bounce, "metadata")
	assert.NotContains(t, bounce, "event_type")

	deferred := body.DeliveryReport[1]
	assert.Equal(t, "deferred", deferred["status"])
	assert.Equal(t, "2023-11-14T22:14:20Z", deferred["deferred_until"])
	assert.NotContains(t, deferred, "bounce_type")
}

// A tenant with a quiet queue still gets an empty report on its cadence;
// a queued count in the response triggers an immediate extra pass.
func TestEmptyReportSyncsQuietTenant(t *testing.T) {
	var got reportPayload
	posted := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true, "queued": 3}`))
	}))
	defer srv.Close()

	store := &fakeStore{
		tenants: []*storage.Tenant{{ID: "quiet", Active: true, ClientBaseURL: srv.URL}},
	}
	r := New(Config{}, store, srv.Client())

	acked := r.ReportCycle(context.Background())
	assert.Zero(t, acked)
	assert.Equal(t, 1, posted, "quiet tenant still contacted")
	assert.NotNil(t, got.DeliveryReport)
	assert.Empty(t, got.DeliveryReport)
	assert.Empty(t, store.marked, "nothing to mark for an empty report")

	select {
	case <-r.wake:
		// The queued count scheduled an immediate follow-up pass.
	default:
		t.Fatal("expected a follow-up wake for the tenant's queued messages")
	}
}

func TestReportCycleFailureSetsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &fakeStore{
		tenants:    []*storage.Tenant{{ID: "acme", Active: true, ClientBaseURL: srv.URL}},
		unreported: map[string][]*storage.ReportEvent{"acme": sampleEvents("acme")},
	}
	r := New(Config{FailureBackoff: 2 * time.Minute}, store, srv.Client())
	r.now = func() time.Time { return time.Unix(1000, 0) }

	acked := r.ReportCycle(context.Background())
	assert.Zero(t, acked)
	assert.Empty(t, store.marked, "failed POST leaves events unreported")

	// The tenant is now in a Do-Not-Disturb window.
	assert.False(t, r.eligible("acme"))

	// After the backoff plus the regular cadence lapses, it becomes
	// eligible again.
	r.now = func() time.Time { return time.Unix(1000+131, 0) }
	assert.True(t, r.eligible("acme"))
}

func TestReportCycleSkipsTenantWithoutURL(t *testing.T) {
	store := &fakeStore{
		tenants:    []*storage.Tenant{{ID: "bare", Active: true}},
		unreported: map[string][]*storage.ReportEvent{"bare": sampleEvents("bare")},
	}
	r := New(Config{}, store, http.DefaultClient)

	acked := r.ReportCycle(context.Background())
	assert.Zero(t, acked)
	assert.Empty(t, store.marked)
}

func TestReportCycleGlobalFallbackURL(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{
		tenants:    []*storage.Tenant{{ID: "bare", Active: true}},
		unreported: map[string][]*storage.ReportEvent{"bare": sampleEvents("bare")},
	}
	r := New(Config{GlobalSyncURL: srv.URL}, store, srv.Client())

	acked := r.ReportCycle(context.Background())
	assert.True(t, hit)
	assert.Equal(t, 2, acked)
}

func TestSyncCadence(t *testing.T) {
	store := &fakeStore{}
	r := New(Config{SyncInterval: 10 * time.Second}, store, http.DefaultClient)
	r.now = func() time.Time { return time.Unix(1000, 0) }

	assert.True(t, r.eligible("acme"), "never-synced tenant is eligible")

	r.setNextSync("acme", 1000)
	assert.False(t, r.eligible("acme"), "just-synced tenant waits")

	r.now = func() time.Time { return time.Unix(1011, 0) }
	assert.True(t, r.eligible("acme"))

	// "run now" resets the cadence entirely.
	r.now = func() time.Time { return time.Unix(1012, 0) }
	r.setNextSync("acme", 1012)
	r.ResetTenant("acme")
	assert.True(t, r.eligible("acme"))
}
