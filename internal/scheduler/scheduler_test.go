package scheduler

import (
	"context"
	"io"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy/internal/ratelimit"
	"github.com/softwell/mailproxy/internal/retry"
	"github.com/softwell/mailproxy/internal/smtppool"
	"github.com/softwell/mailproxy/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	tenants  map[string]*storage.Tenant
	accounts map[string]*storage.Account
	events   []*storage.Event
	payloads map[string]storage.Envelope
	fetches  []storage.ReadyFilter
	ready    [][]*storage.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:  make(map[string]*storage.Tenant),
		accounts: make(map[string]*storage.Account),
		payloads: make(map[string]storage.Envelope),
	}
}

func (f *fakeStore) FetchReady(_ context.Context, _ int, _ int64, filter storage.ReadyFilter) ([]*storage.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, filter)
	if len(f.ready) == 0 {
		return nil, nil
	}
	batch := f.ready[0]
	f.ready = f.ready[1:]
	return batch, nil
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (*storage.Tenant, error) {
	if t, ok := f.tenants[id]; ok {
		return t, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetAccountByPK(_ context.Context, pk string) (*storage.Account, error) {
	if a, ok := f.accounts[pk]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) AddEvent(_ context.Context, e *storage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) UpdatePayload(_ context.Context, pk string, payload storage.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[pk] = payload
	return nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

type fakeLimiter struct {
	plan     ratelimit.Plan
	logged   []string
	released []string
}

func (f *fakeLimiter) CheckAndPlan(context.Context, *storage.Account, *storage.RateLimits) (ratelimit.Plan, error) {
	return f.plan, nil
}
func (f *fakeLimiter) LogSend(_ context.Context, pk string) error {
	f.logged = append(f.logged, pk)
	return nil
}
func (f *fakeLimiter) ReleaseSlot(pk string) { f.released = append(f.released, pk) }
func (f *fakeLimiter) Prune(context.Context) {}

type scriptedSession struct {
	mailErr error
	sent    [][]byte
}

func (s *scriptedSession) Mail(string) error { return s.mailErr }
func (s *scriptedSession) Rcpt(string) error { return nil }
func (s *scriptedSession) Noop() error       { return nil }
func (s *scriptedSession) Quit() error       { return nil }
func (s *scriptedSession) Close() error      { return nil }

func (s *scriptedSession) Data() (io.WriteCloser, error) {
	return &captureWriter{session: s}, nil
}

type captureWriter struct {
	session *scriptedSession
	buf     []byte
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *captureWriter) Close() error {
	w.session.sent = append(w.session.sent, w.buf)
	return nil
}

type fakePool struct {
	session *scriptedSession
	dialErr error
}

func (f *fakePool) WithConnection(_ context.Context, _ *storage.Account, fn func(smtppool.Session) error) error {
	if f.dialErr != nil {
		return f.dialErr
	}
	return fn(f.session)
}
func (f *fakePool) CleanupExpired() {}

func testMessage() *storage.Message {
	return &storage.Message{
		PK: "pk-1", ID: "m-1", TenantID: "acme",
		AccountID: "main", AccountPK: "acct-1",
		Priority: storage.PriorityMedium,
		Payload: storage.Envelope{
			From: "sender@acme.example", To: []string{"rcpt@example.com"},
			Subject: "hello", Body: "body",
		},
	}
}

func testScheduler(store *fakeStore, limiter *fakeLimiter, pool *fakePool) *Scheduler {
	store.tenants["acme"] = &storage.Tenant{ID: "acme", Active: true}
	store.accounts["acct-1"] = &storage.Account{
		PK: "acct-1", ID: "main", TenantID: "acme",
		Host: "smtp.example.com", Port: 587,
	}
	builder := NewBuilder(nil, nil, "proxy.example")
	return New(Config{}, store, limiter, pool, builder, retry.NewStrategy(3, nil), nil)
}

func TestDispatchMessageSuccess(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	session := &scriptedSession{}
	s := testScheduler(store, limiter, &fakePool{session: session})

	s.dispatchMessage(context.Background(), testMessage())

	require.Equal(t, []string{storage.EventSent}, store.eventTypes())
	assert.Equal(t, []string{"acct-1"}, limiter.logged)
	require.Len(t, session.sent, 1)
	assert.Contains(t, string(session.sent[0]), "X-Genro-Mail-ID: m-1")
}

func TestDispatchMessageTransientFailureDefers(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	session := &scriptedSession{mailErr: &textproto.Error{Code: 450, Msg: "busy"}}
	s := testScheduler(store, limiter, &fakePool{session: session})
	s.now = func() time.Time { return time.Unix(1000, 0) }

	s.dispatchMessage(context.Background(), testMessage())

	require.Equal(t, []string{storage.EventDeferred}, store.eventTypes())
	ev := store.events[0]
	assert.Equal(t, int64(1060), ev.Metadata.DeferredTS, "first retry after 60s")
	assert.Equal(t, 1, ev.Metadata.RetryCount)
	assert.Equal(t, 1, store.payloads["pk-1"].RetryCount, "retry count persisted")
	assert.Equal(t, []string{"acct-1"}, limiter.released)
	assert.Empty(t, limiter.logged)
}

func TestDispatchMessagePermanentFailureErrors(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	session := &scriptedSession{mailErr: &textproto.Error{Code: 550, Msg: "user unknown"}}
	s := testScheduler(store, limiter, &fakePool{session: session})

	s.dispatchMessage(context.Background(), testMessage())

	require.Equal(t, []string{storage.EventError}, store.eventTypes())
	assert.Contains(t, store.events[0].Description, "550")
	assert.Equal(t, 550, store.events[0].Metadata.SMTPCode)
}

func TestDispatchMessageRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	session := &scriptedSession{mailErr: &textproto.Error{Code: 451, Msg: "try later"}}
	s := testScheduler(store, limiter, &fakePool{session: session})

	msg := testMessage()
	msg.Payload.RetryCount = 3
	s.dispatchMessage(context.Background(), msg)

	require.Equal(t, []string{storage.EventError}, store.eventTypes())
}

func TestDispatchMessageRateLimitDefer(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{plan: ratelimit.Plan{DeferUntil: 2060}}
	s := testScheduler(store, limiter, &fakePool{session: &scriptedSession{}})

	s.dispatchMessage(context.Background(), testMessage())

	require.Equal(t, []string{storage.EventDeferred}, store.eventTypes())
	assert.Equal(t, int64(2060), store.events[0].Metadata.DeferredTS)
}

func TestDispatchMessageRateLimitReject(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{plan: ratelimit.Plan{Reject: true}}
	s := testScheduler(store, limiter, &fakePool{session: &scriptedSession{}})

	s.dispatchMessage(context.Background(), testMessage())

	require.Equal(t, []string{storage.EventError}, store.eventTypes())
	assert.Equal(t, "rate_limit_exceeded", store.events[0].Description)
}

func TestDispatchMessageMissingField(t *testing.T) {
	store := newFakeStore()
	s := testScheduler(store, &fakeLimiter{}, &fakePool{session: &scriptedSession{}})

	msg := testMessage()
	msg.Payload.From = ""
	s.dispatchMessage(context.Background(), msg)

	require.Equal(t, []string{storage.EventError}, store.eventTypes())
	assert.Equal(t, "missing: from", store.events[0].Description)
}

func TestDispatchMessageUnresolvableAccount(t *testing.T) {
	store := newFakeStore()
	s := testScheduler(store, &fakeLimiter{}, &fakePool{session: &scriptedSession{}})

	msg := testMessage()
	msg.AccountPK = ""
	s.dispatchMessage(context.Background(), msg)

	require.Equal(t, []string{storage.EventError}, store.eventTypes())
	assert.Contains(t, store.events[0].Description, "account_configuration")
}

func TestProcessCycleImmediateFirst(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	session := &scriptedSession{}
	s := testScheduler(store, limiter, &fakePool{session: session})

	urgent := testMessage()
	urgent.PK, urgent.ID = "pk-0", "m-0"
	urgent.Priority = storage.PriorityImmediate
	normal := testMessage()
	store.ready = [][]*storage.Message{{urgent}, {normal}}

	processed := s.ProcessCycle(context.Background())
	assert.True(t, processed)

	require.Len(t, store.fetches, 2)
	assert.Equal(t, storage.PriorityImmediate, store.fetches[0].Priority)
	assert.Equal(t, storage.PriorityHigh, store.fetches[1].MinPriority)
	assert.Len(t, store.eventTypes(), 2)
}

func TestProcessCycleEmptyReportsFalse(t *testing.T) {
	store := newFakeStore()
	s := testScheduler(store, &fakeLimiter{}, &fakePool{session: &scriptedSession{}})
	assert.False(t, s.ProcessCycle(context.Background()))
}

func TestResultChannelEcho(t *testing.T) {
	store := newFakeStore()
	s := testScheduler(store, &fakeLimiter{}, &fakePool{session: &scriptedSession{}})

	s.dispatchMessage(context.Background(), testMessage())

	select {
	case res := <-s.Results():
		assert.Equal(t, "m-1", res.MessageID)
		assert.Equal(t, storage.EventSent, res.EventType)
	default:
		t.Fatal("expected a result on the channel")
	}
}
