package receiver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy/internal/storage"
)

type fakeMailbox struct {
	uidValidity uint32
	messages    map[uint32][]byte
	seen        []uint32
	closed      bool
}

func (m *fakeMailbox) UIDValidity() uint32 { return m.uidValidity }

func (m *fakeMailbox) SearchAfter(lastUID uint32) ([]uint32, error) {
	var uids []uint32
	for uid := range m.messages {
		if uid > lastUID {
			uids = append(uids, uid)
		}
	}
	// map iteration order is random; callers expect ascending
	for i := 0; i < len(uids); i++ {
		for j := i + 1; j < len(uids); j++ {
			if uids[j] < uids[i] {
				uids[i], uids[j] = uids[j], uids[i]
			}
		}
	}
	return uids, nil
}

func (m *fakeMailbox) FetchRaw(uid uint32) ([]byte, error) {
	raw, ok := m.messages[uid]
	if !ok {
		return nil, errors.New("no such uid")
	}
	return raw, nil
}

func (m *fakeMailbox) MarkSeen(uid uint32) error {
	m.seen = append(m.seen, uid)
	return nil
}

func (m *fakeMailbox) Close() error { m.closed = true; return nil }

type fakeRecvStore struct {
	accounts  []*storage.Account
	messages  map[string]*storage.Message // "tenant/id" -> message
	events    []*storage.Event
	uidStates map[string][2]uint32 // accountPK -> {lastUID, uidValidity}
}

func newFakeRecvStore() *fakeRecvStore {
	return &fakeRecvStore{
		messages:  make(map[string]*storage.Message),
		uidStates: make(map[string][2]uint32),
	}
}

func (f *fakeRecvStore) ListIMAPAccounts(context.Context) ([]*storage.Account, error) {
	return f.accounts, nil
}

func (f *fakeRecvStore) GetMessage(_ context.Context, tenantID, id string) (*storage.Message, error) {
	if m, ok := f.messages[tenantID+"/"+id]; ok {
		return m, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRecvStore) ListEvents(_ context.Context, messagePK string) ([]*storage.Event, error) {
	var events []*storage.Event
	for _, e := range f.events {
		if e.MessagePK == messagePK {
			events = append(events, e)
		}
	}
	return events, nil
}

func (f *fakeRecvStore) AddEvent(_ context.Context, e *storage.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeRecvStore) UpdateIMAPState(_ context.Context, pk string, lastUID, uidValidity uint32) error {
	f.uidStates[pk] = [2]uint32{lastUID, uidValidity}
	return nil
}

func bounceAccount() *storage.Account {
	return &storage.Account{
		PK: "acct-1", ID: "bounce", TenantID: "acme",
		IMAPHost: "imap.example.com", IMAPPort: 993, IMAPFolder: "INBOX",
		IMAPLastUID: 10, IMAPUIDValidity: 77,
	}
}

func TestPollAccountEmitsBounceEvent(t *testing.T) {
	store := newFakeRecvStore()
	acct := bounceAccount()
	store.accounts = []*storage.Account{acct}
	store.messages["acme/m-42"] = &storage.Message{PK: "pk-42", ID: "m-42", TenantID: "acme"}

	mbox := &fakeMailbox{
		uidValidity: 77,
		messages:    map[uint32][]byte{11: []byte(dsnBounce)},
	}
	r := New(Config{}, store, func(context.Context, *storage.Account) (Mailbox, error) {
		return mbox, nil
	})

	r.PollOnce(context.Background())

	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, storage.EventBounce, ev.Type)
	assert.Equal(t, "pk-42", ev.MessagePK)
	assert.Equal(t, BounceHard, ev.Metadata.BounceType)
	assert.Equal(t, "5.1.1", ev.Metadata.BounceCode)

	assert.Equal(t, [2]uint32{11, 77}, store.uidStates["acct-1"])
	assert.Equal(t, []uint32{11}, mbox.seen)
	assert.True(t, mbox.closed)
}

func TestPollAccountUIDValidityReset(t *testing.T) {
	store := newFakeRecvStore()
	acct := bounceAccount()
	store.accounts = []*storage.Account{acct}
	store.messages["acme/m-42"] = &storage.Message{PK: "pk-42", ID: "m-42", TenantID: "acme"}

	// New validity: stored lastUID 10 is void, UID 3 must be picked up.
	mbox := &fakeMailbox{
		uidValidity: 99,
		messages:    map[uint32][]byte{3: []byte(dsnBounce)},
	}
	r := New(Config{}, store, func(context.Context, *storage.Account) (Mailbox, error) {
		return mbox, nil
	})

	r.PollOnce(context.Background())

	require.Len(t, store.events, 1)
	assert.Equal(t, [2]uint32{3, 99}, store.uidStates["acct-1"])
}

func TestPollAccountReplayedUIDIsNoop(t *testing.T) {
	store := newFakeRecvStore()
	acct := bounceAccount()
	store.accounts = []*storage.Account{acct}
	store.messages["acme/m-42"] = &storage.Message{PK: "pk-42", ID: "m-42", TenantID: "acme"}

	mbox := &fakeMailbox{
		uidValidity: 77,
		messages:    map[uint32][]byte{11: []byte(dsnBounce)},
	}
	dial := func(context.Context, *storage.Account) (Mailbox, error) { return mbox, nil }
	r := New(Config{}, store, dial)

	r.PollOnce(context.Background())
	require.Len(t, store.events, 1)

	// Crash-replay: the pointer was not advanced, the same UID arrives
	// again.
	r.PollOnce(context.Background())
	assert.Len(t, store.events, 1, "replayed receipt does not duplicate its event")
}

func TestPollAccountSkipsUnknownMessage(t *testing.T) {
	store := newFakeRecvStore()
	store.accounts = []*storage.Account{bounceAccount()}

	mbox := &fakeMailbox{
		uidValidity: 77,
		messages:    map[uint32][]byte{11: []byte(dsnBounce)},
	}
	r := New(Config{}, store, func(context.Context, *storage.Account) (Mailbox, error) {
		return mbox, nil
	})

	r.PollOnce(context.Background())
	assert.Empty(t, store.events)
	assert.Equal(t, [2]uint32{11, 77}, store.uidStates["acct-1"],
		"pointer advances past unrecognized mail")
}

func TestPollAccountDialFailureLeavesPointer(t *testing.T) {
	store := newFakeRecvStore()
	store.accounts = []*storage.Account{bounceAccount()}

	r := New(Config{}, store, func(context.Context, *storage.Account) (Mailbox, error) {
		return nil, errors.New("connection refused")
	})

	r.PollOnce(context.Background())
	assert.Empty(t, store.uidStates)
}

func TestPollAccountPECReceipt(t *testing.T) {
	store := newFakeRecvStore()
	acct := bounceAccount()
	acct.IsPEC = true
	store.accounts = []*storage.Account{acct}
	store.messages["acme/m-9"] = &storage.Message{PK: "pk-9", ID: "m-9", TenantID: "acme", IsPEC: true}

	raw := "From: posta-certificata@pec.example.it\r\n" +
		"Subject: ricevuta\r\n" +
		"X-Ricevuta: avvenuta-consegna\r\n" +
		"\r\n" +
		"X-Genro-Mail-ID: m-9\r\n"
	mbox := &fakeMailbox{
		uidValidity: 77,
		messages:    map[uint32][]byte{11: []byte(raw)},
	}
	r := New(Config{}, store, func(context.Context, *storage.Account) (Mailbox, error) {
		return mbox, nil
	})

	r.PollOnce(context.Background())
	require.Len(t, store.events, 1)
	assert.Equal(t, storage.EventPECDelivery, store.events[0].Type)
}

type fakeSweepStore struct {
	tenants  []*storage.Tenant
	awaiting map[string][]*storage.Message
	cleared  []string
}

func (f *fakeSweepStore) ListTenants(context.Context, bool) ([]*storage.Tenant, error) {
	return f.tenants, nil
}

func (f *fakeSweepStore) ListPECAwaitingAcceptance(_ context.Context, tenantID string, _ int64) ([]*storage.Message, error) {
	return f.awaiting[tenantID], nil
}

func (f *fakeSweepStore) ClearPECFlag(_ context.Context, pk string) error {
	f.cleared = append(f.cleared, pk)
	return nil
}

func TestSweepOnceClearsOverduePEC(t *testing.T) {
	store := &fakeSweepStore{
		tenants: []*storage.Tenant{{ID: "acme", Active: true, PECAcceptanceDeadline: 3600}},
		awaiting: map[string][]*storage.Message{
			"acme": {{PK: "pk-1"}, {PK: "pk-2"}},
		},
	}
	s := NewSweeper(store, 0)
	cleared := s.SweepOnce(context.Background())
	assert.Equal(t, 2, cleared)
	assert.Equal(t, []string{"pk-1", "pk-2"}, store.cleared)
}
