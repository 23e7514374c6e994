package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewWithDB(db), mock, func() { db.Close() }
}

func messageRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"pk", "id", "tenant_id", "account_id", "account_pk", "priority",
		"payload", "batch_code", "is_pec", "deferred_ts", "smtp_ts",
		"created_at", "updated_at",
	})
}

func TestAddEventSentStampsMessage(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO message_events").
		WithArgs("pk-1", EventSent, int64(1000), "250 ok", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("UPDATE messages SET smtp_ts").
		WithArgs("pk-1", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := &Event{MessagePK: "pk-1", Type: EventSent, TS: 1000, Description: "250 ok"}
	require.NoError(t, s.AddEvent(context.Background(), ev))
	assert.Equal(t, int64(7), ev.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddEventDeferredUsesMetadataTimestamp(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO message_events").
		WithArgs("pk-1", EventDeferred, int64(1000), "rate limited", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))
	mock.ExpectExec("UPDATE messages SET deferred_ts").
		WithArgs("pk-1", int64(1300), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := &Event{
		MessagePK:   "pk-1",
		Type:        EventDeferred,
		TS:          1000,
		Description: "rate limited",
		Metadata:    EventMetadata{DeferredTS: 1300},
	}
	require.NoError(t, s.AddEvent(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddEventBounceLeavesMessageUntouched(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO message_events").
		WithArgs("pk-1", EventBounce, int64(1000), "mailbox full", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectCommit()

	ev := &Event{MessagePK: "pk-1", Type: EventBounce, TS: 1000, Description: "mailbox full"}
	require.NoError(t, s.AddEvent(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessagesSkipsAlreadySent(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT pk FROM accounts WHERE is_pec").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pk, smtp_ts FROM messages").
		WithArgs("acme", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk", "smtp_ts"}).
			AddRow("pk-1", int64(900)))
	mock.ExpectRollback()

	results, err := s.InsertMessages(context.Background(), "acme", []MessageEntry{
		{ID: "msg-1", AccountID: "main", Priority: PriorityMedium},
	})
	require.NoError(t, err)
	assert.Empty(t, results, "already-sent entries are skipped, not errors")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessagesInsertsFresh(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT pk FROM accounts WHERE is_pec").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow("acct-pec"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pk, smtp_ts FROM messages").
		WithArgs("acme", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk", "smtp_ts"}))
	mock.ExpectQuery("SELECT pk FROM accounts WHERE tenant_id").
		WithArgs("acme", "main").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow("acct-1"))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	results, err := s.InsertMessages(context.Background(), "acme", []MessageEntry{
		{ID: "msg-1", AccountID: "main", Priority: PriorityHigh,
			Payload: Envelope{To: []string{"x@example.com"}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "msg-1", results[0].ID)
	assert.NotEmpty(t, results[0].PK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessagesUpdatesPending(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT pk FROM accounts WHERE is_pec").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pk, smtp_ts FROM messages").
		WithArgs("acme", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk", "smtp_ts"}).
			AddRow("pk-1", nil))
	mock.ExpectQuery("SELECT pk FROM accounts WHERE tenant_id").
		WithArgs("acme", "main").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow("acct-1"))
	mock.ExpectExec("UPDATE messages SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	results, err := s.InsertMessages(context.Background(), "acme", []MessageEntry{
		{ID: "msg-1", AccountID: "main", Priority: PriorityLow},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pk-1", results[0].PK, "pending rows keep their pk")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchReadyPriorityFilter(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM messages m").
		WithArgs(int64(2000), 0, 50).
		WillReturnRows(messageRows().AddRow(
			"pk-1", "msg-1", "acme", "main", "acct-1", 0,
			[]byte(`{"to":["x@example.com"]}`), "", false,
			int64(0), int64(0), int64(1500), int64(1500)))

	msgs, err := s.FetchReady(context.Background(), 50, 2000,
		ReadyFilter{Priority: 0, MinPriority: -1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, PriorityImmediate, msgs[0].Priority)
	assert.Equal(t, []string{"x@example.com"}, msgs[0].Payload.To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchReadyMinPriorityFilter(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM messages m").
		WithArgs(int64(2000), 1, 50).
		WillReturnRows(messageRows())

	msgs, err := s.FetchReady(context.Background(), 50, 2000,
		ReadyFilter{Priority: -1, MinPriority: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchUnreportedJoinsMessages(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{
		"id", "message_pk", "event_type", "event_ts", "description",
		"metadata", "id", "tenant_id", "account_id",
	}).AddRow(int64(1), "pk-1", EventSent, int64(1000), "250 ok",
		[]byte(`{}`), "msg-1", "acme", "main")

	mock.ExpectQuery("FROM message_events e").
		WithArgs("acme", 100).
		WillReturnRows(rows)

	events, err := s.FetchUnreported(context.Background(), "acme", 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "msg-1", events[0].MessageID)
	assert.Equal(t, EventSent, events[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReportedEmptySliceIsNoop(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	require.NoError(t, s.MarkReported(context.Background(), nil, 1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountSendsSince(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT(.+) FROM send_log").
		WithArgs("acct-1", int64(940)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	n, err := s.CountSendsSince(context.Background(), "acct-1", 940)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
