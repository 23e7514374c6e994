package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// Mailbox is one selected IMAP folder. The real implementation wraps
// go-imap; tests substitute fakes.
type Mailbox interface {
	// UIDValidity of the selected folder.
	UIDValidity() uint32
	// SearchAfter returns UIDs strictly greater than lastUID, ascending.
	SearchAfter(lastUID uint32) ([]uint32, error)
	// FetchRaw returns the full RFC 822 bytes of one message.
	FetchRaw(uid uint32) ([]byte, error)
	// MarkSeen flags a processed message.
	MarkSeen(uid uint32) error
	Close() error
}

// DialFunc opens the account's configured folder.
type DialFunc func(ctx context.Context, a *storage.Account) (Mailbox, error)

// Store is the storage surface the receiver needs.
type Store interface {
	ListIMAPAccounts(ctx context.Context) ([]*storage.Account, error)
	GetMessage(ctx context.Context, tenantID, id string) (*storage.Message, error)
	ListEvents(ctx context.Context, messagePK string) ([]*storage.Event, error)
	AddEvent(ctx context.Context, e *storage.Event) error
	UpdateIMAPState(ctx context.Context, accountPK string, lastUID, uidValidity uint32) error
}

// Config tunes the polling loops.
type Config struct {
	PollInterval time.Duration
}

// Receiver polls every account with an IMAP mailbox configured.
type Receiver struct {
	cfg   Config
	store Store
	dial  DialFunc
	now   func() time.Time
}

// New assembles a receiver. A nil dial selects the real IMAP dialer.
func New(cfg Config, store Store, dial DialFunc) *Receiver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if dial == nil {
		dial = dialIMAP
	}
	return &Receiver{cfg: cfg, store: store, dial: dial, now: time.Now}
}

// Run polls until ctx is cancelled. Each account is polled sequentially
// inside a cycle; IMAP errors affect only their own account.
func (r *Receiver) Run(ctx context.Context) {
	logger.Info("receiver started", "poll_interval", r.cfg.PollInterval.String())
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.PollOnce(ctx)
		select {
		case <-ctx.Done():
			logger.Info("receiver stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one polling pass over all IMAP-enabled accounts.
func (r *Receiver) PollOnce(ctx context.Context) {
	accounts, err := r.store.ListIMAPAccounts(ctx)
	if err != nil {
		logger.Error("list imap accounts failed", "error", err)
		return
	}
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		if err := r.pollAccount(ctx, acct); err != nil {
			// Next cycle retries; the UID pointer was not advanced.
			logger.Warn("imap poll failed",
				"tenant_id", acct.TenantID, "account", acct.ID, "error", err)
		}
	}
}

// pollAccount drains new UIDs from one mailbox, emitting events for
// recognized receipts. The UID pointer advances only after the event (if
// any) is durably stored, so a crash replays at most one UID.
func (r *Receiver) pollAccount(ctx context.Context, acct *storage.Account) error {
	mbox, err := r.dial(ctx, acct)
	if err != nil {
		return fmt.Errorf("dial imap: %w", err)
	}
	defer mbox.Close()

	lastUID := acct.IMAPLastUID
	validity := mbox.UIDValidity()
	if validity != acct.IMAPUIDValidity {
		// Folder was rebuilt; all stored UIDs are void.
		logger.Info("uidvalidity changed, resetting uid pointer",
			"tenant_id", acct.TenantID, "account", acct.ID,
			"old", acct.IMAPUIDValidity, "new", validity)
		lastUID = 0
	}

	uids, err := mbox.SearchAfter(lastUID)
	if err != nil {
		return fmt.Errorf("uid search: %w", err)
	}

	for _, uid := range uids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if uid <= lastUID {
			continue
		}
		raw, err := mbox.FetchRaw(uid)
		if err != nil {
			return fmt.Errorf("fetch uid %d: %w", uid, err)
		}

		if err := r.handleReceipt(ctx, acct, raw); err != nil {
			return fmt.Errorf("handle uid %d: %w", uid, err)
		}
		if err := mbox.MarkSeen(uid); err != nil {
			logger.Debug("mark seen failed", "uid", uid, "error", err)
		}

		lastUID = uid
		if err := r.store.UpdateIMAPState(ctx, acct.PK, lastUID, validity); err != nil {
			return fmt.Errorf("persist uid pointer: %w", err)
		}
	}
	return nil
}

// handleReceipt parses one inbound message and records the correlated
// event. Unrecognized or uncorrelatable input is skipped silently.
func (r *Receiver) handleReceipt(ctx context.Context, acct *storage.Account, raw []byte) error {
	receipt := Parse(raw)
	if receipt.Kind == "" || receipt.MessageID == "" {
		return nil
	}

	msg, err := r.store.GetMessage(ctx, acct.TenantID, receipt.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("receipt for unknown message",
			"tenant_id", acct.TenantID, "message_id", receipt.MessageID,
			"kind", receipt.Kind)
		return nil
	}
	if err != nil {
		return err
	}

	event := receiptEvent(receipt, msg.PK, r.now().Unix())

	// A replayed UID must not duplicate its event.
	existing, err := r.store.ListEvents(ctx, msg.PK)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Type == event.Type && e.Description == event.Description {
			return nil
		}
	}

	if err := r.store.AddEvent(ctx, event); err != nil {
		return err
	}
	logger.Info("receipt recorded",
		"tenant_id", acct.TenantID, "message_id", receipt.MessageID,
		"type", event.Type)
	return nil
}

// receiptEvent maps a parsed receipt to its event-log form.
func receiptEvent(receipt *Receipt, messagePK string, nowTS int64) *storage.Event {
	e := &storage.Event{
		MessagePK:   messagePK,
		TS:          nowTS,
		Description: receipt.Diagnostic,
	}
	switch receipt.Kind {
	case KindBounce:
		e.Type = storage.EventBounce
		e.Metadata = storage.EventMetadata{
			BounceType: receipt.BounceType,
			BounceCode: receipt.BounceCode,
		}
	case KindPECAcceptance:
		e.Type = storage.EventPECAcceptance
	case KindPECDelivery:
		e.Type = storage.EventPECDelivery
	case KindPECError, KindPECRejected:
		e.Type = storage.EventPECError
		if receipt.Kind == KindPECRejected && e.Description == "" {
			e.Description = "non-accettazione"
		}
	}
	return e
}

// dialIMAP is the production DialFunc: TLS connect, login, select the
// configured folder.
func dialIMAP(ctx context.Context, a *storage.Account) (Mailbox, error) {
	addr := fmt.Sprintf("%s:%d", a.IMAPHost, a.IMAPPort)
	c, err := client.DialTLS(addr, &tls.Config{ServerName: a.IMAPHost})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := c.Login(a.IMAPUser, a.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	status, err := c.Select(a.IMAPFolder, false)
	if err != nil {
		c.Logout()
		return nil, fmt.Errorf("select %s: %w", a.IMAPFolder, err)
	}
	return &imapMailbox{client: c, uidValidity: status.UidValidity}, nil
}

type imapMailbox struct {
	client      *client.Client
	uidValidity uint32
}

func (m *imapMailbox) UIDValidity() uint32 { return m.uidValidity }

func (m *imapMailbox) SearchAfter(lastUID uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	seq := new(imap.SeqSet)
	seq.AddRange(lastUID+1, 0) // 0 = "*"
	criteria.Uid = seq
	return m.client.UidSearch(criteria)
}

func (m *imapMailbox) FetchRaw(uid uint32) ([]byte, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seq, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw []byte
	for msg := range messages {
		if body := msg.GetBody(section); body != nil {
			data, err := io.ReadAll(body)
			if err != nil {
				return nil, err
			}
			raw = data
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	return raw, nil
}

func (m *imapMailbox) MarkSeen(uid uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return m.client.UidStore(seq, item, []interface{}{imap.SeenFlag}, nil)
}

func (m *imapMailbox) Close() error { return m.client.Logout() }
