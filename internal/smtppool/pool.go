// Package smtppool maintains authenticated SMTP sessions keyed by
// credentials, so consecutive sends through the same account reuse one
// connection instead of handshaking per message.
package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"sync"
	"time"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// Session is one authenticated SMTP conversation. *smtp.Client satisfies
// it; tests substitute fakes.
type Session interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Noop() error
	Quit() error
	Close() error
}

// Dialer opens a new authenticated session for an account.
type Dialer interface {
	Dial(ctx context.Context, a *storage.Account) (Session, error)
}

type key struct {
	host string
	port int
	user string
	tls  bool
}

func keyFor(a *storage.Account) key {
	return key{host: a.Host, port: a.Port, user: a.User, tls: a.TLSEnabled()}
}

type pooled struct {
	session  Session
	lastUsed time.Time
	ttl      time.Duration
}

// Pool hands out sessions keyed by (host, port, user, tls). Shared across
// tenants; connections never cross credential boundaries.
type Pool struct {
	dialer Dialer

	mu   sync.Mutex
	idle map[key][]*pooled
	now  func() time.Time
}

// New builds a pool using the given dialer; nil selects the real SMTP
// dialer.
func New(d Dialer) *Pool {
	if d == nil {
		d = &netDialer{connectTimeout: 30 * time.Second}
	}
	return &Pool{
		dialer: d,
		idle:   make(map[key][]*pooled),
		now:    time.Now,
	}
}

// Get returns a live session for the account, reusing an idle one when its
// TTL has not lapsed. The caller must return it with Put or discard it
// with Discard.
func (p *Pool) Get(ctx context.Context, a *storage.Account) (Session, error) {
	k := keyFor(a)
	for {
		p.mu.Lock()
		stack := p.idle[k]
		if len(stack) == 0 {
			p.mu.Unlock()
			break
		}
		c := stack[len(stack)-1]
		p.idle[k] = stack[:len(stack)-1]
		p.mu.Unlock()

		if p.now().Sub(c.lastUsed) > c.ttl {
			c.session.Close()
			continue
		}
		// Probe before reuse; a relay may have dropped us while idle.
		if err := c.session.Noop(); err != nil {
			c.session.Close()
			continue
		}
		return c.session, nil
	}
	return p.dialer.Dial(ctx, a)
}

// Put returns a healthy session to the pool.
func (p *Pool) Put(a *storage.Account, s Session) {
	ttl := time.Duration(a.TTL) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyFor(a)
	p.idle[k] = append(p.idle[k], &pooled{session: s, lastUsed: p.now(), ttl: ttl})
}

// Discard closes a session that failed mid-transaction instead of pooling
// it.
func (p *Pool) Discard(s Session) {
	if s != nil {
		s.Close()
	}
}

// WithConnection runs fn with a session and settles it afterwards: healthy
// sessions return to the pool, failed ones are closed.
func (p *Pool) WithConnection(ctx context.Context, a *storage.Account, fn func(Session) error) error {
	s, err := p.Get(ctx, a)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		p.Discard(s)
		return err
	}
	p.Put(a, s)
	return nil
}

// CleanupExpired quits idle sessions past their TTL. Run from a periodic
// maintenance tick.
func (p *Pool) CleanupExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for k, stack := range p.idle {
		var kept []*pooled
		for _, c := range stack {
			if now.Sub(c.lastUsed) > c.ttl {
				if err := c.session.Quit(); err != nil {
					c.session.Close()
				}
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, k)
		} else {
			p.idle[k] = kept
		}
	}
}

// Shutdown quits every idle session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, stack := range p.idle {
		for _, c := range stack {
			if err := c.session.Quit(); err != nil {
				c.session.Close()
			}
		}
		delete(p.idle, k)
	}
}

// IdleCount reports pooled sessions, for the status endpoint.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, stack := range p.idle {
		n += len(stack)
	}
	return n
}

// netDialer opens real SMTP sessions: implicit TLS on port 465, otherwise
// plaintext upgraded with STARTTLS when the server offers it.
type netDialer struct {
	connectTimeout time.Duration
}

func (d *netDialer) Dial(ctx context.Context, a *storage.Account) (Session, error) {
	addr := fmt.Sprintf("%s:%d", a.Host, a.Port)
	nd := &net.Dialer{Timeout: d.connectTimeout}

	var conn net.Conn
	var err error
	if a.TLSEnabled() && a.Port == 465 {
		tlsDialer := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: a.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, a.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake %s: %w", addr, err)
	}

	if a.TLSEnabled() && a.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: a.Host}); err != nil {
				client.Close()
				return nil, fmt.Errorf("starttls %s: %w", addr, err)
			}
		} else {
			logger.Warn("starttls not offered, continuing in plaintext",
				"host", a.Host, "port", a.Port)
		}
	}

	if a.User != "" {
		auth := smtp.PlainAuth("", a.User, a.Password, a.Host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				client.Close()
				return nil, fmt.Errorf("smtp auth %s: %w", addr, err)
			}
		}
	}
	return &clientSession{client}, nil
}

// clientSession adapts *smtp.Client to the Session interface.
type clientSession struct {
	c *smtp.Client
}

func (s *clientSession) Mail(from string) error { return s.c.Mail(from) }
func (s *clientSession) Rcpt(to string) error   { return s.c.Rcpt(to) }
func (s *clientSession) Noop() error            { return s.c.Noop() }
func (s *clientSession) Quit() error            { return s.c.Quit() }
func (s *clientSession) Close() error           { return s.c.Close() }

func (s *clientSession) Data() (io.WriteCloser, error) { return s.c.Data() }
