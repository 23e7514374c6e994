// Package receiver polls inbound IMAP mailboxes, correlates bounce and PEC
// receipts back to dispatched messages, and records them as events.
package receiver

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// Receipt kinds produced by the parser.
const (
	KindBounce        = "bounce"
	KindPECAcceptance = "pec_acceptance"
	KindPECDelivery   = "pec_delivery"
	KindPECError      = "pec_error"
	KindPECRejected   = "pec_rejected"
)

// Bounce severities.
const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

const maxDiagnosticLen = 500

// Receipt is the parsed form of one inbound message. Kind is empty when
// the input is not a recognizable bounce or receipt; the caller skips it.
type Receipt struct {
	Kind       string
	MessageID  string // correlation value from X-Genro-Mail-ID
	Recipient  string
	BounceType string
	BounceCode string
	Diagnostic string
}

var (
	correlationRe = regexp.MustCompile(`(?mi)^X-Genro-Mail-ID:[ \t]*(\S+)`)
	smtpCodeRe    = regexp.MustCompile(`\b([45]\d\d)\b`)
	statusCodeRe  = regexp.MustCompile(`\b([45])\.\d{1,3}\.\d{1,3}\b`)
	bounceSubject = regexp.MustCompile(`(?i)(undeliver|delivery (status|failure)|failure notice|returned mail|mail delivery failed)`)
)

// PEC receipt types carried in the X-Ricevuta header.
var pecKinds = map[string]string{
	"accettazione":      KindPECAcceptance,
	"avvenuta-consegna": KindPECDelivery,
	"errore-consegna":   KindPECError,
	"non-accettazione":  KindPECRejected,
}

// Parse inspects one raw RFC 822 message. It never fails: malformed or
// unrelated input yields a zero-kind receipt.
func Parse(raw []byte) *Receipt {
	r := &Receipt{}
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		// Fall back to raw-byte heuristics on unparseable input.
		r.MessageID = correlationFromRaw(raw)
		parseHeuristic(r, raw, "", "")
		return r
	}

	header := entity.Header
	if kind, ok := pecKinds[strings.ToLower(strings.TrimSpace(header.Get("X-Ricevuta")))]; ok {
		r.Kind = kind
	} else if isPECSubject(header.Get("Subject")) {
		r.Kind = pecKindFromSubject(header.Get("Subject"))
	}

	mediaType, params, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if mediaType == "multipart/report" &&
		strings.EqualFold(params["report-type"], "delivery-status") {
		parseDSN(r, entity)
	}

	if r.MessageID == "" {
		r.MessageID = correlationFromRaw(raw)
	}
	if r.Kind == "" {
		parseHeuristic(r, raw, header.Get("From"), header.Get("Subject"))
	}
	if r.Kind == KindBounce && r.BounceType == "" {
		r.BounceType = classifyBounce(r.BounceCode, r.Diagnostic)
	}
	r.Diagnostic = truncate(r.Diagnostic, maxDiagnosticLen)
	return r
}

// parseDSN walks a multipart/report entity: the delivery-status part
// carries the machine-readable verdict, the rfc822-headers part carries
// the correlation header.
func parseDSN(r *Receipt, entity *message.Entity) {
	mr := entity.MultipartReader()
	if mr == nil {
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch ct {
		case "message/delivery-status":
			parseDeliveryStatus(r, part.Body)
		case "message/rfc822-headers", "text/rfc822-headers", "message/rfc822":
			data, err := io.ReadAll(part.Body)
			if err == nil {
				if m := correlationRe.FindSubmatch(data); m != nil {
					r.MessageID = string(m[1])
				}
			}
		}
	}
}

// parseDeliveryStatus reads the per-recipient field block of a DSN.
func parseDeliveryStatus(r *Receipt, body io.Reader) {
	scanner := bufio.NewScanner(body)
	var action, status, diag, recipient string
	for scanner.Scan() {
		line := scanner.Text()
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "final-recipient":
			// "rfc822; user@example.com"
			if _, addr, ok := strings.Cut(value, ";"); ok {
				recipient = strings.TrimSpace(addr)
			} else {
				recipient = value
			}
		case "action":
			action = strings.ToLower(value)
		case "status":
			status = value
		case "diagnostic-code":
			diag = value
		}
	}

	if action == "failed" || action == "delayed" {
		r.Kind = KindBounce
	}
	r.Recipient = recipient
	if status != "" {
		r.BounceCode = status
	}
	if diag != "" {
		r.Diagnostic = diag
		if r.BounceCode == "" {
			if m := smtpCodeRe.FindString(diag); m != "" {
				r.BounceCode = m
			}
		}
	}
	if action == "delayed" {
		r.BounceType = BounceSoft
	}
}

// parseHeuristic recognizes non-DSN bounces: MAILER-DAEMON senders,
// failure subjects, and SMTP codes in the body.
func parseHeuristic(r *Receipt, raw []byte, from, subject string) {
	if from == "" || subject == "" {
		from, subject = headerFallback(raw, from, subject)
	}
	lowFrom := strings.ToLower(from)
	daemonSender := strings.Contains(lowFrom, "mailer-daemon") ||
		strings.Contains(lowFrom, "postmaster")
	if !daemonSender && !bounceSubject.MatchString(subject) {
		return
	}

	r.Kind = KindBounce
	if m := statusCodeRe.Find(raw); m != nil {
		r.BounceCode = string(m)
	} else if m := smtpCodeRe.Find(raw); m != nil {
		r.BounceCode = string(m)
	}
	if r.Diagnostic == "" {
		r.Diagnostic = strings.TrimSpace(subject)
	}
}

// headerFallback extracts From/Subject from raw bytes when MIME parsing
// failed.
func headerFallback(raw []byte, from, subject string) (string, string) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if from == "" && strings.HasPrefix(strings.ToLower(line), "from:") {
			from = strings.TrimSpace(line[5:])
		}
		if subject == "" && strings.HasPrefix(strings.ToLower(line), "subject:") {
			subject = strings.TrimSpace(line[8:])
		}
	}
	return from, subject
}

// correlationFromRaw finds the correlation header anywhere in the raw
// bytes, covering embedded original messages.
func correlationFromRaw(raw []byte) string {
	if m := correlationRe.FindSubmatch(raw); m != nil {
		return string(m[1])
	}
	return ""
}

// classifyBounce maps a status or SMTP code to hard/soft. 5xx (or 5.x.x)
// is hard, everything else soft.
func classifyBounce(code, diagnostic string) string {
	probe := code
	if probe == "" {
		probe = diagnostic
	}
	if strings.HasPrefix(probe, "5") {
		return BounceHard
	}
	if m := smtpCodeRe.FindString(probe); strings.HasPrefix(m, "5") {
		return BounceHard
	}
	return BounceSoft
}

func isPECSubject(subject string) bool {
	return pecKindFromSubject(subject) != ""
}

// pecKindFromSubject recognizes the standard Italian PEC receipt subject
// prefixes, the fallback when X-Ricevuta is missing.
func pecKindFromSubject(subject string) string {
	low := strings.ToLower(subject)
	switch {
	case strings.HasPrefix(low, "accettazione:"):
		return KindPECAcceptance
	case strings.HasPrefix(low, "consegna:"):
		return KindPECDelivery
	case strings.HasPrefix(low, "avviso di mancata consegna"):
		return KindPECError
	case strings.HasPrefix(low, "avviso di non accettazione"):
		return KindPECRejected
	}
	return ""
}

// truncate caps a string at n runes without splitting one.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
