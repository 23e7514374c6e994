package receiver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dsnBounce = "From: Mail Delivery System <MAILER-DAEMON@mx.example.com>\r\n" +
	"To: bounces@acme.example\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"BOUND\"\r\n" +
	"MIME-Version: 1.0\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Your message could not be delivered.\r\n" +
	"--BOUND\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Reporting-MTA: dns; mx.example.com\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; nobody@example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 User unknown\r\n" +
	"--BOUND\r\n" +
	"Content-Type: message/rfc822-headers\r\n" +
	"\r\n" +
	"From: sender@acme.example\r\n" +
	"To: nobody@example.com\r\n" +
	"X-Genro-Mail-ID: m-42\r\n" +
	"--BOUND--\r\n"

func TestParseDSNBounce(t *testing.T) {
	r := Parse([]byte(dsnBounce))
	assert.Equal(t, KindBounce, r.Kind)
	assert.Equal(t, "m-42", r.MessageID)
	assert.Equal(t, "nobody@example.com", r.Recipient)
	assert.Equal(t, "5.1.1", r.BounceCode)
	assert.Equal(t, BounceHard, r.BounceType)
	assert.Contains(t, r.Diagnostic, "550")
}

func TestParseSoftDSN(t *testing.T) {
	soft := strings.ReplaceAll(dsnBounce, "Status: 5.1.1", "Status: 4.2.2")
	soft = strings.ReplaceAll(soft, "Action: failed", "Action: delayed")
	soft = strings.ReplaceAll(soft, "550 5.1.1 User unknown", "452 4.2.2 Mailbox full")

	r := Parse([]byte(soft))
	assert.Equal(t, KindBounce, r.Kind)
	assert.Equal(t, BounceSoft, r.BounceType)
	assert.Equal(t, "4.2.2", r.BounceCode)
}

func TestParseHeuristicBounce(t *testing.T) {
	raw := "From: MAILER-DAEMON@mx.example.com\r\n" +
		"Subject: Mail delivery failed: returning message to sender\r\n" +
		"\r\n" +
		"The following message to <nobody@example.com> was undeliverable.\r\n" +
		"The reason for the problem: 550 user unknown\r\n" +
		"X-Genro-Mail-ID: m-7\r\n"

	r := Parse([]byte(raw))
	assert.Equal(t, KindBounce, r.Kind)
	assert.Equal(t, "m-7", r.MessageID)
	assert.Equal(t, BounceHard, r.BounceType)
	assert.Equal(t, "550", r.BounceCode)
}

func TestParsePECReceipts(t *testing.T) {
	tests := []struct {
		ricevuta string
		want     string
	}{
		{"accettazione", KindPECAcceptance},
		{"avvenuta-consegna", KindPECDelivery},
		{"errore-consegna", KindPECError},
		{"non-accettazione", KindPECRejected},
	}
	for _, tt := range tests {
		t.Run(tt.ricevuta, func(t *testing.T) {
			raw := "From: posta-certificata@pec.example.it\r\n" +
				"Subject: ricevuta\r\n" +
				"X-Ricevuta: " + tt.ricevuta + "\r\n" +
				"\r\n" +
				"Ricevuta relativa al messaggio\r\n" +
				"X-Genro-Mail-ID: m-9\r\n"
			r := Parse([]byte(raw))
			assert.Equal(t, tt.want, r.Kind)
			assert.Equal(t, "m-9", r.MessageID)
		})
	}
}

func TestParsePECSubjectFallback(t *testing.T) {
	raw := "From: posta-certificata@pec.example.it\r\n" +
		"Subject: ACCETTAZIONE: avviso\r\n" +
		"\r\n" +
		"X-Genro-Mail-ID: m-10\r\n"
	r := Parse([]byte(raw))
	assert.Equal(t, KindPECAcceptance, r.Kind)
}

func TestParseOrdinaryMailIsIgnored(t *testing.T) {
	raw := "From: human@example.com\r\n" +
		"Subject: lunch?\r\n" +
		"\r\n" +
		"are you free at noon\r\n"
	r := Parse([]byte(raw))
	assert.Empty(t, r.Kind)
}

func TestParseMalformedInputNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("garbage with no structure"),
		[]byte("Content-Type: multipart/report; report-type=delivery-status\r\n\r\ntruncated"),
		[]byte(strings.Repeat("\x00\xff", 100)),
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Parse(in) })
	}
}

func TestParseTruncatesLongDiagnostics(t *testing.T) {
	long := strings.Repeat("х", 2000) // multibyte on purpose
	raw := "From: MAILER-DAEMON@mx.example.com\r\n" +
		"Subject: failure notice: " + long + "\r\n" +
		"\r\n" +
		"X-Genro-Mail-ID: m-11\r\n"
	r := Parse([]byte(raw))
	assert.Equal(t, KindBounce, r.Kind)
	assert.LessOrEqual(t, len([]rune(r.Diagnostic)), maxDiagnosticLen)
	assert.True(t, strings.HasPrefix(r.Diagnostic, "failure notice:"))
}

func TestCorrelationIDIsCaseExact(t *testing.T) {
	raw := "From: MAILER-DAEMON@mx.example.com\r\n" +
		"Subject: failure notice\r\n" +
		"\r\n" +
		"X-Genro-Mail-ID: M-CaseSensitive-42\r\n"
	r := Parse([]byte(raw))
	require.Equal(t, "M-CaseSensitive-42", r.MessageID,
		"id value keeps its original case for exact matching")
}
