package scheduler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/softwell/mailproxy/internal/attachment"
	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// MessageIDHeader carries the client-facing message id on every outbound
// mail. It is the sole correlation key for bounce and PEC receipts.
const MessageIDHeader = "X-Genro-Mail-ID"

// ErrAttachmentTooLarge marks an attachment over the tenant's size cap
// when the large-file action is reject.
var ErrAttachmentTooLarge = errors.New("attachment too large")

// MissingFieldError reports an envelope that cannot be sent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string { return "missing: " + e.Field }

// Uploader stores oversized attachments externally and returns a download
// link. *attachment.S3Store satisfies it.
type Uploader interface {
	Upload(ctx context.Context, tenantID, filename string, data []byte, mimeType string, ttlDays int) (string, error)
}

// Builder assembles RFC 822 messages from queue entries.
type Builder struct {
	fetcher  *attachment.Fetcher
	uploader Uploader
	hostname string
	now      func() time.Time
}

// NewBuilder wires the attachment fetcher and the optional large-file
// uploader. hostname feeds generated Message-ID values.
func NewBuilder(f *attachment.Fetcher, up Uploader, hostname string) *Builder {
	if hostname == "" {
		hostname = "mailproxy.local"
	}
	return &Builder{fetcher: f, uploader: up, hostname: hostname, now: time.Now}
}

// Built is a ready-to-send message.
type Built struct {
	From       string
	Recipients []string
	Raw        []byte
}

// Build renders the message: headers, body, fetched attachments, and the
// correlation header. Large attachments follow the tenant's large-file
// policy.
func (b *Builder) Build(ctx context.Context, tenant *storage.Tenant, msg *storage.Message) (*Built, error) {
	env := msg.Payload
	if env.From == "" {
		return nil, &MissingFieldError{Field: "from"}
	}
	if len(env.To) == 0 && len(env.CC) == 0 && len(env.BCC) == 0 {
		return nil, &MissingFieldError{Field: "to"}
	}
	if env.Subject == "" && env.Body == "" {
		return nil, &MissingFieldError{Field: "body"}
	}

	fetched, links, err := b.resolveAttachments(ctx, tenant, msg)
	if err != nil {
		return nil, err
	}

	body := env.Body
	if len(links) > 0 {
		body = appendDownloadLinks(body, env.ContentType, links)
	}

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	writeHeader("From", env.From)
	if len(env.To) > 0 {
		writeHeader("To", strings.Join(env.To, ", "))
	}
	if len(env.CC) > 0 {
		writeHeader("Cc", strings.Join(env.CC, ", "))
	}
	if env.ReplyTo != "" {
		writeHeader("Reply-To", env.ReplyTo)
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", env.Subject))
	writeHeader("Date", b.now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", fmt.Sprintf("<%s@%s>", msg.PK, b.hostname))
	writeHeader(MessageIDHeader, msg.ID)
	writeHeader("MIME-Version", "1.0")
	for k, v := range env.Headers {
		if isReservedHeader(k) {
			continue
		}
		writeHeader(textproto.CanonicalMIMEHeaderKey(k), v)
	}

	contentType := env.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}

	if len(fetched) == 0 {
		writeHeader("Content-Type", contentType)
		writeHeader("Content-Transfer-Encoding", "base64")
		buf.WriteString("\r\n")
		writeBase64Body(&buf, []byte(body))
	} else {
		mw := multipart.NewWriter(&buf)
		writeHeader("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
		buf.WriteString("\r\n")

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {contentType},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, fmt.Errorf("create body part: %w", err)
		}
		writeBase64Body(part, []byte(body))

		for _, att := range fetched {
			mt := att.MimeType
			if mt == "" {
				mt = "application/octet-stream"
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type": {mt},
				"Content-Disposition": {fmt.Sprintf("attachment; filename=%q",
					att.Filename)},
				"Content-Transfer-Encoding": {"base64"},
			})
			if err != nil {
				return nil, fmt.Errorf("create attachment part: %w", err)
			}
			writeBase64Body(part, att.Data)
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("close multipart: %w", err)
		}
	}

	from := env.EnvelopeFrom
	if from == "" {
		from = env.From
	}
	rcpts := make([]string, 0, len(env.To)+len(env.CC)+len(env.BCC))
	rcpts = append(rcpts, env.To...)
	rcpts = append(rcpts, env.CC...)
	rcpts = append(rcpts, env.BCC...)

	return &Built{From: from, Recipients: rcpts, Raw: buf.Bytes()}, nil
}

// resolveAttachments fetches every attachment, diverting oversized ones
// per the tenant's large-file policy. Returns inline attachments and
// download links for rewritten ones.
func (b *Builder) resolveAttachments(ctx context.Context, tenant *storage.Tenant, msg *storage.Message) ([]*attachment.Result, []string, error) {
	specs := msg.Payload.Attachments
	if len(specs) == 0 {
		return nil, nil, nil
	}
	if b.fetcher == nil {
		return nil, nil, fmt.Errorf("attachments present but fetcher not configured")
	}

	results, err := b.fetcher.FetchBatch(ctx, tenant, specs)
	if err != nil {
		return nil, nil, err
	}

	var lf *storage.LargeFileConfig
	if tenant != nil {
		lf = tenant.LargeFile
	}
	if lf == nil || !lf.Enabled {
		return results, nil, nil
	}
	maxBytes := int64(lf.MaxSizeMB) * 1024 * 1024

	var inline []*attachment.Result
	var links []string
	for _, r := range results {
		if int64(len(r.Data)) <= maxBytes {
			inline = append(inline, r)
			continue
		}
		switch lf.Action {
		case storage.LargeFileReject:
			return nil, nil, fmt.Errorf("%w: %s (%d bytes)", ErrAttachmentTooLarge,
				r.Filename, len(r.Data))
		case storage.LargeFileRewrite:
			if b.uploader == nil {
				return nil, nil, fmt.Errorf("large-file rewrite configured but no uploader")
			}
			link, err := b.uploader.Upload(ctx, tenant.ID, r.Filename, r.Data,
				r.MimeType, lf.FileTTLDays)
			if err != nil {
				return nil, nil, fmt.Errorf("rewrite %s: %w", r.Filename, err)
			}
			links = append(links, link)
		default: // warn
			logger.Warn("attachment exceeds size threshold",
				"tenant_id", tenant.ID, "message_id", msg.ID,
				"filename", r.Filename, "bytes", len(r.Data))
			inline = append(inline, r)
		}
	}
	return inline, links, nil
}

func appendDownloadLinks(body, contentType string, links []string) string {
	var sb strings.Builder
	sb.WriteString(body)
	if strings.Contains(strings.ToLower(contentType), "html") {
		sb.WriteString("<hr><p>Attachments available for download:</p><ul>")
		for _, l := range links {
			fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`, l, l)
		}
		sb.WriteString("</ul>")
	} else {
		sb.WriteString("\r\n\r\nAttachments available for download:\r\n")
		for _, l := range links {
			sb.WriteString(l)
			sb.WriteString("\r\n")
		}
	}
	return sb.String()
}

var reservedHeaders = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Date", "Message-ID",
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
	MessageIDHeader,
}

func isReservedHeader(k string) bool {
	for _, r := range reservedHeaders {
		if strings.EqualFold(k, r) {
			return true
		}
	}
	return false
}

// writeBase64Body writes base64 content wrapped at 76 columns.
func writeBase64Body(w io.Writer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		w.Write([]byte(encoded[:n]))
		w.Write([]byte("\r\n"))
		encoded = encoded[n:]
	}
}
