package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/extract"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/notify"
)

// ErrNoPDF is returned when an email carries no PDF attachment.
var ErrNoPDF = eris.New("ingest: email has no pdf attachment")

const maxEmailBody = 1000

// EmailPayload is a forwarded email as posted by a mail automation hook.
type EmailPayload struct {
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	MessageID   string       `json:"message_id,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is one email attachment. Hooks disagree on field names and on
// how content is encoded, so UnmarshalJSON accepts the common variants.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// UnmarshalJSON accepts an object or a stringified object. The name may be
// under fileName, filename or name; the content under data,
// content_base64 or content as base64 text, a byte array or a
// {"type":"Buffer","data":[...]} object.
func (a *Attachment) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return eris.Wrap(err, "ingest: attachment string")
		}
		b = []byte(s)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return eris.Wrap(err, "ingest: attachment object")
	}

	a.Filename = firstString(raw, "fileName", "filename", "name")
	a.ContentType = firstString(raw, "contentType", "content_type", "mimeType")
	for _, key := range []string{"data", "content_base64", "content"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		data, err := decodeContent(v)
		if err != nil {
			return eris.Wrapf(err, "ingest: attachment %s", a.Filename)
		}
		if len(data) > 0 {
			a.Data = data
			break
		}
	}
	return nil
}

// IsPDF reports whether the attachment looks like a PDF by type, name or
// magic bytes.
func (a Attachment) IsPDF() bool {
	return strings.EqualFold(a.ContentType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(a.Filename), ".pdf") ||
		bytes.HasPrefix(a.Data, []byte("%PDF"))
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var s string
		if v, ok := raw[k]; ok && json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func decodeContent(v json.RawMessage) ([]byte, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil, nil
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, err
		}
		if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
			s = s[i+len(";base64,"):]
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, eris.Wrap(err, "decode base64")
		}
		return data, nil
	case '[':
		return decodeByteArray(v)
	case '{':
		var buf struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(v, &buf); err != nil {
			return nil, err
		}
		return decodeByteArray(buf.Data)
	default:
		return nil, eris.New("unsupported content encoding")
	}
}

// decodeByteArray decodes a JSON array of byte values such as [37,80,68,70].
func decodeByteArray(v json.RawMessage) ([]byte, error) {
	var ints []int
	if err := json.Unmarshal(v, &ints); err != nil {
		return nil, eris.Wrap(err, "decode byte array")
	}
	out := make([]byte, len(ints))
	for i, n := range ints {
		if n < 0 || n > 255 {
			return nil, eris.Errorf("byte %d out of range", n)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// FirstPDF returns the first attachment that looks like a PDF and has content.
func (p EmailPayload) FirstPDF() (Attachment, bool) {
	for _, a := range p.Attachments {
		if len(a.Data) > 0 && a.IsPDF() {
			return a, true
		}
	}
	return Attachment{}, false
}

// IngestEmail ingests the first PDF attached to a forwarded email. The
// sender and subject are kept on any pending document and, with the start
// of the body, passed to the vision tier as context.
func (s *Service) IngestEmail(ctx context.Context, payload EmailPayload) (*Outcome, error) {
	att, ok := payload.FirstPDF()
	if !ok {
		zap.L().Warn("ingest: email without pdf",
			zap.String("from", payload.From),
			zap.String("subject", payload.Subject),
			zap.Int("attachments", len(payload.Attachments)),
		)
		notify.Send(ctx, s.notifier, notify.ExtractionError(payload.Subject, ErrNoPDF))
		return nil, eris.Wrapf(ErrNoPDF, "ingest: email %q from %s", payload.Subject, payload.From)
	}

	filename := att.Filename
	if filename == "" {
		filename = "attachment.pdf"
	}
	return s.Ingest(ctx, Request{
		Data:     att.Data,
		Filename: filename,
		Source:   model.SourceEmail,
		Hint: extract.Hint{
			Filename:     filename,
			EmailFrom:    payload.From,
			EmailSubject: payload.Subject,
			EmailBody:    truncateRunes(strings.TrimSpace(payload.Body), maxEmailBody),
		},
	})
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
