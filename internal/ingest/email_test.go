package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shipdoc-cli/internal/extract"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/notify"
)

func TestAttachment_UnmarshalVariants(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		filename string
		data     string
	}{
		{
			name:     "power automate",
			raw:      `{"filename":"hbl.pdf","content_type":"application/pdf","content_base64":"JVBERg=="}`,
			filename: "hbl.pdf",
			data:     "%PDF",
		},
		{
			name:     "make buffer",
			raw:      `{"fileName":"mbl.pdf","contentType":"application/pdf","data":{"type":"Buffer","data":[37,80,68,70]}}`,
			filename: "mbl.pdf",
			data:     "%PDF",
		},
		{
			name:     "byte array",
			raw:      `{"name":"a.pdf","content":[37,80,68,70]}`,
			filename: "a.pdf",
			data:     "%PDF",
		},
		{
			name:     "stringified",
			raw:      `"{\"name\":\"b.pdf\",\"content\":\"JVBERg==\"}"`,
			filename: "b.pdf",
			data:     "%PDF",
		},
		{
			name:     "data url",
			raw:      `{"name":"c.pdf","content":"data:application/pdf;base64,JVBERg=="}`,
			filename: "c.pdf",
			data:     "%PDF",
		},
		{
			name:     "no content",
			raw:      `{"name":"d.pdf","content":null}`,
			filename: "d.pdf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Attachment
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &a))
			assert.Equal(t, tt.filename, a.Filename)
			assert.Equal(t, tt.data, string(a.Data))
		})
	}
}

func TestAttachment_UnmarshalErrors(t *testing.T) {
	for _, raw := range []string{
		`{"name":"x.pdf","content":"not base64!"}`,
		`{"name":"x.pdf","content":[300]}`,
		`{"name":"x.pdf","content":42}`,
		`"not json"`,
	} {
		var a Attachment
		assert.Error(t, json.Unmarshal([]byte(raw), &a), raw)
	}
}

func TestAttachment_IsPDF(t *testing.T) {
	assert.True(t, Attachment{ContentType: "Application/PDF"}.IsPDF())
	assert.True(t, Attachment{Filename: "SCAN.PDF"}.IsPDF())
	assert.True(t, Attachment{Data: []byte("%PDF-1.7")}.IsPDF())
	assert.False(t, Attachment{Filename: "logo.png", ContentType: "image/png", Data: []byte{0x89}}.IsPDF())
}

const emailJSON = `{
  "from": "ops@forwarder.example",
  "subject": "MBL MEDU1234 / vessel MSC ALINA",
  "body": "Please find attached the master bill.",
  "attachments": [
    "{\"name\":\"logo.png\",\"contentType\":\"image/png\",\"content\":\"iVBORw==\"}",
    {"fileName":"MBL.PDF","contentType":"application/octet-stream","data":{"type":"Buffer","data":[37,80,68,70,45,49,46,52,32,116,101,115,116]}}
  ]
}`

func TestIngestEmail_QueuesWithEmailMetadata(t *testing.T) {
	h := newHarness(t)

	var payload EmailPayload
	require.NoError(t, json.Unmarshal([]byte(emailJSON), &payload))
	require.Len(t, payload.Attachments, 2)

	h.extractor.On("Extract", mock.Anything, pdf, mock.MatchedBy(func(hint extract.Hint) bool {
		return hint.Filename == "MBL.PDF" &&
			hint.EmailFrom == "ops@forwarder.example" &&
			strings.HasPrefix(hint.EmailSubject, "MBL MEDU1234") &&
			hint.EmailBody == "Please find attached the master bill."
	})).Return(extract.Result{
		Technique: model.TechniqueVision,
		Document:  &model.ParsedDocument{DocumentType: model.DocMasterBill, Vessel: field("MSC ALINA")},
	}, nil).Once()

	before := time.Now().UTC()
	out, err := h.svc.IngestEmail(context.Background(), payload)
	require.NoError(t, err)
	require.NotNil(t, out.Pending)
	assert.Equal(t, model.SourceEmail, out.Pending.Source)
	assert.Equal(t, "ops@forwarder.example", out.Pending.EmailFrom)
	assert.Equal(t, "MBL.PDF", out.Pending.Filename)
	assert.GreaterOrEqual(t, out.Pending.ExpiresAt.Sub(before), 72*time.Hour)
	h.extractor.AssertExpectations(t)
}

func TestIngestEmail_NoPDF(t *testing.T) {
	h := newHarness(t)
	payload := EmailPayload{
		From:        "ops@forwarder.example",
		Subject:     "no attachment",
		Attachments: []Attachment{{Filename: "logo.png", ContentType: "image/png", Data: []byte{1}}},
	}
	_, err := h.svc.IngestEmail(context.Background(), payload)
	assert.ErrorIs(t, err, ErrNoPDF)
	assert.Equal(t, notify.KindExtractionError, h.notes.last().Kind)
	h.extractor.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestEmail_BodyTruncated(t *testing.T) {
	h := newHarness(t)
	payload := EmailPayload{
		Body:        strings.Repeat("é", 1500),
		Attachments: []Attachment{{Data: pdf}},
	}
	h.extractor.On("Extract", mock.Anything, pdf, mock.MatchedBy(func(hint extract.Hint) bool {
		return len([]rune(hint.EmailBody)) == maxEmailBody && hint.Filename == "attachment.pdf"
	})).Return(extract.Result{Technique: model.TechniqueTextLayer, Text: bookingText}, nil).Once()

	out, err := h.svc.IngestEmail(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreate, out.Decision.Action)
	h.extractor.AssertExpectations(t)
}
