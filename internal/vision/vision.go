// Package vision extracts structured shipping fields from a PDF with a
// Claude vision call. It is the last extraction tier and the only one that
// skips the pattern classifier.
package vision

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/pkg/anthropic"
)

// Source is the provenance recorded on every field this tier produces.
const Source = "Extracted by Claude Vision"

// Rasterizer renders PDF pages to PNG images.
type Rasterizer interface {
	RenderPNG(ctx context.Context, pdf []byte) ([][]byte, error)
}

// Engine calls Claude with the document attached and maps its JSON reply
// onto a ParsedDocument.
type Engine struct {
	client     anthropic.Client
	raster     Rasterizer
	model      string
	maxTokens  int64
	confidence float64
	limiter    *rate.Limiter
}

// New creates an Engine. raster may be nil, in which case the PDF is sent
// as a document block. confidence is assigned to every extracted field.
func New(client anthropic.Client, raster Rasterizer, cfg config.AnthropicConfig, confidence float64) *Engine {
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Engine{
		client:     client,
		raster:     raster,
		model:      cfg.Model,
		maxTokens:  maxTokens,
		confidence: confidence,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Extract sends pdf to Claude and returns the structured result. emailContext
// is appended to the prompt, truncated to 1000 characters.
func (e *Engine) Extract(ctx context.Context, pdf []byte, emailContext string) (*model.ParsedDocument, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "vision: rate limit wait")
	}

	prompt := userPrompt
	if emailContext = strings.TrimSpace(emailContext); emailContext != "" {
		if r := []rune(emailContext); len(r) > maxEmailContext {
			emailContext = string(r[:maxEmailContext])
		}
		prompt += "\n\nContext from the email that carried this document:\n" + emailContext
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    systemPrompt,
		Messages: []anthropic.Message{{
			Role:        "user",
			Content:     prompt,
			Attachments: e.attachments(ctx, pdf),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "vision: create message")
	}
	resp.Usage.LogCost(e.model, "vision")

	doc, err := e.parse(resp.Text())
	if err != nil {
		return nil, err
	}

	zap.L().Info("vision: extraction complete",
		zap.String("document_type", string(doc.DocumentType)),
		zap.Int("containers", len(doc.Containers)),
		zap.Float64("overall_confidence", doc.OverallConfidence()),
	)
	return doc, nil
}

// attachments prefers page images, which read better for scans, and falls
// back to the raw PDF when rendering is unavailable.
func (e *Engine) attachments(ctx context.Context, pdf []byte) []anthropic.Attachment {
	if e.raster != nil {
		pages, err := e.raster.RenderPNG(ctx, pdf)
		if err == nil && len(pages) > 0 {
			out := make([]anthropic.Attachment, 0, len(pages))
			for _, p := range pages {
				out = append(out, anthropic.Attachment{MediaType: "image/png", Data: p})
			}
			return out
		}
		zap.L().Warn("vision: page render failed, sending pdf", zap.Error(err))
	}
	return []anthropic.Attachment{{MediaType: "application/pdf", Data: pdf}}
}

type reply struct {
	DocumentType           string           `json:"document_type"`
	DocumentTypeConfidence *float64         `json:"document_type_confidence"`
	ShipmentNumber         string           `json:"shipment_number"`
	BookingNumber          string           `json:"booking_number"`
	PurchaseRef            string           `json:"purchase_ref"`
	BillOfLading           string           `json:"bill_of_lading"`
	Vessel                 string           `json:"vessel"`
	Voyage                 string           `json:"voyage"`
	OriginPort             string           `json:"origin_port"`
	DestinationPort        string           `json:"destination_port"`
	ETD                    string           `json:"etd"`
	ETA                    string           `json:"eta"`
	ATD                    string           `json:"atd"`
	ATA                    string           `json:"ata"`
	FreightAmountUSD       flexNumber       `json:"freight_amount_usd"`
	FreightTerms           string           `json:"freight_terms"`
	ContainerCount         *int             `json:"container_count"`
	Containers             []replyContainer `json:"containers"`
	Notes                  string           `json:"notes"`
}

type replyContainer struct {
	Number   string     `json:"container_number"`
	Type     string     `json:"container_type"`
	WeightKg flexNumber `json:"weight_kg"`
	VolumeM3 flexNumber `json:"volume_m3"`
	Pallets  flexNumber `json:"pallets"`
}

// UnmarshalJSON also accepts a bare container number string.
func (c *replyContainer) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = replyContainer{Number: s}
		return nil
	}
	type plain replyContainer
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = replyContainer(p)
	return nil
}

// flexNumber decodes a JSON number or a numeric string. Anything else
// decodes to zero.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexNumber(v)
	return nil
}

// maxPallets bounds the pallet count read from a reply.
const maxPallets = 1000

// quantity returns f as a non-negative finite float, or 0.
func (f flexNumber) quantity() float64 {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// count rounds f to a whole number within [0, limit].
func (f flexNumber) count(limit int) int {
	v := math.Round(f.quantity())
	if v > float64(limit) {
		return limit
	}
	return int(v)
}

// parse maps the model reply onto a ParsedDocument.
func (e *Engine) parse(text string) (*model.ParsedDocument, error) {
	var r reply
	if err := json.Unmarshal([]byte(cleanJSON(text)), &r); err != nil {
		preview := text
		if len(preview) > 500 {
			preview = preview[:500]
		}
		zap.L().Error("vision: unparseable reply", zap.String("preview", preview))
		return nil, eris.Wrap(err, "vision: decode reply")
	}

	conf := e.confidence
	field := func(v string) *model.ExtractedField { return model.NewField(v, conf, Source) }

	doc := &model.ParsedDocument{
		DocumentType:    model.ParseDocumentType(r.DocumentType),
		Technique:       model.TechniqueVision,
		PrimaryID:       field(strings.ToUpper(r.ShipmentNumber)),
		Booking:         field(strings.ToUpper(r.BookingNumber)),
		PurchaseRef:     field(r.PurchaseRef),
		BillOfLading:    field(r.BillOfLading),
		Vessel:          field(r.Vessel),
		Voyage:          field(r.Voyage),
		OriginPort:      field(r.OriginPort),
		DestinationPort: field(r.DestinationPort),
		ETD:             field(r.ETD),
		ETA:             field(r.ETA),
		ATD:             field(r.ATD),
		ATA:             field(r.ATA),
		FreightTerms:    field(strings.ToUpper(r.FreightTerms)),
	}
	if amt := r.FreightAmountUSD.quantity(); amt > 0 {
		doc.FreightAmount = field(strconv.FormatFloat(amt, 'f', 2, 64))
	}

	doc.DocumentTypeConfidence = 0.5
	if r.DocumentTypeConfidence != nil {
		doc.DocumentTypeConfidence = clamp(*r.DocumentTypeConfidence)
	}
	if doc.DocumentType == model.DocUnknown && r.DocumentTypeConfidence == nil {
		doc.DocumentTypeConfidence = 0
	}

	seen := make(map[string]bool)
	for _, c := range r.Containers {
		num := model.NormalizeContainerNumber(c.Number)
		if !model.ValidContainerNumber(num) {
			if num != "" {
				doc.Warnings = append(doc.Warnings, "discarded malformed container number "+num)
			}
			continue
		}
		if seen[num] {
			continue
		}
		seen[num] = true
		doc.Containers = append(doc.Containers, model.ContainerDetail{
			Number:   num,
			Type:     strings.ToUpper(strings.TrimSpace(c.Type)),
			WeightKg: c.WeightKg.quantity(),
			VolumeM3: c.VolumeM3.quantity(),
			Pallets:  c.Pallets.count(maxPallets),
		})
	}
	if len(doc.Containers) > 0 {
		doc.ContainersConfidence = conf
	}

	if r.ContainerCount != nil && *r.ContainerCount != len(doc.Containers) {
		zap.L().Warn("vision: container count mismatch",
			zap.Int("stated", *r.ContainerCount),
			zap.Int("extracted", len(doc.Containers)),
			zap.Strings("containers", doc.ContainerNumbers()),
		)
		doc.Warnings = append(doc.Warnings,
			"document states "+strconv.Itoa(*r.ContainerCount)+" containers, extracted "+strconv.Itoa(len(doc.Containers)))
	}

	doc.RawText = "Parsed by Claude Vision."
	if notes := strings.TrimSpace(r.Notes); notes != "" {
		doc.RawText += " Notes: " + notes
	}
	return doc, nil
}

// cleanJSON strips markdown fences and trims to the outermost object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
