// Package classify turns extracted document text into a confidence-scored
// ParsedDocument using an ordered pattern table.
package classify

import (
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/model"
)

const (
	maxSourceLen  = 100
	maxRawTextLen = 5000
)

// Classifier applies a compiled pattern table. It is safe for concurrent
// use; nothing is mutated after New returns.
type Classifier struct {
	types      []compiledType
	fields     []compiledField
	containers compiledContainers
	garbage    [][]string
	vesselBad  map[string]bool
	vesselMin  int
	bands      map[Band]float64
	maxConf    float64
}

// New loads the pattern table (embedded unless cfg.RulesPath is set) and
// compiles it.
func New(cfg config.ClassifyConfig) (*Classifier, error) {
	rules, err := LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	return NewFromRules(rules, cfg)
}

// NewFromRules compiles an already loaded pattern table.
func NewFromRules(rules *Rules, cfg config.ClassifyConfig) (*Classifier, error) {
	c := &Classifier{
		vesselBad: make(map[string]bool),
		vesselMin: rules.VesselMinLength,
		maxConf:   orDefault(cfg.MaxConfidence, 0.95),
	}
	c.bands = map[Band]float64{
		BandLabeled:  orDefault(cfg.LabeledConfidence, 0.9),
		BandFallback: orDefault(cfg.FallbackConfidence, 0.7),
		BandMax:      c.maxConf,
	}

	var err error
	if c.types, err = rules.compileTypes(); err != nil {
		return nil, err
	}
	if c.fields, err = rules.compileFields(); err != nil {
		return nil, err
	}
	if c.containers, err = rules.compileContainers(); err != nil {
		return nil, err
	}
	for _, g := range rules.Garbage {
		if words := words(g); len(words) > 0 {
			c.garbage = append(c.garbage, words)
		}
	}
	for _, w := range rules.VesselExclude {
		c.vesselBad[strings.ToUpper(w)] = true
	}
	return c, nil
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// DetectType runs the document type cascade and returns the first matching
// type with its confidence, or unknown at 0.
func (c *Classifier) DetectType(text string) (model.DocumentType, float64) {
	upper := strings.ToUpper(Fold(text))
	for _, t := range c.types {
		if t.matches(upper) {
			return t.docType, t.confidence
		}
	}
	return model.DocUnknown, 0
}

func (t compiledType) matches(upper string) bool {
	for _, s := range t.all {
		if !strings.Contains(upper, s) {
			return false
		}
	}
	for _, s := range t.none {
		if strings.Contains(upper, s) {
			return false
		}
	}
	if len(t.any) == 0 && len(t.anyWords) == 0 {
		return true
	}
	for _, s := range t.any {
		if strings.Contains(upper, s) {
			return true
		}
	}
	for _, re := range t.anyWords {
		if re.MatchString(upper) {
			return true
		}
	}
	return false
}

// Classify extracts every configured field, the container list and the
// document type from text. Technique is left for the caller to set.
func (c *Classifier) Classify(text string) model.ParsedDocument {
	folded := Fold(text)

	doc := model.ParsedDocument{RawText: truncate(text, maxRawTextLen)}
	doc.DocumentType, doc.DocumentTypeConfidence = c.DetectType(folded)

	for _, f := range c.fields {
		*fieldSlot(&doc, f.name) = c.extractField(f, folded)
	}

	doc.Containers, doc.ContainersConfidence = c.extractContainers(folded)

	zap.L().Debug("classify: parsed document",
		zap.String("document_type", string(doc.DocumentType)),
		zap.Float64("document_type_confidence", doc.DocumentTypeConfidence),
		zap.Bool("primary_id", doc.PrimaryID.Present()),
		zap.Bool("booking", doc.Booking.Present()),
		zap.Int("containers", len(doc.Containers)),
		zap.Float64("overall_confidence", doc.OverallConfidence()),
	)
	return doc
}

func fieldSlot(doc *model.ParsedDocument, name string) **model.ExtractedField {
	switch name {
	case "primary_id":
		return &doc.PrimaryID
	case "booking":
		return &doc.Booking
	case "purchase_ref":
		return &doc.PurchaseRef
	case "bill_of_lading":
		return &doc.BillOfLading
	case "vessel":
		return &doc.Vessel
	case "voyage":
		return &doc.Voyage
	case "origin_port":
		return &doc.OriginPort
	case "destination_port":
		return &doc.DestinationPort
	case "etd":
		return &doc.ETD
	case "eta":
		return &doc.ETA
	case "atd":
		return &doc.ATD
	default:
		return &doc.ATA
	}
}

// extractField applies the field's rules in order. The first match decides
// the field: a match that fails validation leaves the field absent.
func (c *Classifier) extractField(f compiledField, text string) *model.ExtractedField {
	for _, r := range f.rules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value := cleanValue(m[1])
		if f.spec.Upper {
			value = strings.ToUpper(value)
		}
		if r.prefix != "" && !strings.HasPrefix(strings.ToUpper(value), strings.ToUpper(r.prefix)) {
			value = r.prefix + value
		}

		if reason := c.reject(f, value); reason != "" {
			zap.L().Debug("classify: value rejected",
				zap.String("field", f.name),
				zap.String("value", value),
				zap.String("reason", reason),
			)
			return nil
		}
		return model.NewField(value, c.confidence(r), truncate(strings.TrimSpace(m[0]), maxSourceLen))
	}
	return nil
}

func (c *Classifier) confidence(r compiledRule) float64 {
	conf := r.conf
	if conf <= 0 {
		conf = c.bands[r.band]
	}
	if conf <= 0 {
		conf = c.bands[BandFallback]
	}
	if conf > c.maxConf {
		conf = c.maxConf
	}
	return conf
}

// reject returns a non-empty reason when value must not populate the field.
func (c *Classifier) reject(f compiledField, value string) string {
	if value == "" {
		return "empty"
	}
	if c.isGarbage(value) {
		return "garbage"
	}
	if f.spec.RequireDigit && !strings.ContainsFunc(value, unicode.IsDigit) {
		return "no digit"
	}
	if f.spec.Date {
		if _, ok := model.ParseDate(value); !ok {
			return "unparseable date"
		}
	}
	if f.name == "vessel" {
		if len(value) < c.vesselMin {
			return "too short"
		}
		for _, w := range words(value) {
			if c.vesselBad[w] {
				return "excluded word " + w
			}
		}
	}
	return ""
}

// isGarbage reports whether value contains any garbage phrase as a run of
// whole words.
func (c *Classifier) isGarbage(value string) bool {
	vw := words(value)
	for _, g := range c.garbage {
		if containsRun(vw, g) {
			return true
		}
	}
	return false
}

func containsRun(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, w := range needle {
			if haystack[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}

// extractContainers finds every container number, keeping first-seen order
// and dropping exact duplicates and malformed numbers.
func (c *Classifier) extractContainers(text string) ([]model.ContainerDetail, float64) {
	var out []model.ContainerDetail
	seen := make(map[string]bool)
	for _, idx := range c.containers.re.FindAllStringSubmatchIndex(text, -1) {
		num := model.NormalizeContainerNumber(text[idx[2]:idx[3]])
		if !model.ValidContainerNumber(num) || seen[num] {
			continue
		}
		seen[num] = true
		out = append(out, model.ContainerDetail{Number: num, Type: c.containerType(text, idx[1])})
	}
	if len(out) == 0 {
		return nil, 0
	}
	conf := c.bands[c.containers.band]
	if conf <= 0 {
		conf = c.maxConf
	}
	return out, conf
}

// containerType looks for a size/type code after the number on its line.
func (c *Classifier) containerType(text string, end int) string {
	if c.containers.typeRe == nil {
		return ""
	}
	line := text[end:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	m := c.containers.typeRe.FindStringSubmatch(line)
	if len(m) < 3 {
		return ""
	}
	return strings.ToUpper(m[1] + m[2])
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func cleanValue(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " ,.:;")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Avoid splitting a multi-byte rune.
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
