package classify

import (
	_ "embed"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/shipdoc-cli/internal/model"
)

//go:embed rules.yaml
var defaultRules []byte

// Band names a confidence level assigned to a pattern match.
type Band string

const (
	BandLabeled  Band = "labeled"
	BandFallback Band = "fallback"
	BandMax      Band = "max"
)

// Rules is the raw pattern table as read from YAML.
type Rules struct {
	DocumentTypes   []TypeRule           `yaml:"document_types"`
	Fields          map[string]FieldSpec `yaml:"fields"`
	Containers      ContainerSpec        `yaml:"containers"`
	Garbage         []string             `yaml:"garbage"`
	VesselExclude   []string             `yaml:"vessel_exclude"`
	VesselMinLength int                  `yaml:"vessel_min_length"`
}

// TypeRule is one step of the document type cascade. All of All, at least
// one of Any and none of None must appear. AnyWords entries match whole
// words only.
type TypeRule struct {
	Type       string   `yaml:"type"`
	All        []string `yaml:"all"`
	Any        []string `yaml:"any"`
	AnyWords   []string `yaml:"any_words"`
	None       []string `yaml:"none"`
	Confidence float64  `yaml:"confidence"`
}

// FieldSpec lists the ordered rules for one scalar field.
type FieldSpec struct {
	Upper        bool        `yaml:"upper"`
	RequireDigit bool        `yaml:"require_digit"`
	Date         bool        `yaml:"date"`
	Rules        []FieldRule `yaml:"rules"`
}

// FieldRule is a single pattern whose first capture group is the value.
type FieldRule struct {
	Pattern       string  `yaml:"pattern"`
	Band          Band    `yaml:"band"`
	Confidence    float64 `yaml:"confidence"`
	Prefix        string  `yaml:"prefix"`
	CaseSensitive bool    `yaml:"case_sensitive"`
}

// ContainerSpec configures container number extraction.
type ContainerSpec struct {
	Pattern       string `yaml:"pattern"`
	CaseSensitive bool   `yaml:"case_sensitive"`
	Band          Band   `yaml:"band"`
	TypePattern   string `yaml:"type_pattern"`
}

// LoadRules reads a pattern table from path, or the embedded default when
// path is empty.
func LoadRules(path string) (*Rules, error) {
	data := defaultRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "classify: read rules %s", path)
		}
		data = b
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "classify: parse rules")
	}
	if len(r.DocumentTypes) == 0 {
		return nil, eris.New("classify: rules define no document types")
	}
	return &r, nil
}

// fieldNames is the set of scalar fields a rules file may configure.
var fieldNames = map[string]bool{
	"primary_id": true, "booking": true, "purchase_ref": true, "bill_of_lading": true,
	"vessel": true, "voyage": true, "origin_port": true, "destination_port": true,
	"etd": true, "eta": true, "atd": true, "ata": true,
}

type compiledType struct {
	docType    model.DocumentType
	all        []string
	any        []string
	anyWords   []*regexp.Regexp
	none       []string
	confidence float64
}

type compiledRule struct {
	re     *regexp.Regexp
	band   Band
	conf   float64
	prefix string
}

type compiledField struct {
	name  string
	spec  FieldSpec
	rules []compiledRule
}

type compiledContainers struct {
	re     *regexp.Regexp
	typeRe *regexp.Regexp
	band   Band
}

func compile(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: compile %q", pattern)
	}
	return re, nil
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func (r *Rules) compileTypes() ([]compiledType, error) {
	out := make([]compiledType, 0, len(r.DocumentTypes))
	for _, tr := range r.DocumentTypes {
		dt := model.ParseDocumentType(tr.Type)
		if dt == model.DocUnknown && tr.Type != string(model.DocUnknown) {
			return nil, eris.Errorf("classify: unknown document type %q", tr.Type)
		}
		ct := compiledType{
			docType:    dt,
			all:        upperAll(tr.All),
			any:        upperAll(tr.Any),
			none:       upperAll(tr.None),
			confidence: tr.Confidence,
		}
		for _, w := range tr.AnyWords {
			re, err := compile(`\b`+regexp.QuoteMeta(strings.ToUpper(w))+`\b`, true)
			if err != nil {
				return nil, err
			}
			ct.anyWords = append(ct.anyWords, re)
		}
		out = append(out, ct)
	}
	return out, nil
}

func (r *Rules) compileFields() ([]compiledField, error) {
	// Stable order so extraction logs are deterministic.
	order := []string{
		"primary_id", "booking", "purchase_ref", "bill_of_lading",
		"vessel", "voyage", "origin_port", "destination_port",
		"etd", "eta", "atd", "ata",
	}
	for name := range r.Fields {
		if !fieldNames[name] {
			return nil, eris.Errorf("classify: unknown field %q", name)
		}
	}

	var out []compiledField
	for _, name := range order {
		spec, ok := r.Fields[name]
		if !ok {
			continue
		}
		cf := compiledField{name: name, spec: spec}
		for _, fr := range spec.Rules {
			re, err := compile(fr.Pattern, fr.CaseSensitive)
			if err != nil {
				return nil, err
			}
			if re.NumSubexp() < 1 {
				return nil, eris.Errorf("classify: pattern %q for %s has no capture group", fr.Pattern, name)
			}
			cf.rules = append(cf.rules, compiledRule{re: re, band: fr.Band, conf: fr.Confidence, prefix: fr.Prefix})
		}
		out = append(out, cf)
	}
	return out, nil
}

func (r *Rules) compileContainers() (compiledContainers, error) {
	var cc compiledContainers
	if r.Containers.Pattern == "" {
		return cc, eris.New("classify: rules define no container pattern")
	}
	re, err := compile(r.Containers.Pattern, r.Containers.CaseSensitive)
	if err != nil {
		return cc, err
	}
	cc.re = re
	cc.band = r.Containers.Band
	if r.Containers.TypePattern != "" {
		if cc.typeRe, err = compile(r.Containers.TypePattern, false); err != nil {
			return cc, err
		}
	}
	return cc, nil
}
