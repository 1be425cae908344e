// Package scoring rates extracted specification-sheet text against a declarative rule set.
package scoring

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

//go:embed rules.json
var defaultRulesJSON []byte

//go:embed rules.schema.json
var rulesSchemaJSON []byte

type RuleKind string

const (
	KindMinChars     RuleKind = "min_chars"
	KindPattern      RuleKind = "pattern"
	KindPatternCount RuleKind = "pattern_count"
	KindExtension    RuleKind = "extension"
)

type Rule struct {
	ID         string   `json:"id"`
	Kind       RuleKind `json:"kind"`
	Weight     int      `json:"weight"`
	Min        int      `json:"min,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	Comment    string   `json:"comment"`
	Suggestion string   `json:"suggestion,omitempty"`

	re *regexp.Regexp
}

type RuleSet struct {
	Version          int    `json:"version"`
	CompletenessRule string `json:"completeness_rule,omitempty"`
	EmptyTextCap     *int   `json:"empty_text_cap,omitempty"`
	Rules            []Rule `json:"rules"`

	totalWeight int
}

// Result is the deterministic outcome of scoring one document.
type Result struct {
	Score       int             `json:"score"`
	RulesPassed map[string]bool `json:"rules_passed"`
	Comments    []string        `json:"comments"`
	Suggestion  string          `json:"suggestion,omitempty"`
	Chars       int             `json:"chars"`
	Failed      int             `json:"failed"`
}

func validateRules(raw []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rules.schema.json", bytes.NewReader(rulesSchemaJSON)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("rules.schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal rules: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("rules do not match schema: %w", err)
	}
	return nil
}

// ParseRules validates raw against the rule-set schema and compiles its patterns.
func ParseRules(raw []byte) (*RuleSet, error) {
	if err := validateRules(raw); err != nil {
		return nil, err
	}
	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	seen := make(map[string]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			r.re = re
		}
		for j, ext := range r.Extensions {
			r.Extensions[j] = constants.NormalizeExt(ext)
		}
		rs.totalWeight += r.Weight
	}
	if rs.CompletenessRule != "" {
		if _, ok := seen[rs.CompletenessRule]; !ok {
			return nil, fmt.Errorf("completeness_rule %q is not defined", rs.CompletenessRule)
		}
	}
	return &rs, nil
}

// DefaultRules returns the embedded rule set.
func DefaultRules() (*RuleSet, error) {
	return ParseRules(defaultRulesJSON)
}

// LoadRules reads a rule-set override from disk, or the embedded default when path is empty.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(raw)
}

type Scorer struct {
	rules *RuleSet
}

func New(rules *RuleSet) *Scorer {
	return &Scorer{rules: rules}
}

// Rules exposes the active rule set.
func (s *Scorer) Rules() *RuleSet {
	return s.rules
}

func (r *Rule) passes(text string, chars int, ext string) bool {
	switch r.Kind {
	case KindMinChars:
		return chars >= r.Min && chars > 0
	case KindPattern:
		return r.re.MatchString(text)
	case KindPatternCount:
		min := r.Min
		if min <= 0 {
			min = 1
		}
		return len(r.re.FindAllStringIndex(text, min)) >= min
	case KindExtension:
		for _, e := range r.Extensions {
			if e == ext {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Score is pure: the same text and path always yield the same Result.
func (s *Scorer) Score(text, sourcePath string) Result {
	chars := utf8.RuneCountInString(strings.TrimSpace(text))
	ext := constants.NormalizeExt(filepath.Ext(sourcePath))

	res := Result{
		RulesPassed: make(map[string]bool, len(s.rules.Rules)),
		Comments:    []string{},
		Chars:       chars,
	}
	earned := 0
	for i := range s.rules.Rules {
		r := &s.rules.Rules[i]
		ok := r.passes(text, chars, ext)
		if chars == 0 && r.ID == s.rules.CompletenessRule {
			ok = false
		}
		res.RulesPassed[r.ID] = ok
		if ok {
			earned += r.Weight
			continue
		}
		res.Failed++
		res.Comments = append(res.Comments, r.Comment)
		if res.Suggestion == "" && r.Suggestion != "" {
			res.Suggestion = r.Suggestion
		}
	}

	if s.rules.totalWeight > 0 {
		res.Score = int(math.Round(float64(earned) * 100 / float64(s.rules.totalWeight)))
	}
	if chars == 0 {
		limit := 50
		if s.rules.EmptyTextCap != nil {
			limit = *s.rules.EmptyTextCap
		}
		res.Score = min(res.Score, limit)
	}
	res.Score = max(0, min(100, res.Score))
	return res
}

// Summary renders "<failed> rules failed; score <n>" followed by at most two comments.
func Summary(r Result) string {
	parts := []string{fmt.Sprintf("%d rules failed", r.Failed), fmt.Sprintf("score %d", r.Score)}
	for i, c := range r.Comments {
		if i == 2 {
			break
		}
		parts = append(parts, c)
	}
	return strings.Join(parts, "; ")
}

// Details returns the JSON breakdown stored with a run.
func Details(r Result) json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
