// Package policy implements the versioned, hot-reloadable compliance
// rule set: document parsing, canonicalization, checksums, the snapshot
// store and the file watcher.
package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/meridianhq/advisor/internal/domain"
)

// Severity orders rule violations from advisory to critical.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityWarning  Severity = "warning"
	SeverityMinor    Severity = "minor"
	SeverityAdvisory Severity = "advisory"
)

// ScorePenalty returns the score deduction for a violation of this
// severity.
func (s Severity) ScorePenalty() int {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityMajor:
		return 30
	case SeverityWarning:
		return 20
	case SeverityMinor, SeverityAdvisory:
		return 10
	}
	return 10
}

// Blocks reports whether a violation of this severity rejects the trade.
func (s Severity) Blocks() bool {
	return s == SeverityCritical || s == SeverityMajor
}

// Rule is one compliance rule in a policy document.
type Rule struct {
	RuleID           string                 `json:"rule_id"`
	RegulationSource string                 `json:"regulation_source,omitempty"`
	RuleName         string                 `json:"rule_name,omitempty"`
	Description      string                 `json:"description,omitempty"`
	Severity         Severity               `json:"severity"`
	AppliesTo        []string               `json:"applies_to,omitempty"`
	EffectiveDate    *time.Time             `json:"effective_date,omitempty"`
	LastUpdated      *time.Time             `json:"last_updated,omitempty"`
	Params           map[string]interface{} `json:"params,omitempty"`
}

// Document is a parsed policy file, keyed by rule id.
type Document struct {
	Version string          `json:"version"`
	Rules   map[string]Rule `json:"rules"`
}

// ParseDocument decodes and validates a policy document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPolicySource, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks structural requirements: a version, at least one rule,
// matching rule ids and known severities.
func (d *Document) Validate() error {
	if d.Version == "" {
		return fmt.Errorf("%w: missing version", domain.ErrPolicySource)
	}
	if len(d.Rules) == 0 {
		return fmt.Errorf("%w: no rules", domain.ErrPolicySource)
	}
	for key, rule := range d.Rules {
		if rule.RuleID != "" && rule.RuleID != key {
			return fmt.Errorf("%w: rule key %q does not match rule_id %q", domain.ErrPolicySource, key, rule.RuleID)
		}
		switch rule.Severity {
		case SeverityCritical, SeverityMajor, SeverityWarning, SeverityMinor, SeverityAdvisory:
		default:
			return fmt.Errorf("%w: rule %s has unknown severity %q", domain.ErrPolicySource, key, rule.Severity)
		}
	}
	return nil
}

// Canonical renders the document as deterministic indented JSON: keys
// sorted lexicographically, timestamps in UTC RFC 3339, absent fields
// omitted. The same logical document always yields the same bytes, so
// the SHA-256 over them is a stable checksum.
func (d *Document) Canonical() ([]byte, error) {
	ids := make([]string, 0, len(d.Rules))
	for id := range d.Rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	buf.WriteString("{\n")
	fmt.Fprintf(&buf, "  %q: %q,\n", "version", d.Version)
	buf.WriteString("  \"rules\": {\n")
	for i, id := range ids {
		rule := d.Rules[id]
		rule.RuleID = id
		normalizeTimes(&rule)
		ruleJSON, err := json.MarshalIndent(&rule, "    ", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize rule %s: %w", id, err)
		}
		fmt.Fprintf(&buf, "    %q: %s", id, ruleJSON)
		if i < len(ids)-1 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
	}
	buf.WriteString("  }\n}\n")
	return buf.Bytes(), nil
}

func normalizeTimes(r *Rule) {
	if r.EffectiveDate != nil {
		t := r.EffectiveDate.UTC().Truncate(time.Second)
		r.EffectiveDate = &t
	}
	if r.LastUpdated != nil {
		t := r.LastUpdated.UTC().Truncate(time.Second)
		r.LastUpdated = &t
	}
}

// Checksum returns the SHA-256 hex digest of the canonical form.
func (d *Document) Checksum() (string, error) {
	canonical, err := d.Canonical()
	if err != nil {
		return "", err
	}
	return checksumBytes(canonical), nil
}

func checksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildSnapshot validates and canonicalizes a document into a standalone
// immutable snapshot without publishing it to a store.
func BuildSnapshot(doc *Document) (*Snapshot, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	canonical, err := doc.Canonical()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPolicySource, err)
	}
	return &Snapshot{
		Version:   doc.Version,
		Checksum:  checksumBytes(canonical),
		LoadedAt:  time.Now().UTC(),
		Rules:     cloneRules(doc.Rules),
		canonical: canonical,
	}, nil
}

// Snapshot is the immutable published form of a policy document.
// Snapshots are shared by reference and never mutated after publish.
type Snapshot struct {
	Version   string
	Checksum  string
	LoadedAt  time.Time
	Rules     map[string]Rule
	canonical []byte
}

// Rule returns the named rule and whether it exists.
func (s *Snapshot) Rule(id string) (Rule, bool) {
	r, ok := s.Rules[id]
	return r, ok
}

// ParamFloat reads a numeric parameter from a rule, falling back to def
// when the rule or parameter is absent.
func (s *Snapshot) ParamFloat(ruleID, key string, def float64) float64 {
	rule, ok := s.Rules[ruleID]
	if !ok || rule.Params == nil {
		return def
	}
	switch v := rule.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// ParamInt reads an integer parameter with a fallback.
func (s *Snapshot) ParamInt(ruleID, key string, def int) int {
	f := s.ParamFloat(ruleID, key, float64(def))
	return int(f)
}

// RuleEnabled reports whether a rule exists in the snapshot. Removing a
// rule from the document disables it.
func (s *Snapshot) RuleEnabled(id string) bool {
	_, ok := s.Rules[id]
	return ok
}
