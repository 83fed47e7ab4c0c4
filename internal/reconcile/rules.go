package reconcile

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds the deterministic matcher's rubric.
//
// A rules file only needs the keys it overrides:
//
//	auto_link_threshold: 90
//	date_window_days: 60
type Rules struct {
	AmountWeight      float64 `yaml:"amount_weight"`
	NameWeight        float64 `yaml:"name_weight"`
	DateWeight        float64 `yaml:"date_weight"`
	DescriptionWeight float64 `yaml:"description_weight"`
	AmountTolerance   float64 `yaml:"amount_tolerance"` // absolute, in currency units
	DateWindowDays    int     `yaml:"date_window_days"`
	AutoLinkThreshold float64 `yaml:"auto_link_threshold"`
	SuggestThreshold  float64 `yaml:"suggest_threshold"`
}

// DefaultRules returns the standard rubric. The date window is generous
// because reimbursements are paid well after approval.
func DefaultRules() Rules {
	return Rules{
		AmountWeight:      50,
		NameWeight:        25,
		DateWeight:        15,
		DescriptionWeight: 10,
		AmountTolerance:   0.01,
		DateWindowDays:    90,
		AutoLinkThreshold: 85,
		SuggestThreshold:  60,
	}
}

// LoadRules reads a YAML rules file on top of the defaults.
// Environment variables in the file (e.g. ${AUTO_LINK}) are expanded.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("reading rules file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &rules); err != nil {
		return rules, fmt.Errorf("parsing rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return rules, err
	}
	return rules, nil
}

// Validate checks weights and thresholds are usable
func (r Rules) Validate() error {
	if r.AmountWeight < 0 || r.NameWeight < 0 || r.DateWeight < 0 || r.DescriptionWeight < 0 {
		return fmt.Errorf("rule weights must not be negative")
	}
	if r.totalWeight() <= 0 {
		return fmt.Errorf("at least one rule weight must be positive")
	}
	if r.AmountTolerance < 0 {
		return fmt.Errorf("amount tolerance must not be negative")
	}
	if r.DateWindowDays <= 0 {
		return fmt.Errorf("date window must be positive")
	}
	if r.SuggestThreshold < 0 || r.AutoLinkThreshold > 100 || r.SuggestThreshold > r.AutoLinkThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= suggest (%v) <= auto link (%v) <= 100", r.SuggestThreshold, r.AutoLinkThreshold)
	}
	return nil
}

// orDefault returns r when it is usable. Unset rules fall back to the
// defaults silently; invalid ones fall back with a warning.
func (r Rules) orDefault() Rules {
	if r == (Rules{}) {
		return DefaultRules()
	}
	if err := r.Validate(); err != nil {
		slog.Warn("invalid matching rules, using defaults", "error", err)
		return DefaultRules()
	}
	return r
}

func (r Rules) totalWeight() float64 {
	return r.AmountWeight + r.NameWeight + r.DateWeight + r.DescriptionWeight
}
