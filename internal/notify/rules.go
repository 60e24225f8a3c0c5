// Package notify routes bus events to operator-facing channels based
// on a declarative rule set. It is a consumer of the dispatcher: rules
// select events by name, optionally filter audit records by action and
// trust level, and hand matches to a log, file, or webhook channel.
package notify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/relayhq/relay/internal/audit"
)

// Severity grades a notification for routing and display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Channel is the delivery destination for a notification.
type Channel string

const (
	ChannelLog     Channel = "log"     // structured log line
	ChannelFile    Channel = "file"    // JSONL notifications file
	ChannelWebhook Channel = "webhook" // generic JSON POST
)

// Rule routes matching events to a channel. Event and each Actions
// entry accept a trailing * for prefix matching; Actions and MinTrust
// only apply to events whose payload decodes as an audit record.
type Rule struct {
	ID       string           `yaml:"id" json:"id"`
	Event    string           `yaml:"event" json:"event"`
	Actions  []string         `yaml:"actions,omitempty" json:"actions,omitempty"`
	MinTrust audit.TrustLevel `yaml:"min_trust,omitempty" json:"min_trust,omitempty"`
	Severity Severity         `yaml:"severity" json:"severity"`
	Channel  Channel          `yaml:"channel" json:"channel"`
	Target   string           `yaml:"target,omitempty" json:"target,omitempty"` // webhook URL
}

// ruleFile is the on-disk shape of a rules.yaml.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules returns the rule set used when no rules file exists:
// surface a degraded audit pipeline loudly, and note system-level
// actions as they are recorded.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "audit-degraded",
			Event:    audit.DegradedChannel,
			Severity: SeverityCritical,
			Channel:  ChannelLog,
		},
		{
			ID:       "system-actions",
			Event:    audit.Channel,
			Actions:  []string{"system.*"},
			Severity: SeverityInfo,
			Channel:  ChannelLog,
		},
	}
}

// LoadRules reads a rules YAML file from disk.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	if problems := ValidateRules(f.Rules); len(problems) > 0 {
		return nil, fmt.Errorf("invalid rules in %s: %s", path, strings.Join(problems, "; "))
	}

	slog.Debug("loaded notification rules", "path", path, "rules", len(f.Rules))
	return f.Rules, nil
}

// SaveRules writes a rules YAML file, creating parent directories as
// needed.
func SaveRules(path string, rules []Rule) error {
	data, err := yaml.Marshal(ruleFile{Rules: rules})
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating rules directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing rules to %s: %w", path, err)
	}
	return nil
}

// ValidateRules checks that all rules have required fields and valid
// enumerations, returning one message per problem.
func ValidateRules(rules []Rule) []string {
	var problems []string
	validSeverities := map[Severity]bool{
		SeverityInfo:     true,
		SeverityWarning:  true,
		SeverityHigh:     true,
		SeverityCritical: true,
	}
	validChannels := map[Channel]bool{
		ChannelLog:     true,
		ChannelFile:    true,
		ChannelWebhook: true,
	}

	seen := make(map[string]bool)
	for _, r := range rules {
		if r.ID == "" {
			problems = append(problems, "rule has empty ID")
			continue
		}
		if seen[r.ID] {
			problems = append(problems, fmt.Sprintf("duplicate rule ID: %s", r.ID))
		}
		seen[r.ID] = true

		if r.Event == "" {
			problems = append(problems, fmt.Sprintf("rule %s has empty event", r.ID))
		} else if !validPattern(r.Event) {
			problems = append(problems, fmt.Sprintf("rule %s event %q: * is only allowed as a trailing wildcard", r.ID, r.Event))
		}
		for _, a := range r.Actions {
			if !validPattern(a) {
				problems = append(problems, fmt.Sprintf("rule %s action %q: * is only allowed as a trailing wildcard", r.ID, a))
			}
		}
		if r.MinTrust != "" && !r.MinTrust.Valid() {
			problems = append(problems, fmt.Sprintf("rule %s has invalid min_trust: %q", r.ID, r.MinTrust))
		}
		if !validSeverities[r.Severity] {
			problems = append(problems, fmt.Sprintf("rule %s has invalid severity: %q", r.ID, r.Severity))
		}
		if !validChannels[r.Channel] {
			problems = append(problems, fmt.Sprintf("rule %s has invalid channel: %q", r.ID, r.Channel))
		}
		if r.Channel == ChannelWebhook && r.Target == "" {
			problems = append(problems, fmt.Sprintf("rule %s routes to webhook but has no target", r.ID))
		}
	}

	return problems
}

// matchPattern reports whether name matches pattern, where a trailing
// * in pattern matches any suffix.
func matchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// validPattern accepts literal names and trailing-* globs.
func validPattern(pattern string) bool {
	if i := strings.Index(pattern, "*"); i >= 0 && i != len(pattern)-1 {
		return false
	}
	return true
}

// trustRank orders trust levels for MinTrust comparisons.
var trustRank = map[audit.TrustLevel]int{
	audit.TrustStandard: 0,
	audit.TrustVerified: 1,
	audit.TrustOperator: 2,
	audit.TrustSystem:   3,
}

func meetsTrust(level, minimum audit.TrustLevel) bool {
	if minimum == "" {
		return true
	}
	return trustRank[level] >= trustRank[minimum]
}
