package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultSafetyRules returns the canonical rule set: priority 10
// hard-deny destructive shell/path-escape/`.delete|.destroy|.drop` actions;
// priority 20 allow reads/readonly-shell/health checks; priority 50 confirm
// writes/non-readonly shell/browser/process control; priority 90 catch-all
// confirm.
func DefaultSafetyRules() []Rule {
	return []Rule{
		{
			Name: "deny_destructive_shell", Verdict: VerdictDeny, Priority: 10,
			ActionPattern: `shell\.run`,
			ArgPatterns: map[string]string{
				"command": `(rm\s|rmdir\s|del\s|format\s|mkfs|dd\s+if=|:\(\)\{.*:\|:&\};:|shutdown|reboot)`,
			},
			Description: "block shell commands that delete, format, or destroy state",
		},
		{
			Name: "deny_path_escape", Verdict: VerdictDeny, Priority: 10,
			ActionPattern: `file\..*`,
			ArgPatterns: map[string]string{
				"path": `(\.\.[\\/]|^[A-Za-z]:\\|^\\\\|%)`,
			},
			Description: "block file operations outside the sandbox root",
		},
		{
			Name: "deny_unknown_destructive", Verdict: VerdictDeny, Priority: 10,
			ActionPattern: `.*\.(delete|destroy|drop)`,
			Description:   "block any action whose name ends with delete/destroy/drop",
		},
		{
			Name: "allow_file_read", Verdict: VerdictAllow, Priority: 20,
			ActionPattern: `file\.read`,
			Description:   "file reads within the sandbox are always allowed",
		},
		{
			Name: "allow_readonly_shell", Verdict: VerdictAllow, Priority: 20,
			ActionPattern: `shell\.run`,
			ArgPatterns: map[string]string{
				"command": `^(ls|cat|head|tail|find|test|stat|file|pwd|ps|service|systemctl\s+status)\b`,
			},
			Description: "allow read-only shell commands from the allowlist",
		},
		{
			Name: "allow_health_check", Verdict: VerdictAllow, Priority: 20,
			ActionPattern: `health\.check|healthz`,
			Description:   "health checks are always allowed",
		},
		{
			Name: "confirm_file_write", Verdict: VerdictConfirm, Priority: 50,
			ActionPattern: `file\.write`,
			Description:   "file writes require user confirmation",
		},
		{
			Name: "confirm_shell_write", Verdict: VerdictConfirm, Priority: 50,
			ActionPattern: `shell\.run`,
			Description:   "non-readonly shell commands require confirmation",
		},
		{
			Name: "confirm_browser_open", Verdict: VerdictConfirm, Priority: 50,
			ActionPattern: `browser\.open`,
			Description:   "opening URLs requires confirmation",
		},
		{
			Name: "confirm_process_control", Verdict: VerdictConfirm, Priority: 50,
			ActionPattern: `process\.(start|stop|kill)`,
			Description:   "process control requires confirmation",
		},
		{
			Name: "confirm_unknown", Verdict: VerdictConfirm, Priority: 90,
			ActionPattern: `.*`,
			Description:   "unknown actions default to confirm",
		},
	}
}

// ruleDocument is the YAML shape rules are loaded from.
type ruleDocument struct {
	Rules []struct {
		Name          string            `yaml:"name"`
		Verdict       string            `yaml:"verdict"`
		ActionPattern string            `yaml:"action_pattern"`
		ArgPatterns   map[string]string `yaml:"arg_patterns"`
		ModeFilter    []string          `yaml:"mode_filter"`
		Description   string            `yaml:"description"`
		Priority      int               `yaml:"priority"`
	} `yaml:"rules"`
	DefaultVerdict string `yaml:"default_verdict"`
}

// LoadRulesYAML parses a rule set from YAML. Returns the rules plus the
// document's default verdict (empty string if unset).
func LoadRulesYAML(raw []byte) ([]Rule, Verdict, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("parse policy rules yaml: %w", err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		rules = append(rules, Rule{
			Name: r.Name, Verdict: Verdict(r.Verdict), ActionPattern: r.ActionPattern,
			ArgPatterns: r.ArgPatterns, ModeFilter: r.ModeFilter,
			Description: r.Description, Priority: r.Priority,
		})
	}
	return rules, Verdict(doc.DefaultVerdict), nil
}
