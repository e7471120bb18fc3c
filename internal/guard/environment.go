package guard

import "strings"

// EnvironmentClassifier decides whether the deployment target is production.
// It is injected so tests can substitute a deterministic fake instead of
// reading ambient system state.
type EnvironmentClassifier interface {
	IsProduction() bool
}

// MarkerClassifier classifies from deployment signals: the configured
// environment name, the connection DSN, and the host name. Any single
// positive signal classifies as production (conservative OR).
type MarkerClassifier struct {
	Environment string
	DSN         string
	Hostname    string
	Markers     []string
}

func (c MarkerClassifier) IsProduction() bool {
	signals := []string{c.Environment, c.DSN, c.Hostname}
	for _, sig := range signals {
		low := strings.ToLower(sig)
		for _, m := range c.Markers {
			if m != "" && strings.Contains(low, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

// Static is a fixed classification, useful for tests and explicit config.
type Static bool

func (s Static) IsProduction() bool { return bool(s) }
