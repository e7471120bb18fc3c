package guard

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opsforge/sqlrollback/internal/config"
	"github.com/opsforge/sqlrollback/internal/dialect"
	"github.com/opsforge/sqlrollback/internal/ledger"
	"github.com/opsforge/sqlrollback/internal/logger"
)

type Severity string

const (
	Pass  Severity = "pass"
	Warn  Severity = "warn"
	Block Severity = "block"
)

type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Report is the structured outcome of all pre-flight checks.
type Report struct {
	Findings   []Finding `json:"findings"`
	Production bool      `json:"production"`
}

func (r *Report) add(check string, sev Severity, detail string) {
	r.Findings = append(r.Findings, Finding{Check: check, Severity: sev, Detail: detail})
}

func (r *Report) Blocked() bool {
	for _, f := range r.Findings {
		if f.Severity == Block {
			return true
		}
	}
	return false
}

func (r *Report) Warnings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == Warn {
			out = append(out, f)
		}
	}
	return out
}

// Summary renders blocking and warning findings for error messages and audit.
func (r *Report) Summary() string {
	var parts []string
	for _, f := range r.Findings {
		if f.Severity == Pass {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", f.Severity, f.Check, f.Detail))
	}
	return strings.Join(parts, "; ")
}

// Overrides carries the request flags that downgrade or bypass checks.
type Overrides struct {
	ForceDataLoss      bool
	EmergencyRollback  bool
	ProductionApproved bool
}

// dataOperationKeywords mirrors the description heuristic for data-touching
// migrations. This is a best-effort signal, not a schema diff: a migration
// whose description hides its intent will slip past it.
var dataOperationKeywords = []string{"insert", "update", "delete", "data", "populate", "migrate", "drop", "truncate"}

// Guard evaluates independent safety checks and produces a Report. It is
// stateless between calls; time and environment are injected so tests can
// pin them.
type Guard struct {
	DB      *sql.DB
	Dialect dialect.Adapter
	Env     EnvironmentClassifier
	Cfg     config.SafetyConfig
	Log     *logger.Logger
	Now     func() time.Time
}

func New(database *sql.DB, adapter dialect.Adapter, env EnvironmentClassifier, cfg config.SafetyConfig, log *logger.Logger) *Guard {
	return &Guard{DB: database, Dialect: adapter, Env: env, Cfg: cfg, Log: log, Now: time.Now}
}

// Evaluate runs every check against the entries about to be undone. A check
// that cannot observe its signal reports block, not pass: inability to see
// risk is itself a risk signal.
func (g *Guard) Evaluate(ctx context.Context, pending []ledger.Entry, ov Overrides) *Report {
	r := &Report{}
	g.checkDataLoss(r, pending, ov)
	g.checkEnvironment(r, ov)
	g.checkTimingWindow(r, ov)
	g.checkLongTransactions(ctx, r, ov)
	g.checkConnectionLoad(ctx, r)
	return r
}

func (g *Guard) checkDataLoss(r *Report, pending []ledger.Entry, ov Overrides) {
	var risky []string
	for _, e := range pending {
		desc := strings.ToLower(e.Description)
		for _, kw := range dataOperationKeywords {
			if strings.Contains(desc, kw) {
				risky = append(risky, e.Version)
				break
			}
		}
		for _, table := range g.Cfg.ProtectedTables {
			if strings.Contains(desc, strings.ToLower(table)) {
				risky = append(risky, e.Version)
				break
			}
		}
	}
	if len(risky) == 0 {
		r.add("data-loss", Pass, "no data-touching migrations between target and current")
		return
	}
	detail := "potential data loss undoing versions: " + strings.Join(dedupe(risky), ", ")
	if ov.ForceDataLoss {
		// Forced: downgraded, never dropped from the report.
		r.add("data-loss", Warn, detail+" (forced)")
		return
	}
	r.add("data-loss", Block, detail+"; set forceDataLoss to proceed")
}

func (g *Guard) checkEnvironment(r *Report, ov Overrides) {
	if g.Env == nil || !g.Env.IsProduction() {
		r.add("environment", Pass, "non-production environment")
		return
	}
	r.Production = true
	if !ov.ProductionApproved {
		r.add("environment", Block, "production rollback requires explicit approval")
		return
	}
	r.add("environment", Warn, "production environment, approval granted")
}

func (g *Guard) checkTimingWindow(r *Report, ov Overrides) {
	start, err1 := parseClock(g.Cfg.BusinessHoursStart)
	end, err2 := parseClock(g.Cfg.BusinessHoursEnd)
	if err1 != nil || err2 != nil {
		r.add("timing-window", Block, "restricted window misconfigured")
		return
	}
	now := g.Now()
	minutes := now.Hour()*60 + now.Minute()
	// A window with start > end crosses midnight (e.g. 22:00-06:00).
	var restricted bool
	if start <= end {
		restricted = minutes >= start && minutes < end
	} else {
		restricted = minutes >= start || minutes < end
	}
	if !restricted {
		r.add("timing-window", Pass, "outside restricted hours")
		return
	}
	if ov.EmergencyRollback {
		r.add("timing-window", Warn, "inside restricted hours, emergency override")
		return
	}
	r.add("timing-window", Block, fmt.Sprintf("inside restricted hours (%s-%s); set emergencyRollback to proceed",
		g.Cfg.BusinessHoursStart, g.Cfg.BusinessHoursEnd))
}

func (g *Guard) checkLongTransactions(ctx context.Context, r *Report, ov Overrides) {
	threshold := time.Duration(g.Cfg.LongTxSeconds) * time.Second
	n, err := g.Dialect.SessionsOverThreshold(ctx, g.DB, threshold)
	if err != nil {
		// Fail closed.
		r.add("concurrent-activity", Block, "cannot inspect active sessions: "+err.Error())
		return
	}
	if n == 0 {
		r.add("concurrent-activity", Pass, "no long-running sessions")
		return
	}
	detail := fmt.Sprintf("%d session(s) running longer than %s", n, threshold)
	if ov.EmergencyRollback {
		r.add("concurrent-activity", Warn, detail+" (emergency override)")
		return
	}
	r.add("concurrent-activity", Block, detail)
}

func (g *Guard) checkConnectionLoad(ctx context.Context, r *Report) {
	n, err := g.Dialect.ActiveConnections(ctx, g.DB)
	if err != nil {
		r.add("connection-load", Block, "cannot count active connections: "+err.Error())
		return
	}
	if g.Cfg.MaxConnections > 0 && n > g.Cfg.MaxConnections {
		r.add("connection-load", Warn, fmt.Sprintf("%d active connections exceeds threshold %d", n, g.Cfg.MaxConnections))
		return
	}
	r.add("connection-load", Pass, fmt.Sprintf("%d active connections", n))
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
