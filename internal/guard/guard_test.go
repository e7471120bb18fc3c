package guard

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/sqlrollback/internal/config"
	"github.com/opsforge/sqlrollback/internal/dialect"
	"github.com/opsforge/sqlrollback/internal/ledger"
	"github.com/opsforge/sqlrollback/internal/logger"
)

var (
	sessionsQuery    = regexp.QuoteMeta("SELECT COUNT(*) FROM information_schema.processlist WHERE command <> 'Sleep' AND time > ?")
	connectionsQuery = regexp.QuoteMeta("SELECT COUNT(*) FROM information_schema.processlist")
)

func testConfig() config.SafetyConfig {
	return config.SafetyConfig{
		BusinessHoursStart: "09:00",
		BusinessHoursEnd:   "17:00",
		LongTxSeconds:      300,
		MaxConnections:     50,
		ProtectedTables:    []string{"payments"},
	}
}

func newGuard(t *testing.T, prod bool) (*Guard, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	g := New(db, dialect.MySQL{}, Static(prod), testConfig(), logger.NewNop())
	return g, mock
}

// at pins the guard's clock to the given wall time.
func at(g *Guard, hour, minute int) {
	g.Now = func() time.Time {
		return time.Date(2026, 8, 28, hour, minute, 0, 0, time.UTC)
	}
}

func expectQuietDatabase(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(sessionsQuery).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectQuery(connectionsQuery).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
}

func finding(r *Report, check string) Finding {
	for _, f := range r.Findings {
		if f.Check == check {
			return f
		}
	}
	return Finding{}
}

func TestEvaluateAllClear(t *testing.T) {
	g, mock := newGuard(t, false)
	at(g, 20, 0)
	expectQuietDatabase(mock)

	pending := []ledger.Entry{{Version: "1.0.2", Description: "add index on users"}}
	r := g.Evaluate(context.Background(), pending, Overrides{})

	assert.False(t, r.Blocked())
	assert.Empty(t, r.Warnings())
	assert.Len(t, r.Findings, 5)
}

func TestDataLossHeuristic(t *testing.T) {
	pending := []ledger.Entry{{Version: "1.0.2", Description: "populate orders data"}}

	g, mock := newGuard(t, false)
	at(g, 20, 0)
	expectQuietDatabase(mock)
	r := g.Evaluate(context.Background(), pending, Overrides{})
	assert.True(t, r.Blocked())
	assert.Equal(t, Block, finding(r, "data-loss").Severity)

	// Force downgrades block to warn; the finding never disappears.
	g2, mock2 := newGuard(t, false)
	at(g2, 20, 0)
	expectQuietDatabase(mock2)
	r2 := g2.Evaluate(context.Background(), pending, Overrides{ForceDataLoss: true})
	assert.False(t, r2.Blocked())
	assert.Equal(t, Warn, finding(r2, "data-loss").Severity)
}

func TestProtectedTableMentionFlagsDataLoss(t *testing.T) {
	g, mock := newGuard(t, false)
	at(g, 20, 0)
	expectQuietDatabase(mock)

	pending := []ledger.Entry{{Version: "1.0.2", Description: "add column to payments"}}
	r := g.Evaluate(context.Background(), pending, Overrides{})
	assert.Equal(t, Block, finding(r, "data-loss").Severity)
}

func TestProductionRequiresApproval(t *testing.T) {
	g, mock := newGuard(t, true)
	at(g, 20, 0)
	expectQuietDatabase(mock)
	r := g.Evaluate(context.Background(), nil, Overrides{})
	assert.True(t, r.Blocked())
	assert.True(t, r.Production)
	assert.Equal(t, Block, finding(r, "environment").Severity)

	g2, mock2 := newGuard(t, true)
	at(g2, 20, 0)
	expectQuietDatabase(mock2)
	r2 := g2.Evaluate(context.Background(), nil, Overrides{ProductionApproved: true})
	assert.False(t, r2.Blocked())
	assert.Equal(t, Warn, finding(r2, "environment").Severity)
}

func TestTimingWindow(t *testing.T) {
	g, mock := newGuard(t, false)
	at(g, 10, 30)
	expectQuietDatabase(mock)
	r := g.Evaluate(context.Background(), nil, Overrides{})
	assert.Equal(t, Block, finding(r, "timing-window").Severity)

	g2, mock2 := newGuard(t, false)
	at(g2, 10, 30)
	expectQuietDatabase(mock2)
	r2 := g2.Evaluate(context.Background(), nil, Overrides{EmergencyRollback: true})
	assert.False(t, r2.Blocked())
	assert.Equal(t, Warn, finding(r2, "timing-window").Severity)
}

func TestTimingWindowCrossingMidnight(t *testing.T) {
	// Restricted window 22:00-06:00 wraps around midnight.
	cases := []struct {
		hour, minute int
		restricted   bool
	}{
		{23, 0, true},
		{2, 30, true},
		{12, 0, false},
		{21, 59, false},
		{6, 0, false},
	}
	for _, tc := range cases {
		g, mock := newGuard(t, false)
		g.Cfg.BusinessHoursStart = "22:00"
		g.Cfg.BusinessHoursEnd = "06:00"
		at(g, tc.hour, tc.minute)
		expectQuietDatabase(mock)

		r := g.Evaluate(context.Background(), nil, Overrides{})
		want := Pass
		if tc.restricted {
			want = Block
		}
		assert.Equal(t, want, finding(r, "timing-window").Severity, "%02d:%02d", tc.hour, tc.minute)
	}
}

func TestLongRunningSessionsBlock(t *testing.T) {
	g, mock := newGuard(t, false)
	at(g, 20, 0)
	mock.ExpectQuery(sessionsQuery).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))
	mock.ExpectQuery(connectionsQuery).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))

	r := g.Evaluate(context.Background(), nil, Overrides{})
	assert.Equal(t, Block, finding(r, "concurrent-activity").Severity)
}

func TestGuardFailsClosedOnProbeError(t *testing.T) {
	g, mock := newGuard(t, false)
	at(g, 20, 0)
	mock.ExpectQuery(sessionsQuery).WillReturnError(errors.New("permission denied"))
	mock.ExpectQuery(connectionsQuery).WillReturnError(errors.New("permission denied"))

	r := g.Evaluate(context.Background(), nil, Overrides{})
	assert.True(t, r.Blocked())
	assert.Equal(t, Block, finding(r, "concurrent-activity").Severity)
	assert.Equal(t, Block, finding(r, "connection-load").Severity)
}

func TestHeavyLoadWarnsOnly(t *testing.T) {
	g, mock := newGuard(t, false)
	at(g, 20, 0)
	mock.ExpectQuery(sessionsQuery).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectQuery(connectionsQuery).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(200))

	r := g.Evaluate(context.Background(), nil, Overrides{})
	assert.False(t, r.Blocked())
	assert.Equal(t, Warn, finding(r, "connection-load").Severity)
}

func TestMarkerClassifier(t *testing.T) {
	markers := []string{"prod", "production"}
	tests := []struct {
		name string
		c    MarkerClassifier
		want bool
	}{
		{"clean", MarkerClassifier{Environment: "staging", DSN: "u:p@tcp(db-stg:3306)/app", Hostname: "stg-01", Markers: markers}, false},
		{"profile", MarkerClassifier{Environment: "production", Markers: markers}, true},
		{"dsn", MarkerClassifier{DSN: "u:p@tcp(db-prod-1:3306)/app", Markers: markers}, true},
		{"hostname", MarkerClassifier{Hostname: "prod-web-02", Markers: markers}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.IsProduction())
		})
	}
}
