package sink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

const attemptColumns = 12

// PostgresSink exports finalized attempts into a results table. Rows are keyed
// by attempt_id so replaying a batch after a crash is harmless.
type PostgresSink struct {
	db        *sql.DB
	tableName string
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	return &PostgresSink{db: db, tableName: table}
}

func (p *PostgresSink) Name() string { return "postgres" }

// Schema returns the DDL for the export table.
func (p *PostgresSink) Schema() string {
	return "CREATE TABLE IF NOT EXISTS " + pq.QuoteIdentifier(p.tableName) + ` (
	attempt_id TEXT PRIMARY KEY,
	site_id BIGINT NOT NULL,
	die_row INTEGER NOT NULL,
	die_col INTEGER NOT NULL,
	retest BOOLEAN NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	outcome TEXT NOT NULL,
	fail_reason TEXT NOT NULL,
	passed_stages INTEGER NOT NULL,
	supply_current DOUBLE PRECISION NOT NULL,
	stages JSONB NOT NULL
)`
}

// EnsureSchema creates the export table when it does not exist yet.
func (p *PostgresSink) EnsureSchema() error {
	_, err := p.db.Exec(p.Schema())
	return err
}

func (p *PostgresSink) WriteBatch(attempts []*domain.TestAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(p.tableName))
	b.WriteString(" (attempt_id, site_id, die_row, die_col, retest, started_at, finished_at, outcome, fail_reason, passed_stages, supply_current, stages) VALUES ")

	args := make([]any, 0, len(attempts)*attemptColumns)
	for i, a := range attempts {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < attemptColumns; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c+1)
		}
		b.WriteString(")")

		stages, err := json.Marshal(a.Stages)
		if err != nil {
			return fmt.Errorf("marshal stages: %w", err)
		}
		args = append(args,
			a.ID,
			int64(a.SiteID),
			a.Coordinate.Row,
			a.Coordinate.Col,
			a.Retest,
			a.StartedAt,
			a.FinishedAt,
			string(a.Outcome),
			a.FailReason,
			a.PassedStages,
			a.PowerCheck.CurrentMeasured,
			stages,
		)
	}

	b.WriteString(" ON CONFLICT (attempt_id) DO NOTHING")

	_, err := p.db.Exec(b.String(), args...)
	return err
}

var _ ports.Sink = (*PostgresSink)(nil)
