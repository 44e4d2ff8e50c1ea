package sink

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/WaferProbe/internal/domain"
)

func TestPostgresSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "probe_attempts")
	start := time.Now()
	end := start.Add(2 * time.Second)

	attempts := []*domain.TestAttempt{
		{
			ID:           "att-1",
			SiteID:       12,
			Coordinate:   domain.Coordinate{Row: 3, Col: 4},
			StartedAt:    start,
			FinishedAt:   end,
			Outcome:      domain.OutcomePartial,
			FailReason:   "stage 7 INL 2.10 > 1.00",
			PassedStages: 6,
			PowerCheck:   domain.PowerCheck{CurrentMeasured: 0.21},
		},
	}

	expectedQuery := regexp.QuoteMeta(`INSERT INTO "probe_attempts" (attempt_id, site_id, die_row, die_col, retest, started_at, finished_at, outcome, fail_reason, passed_stages, supply_current, stages) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) ON CONFLICT (attempt_id) DO NOTHING`)
	mock.ExpectExec(expectedQuery).
		WithArgs("att-1", int64(12), 3, 4, false, start, end, "PARTIAL", "stage 7 INL 2.10 > 1.00", 6, 0.21, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := sink.WriteBatch(attempts); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkWriteBatchNoAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "probe_attempts")
	if err := sink.WriteBatch(nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "probe_attempts")
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "probe_attempts"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := sink.EnsureSchema(); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if sink.Name() != "postgres" {
		t.Fatalf("expected sink name postgres, got %s", sink.Name())
	}
}
