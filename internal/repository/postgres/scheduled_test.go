package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// scheduledRow builds one result row in scheduledColumns order.
func scheduledRow(id string, attempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "from_text", "from_address", "from_domain", "to_data",
		"cc_data", "bcc_data", "reply_to_data", "subject", "text_body", "html_body",
		"headers", "attachments", "tags", "scheduled_at", "timezone", "status",
		"attempts", "max_attempts", "next_retry_at", "last_error", "sent_email_id",
		"idempotency_key", "sent_at", "created_at", "updated_at",
	}).AddRow(
		id, "user-1", "Ops <ops@acme.test>", "ops@acme.test", "acme.test", `["dest@example.com"]`,
		nil, nil, nil, "Reminder", "body", nil,
		nil, nil, nil, now, "UTC", "processing",
		attempts, 3, nil, nil, nil,
		"idem-1", nil, now, now,
	)
}

func TestScheduledCreateAppliesRetryBudget(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)
	repo.SetMaxAttempts(5)

	mock.ExpectExec("INSERT INTO scheduled_emails").
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := &domain.ScheduledEmail{
		UserID:      "user-1",
		FromAddress: "ops@acme.test",
		To:          []string{"dest@example.com"},
		Subject:     "Reminder",
		ScheduledAt: time.Now().Add(time.Hour),
		Status:      domain.ScheduleScheduled,
	}
	id, err := repo.Create(context.Background(), m)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 5, m.MaxAttempts)

	// An explicit per-row budget is left alone.
	mock.ExpectExec("INSERT INTO scheduled_emails").
		WillReturnResult(sqlmock.NewResult(0, 1))
	m2 := &domain.ScheduledEmail{
		UserID:      "user-1",
		FromAddress: "ops@acme.test",
		To:          []string{"dest@example.com"},
		Subject:     "Reminder",
		ScheduledAt: time.Now().Add(time.Hour),
		MaxAttempts: 7,
	}
	_, err = repo.Create(context.Background(), m2)
	require.NoError(t, err)
	assert.Equal(t, 7, m2.MaxAttempts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduledCreateConflictOnDuplicateKey(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)

	mock.ExpectExec("INSERT INTO scheduled_emails").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Create(context.Background(), &domain.ScheduledEmail{
		UserID:      "user-1",
		FromAddress: "ops@acme.test",
		To:          []string{"dest@example.com"},
		ScheduledAt: time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestClaimDueReturnsClaimedRows(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)

	mock.ExpectQuery("UPDATE scheduled_emails").
		WithArgs(10).
		WillReturnRows(scheduledRow("sch-1", 1))

	rows, err := repo.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sch-1", rows[0].ID)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, []string{"dest@example.com"}, rows[0].To)
	require.NotNil(t, rows[0].IdempotencyKey)
	assert.Equal(t, "idem-1", *rows[0].IdempotencyKey)
}

func TestClaimDueDefaultsBatchSize(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)

	mock.ExpectQuery("UPDATE scheduled_emails").
		WithArgs(25).
		WillReturnRows(scheduledRow("sch-1", 1))

	_, err := repo.ClaimDue(context.Background(), 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedRetryPathChecksBudgetThenSweeps(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)

	retryAt := time.Now().Add(2 * time.Minute)

	// First update requeues only rows with attempts left; the second
	// flips anything still processing to failed.
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs("provider timeout", retryAt, "sch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs("provider timeout", "sch-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkFailed(context.Background(), "sch-1", "provider timeout", &retryAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTerminalWithoutRetry(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)

	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs("quota exhausted", "sch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), "sch-1", "quota exhausted", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStaleRequeuesAndRollsBackAttempts(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)

	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs("600 seconds").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ReleaseStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelDistinguishesMissingFromAlreadyRun(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewScheduledRepo(db)

	// Row exists but is no longer 'scheduled'.
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs("sch-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("sch-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	assert.ErrorIs(t, repo.Cancel(context.Background(), "user-1", "sch-1"), domain.ErrConflict)

	// Row does not exist at all.
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs("sch-2", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("sch-2", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	assert.ErrorIs(t, repo.Cancel(context.Background(), "user-1", "sch-2"), domain.ErrNotFound)

	// Happy path.
	mock.ExpectExec("UPDATE scheduled_emails").
		WithArgs("sch-3", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.Cancel(context.Background(), "user-1", "sch-3"))
}
