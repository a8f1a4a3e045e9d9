package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
)

func newMockStore(t *testing.T) (*LinkStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewLinkStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestListEligibleScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Unix(1700000000, 0).UTC()
	last := cutoff.Add(-time.Hour)

	rows := mock.NewRows([]string{"id", "original_url", "attempts_count", "last_attempt_at"}).
		AddRow("l1", "https://a.example/job", 0, nil).
		AddRow("l2", "https://b.example/job", 2, &last)

	mock.ExpectQuery("SELECT id, original_url, attempts_count, last_attempt_at FROM job_links").
		WithArgs([]string{"PENDING_PROCESSING", "PENDING_RETRY"}, 4, cutoff, 10).
		WillReturnRows(rows)

	got, err := store.ListEligible(context.Background(), links.EligibilityQuery{
		MaxAttempts:     4,
		AttemptedBefore: cutoff,
		Limit:           10,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "l1", got[0].ID)
	require.Nil(t, got[0].LastAttemptAt)
	require.Equal(t, 2, got[1].AttemptsCount)
	require.Equal(t, last, *got[1].LastAttemptAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEligibleAppliesDefaults(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM job_links").
		WithArgs(pgxmock.AnyArg(), links.DefaultMaxLongRetry, pgxmock.AnyArg(), defaultLimit).
		WillReturnError(errors.New("connection reset"))

	_, err := store.ListEligible(context.Background(), links.EligibilityQuery{})
	require.ErrorContains(t, err, "list eligible links")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOutcomeWritesSuccess(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	md := &links.ExtractedMetadata{Title: "Backend Engineer", Company: "Acme", JobType: "FULL_TIME"}
	mdJSON, err := json.Marshal(md)
	require.NoError(t, err)

	finalURL := "https://acme.example/jobs/1"
	uri := "memory://scraped/l1/run.txt"
	mock.ExpectExec("UPDATE job_links SET").
		WithArgs(
			"l1",
			"PENDING_ADMIN_REVIEW",
			(*string)(nil),
			0,
			at,
			&finalURL,
			mdJSON,
			(*string)(nil),
			&uri,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.SaveOutcome(context.Background(), links.Outcome{
		LinkID:      "l1",
		URL:         finalURL,
		Status:      links.StatusPendingAdminReview,
		AttemptedAt: at,
		Metadata:    md,
		TextURI:     uri,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOutcomeWritesFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	stage := "VALIDATION_FAILED"
	msg := "validate https://gone.example: status 404"

	mock.ExpectExec("UPDATE job_links SET").
		WithArgs("l2", "PENDING_RETRY", &stage, 3, at, (*string)(nil), []byte(nil), &msg, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SaveOutcome(context.Background(), links.Outcome{
		LinkID:        "l2",
		Status:        links.StatusPendingRetry,
		FailureStage:  links.FailureStageValidation,
		AttemptsCount: 3,
		AttemptedAt:   at,
		Error:         msg,
	})
	require.ErrorIs(t, err, links.ErrLinkNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOutcomeRejectsInconsistentStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	err := store.SaveOutcome(context.Background(), links.Outcome{
		LinkID:       "l3",
		Status:       links.StatusPendingAdminReview,
		FailureStage: links.FailureStageScraping,
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLinkStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewLinkStoreWithPool(mock, "links; DROP TABLE x")
	require.Error(t, err)
	_, err = NewLinkStoreWithPool(nil, "")
	require.Error(t, err)
	_, err = NewLinkStore(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
