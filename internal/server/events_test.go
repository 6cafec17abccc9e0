package server

import (
	"net/http"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
)

func TestSubmissionGradedTouchesState(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()
	handler := &EventsHandler{Pipeline: testPipeline(st)}

	mock.ExpectQuery(regexp.QuoteMeta("FROM assignment_tag_states")).
		WithArgs("t1", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assignment_tag_states")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, rec := newContext(t, http.MethodPost, "/api/events/submission-graded",
		SubmissionGradedEvent{AssignmentID: "a1", SubmissionID: "s1"})
	if err := handler.submissionGraded(ctx); err != nil {
		t.Fatalf("submissionGraded: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmissionGradedRequiresAssignment(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()
	handler := &EventsHandler{Pipeline: testPipeline(st)}

	ctx, _ := newContext(t, http.MethodPost, "/api/events/submission-graded",
		SubmissionGradedEvent{SubmissionID: "s1"})
	err := handler.submissionGraded(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
