package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestTagUsageStatsKeyedByNormalizedLabel(t *testing.T) {
	st, mock, cleanup := setup(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"norm_label", "sum", "count"}).
		AddRow("sign error", 8, 2)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY norm_label")).
		WithArgs("t1").
		WillReturnRows(rows)

	usage, err := st.TagUsageStats(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TagUsageStats: %v", err)
	}
	u, ok := usage["sign error"]
	if !ok || u.TagCount != 8 || u.AssignmentCount != 2 {
		t.Fatalf("expected normalized key with folded counts, got %+v", usage)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
