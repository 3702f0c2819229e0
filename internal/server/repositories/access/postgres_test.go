package access

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/avolkov/filedepot/internal/common"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestAdd_UpsertIsQuiet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+file_access.*ON\s+CONFLICT.*DO\s+NOTHING`

	// Second insert of the same pair affects zero rows; Add must not care.
	mock.ExpectExec(q).WithArgs("abc", "team-a").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Add(context.Background(), "abc", "team-a"); err != nil {
		t.Fatalf("Add error: %v", err)
	}
}

func TestRemove_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^DELETE\s+FROM\s+file_access\s+WHERE\s+storage_id\s*=\s*\$1\s+AND\s+access_key\s*=\s*\$2`

	mock.ExpectExec(q).WithArgs("abc", "ghost").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Remove(context.Background(), "abc", "ghost")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want common.ErrNotFound, got %v", err)
	}
}

func TestHas_True(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+EXISTS`

	mock.ExpectQuery(q).WithArgs("abc", "team-a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.Has(context.Background(), "abc", "team-a")
	if err != nil {
		t.Fatalf("Has error: %v", err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}

func TestListKeys_InsertionOrder(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+access_key\s+FROM\s+file_access\s+WHERE\s+storage_id\s*=\s*\$1\s+ORDER\s+BY\s+id`

	rows := sqlmock.NewRows([]string{"access_key"}).AddRow("first").AddRow("second")
	mock.ExpectQuery(q).WithArgs("abc").WillReturnRows(rows)

	keys, err := repo.ListKeys(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ListKeys error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "first" || keys[1] != "second" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestListByAccessKey_Pagination(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id,\s*storage_id,\s*access_key,\s*created_at\s+FROM\s+file_access\s+WHERE\s+access_key\s*=\s*\$1\s+AND\s+id\s*>\s*\$2`

	rows := sqlmock.NewRows([]string{"id", "storage_id", "access_key", "created_at"}).
		AddRow(int64(11), "f1", "team-a", time.Now()).
		AddRow(int64(12), "f2", "team-a", time.Now())
	mock.ExpectQuery(q).WithArgs("team-a", int64(10), 50).WillReturnRows(rows)

	entries, err := repo.ListByAccessKey(context.Background(), "team-a", 10, 50)
	if err != nil {
		t.Fatalf("ListByAccessKey error: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 11 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestRepoint_UpdatesAllRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^UPDATE\s+file_access\s+SET\s+storage_id\s*=\s*\$2\s+WHERE\s+storage_id\s*=\s*\$1`

	mock.ExpectExec(q).WithArgs("old", "new").WillReturnResult(sqlmock.NewResult(0, 3))

	if err := repo.Repoint(context.Background(), "old", "new"); err != nil {
		t.Fatalf("Repoint error: %v", err)
	}
}
