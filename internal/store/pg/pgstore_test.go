package pg

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var docCols = []string{
	"id", "registration_config_id", "organization_unit_id", "document_number", "year",
	"formatted_number", "document_category", "subject", "status", "created_by", "created_at", "updated_at", "deleted_at",
}

func TestNextNumberUpsertsCounter(t *testing.T) {
	store, mock := newMockStore(t)
	scope := registry.Scope{OrganizationUnitID: "parish-1", Year: 2024, Category: registry.CategoryIncoming}

	mock.ExpectQuery(`(?s)insert into sequence_counters .* on conflict \(organization_unit_id, year, document_category\) do update`).
		WithArgs("parish-1", 2024, "incoming", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(7)))

	n, err := store.NextNumber(context.Background(), scope, 1)
	if err != nil {
		t.Fatalf("NextNumber: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7, got %d", n)
	}
	expectationsMet(t, mock)
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx registry.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestLockDocumentMapsNoRows(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)select .* from documents\s+where id = \$1 and deleted_at is null\s+for update`).
		WithArgs("doc-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx registry.Tx) error {
		_, err := tx.LockDocument(context.Background(), "doc-1")
		return err
	})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestCompleteStepDetectsLostRace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	approved := registry.ResolutionApproved

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)update routing_steps .* where id = \$1 and step_status = 'pending'`).
		WithArgs("step-1", "approved", "approved", "", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx registry.Tx) error {
		return tx.CompleteStep(context.Background(), registry.RoutingStep{
			ID: "step-1", Action: registry.ActionApproved, ResolutionStatus: &approved, CompletedAt: &now,
		})
	})
	if !errors.Is(err, registry.ErrStepAlreadyCompleted) {
		t.Fatalf("expected ErrStepAlreadyCompleted, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestUniqueViolationsMapToDomainErrors(t *testing.T) {
	store, mock := newMockStore(t)
	dup := &pgconn.PgError{Code: pgErrUniqueViolation}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into document_connections`).WillReturnError(dup)
	mock.ExpectRollback()
	err := store.WithinTx(context.Background(), func(tx registry.Tx) error {
		return tx.InsertConnection(context.Background(), registry.DocumentConnection{
			ID: "c1", DocumentAID: "a", DocumentBID: "b", ConnectionType: registry.ConnectionRelated,
		})
	})
	if !errors.Is(err, registry.ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into archive_records`).WillReturnError(dup)
	mock.ExpectRollback()
	err = store.WithinTx(context.Background(), func(tx registry.Tx) error {
		return tx.InsertArchive(context.Background(), registry.ArchiveRecord{DocumentID: "a", ArchivedBy: "u"})
	})
	if !errors.Is(err, registry.ErrAlreadyArchived) {
		t.Fatalf("expected ErrAlreadyArchived, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into routing_steps`).WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()
	err = store.WithinTx(context.Background(), func(tx registry.Tx) error {
		return tx.InsertStep(context.Background(), registry.RoutingStep{ID: "s", DocumentID: "a", ParentStepID: "p"})
	})
	if !errors.Is(err, registry.ErrInvalidParentStep) {
		t.Fatalf("expected ErrInvalidParentStep, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestListDocumentsBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`from documents where deleted_at is null and id > \$1 and organization_unit_id = \$2 and year = \$3 order by id asc limit \$4`).
		WithArgs("01HQ0000000000000000000000", "parish-1", 2024, 10).
		WillReturnRows(sqlmock.NewRows(docCols).
			AddRow("01HQ0000000000000000000001", "cfg", "parish-1", int64(3), 2024, "IN-3/2024", "incoming", "s", "registered", "u", created, created, nil).
			AddRow("01HQ0000000000000000000002", "cfg", "parish-1", nil, 2024, nil, "internal", "d", "draft", "u", created, created, nil))
	mock.ExpectCommit()

	var docs []registry.DocumentEntry
	err := store.WithinTx(context.Background(), func(tx registry.Tx) error {
		var err error
		docs, err = tx.ListDocuments(context.Background(), registry.DocumentFilter{
			After: "01HQ0000000000000000000000", OrganizationUnitID: "parish-1", Year: 2024, Limit: 10,
		})
		return err
	})
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].DocumentNumber == nil || *docs[0].DocumentNumber != 3 || docs[0].FormattedNumber != "IN-3/2024" {
		t.Fatalf("unexpected first document: %+v", docs[0])
	}
	if docs[1].DocumentNumber != nil || docs[1].Status != registry.StatusDraft {
		t.Fatalf("unexpected draft: %+v", docs[1])
	}
	expectationsMet(t, mock)
}

func TestRegisterThroughService(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
	svc := registry.New(store, registry.WithClock(func() time.Time { return at }))

	mock.ExpectBegin()
	mock.ExpectQuery(`from registration_configs where id = \$1`).
		WithArgs("cfg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_unit_id", "name", "resets_annually", "starting_number", "created_at"}).
			AddRow("cfg-1", nil, "general", true, int64(1), at))
	mock.ExpectCommit()
	mock.ExpectQuery(`insert into sequence_counters`).
		WithArgs("parish-1", 2024, "outgoing", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(12)))
	mock.ExpectBegin()
	mock.ExpectExec(`insert into documents`).
		WithArgs(sqlmock.AnyArg(), "cfg-1", "parish-1", int64(12), 2024, "OUT-12/2024", "outgoing", "letter", "registered", "clerk", at, at, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	doc, err := svc.Register(context.Background(), registry.RegisterRequest{
		RegistrationConfigID: "cfg-1",
		OrganizationUnitID:   "parish-1",
		Category:             registry.CategoryOutgoing,
		Subject:              "letter",
		CreatedBy:            "clerk",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if doc.FormattedNumber != "OUT-12/2024" {
		t.Fatalf("unexpected formatted number %q", doc.FormattedNumber)
	}
	expectationsMet(t, mock)
}

func TestEmbeddedMigrations(t *testing.T) {
	up, err := fs.Glob(Migrations(), "*.up.sql")
	if err != nil || len(up) == 0 {
		t.Fatalf("expected embedded up migrations, got %v (%v)", up, err)
	}
	for _, name := range up {
		down := name[:len(name)-len(".up.sql")] + ".down.sql"
		if _, err := fs.Stat(Migrations(), down); err != nil {
			t.Fatalf("missing %s: %v", down, err)
		}
	}
	seeds, err := fs.Glob(Seeds(), "*.sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds, got %v (%v)", seeds, err)
	}
}
