package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

type pgTx struct {
	tx *sql.Tx
}

const docColumns = `id, registration_config_id, organization_unit_id, document_number, year,
	formatted_number, document_category, subject, status, created_by, created_at, updated_at, deleted_at`

const stepColumns = `id, document_id, parent_step_id, from_actor_id, to_actor_id, action,
	step_status, resolution_status, notes, created_at, completed_at, is_expired`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (registry.DocumentEntry, error) {
	var (
		d         registry.DocumentEntry
		number    sql.NullInt64
		formatted sql.NullString
		deleted   sql.NullTime
		category  string
		status    string
	)
	if err := row.Scan(&d.ID, &d.RegistrationConfigID, &d.OrganizationUnitID, &number, &d.Year,
		&formatted, &category, &d.Subject, &status, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt, &deleted); err != nil {
		return registry.DocumentEntry{}, err
	}
	if number.Valid {
		n := number.Int64
		d.DocumentNumber = &n
	}
	d.FormattedNumber = formatted.String
	d.Category = registry.Category(category)
	d.Status = registry.Status(status)
	if deleted.Valid {
		at := deleted.Time
		d.DeletedAt = &at
	}
	return d, nil
}

func scanStep(row scanner) (registry.RoutingStep, error) {
	var (
		st         registry.RoutingStep
		parent     sql.NullString
		resolution sql.NullString
		completed  sql.NullTime
		action     string
		status     string
	)
	if err := row.Scan(&st.ID, &st.DocumentID, &parent, &st.FromActorID, &st.ToActorID, &action,
		&status, &resolution, &st.Notes, &st.CreatedAt, &completed, &st.IsExpired); err != nil {
		return registry.RoutingStep{}, err
	}
	st.ParentStepID = parent.String
	st.Action = registry.Action(action)
	st.StepStatus = registry.StepStatus(status)
	if resolution.Valid {
		r := registry.Resolution(resolution.String)
		st.ResolutionStatus = &r
	}
	if completed.Valid {
		at := completed.Time
		st.CompletedAt = &at
	}
	return st, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ErrNotFound
	}
	return err
}

func nullNumber(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullResolution(r *registry.Resolution) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*r), Valid: true}
}

func (t *pgTx) InsertConfig(ctx context.Context, cfg registry.RegistrationConfig) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into registration_configs (id, organization_unit_id, name, resets_annually, starting_number, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, cfg.ID, nullIfEmpty(cfg.OrganizationUnitID), cfg.Name, cfg.ResetsAnnually, cfg.StartingNumber, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert config: %w", err)
	}
	return nil
}

func (t *pgTx) GetConfig(ctx context.Context, id string) (registry.RegistrationConfig, error) {
	var (
		cfg  registry.RegistrationConfig
		unit sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, `
		select id, organization_unit_id, name, resets_annually, starting_number, created_at
		from registration_configs where id = $1
	`, id).Scan(&cfg.ID, &unit, &cfg.Name, &cfg.ResetsAnnually, &cfg.StartingNumber, &cfg.CreatedAt)
	if err != nil {
		return registry.RegistrationConfig{}, notFound(err)
	}
	cfg.OrganizationUnitID = unit.String
	return cfg, nil
}

func (t *pgTx) InsertDocument(ctx context.Context, d registry.DocumentEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into documents (`+docColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.RegistrationConfigID, d.OrganizationUnitID, nullNumber(d.DocumentNumber), d.Year,
		nullIfEmpty(d.FormattedNumber), string(d.Category), d.Subject, string(d.Status), d.CreatedBy,
		d.CreatedAt, d.UpdatedAt, nullTime(d.DeletedAt))
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("document number %s already issued: %w", d.FormattedNumber, err)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (t *pgTx) LockDocument(ctx context.Context, id string) (registry.DocumentEntry, error) {
	d, err := scanDocument(t.tx.QueryRowContext(ctx, `
		select `+docColumns+` from documents
		where id = $1 and deleted_at is null
		for update
	`, id))
	if err != nil {
		return registry.DocumentEntry{}, notFound(err)
	}
	return d, nil
}

func (t *pgTx) GetDocument(ctx context.Context, id string, includeDeleted bool) (registry.DocumentEntry, error) {
	d, err := scanDocument(t.tx.QueryRowContext(ctx, `
		select `+docColumns+` from documents
		where id = $1 and ($2 or deleted_at is null)
	`, id, includeDeleted))
	if err != nil {
		return registry.DocumentEntry{}, notFound(err)
	}
	return d, nil
}

// UpdateDocument writes the mutable columns. A number, once set, is kept by
// the coalesce even if the caller passes none.
func (t *pgTx) UpdateDocument(ctx context.Context, d registry.DocumentEntry) error {
	res, err := t.tx.ExecContext(ctx, `
		update documents
		set document_number = coalesce(document_number, $2),
		    year = $3,
		    formatted_number = coalesce(formatted_number, $4),
		    status = $5,
		    updated_at = $6,
		    deleted_at = $7
		where id = $1
	`, d.ID, nullNumber(d.DocumentNumber), d.Year, nullIfEmpty(d.FormattedNumber), string(d.Status),
		d.UpdatedAt, nullTime(d.DeletedAt))
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("document number %s already issued: %w", d.FormattedNumber, err)
		}
		return fmt.Errorf("update document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListDocuments(ctx context.Context, f registry.DocumentFilter) ([]registry.DocumentEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at is null")
	}
	if f.After != "" {
		add("id > $%d", f.After)
	}
	if f.OrganizationUnitID != "" {
		add("organization_unit_id = $%d", f.OrganizationUnitID)
	}
	if f.Category != "" {
		add("document_category = $%d", string(f.Category))
	}
	if f.Year != 0 {
		add("year = $%d", f.Year)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	query := `select ` + docColumns + ` from documents`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" order by id asc limit $%d", len(args))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var out []registry.DocumentEntry
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertStep(ctx context.Context, st registry.RoutingStep) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into routing_steps (`+stepColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, st.ID, st.DocumentID, nullIfEmpty(st.ParentStepID), st.FromActorID, st.ToActorID, string(st.Action),
		string(st.StepStatus), nullResolution(st.ResolutionStatus), st.Notes, st.CreatedAt,
		nullTime(st.CompletedAt), st.IsExpired)
	if err != nil {
		if isCode(err, pgErrForeignKeyViolation) {
			return registry.ErrInvalidParentStep
		}
		return fmt.Errorf("insert routing step: %w", err)
	}
	return nil
}

func (t *pgTx) GetStep(ctx context.Context, id string) (registry.RoutingStep, error) {
	st, err := scanStep(t.tx.QueryRowContext(ctx, `select `+stepColumns+` from routing_steps where id = $1`, id))
	if err != nil {
		return registry.RoutingStep{}, notFound(err)
	}
	return st, nil
}

// CompleteStep only touches a row that is still pending, so of two racing
// closes exactly one succeeds.
func (t *pgTx) CompleteStep(ctx context.Context, st registry.RoutingStep) error {
	res, err := t.tx.ExecContext(ctx, `
		update routing_steps
		set action = $2,
		    step_status = 'completed',
		    resolution_status = $3,
		    notes = $4,
		    completed_at = $5
		where id = $1 and step_status = 'pending'
	`, st.ID, string(st.Action), nullResolution(st.ResolutionStatus), st.Notes, nullTime(st.CompletedAt))
	if err != nil {
		return fmt.Errorf("complete routing step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registry.ErrStepAlreadyCompleted
	}
	return nil
}

func (t *pgTx) StepsForDocument(ctx context.Context, documentID string) ([]registry.RoutingStep, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+stepColumns+` from routing_steps
		where document_id = $1
		order by created_at asc, id asc
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list routing steps: %w", err)
	}
	defer rows.Close()
	var out []registry.RoutingStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		update routing_steps set is_expired = true
		where step_status = 'pending' and not is_expired and created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	return res.RowsAffected()
}

func (t *pgTx) InsertArchive(ctx context.Context, rec registry.ArchiveRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into archive_records (document_id, archive_indicator, archive_term, archive_location, archived_by, archived_at)
		values ($1, $2, $3, $4, $5, $6)
	`, rec.DocumentID, rec.ArchiveIndicator, rec.ArchiveTerm, rec.ArchiveLocation, rec.ArchivedBy, rec.ArchivedAt)
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return registry.ErrAlreadyArchived
		}
		return fmt.Errorf("insert archive record: %w", err)
	}
	return nil
}

func (t *pgTx) GetArchive(ctx context.Context, documentID string) (registry.ArchiveRecord, error) {
	var rec registry.ArchiveRecord
	err := t.tx.QueryRowContext(ctx, `
		select document_id, archive_indicator, archive_term, archive_location, archived_by, archived_at
		from archive_records where document_id = $1
	`, documentID).Scan(&rec.DocumentID, &rec.ArchiveIndicator, &rec.ArchiveTerm, &rec.ArchiveLocation, &rec.ArchivedBy, &rec.ArchivedAt)
	if err != nil {
		return registry.ArchiveRecord{}, notFound(err)
	}
	return rec, nil
}

func (t *pgTx) InsertConnection(ctx context.Context, c registry.DocumentConnection) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into document_connections (id, document_a_id, document_b_id, connection_type, created_by, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.DocumentAID, c.DocumentBID, string(c.ConnectionType), c.CreatedBy, c.CreatedAt)
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return registry.ErrDuplicateConnection
		}
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (t *pgTx) ListConnections(ctx context.Context, documentID string) ([]registry.DocumentConnection, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select id, document_a_id, document_b_id, connection_type, created_by, created_at
		from document_connections
		where document_a_id = $1 or document_b_id = $1
		order by id asc
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	var out []registry.DocumentConnection
	for rows.Next() {
		var (
			c    registry.DocumentConnection
			kind string
		)
		if err := rows.Scan(&c.ID, &c.DocumentAID, &c.DocumentBID, &kind, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ConnectionType = registry.ConnectionType(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}
