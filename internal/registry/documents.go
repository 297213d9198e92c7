package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/ids"
)

// validateRegistration checks the request against its config and returns the
// config to number under.
func (s *Service) validateRegistration(ctx context.Context, req RegisterRequest) (RegistrationConfig, error) {
	for _, f := range []struct{ name, value string }{
		{"registration_config_id", req.RegistrationConfigID},
		{"organization_unit_id", req.OrganizationUnitID},
		{"subject", req.Subject},
	} {
		if err := required(f.name, f.value, ErrInvalidConfig); err != nil {
			return RegistrationConfig{}, err
		}
	}
	if !req.Category.Valid() {
		return RegistrationConfig{}, fmt.Errorf("%w: unknown category %q", ErrInvalidConfig, req.Category)
	}
	if err := required("created_by", req.CreatedBy, ErrInvalidInput); err != nil {
		return RegistrationConfig{}, err
	}
	cfg, err := s.GetConfig(ctx, req.RegistrationConfigID)
	if errors.Is(err, ErrNotFound) {
		return RegistrationConfig{}, fmt.Errorf("%w: unknown registration config %s", ErrInvalidConfig, req.RegistrationConfigID)
	}
	if err != nil {
		return RegistrationConfig{}, err
	}
	if !cfg.Global() && cfg.OrganizationUnitID != req.OrganizationUnitID {
		return RegistrationConfig{}, fmt.Errorf("%w: config %s belongs to unit %s", ErrInvalidConfig, cfg.ID, cfg.OrganizationUnitID)
	}
	return cfg, nil
}

// Register numbers and stores a new document with status registered.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (_ DocumentEntry, err error) {
	ctx, span := s.startSpan(ctx, "Register",
		attribute.String("organization_unit_id", req.OrganizationUnitID),
		attribute.String("category", string(req.Category)))
	defer func() { endSpan(span, err) }()

	cfg, err := s.validateRegistration(ctx, req)
	if err != nil {
		return DocumentEntry{}, err
	}
	now := s.clock()
	year := now.Year()
	number, err := s.store.NextNumber(ctx, scopeFor(cfg, req.OrganizationUnitID, req.Category, year), cfg.StartingNumber)
	if err != nil {
		return DocumentEntry{}, fmt.Errorf("next number: %w", err)
	}
	doc := DocumentEntry{
		ID:                   ids.NewAt(now),
		RegistrationConfigID: cfg.ID,
		OrganizationUnitID:   req.OrganizationUnitID,
		DocumentNumber:       &number,
		Year:                 year,
		FormattedNumber:      FormatNumber(number, year, req.Category),
		Category:             req.Category,
		Subject:              strings.TrimSpace(req.Subject),
		Status:               StatusRegistered,
		CreatedBy:            req.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertDocument(ctx, doc)
	}); err != nil {
		return DocumentEntry{}, err
	}
	s.publish(ctx, []Event{{
		Type:       EventDocumentRegistered,
		DocumentID: doc.ID,
		Actor:      doc.CreatedBy,
		At:         now,
		Data: map[string]any{
			"formatted_number": doc.FormattedNumber,
			"category":         string(doc.Category),
		},
	}})
	return doc, nil
}

// CreateDraft stores a document without a number.
func (s *Service) CreateDraft(ctx context.Context, req RegisterRequest) (_ DocumentEntry, err error) {
	ctx, span := s.startSpan(ctx, "CreateDraft")
	defer func() { endSpan(span, err) }()

	cfg, err := s.validateRegistration(ctx, req)
	if err != nil {
		return DocumentEntry{}, err
	}
	now := s.clock()
	doc := DocumentEntry{
		ID:                   ids.NewAt(now),
		RegistrationConfigID: cfg.ID,
		OrganizationUnitID:   req.OrganizationUnitID,
		Year:                 now.Year(),
		Category:             req.Category,
		Subject:              strings.TrimSpace(req.Subject),
		Status:               StatusDraft,
		CreatedBy:            req.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertDocument(ctx, doc)
	}); err != nil {
		return DocumentEntry{}, err
	}
	s.publish(ctx, []Event{{Type: EventDocumentDrafted, DocumentID: doc.ID, Actor: doc.CreatedBy, At: now}})
	return doc, nil
}

// mintForDraft issues the number for a draft about to be registered. It
// returns nil when the document is no longer a draft. A number minted for a
// draft that another request registers first is burned.
func (s *Service) mintForDraft(ctx context.Context, id string, year int) (*int64, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != StatusDraft {
		return nil, nil
	}
	cfg, err := s.GetConfig(ctx, doc.RegistrationConfigID)
	if err != nil {
		return nil, err
	}
	number, err := s.store.NextNumber(ctx, scopeFor(cfg, doc.OrganizationUnitID, doc.Category, year), cfg.StartingNumber)
	if err != nil {
		return nil, fmt.Errorf("next number: %w", err)
	}
	return &number, nil
}

func statusEvent(doc DocumentEntry, from Status, actor string) Event {
	return Event{
		Type:       EventDocumentStatusChanged,
		DocumentID: doc.ID,
		Actor:      actor,
		At:         doc.UpdatedAt,
		Data:       map[string]any{"from": string(from), "to": string(doc.Status)},
	}
}

// TransitionStatus moves a document one step forward or to cancelled. Leaving
// draft assigns the document its number.
func (s *Service) TransitionStatus(ctx context.Context, id string, target Status, actor string) (_ DocumentEntry, err error) {
	ctx, span := s.startSpan(ctx, "TransitionStatus",
		attribute.String("document_id", id),
		attribute.String("target", string(target)))
	defer func() { endSpan(span, err) }()

	if !target.Valid() {
		return DocumentEntry{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, target)
	}

	// The number is minted before the row lock is taken; NextNumber must not
	// run while this request holds a transaction.
	var minted *int64
	year := s.clock().Year()
	if target == StatusRegistered {
		minted, err = s.mintForDraft(ctx, id, year)
		if err != nil {
			return DocumentEntry{}, err
		}
	}

	var doc DocumentEntry
	var events []Event
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		doc, err = tx.LockDocument(ctx, id)
		if err != nil {
			return err
		}
		from := doc.Status
		if !CanTransition(from, target) {
			return &TransitionError{From: from, To: target}
		}
		if from == StatusDraft && target == StatusRegistered {
			if minted == nil {
				return &TransitionError{From: from, To: target}
			}
			doc.DocumentNumber = minted
			doc.Year = year
			doc.FormattedNumber = FormatNumber(*minted, year, doc.Category)
		}
		doc.Status = target
		doc.UpdatedAt = s.clock()
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		events = append(events, statusEvent(doc, from, actor))
		return nil
	})
	if err != nil {
		return DocumentEntry{}, err
	}
	s.publish(ctx, events)
	return doc, nil
}

// Archive records archival metadata and moves the document to archived.
func (s *Service) Archive(ctx context.Context, id string, req ArchiveRequest) (_ ArchiveRecord, err error) {
	ctx, span := s.startSpan(ctx, "Archive", attribute.String("document_id", id))
	defer func() { endSpan(span, err) }()

	if err := required("archived_by", req.ArchivedBy, ErrInvalidInput); err != nil {
		return ArchiveRecord{}, err
	}
	var rec ArchiveRecord
	var events []Event
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		doc, err := tx.LockDocument(ctx, id)
		if err != nil {
			return err
		}
		if doc.Status == StatusArchived {
			return ErrAlreadyArchived
		}
		if _, err := tx.GetArchive(ctx, id); err == nil {
			return ErrAlreadyArchived
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if doc.Status == StatusCancelled {
			return &TransitionError{From: doc.Status, To: StatusArchived}
		}
		if doc.Status.Before(StatusResolved) && !s.mayArchiveEarly(doc) {
			return fmt.Errorf("%w: status is %s", ErrNotResolvable, doc.Status)
		}
		now := s.clock()
		rec = ArchiveRecord{
			DocumentID:       doc.ID,
			ArchiveIndicator: req.ArchiveIndicator,
			ArchiveTerm:      req.ArchiveTerm,
			ArchiveLocation:  req.ArchiveLocation,
			ArchivedBy:       req.ArchivedBy,
			ArchivedAt:       now,
		}
		if err := tx.InsertArchive(ctx, rec); err != nil {
			return err
		}
		from := doc.Status
		doc.Status = StatusArchived
		doc.UpdatedAt = now
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		events = append(events,
			statusEvent(doc, from, req.ArchivedBy),
			Event{
				Type:       EventDocumentArchived,
				DocumentID: doc.ID,
				Actor:      req.ArchivedBy,
				At:         now,
				Data:       map[string]any{"archive_indicator": rec.ArchiveIndicator},
			})
		return nil
	})
	if err != nil {
		return ArchiveRecord{}, err
	}
	s.publish(ctx, events)
	return rec, nil
}

func (s *Service) mayArchiveEarly(doc DocumentEntry) bool {
	return doc.Registered() && doc.Status != StatusDraft && s.policy.ArchiveWithoutResolution[doc.Category]
}

// Connect links two registered documents.
func (s *Service) Connect(ctx context.Context, a, b string, kind ConnectionType, actor string) (_ DocumentConnection, err error) {
	ctx, span := s.startSpan(ctx, "Connect",
		attribute.String("document_a_id", a),
		attribute.String("document_b_id", b))
	defer func() { endSpan(span, err) }()

	if a == b {
		return DocumentConnection{}, ErrSelfConnection
	}
	if !kind.Valid() {
		return DocumentConnection{}, fmt.Errorf("%w: unknown connection type %q", ErrInvalidInput, kind)
	}
	if err := required("created_by", actor, ErrInvalidInput); err != nil {
		return DocumentConnection{}, err
	}
	var conn DocumentConnection
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		for _, id := range sorted(a, b) {
			doc, err := tx.LockDocument(ctx, id)
			if err != nil {
				return err
			}
			if !doc.Registered() {
				return fmt.Errorf("%w: %s", ErrUnregisteredDocument, doc.ID)
			}
		}
		now := s.clock()
		conn = DocumentConnection{
			ID:             ids.NewAt(now),
			DocumentAID:    a,
			DocumentBID:    b,
			ConnectionType: kind,
			CreatedBy:      actor,
			CreatedAt:      now,
		}
		return tx.InsertConnection(ctx, conn)
	})
	if err != nil {
		return DocumentConnection{}, err
	}
	s.publish(ctx, []Event{{
		Type:       EventDocumentConnected,
		DocumentID: a,
		Actor:      actor,
		At:         conn.CreatedAt,
		Data:       map[string]any{"document_b_id": b, "connection_type": string(kind)},
	}})
	return conn, nil
}

// sorted orders lock acquisition to avoid deadlocks.
func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}

// MarkDeleted soft deletes a document. Its number stays consumed.
func (s *Service) MarkDeleted(ctx context.Context, id, actor string) (err error) {
	ctx, span := s.startSpan(ctx, "MarkDeleted", attribute.String("document_id", id))
	defer func() { endSpan(span, err) }()

	var at DocumentEntry
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		doc, err := tx.LockDocument(ctx, id)
		if err != nil {
			return err
		}
		now := s.clock()
		doc.DeletedAt = &now
		doc.UpdatedAt = now
		at = doc
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, []Event{{Type: EventDocumentDeleted, DocumentID: id, Actor: actor, At: at.UpdatedAt}})
	return nil
}

// GetDocument returns a live document.
func (s *Service) GetDocument(ctx context.Context, id string) (DocumentEntry, error) {
	var doc DocumentEntry
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		doc, err = tx.GetDocument(ctx, id, false)
		return err
	})
	return doc, err
}

// ListDocuments returns one page of documents ordered by id, plus the cursor
// of the next page (empty on the last page).
func (s *Service) ListDocuments(ctx context.Context, f DocumentFilter) ([]DocumentEntry, string, error) {
	f = f.Normalize()
	if f.After != "" && !ids.Valid(f.After) {
		return nil, "", fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	var docs []DocumentEntry
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		docs, err = tx.ListDocuments(ctx, f)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(docs) == f.Limit {
		next = docs[len(docs)-1].ID
	}
	return docs, next, nil
}

// GetArchive returns the archive record of a document.
func (s *Service) GetArchive(ctx context.Context, documentID string) (ArchiveRecord, error) {
	var rec ArchiveRecord
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.GetDocument(ctx, documentID, false); err != nil {
			return err
		}
		var err error
		rec, err = tx.GetArchive(ctx, documentID)
		return err
	})
	return rec, err
}

// ListConnections returns the connections that involve a document on either side.
func (s *Service) ListConnections(ctx context.Context, documentID string) ([]DocumentConnection, error) {
	var out []DocumentConnection
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.GetDocument(ctx, documentID, false); err != nil {
			return err
		}
		var err error
		out, err = tx.ListConnections(ctx, documentID)
		return err
	})
	return out, err
}
