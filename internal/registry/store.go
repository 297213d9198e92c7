package registry

import (
	"context"
	"time"
)

// Store is the persistence boundary of the registry.
//
// NextNumber is the only operation that mutates a sequence counter. It commits
// on its own, so a number it returns is never issued again even when the
// transaction that was meant to use it rolls back. Callers never invoke it
// from inside WithinTx: on a pooled backend that would hold one connection
// while waiting for another.
type Store interface {
	NextNumber(ctx context.Context, scope Scope, startingNumber int64) (int64, error)
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a unit of work. Reads of soft-deleted documents report ErrNotFound.
type Tx interface {
	InsertConfig(ctx context.Context, cfg RegistrationConfig) error
	GetConfig(ctx context.Context, id string) (RegistrationConfig, error)

	InsertDocument(ctx context.Context, doc DocumentEntry) error
	// LockDocument reads a document and holds it until the end of the unit of work.
	LockDocument(ctx context.Context, id string) (DocumentEntry, error)
	GetDocument(ctx context.Context, id string, includeDeleted bool) (DocumentEntry, error)
	UpdateDocument(ctx context.Context, doc DocumentEntry) error
	ListDocuments(ctx context.Context, f DocumentFilter) ([]DocumentEntry, error)

	InsertStep(ctx context.Context, step RoutingStep) error
	GetStep(ctx context.Context, id string) (RoutingStep, error)
	// CompleteStep finishes a pending step and returns ErrStepAlreadyCompleted
	// when the step is no longer pending.
	CompleteStep(ctx context.Context, step RoutingStep) error
	StepsForDocument(ctx context.Context, documentID string) ([]RoutingStep, error)
	MarkExpired(ctx context.Context, cutoff time.Time) (int64, error)

	InsertArchive(ctx context.Context, rec ArchiveRecord) error
	GetArchive(ctx context.Context, documentID string) (ArchiveRecord, error)

	// InsertConnection returns ErrDuplicateConnection when the unordered pair
	// already has a connection of the same type.
	InsertConnection(ctx context.Context, c DocumentConnection) error
	ListConnections(ctx context.Context, documentID string) ([]DocumentConnection, error)
}
