package registry

import (
	"context"
	"time"
)

const (
	EventDocumentRegistered    = "document.registered"
	EventDocumentDrafted       = "document.drafted"
	EventDocumentStatusChanged = "document.status_changed"
	EventDocumentArchived      = "document.archived"
	EventDocumentConnected     = "document.connected"
	EventDocumentDeleted       = "document.deleted"
	EventRouteOpened           = "route.opened"
	EventRouteClosed           = "route.closed"
)

// Event describes a committed mutation.
type Event struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"document_id"`
	StepID     string         `json:"step_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher receives events after commit. Publishers cannot fail an operation.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event)

func (f PublisherFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }
