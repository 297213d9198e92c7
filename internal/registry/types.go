package registry

import (
	"time"
)

// Category classifies a document for numbering purposes.
type Category string

const (
	CategoryIncoming Category = "incoming"
	CategoryOutgoing Category = "outgoing"
	CategoryInternal Category = "internal"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryIncoming, CategoryOutgoing, CategoryInternal:
		return true
	}
	return false
}

// Action is the verb recorded on a routing step.
type Action string

const (
	ActionSent      Action = "sent"
	ActionForwarded Action = "forwarded"
	ActionReturned  Action = "returned"
	ActionApproved  Action = "approved"
	ActionRejected  Action = "rejected"
	ActionCancelled Action = "cancelled"
)

// Opens reports whether a is valid when opening a step.
func (a Action) Opens() bool {
	return a == ActionSent || a == ActionForwarded
}

// Closes reports whether a is valid when closing a step.
func (a Action) Closes() bool {
	switch a {
	case ActionReturned, ActionApproved, ActionRejected, ActionCancelled:
		return true
	}
	return false
}

// Resolves reports whether a carries a resolution.
func (a Action) Resolves() bool {
	return a == ActionApproved || a == ActionRejected
}

// StepStatus is the lifecycle of a single routing step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
)

// Resolution is the outcome recorded by an approving or rejecting step.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

// ConnectionType labels a link between two documents.
type ConnectionType string

const (
	ConnectionRelated    ConnectionType = "related"
	ConnectionResponse   ConnectionType = "response"
	ConnectionAttachment ConnectionType = "attachment"
	ConnectionAmendment  ConnectionType = "amendment"
)

func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionRelated, ConnectionResponse, ConnectionAttachment, ConnectionAmendment:
		return true
	}
	return false
}

// Scope identifies one independent numbering sequence. Year is zero when the
// owning configuration numbers continuously across years.
type Scope struct {
	OrganizationUnitID string   `json:"organization_unit_id"`
	Year               int      `json:"year"`
	Category           Category `json:"category"`
}

// RegistrationConfig holds numbering rules. An empty OrganizationUnitID marks a
// global template usable by every unit.
type RegistrationConfig struct {
	ID                 string    `json:"id"`
	OrganizationUnitID string    `json:"organization_unit_id,omitempty"`
	Name               string    `json:"name"`
	ResetsAnnually     bool      `json:"resets_annually"`
	StartingNumber     int64     `json:"starting_number"`
	CreatedAt          time.Time `json:"created_at"`
}

// Global reports whether the config is a template shared by all units.
func (c RegistrationConfig) Global() bool { return c.OrganizationUnitID == "" }

// DocumentEntry is a registered (or draft) document.
type DocumentEntry struct {
	ID                   string     `json:"id"`
	RegistrationConfigID string     `json:"registration_config_id"`
	OrganizationUnitID   string     `json:"organization_unit_id"`
	DocumentNumber       *int64     `json:"document_number,omitempty"`
	Year                 int        `json:"year"`
	FormattedNumber      string     `json:"formatted_number,omitempty"`
	Category             Category   `json:"category"`
	Subject              string     `json:"subject"`
	Status               Status     `json:"status"`
	CreatedBy            string     `json:"created_by"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
}

// Registered reports whether the document has been assigned a number.
func (d DocumentEntry) Registered() bool { return d.DocumentNumber != nil }

// Deleted reports whether the document was soft deleted.
func (d DocumentEntry) Deleted() bool { return d.DeletedAt != nil }

// RoutingStep is one node of a document's approval forest.
type RoutingStep struct {
	ID               string      `json:"id"`
	DocumentID       string      `json:"document_id"`
	ParentStepID     string      `json:"parent_step_id,omitempty"`
	FromActorID      string      `json:"from_actor_id"`
	ToActorID        string      `json:"to_actor_id"`
	Action           Action      `json:"action"`
	StepStatus       StepStatus  `json:"step_status"`
	ResolutionStatus *Resolution `json:"resolution_status,omitempty"`
	Notes            string      `json:"notes,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	IsExpired        bool        `json:"is_expired"`
}

// Root reports whether the step has no parent.
func (s RoutingStep) Root() bool { return s.ParentStepID == "" }

// DocumentConnection links two documents. Connections are undirected: at most
// one row exists per unordered pair and type.
type DocumentConnection struct {
	ID             string         `json:"id"`
	DocumentAID    string         `json:"document_a_id"`
	DocumentBID    string         `json:"document_b_id"`
	ConnectionType ConnectionType `json:"connection_type"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ArchiveRecord holds archival metadata. A document has at most one.
type ArchiveRecord struct {
	DocumentID       string    `json:"document_id"`
	ArchiveIndicator string    `json:"archive_indicator"`
	ArchiveTerm      string    `json:"archive_term"`
	ArchiveLocation  string    `json:"archive_location"`
	ArchivedBy       string    `json:"archived_by"`
	ArchivedAt       time.Time `json:"archived_at"`
}

// RouteNode is a step with its children, used by the route tree read model.
type RouteNode struct {
	RoutingStep
	Children []RouteNode `json:"children,omitempty"`
}

// RegisterRequest carries the input of Register and CreateDraft.
type RegisterRequest struct {
	RegistrationConfigID string   `json:"registration_config_id"`
	OrganizationUnitID   string   `json:"organization_unit_id"`
	Category             Category `json:"category"`
	Subject              string   `json:"subject"`
	CreatedBy            string   `json:"created_by"`
}

// ArchiveRequest carries archival metadata.
type ArchiveRequest struct {
	ArchiveIndicator string `json:"archive_indicator"`
	ArchiveTerm      string `json:"archive_term"`
	ArchiveLocation  string `json:"archive_location"`
	ArchivedBy       string `json:"archived_by"`
}

// OpenRouteRequest opens a pending step.
type OpenRouteRequest struct {
	DocumentID   string `json:"document_id"`
	ParentStepID string `json:"parent_step_id,omitempty"`
	FromActorID  string `json:"from_actor_id"`
	ToActorID    string `json:"to_actor_id"`
	Action       Action `json:"action"`
	Notes        string `json:"notes,omitempty"`
}

// CloseRouteRequest completes a pending step. ActorID defaults to the step's
// recipient when empty.
type CloseRouteRequest struct {
	StepID     string      `json:"step_id"`
	Action     Action      `json:"action"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	ActorID    string      `json:"actor_id,omitempty"`
}

// DocumentFilter narrows ListDocuments. After is an exclusive ID cursor.
type DocumentFilter struct {
	OrganizationUnitID string
	Category           Category
	Year               int
	Status             Status
	IncludeDeleted     bool
	After              string
	Limit              int
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Normalize clamps the page size to the accepted range.
func (f DocumentFilter) Normalize() DocumentFilter {
	if f.Limit <= 0 || f.Limit > maxPageSize {
		f.Limit = defaultPageSize
	}
	return f
}

// Matches reports whether d passes every filter except the cursor and limit.
func (f DocumentFilter) Matches(d DocumentEntry) bool {
	if !f.IncludeDeleted && d.Deleted() {
		return false
	}
	if f.OrganizationUnitID != "" && d.OrganizationUnitID != f.OrganizationUnitID {
		return false
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.Year != 0 && d.Year != f.Year {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}
