package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/audit"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/obs"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

// ActorHeader names the caller-asserted acting user.
const ActorHeader = "X-Actor-ID"

type createConfigRequest struct {
	OrganizationUnitID string `json:"organization_unit_id"`
	Name               string `json:"name"`
	ResetsAnnually     bool   `json:"resets_annually"`
	// StartingNumber defaults to 1 when omitted.
	StartingNumber *int64 `json:"starting_number"`
}

type createDocumentRequest struct {
	RegistrationConfigID string            `json:"registration_config_id"`
	OrganizationUnitID   string            `json:"organization_unit_id"`
	Category             registry.Category `json:"category"`
	Subject              string            `json:"subject"`
	CreatedBy            string            `json:"created_by"`
	Draft                bool              `json:"draft"`
}

type listDocumentsResponse struct {
	Items     []registry.DocumentEntry `json:"items"`
	NextAfter string                   `json:"next_after,omitempty"`
	AsOf      time.Time                `json:"as_of"`
}

type transitionRequest struct {
	Status registry.Status `json:"status"`
}

type connectRequest struct {
	DocumentID     string                  `json:"document_id"`
	ConnectionType registry.ConnectionType `json:"connection_type"`
}

type openRouteRequest struct {
	ParentStepID string          `json:"parent_step_id"`
	FromActorID  string          `json:"from_actor_id"`
	ToActorID    string          `json:"to_actor_id"`
	Action       registry.Action `json:"action"`
	Notes        string          `json:"notes"`
}

type closeRouteRequest struct {
	Action     registry.Action      `json:"action"`
	Resolution *registry.Resolution `json:"resolution"`
	Notes      string               `json:"notes"`
}

type expireRequest struct {
	// Cutoff wins over OlderThan when both are set.
	Cutoff    *time.Time `json:"cutoff"`
	OlderThan string     `json:"older_than"`
}

func (a *API) createConfig(w http.ResponseWriter, r *http.Request) {
	var req createConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	start := int64(1)
	if req.StartingNumber != nil {
		start = *req.StartingNumber
	}
	cfg, err := a.svc.CreateConfig(r.Context(), registry.RegistrationConfig{
		OrganizationUnitID: strings.TrimSpace(req.OrganizationUnitID),
		Name:               strings.TrimSpace(req.Name),
		ResetsAnnually:     req.ResetsAnnually,
		StartingNumber:     start,
	})
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/configs/"+cfg.ID)
	writeJSON(w, http.StatusCreated, cfg)
}

func (a *API) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.svc.GetConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in := registry.RegisterRequest{
		RegistrationConfigID: strings.TrimSpace(req.RegistrationConfigID),
		OrganizationUnitID:   strings.TrimSpace(req.OrganizationUnitID),
		Category:             req.Category,
		Subject:              req.Subject,
		CreatedBy:            firstNonEmpty(req.CreatedBy, actor(r)),
	}

	var (
		doc registry.DocumentEntry
		err error
	)
	if req.Draft {
		doc, err = a.svc.CreateDraft(r.Context(), in)
	} else {
		doc, err = a.svc.Register(r.Context(), in)
	}
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := registry.DocumentFilter{
		OrganizationUnitID: strings.TrimSpace(q.Get("organization_unit_id")),
		Category:           registry.Category(strings.TrimSpace(q.Get("category"))),
		Status:             registry.Status(strings.TrimSpace(q.Get("status"))),
		After:              strings.TrimSpace(q.Get("after")),
		Limit:              limit,
	}
	if f.Category != "" && !f.Category.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown category")
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown status")
		return
	}
	if raw := strings.TrimSpace(q.Get("year")); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil || year < 0 {
			writeError(w, r, http.StatusBadRequest, "year must be a non-negative integer")
			return
		}
		f.Year = year
	}
	if raw := strings.TrimSpace(q.Get("include_deleted")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "include_deleted must be a boolean")
			return
		}
		f.IncludeDeleted = v
	}

	items, next, err := a.svc.ListDocuments(r.Context(), f)
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	if items == nil {
		items = []registry.DocumentEntry{}
	}
	writeJSON(w, http.StatusOK, listDocumentsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.svc.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.MarkDeleted(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) transitionStatus(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := a.svc.TransitionStatus(r.Context(), chi.URLParam(r, "id"), req.Status, actor(r))
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) archiveDocument(w http.ResponseWriter, r *http.Request) {
	var req registry.ArchiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.ArchivedBy = firstNonEmpty(req.ArchivedBy, actor(r))
	rec, err := a.svc.Archive(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) getArchive(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.GetArchive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) connectDocuments(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := a.svc.Connect(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.DocumentID), req.ConnectionType, actor(r))
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (a *API) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := a.svc.ListConnections(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	if conns == nil {
		conns = []registry.DocumentConnection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": conns})
}

func (a *API) openRoute(w http.ResponseWriter, r *http.Request) {
	var req openRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	step, err := a.svc.OpenRoute(r.Context(), registry.OpenRouteRequest{
		DocumentID:   chi.URLParam(r, "id"),
		ParentStepID: strings.TrimSpace(req.ParentStepID),
		FromActorID:  firstNonEmpty(req.FromActorID, actor(r)),
		ToActorID:    strings.TrimSpace(req.ToActorID),
		Action:       req.Action,
		Notes:        req.Notes,
	})
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

// listRoutes returns the route forest, or the flat step list with ?flat=true.
func (a *API) listRoutes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if flat, _ := strconv.ParseBool(r.URL.Query().Get("flat")); flat {
		steps, err := a.svc.ListSteps(r.Context(), id)
		if err != nil {
			a.handleRegistryError(w, r, err)
			return
		}
		if steps == nil {
			steps = []registry.RoutingStep{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": steps})
		return
	}
	tree, err := a.svc.RouteTree(r.Context(), id)
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	if tree == nil {
		tree = []registry.RouteNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tree})
}

func (a *API) closeRoute(w http.ResponseWriter, r *http.Request) {
	var req closeRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	step, err := a.svc.CloseRoute(r.Context(), registry.CloseRouteRequest{
		StepID:     chi.URLParam(r, "id"),
		Action:     req.Action,
		Resolution: req.Resolution,
		Notes:      req.Notes,
		ActorID:    actor(r),
	})
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (a *API) expireRoutes(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var cutoff time.Time
	switch {
	case req.Cutoff != nil:
		cutoff = *req.Cutoff
	case req.OlderThan != "":
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		cutoff = time.Now().UTC().Add(-d)
	default:
		writeError(w, r, http.StatusBadRequest, "cutoff or older_than is required")
		return
	}
	n, err := a.svc.MarkExpired(r.Context(), cutoff)
	if err != nil {
		a.handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": n, "cutoff": cutoff.UTC()})
}

func actor(r *http.Request) string {
	return audit.ActorFromContext(r.Context())
}

// withActor copies the actor header into the request context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(ActorHeader)); id != "" {
			r = r.WithContext(audit.WithActor(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleRegistryError maps service errors onto status codes.
func (a *API) handleRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	obs.ObserveError(err)
	code := registry.ErrorCode(err)
	switch {
	case errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, registry.ErrInvalidConfig),
		errors.Is(err, registry.ErrInvalidResolution),
		errors.Is(err, registry.ErrSelfConnection):
		writeCodedError(w, r, code, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeCodedError(w, r, code, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, registry.ErrAlreadyArchived),
		errors.Is(err, registry.ErrNotResolvable),
		errors.Is(err, registry.ErrStepAlreadyCompleted),
		errors.Is(err, registry.ErrInvalidParentStep),
		errors.Is(err, registry.ErrDuplicateConnection),
		errors.Is(err, registry.ErrUnregisteredDocument),
		errors.Is(err, registry.ErrDocumentClosed):
		writeCodedError(w, r, code, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrCycleDetected):
		a.log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("routing tree corrupt")
		writeCodedError(w, r, code, http.StatusInternalServerError, err.Error())
	default:
		a.log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("registry operation failed")
		writeCodedError(w, r, code, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeCodedError(w, r, "", status, msg)
}

// writeCodedError adds a stable machine readable code next to the message.
func writeCodedError(w http.ResponseWriter, r *http.Request, code string, status int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if code != "" {
		payload["code"] = code
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}
