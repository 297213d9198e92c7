// Package remote is a Go client for the registry HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

const (
	actorHeader     = "X-Actor-ID"
	requestIDHeader = "X-Request-ID"
)

// APIError is a non-2xx response. It unwraps to the registry sentinel named by
// Code so callers can use errors.Is as with the in-process service.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry api %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return registry.ErrorForCode(e.Code) }

// Client talks to one registry instance.
type Client struct {
	base  string
	http  *http.Client
	actor string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithActor sets the X-Actor-ID sent with every request.
func WithActor(actor string) Option {
	return func(c *Client) { c.actor = actor }
}

// New creates a client with sensible defaults.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) CreateConfig(ctx context.Context, cfg registry.RegistrationConfig) (registry.RegistrationConfig, error) {
	var out registry.RegistrationConfig
	err := c.do(ctx, http.MethodPost, "/v1/configs", map[string]any{
		"organization_unit_id": cfg.OrganizationUnitID,
		"name":                 cfg.Name,
		"resets_annually":      cfg.ResetsAnnually,
		"starting_number":      cfg.StartingNumber,
	}, &out)
	return out, err
}

func (c *Client) GetConfig(ctx context.Context, id string) (registry.RegistrationConfig, error) {
	var out registry.RegistrationConfig
	err := c.do(ctx, http.MethodGet, "/v1/configs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, req registry.RegisterRequest) (registry.DocumentEntry, error) {
	return c.createDocument(ctx, req, false)
}

func (c *Client) CreateDraft(ctx context.Context, req registry.RegisterRequest) (registry.DocumentEntry, error) {
	return c.createDocument(ctx, req, true)
}

func (c *Client) createDocument(ctx context.Context, req registry.RegisterRequest, draft bool) (registry.DocumentEntry, error) {
	var out registry.DocumentEntry
	err := c.do(ctx, http.MethodPost, "/v1/documents", map[string]any{
		"registration_config_id": req.RegistrationConfigID,
		"organization_unit_id":   req.OrganizationUnitID,
		"category":               req.Category,
		"subject":                req.Subject,
		"created_by":             req.CreatedBy,
		"draft":                  draft,
	}, &out)
	return out, err
}

func (c *Client) GetDocument(ctx context.Context, id string) (registry.DocumentEntry, error) {
	var out registry.DocumentEntry
	err := c.do(ctx, http.MethodGet, documentPath(id, ""), nil, &out)
	return out, err
}

// ListDocuments returns one page and the cursor for the next one.
func (c *Client) ListDocuments(ctx context.Context, f registry.DocumentFilter) ([]registry.DocumentEntry, string, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("organization_unit_id", f.OrganizationUnitID)
	set("category", string(f.Category))
	set("status", string(f.Status))
	set("after", f.After)
	if f.Year != 0 {
		q.Set("year", strconv.Itoa(f.Year))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	path := "/v1/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Items     []registry.DocumentEntry `json:"items"`
		NextAfter string                   `json:"next_after"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextAfter, nil
}

func (c *Client) TransitionStatus(ctx context.Context, id string, target registry.Status) (registry.DocumentEntry, error) {
	var out registry.DocumentEntry
	err := c.do(ctx, http.MethodPost, documentPath(id, "/status"), map[string]any{"status": target}, &out)
	return out, err
}

func (c *Client) Archive(ctx context.Context, id string, req registry.ArchiveRequest) (registry.ArchiveRecord, error) {
	var out registry.ArchiveRecord
	err := c.do(ctx, http.MethodPost, documentPath(id, "/archive"), req, &out)
	return out, err
}

func (c *Client) Connect(ctx context.Context, a, b string, kind registry.ConnectionType) (registry.DocumentConnection, error) {
	var out registry.DocumentConnection
	err := c.do(ctx, http.MethodPost, documentPath(a, "/connections"), map[string]any{
		"document_id":     b,
		"connection_type": kind,
	}, &out)
	return out, err
}

func (c *Client) MarkDeleted(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, documentPath(id, ""), nil, nil)
}

func (c *Client) OpenRoute(ctx context.Context, req registry.OpenRouteRequest) (registry.RoutingStep, error) {
	var out registry.RoutingStep
	err := c.do(ctx, http.MethodPost, documentPath(req.DocumentID, "/routes"), map[string]any{
		"parent_step_id": req.ParentStepID,
		"from_actor_id":  req.FromActorID,
		"to_actor_id":    req.ToActorID,
		"action":         req.Action,
		"notes":          req.Notes,
	}, &out)
	return out, err
}

// CloseRoute closes a step. The acting user is the client's actor.
func (c *Client) CloseRoute(ctx context.Context, req registry.CloseRouteRequest) (registry.RoutingStep, error) {
	var out registry.RoutingStep
	err := c.do(ctx, http.MethodPost, "/v1/routes/"+url.PathEscape(req.StepID)+"/close", map[string]any{
		"action":     req.Action,
		"resolution": req.Resolution,
		"notes":      req.Notes,
	}, &out)
	return out, err
}

func (c *Client) RouteTree(ctx context.Context, documentID string) ([]registry.RouteNode, error) {
	var out struct {
		Items []registry.RouteNode `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, documentPath(documentID, "/routes"), nil, &out)
	return out.Items, err
}

func (c *Client) MarkExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var out struct {
		Expired int64 `json:"expired"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/routes/expire", map[string]any{"cutoff": cutoff.UTC()}, &out)
	return out.Expired, err
}

// Ready reports whether /readyz answers 200.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

func documentPath(id, suffix string) string {
	return "/v1/documents/" + url.PathEscape(id) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	if c.actor != "" {
		req.Header.Set(actorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(requestIDHeader)}
	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	apiErr.Message = body.Error
	apiErr.Code = body.Code
	if body.RequestID != "" {
		apiErr.RequestID = body.RequestID
	}
	return apiErr
}

// IsAPIError reports whether err carries a response from the server.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
