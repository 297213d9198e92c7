// Package memory is an in-process registry store for tests and single-node
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

type numberKey struct {
	configID string
	unit     string
	category registry.Category
	number   int64
	year     int
}

type connKey struct {
	lo, hi string
	kind   registry.ConnectionType
}

// Counter is the state of one numbering scope.
type Counter struct {
	Value         int64
	LastUpdatedAt time.Time
}

// Store implements registry.Store. Units of work run one at a time and are
// rolled back through an undo log; counters live under their own lock and are
// never rolled back.
type Store struct {
	mu       sync.Mutex
	configs  map[string]registry.RegistrationConfig
	docs     map[string]registry.DocumentEntry
	numbers  map[numberKey]string
	steps    map[string]registry.RoutingStep
	archives map[string]registry.ArchiveRecord
	conns    map[string]registry.DocumentConnection
	connKeys map[connKey]string

	counterMu sync.Mutex
	counters  map[registry.Scope]*Counter
}

var _ registry.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		configs:  make(map[string]registry.RegistrationConfig),
		docs:     make(map[string]registry.DocumentEntry),
		numbers:  make(map[numberKey]string),
		steps:    make(map[string]registry.RoutingStep),
		archives: make(map[string]registry.ArchiveRecord),
		conns:    make(map[string]registry.DocumentConnection),
		connKeys: make(map[connKey]string),
		counters: make(map[registry.Scope]*Counter),
	}
}

func (s *Store) NextNumber(ctx context.Context, scope registry.Scope, startingNumber int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	c, ok := s.counters[scope]
	if !ok {
		c = &Counter{Value: startingNumber}
		s.counters[scope] = c
	} else {
		c.Value++
	}
	c.LastUpdatedAt = time.Now().UTC()
	return c.Value, nil
}

// Counter returns a snapshot of a scope's counter.
func (s *Store) Counter(scope registry.Scope) (Counter, bool) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	c, ok := s.counters[scope]
	if !ok {
		return Counter{}, false
	}
	return *c, true
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx registry.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) onRollback(f func()) { t.undo = append(t.undo, f) }

func (t *memTx) InsertConfig(_ context.Context, cfg registry.RegistrationConfig) error {
	if _, ok := t.s.configs[cfg.ID]; ok {
		return fmt.Errorf("config %s already exists", cfg.ID)
	}
	t.s.configs[cfg.ID] = cfg
	t.onRollback(func() { delete(t.s.configs, cfg.ID) })
	return nil
}

func (t *memTx) GetConfig(_ context.Context, id string) (registry.RegistrationConfig, error) {
	cfg, ok := t.s.configs[id]
	if !ok {
		return registry.RegistrationConfig{}, registry.ErrNotFound
	}
	return cfg, nil
}

func keyOf(doc registry.DocumentEntry) (numberKey, bool) {
	if doc.DocumentNumber == nil {
		return numberKey{}, false
	}
	return numberKey{
		configID: doc.RegistrationConfigID,
		unit:     doc.OrganizationUnitID,
		category: doc.Category,
		number:   *doc.DocumentNumber,
		year:     doc.Year,
	}, true
}

func (t *memTx) claimNumber(doc registry.DocumentEntry) error {
	k, ok := keyOf(doc)
	if !ok {
		return nil
	}
	if owner, taken := t.s.numbers[k]; taken && owner != doc.ID {
		return fmt.Errorf("document number %d/%d already issued to %s", k.number, k.year, owner)
	}
	t.s.numbers[k] = doc.ID
	t.onRollback(func() { delete(t.s.numbers, k) })
	return nil
}

func (t *memTx) InsertDocument(_ context.Context, doc registry.DocumentEntry) error {
	if _, ok := t.s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	if err := t.claimNumber(doc); err != nil {
		return err
	}
	t.s.docs[doc.ID] = cloneDoc(doc)
	t.onRollback(func() { delete(t.s.docs, doc.ID) })
	return nil
}

func (t *memTx) LockDocument(ctx context.Context, id string) (registry.DocumentEntry, error) {
	return t.GetDocument(ctx, id, false)
}

func (t *memTx) GetDocument(_ context.Context, id string, includeDeleted bool) (registry.DocumentEntry, error) {
	doc, ok := t.s.docs[id]
	if !ok || (!includeDeleted && doc.Deleted()) {
		return registry.DocumentEntry{}, registry.ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (t *memTx) UpdateDocument(_ context.Context, doc registry.DocumentEntry) error {
	prev, ok := t.s.docs[doc.ID]
	if !ok {
		return registry.ErrNotFound
	}
	if prev.DocumentNumber != nil && (doc.DocumentNumber == nil || *doc.DocumentNumber != *prev.DocumentNumber) {
		return fmt.Errorf("document %s: number is immutable", doc.ID)
	}
	if prev.DocumentNumber == nil {
		if err := t.claimNumber(doc); err != nil {
			return err
		}
	}
	t.s.docs[doc.ID] = cloneDoc(doc)
	t.onRollback(func() { t.s.docs[doc.ID] = prev })
	return nil
}

func (t *memTx) ListDocuments(_ context.Context, f registry.DocumentFilter) ([]registry.DocumentEntry, error) {
	var out []registry.DocumentEntry
	for _, d := range t.s.docs {
		if d.ID <= f.After || !f.Matches(d) {
			continue
		}
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) InsertStep(_ context.Context, step registry.RoutingStep) error {
	if _, ok := t.s.steps[step.ID]; ok {
		return fmt.Errorf("routing step %s already exists", step.ID)
	}
	if step.ParentStepID != "" {
		parent, ok := t.s.steps[step.ParentStepID]
		if !ok || parent.DocumentID != step.DocumentID {
			return registry.ErrInvalidParentStep
		}
	}
	t.s.steps[step.ID] = step
	t.onRollback(func() { delete(t.s.steps, step.ID) })
	return nil
}

func (t *memTx) GetStep(_ context.Context, id string) (registry.RoutingStep, error) {
	st, ok := t.s.steps[id]
	if !ok {
		return registry.RoutingStep{}, registry.ErrNotFound
	}
	return st, nil
}

func (t *memTx) CompleteStep(_ context.Context, step registry.RoutingStep) error {
	prev, ok := t.s.steps[step.ID]
	if !ok {
		return registry.ErrNotFound
	}
	if prev.StepStatus != registry.StepPending {
		return registry.ErrStepAlreadyCompleted
	}
	next := prev
	next.Action = step.Action
	next.StepStatus = registry.StepCompleted
	next.ResolutionStatus = step.ResolutionStatus
	next.Notes = step.Notes
	next.CompletedAt = step.CompletedAt
	t.s.steps[step.ID] = next
	t.onRollback(func() { t.s.steps[step.ID] = prev })
	return nil
}

func (t *memTx) StepsForDocument(_ context.Context, documentID string) ([]registry.RoutingStep, error) {
	var out []registry.RoutingStep
	for _, st := range t.s.steps {
		if st.DocumentID == documentID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) MarkExpired(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, st := range t.s.steps {
		if st.StepStatus != registry.StepPending || st.IsExpired || !st.CreatedAt.Before(cutoff) {
			continue
		}
		prev := st
		st.IsExpired = true
		t.s.steps[id] = st
		t.onRollback(func() { t.s.steps[prev.ID] = prev })
		n++
	}
	return n, nil
}

func (t *memTx) InsertArchive(_ context.Context, rec registry.ArchiveRecord) error {
	if _, ok := t.s.archives[rec.DocumentID]; ok {
		return registry.ErrAlreadyArchived
	}
	t.s.archives[rec.DocumentID] = rec
	t.onRollback(func() { delete(t.s.archives, rec.DocumentID) })
	return nil
}

func (t *memTx) GetArchive(_ context.Context, documentID string) (registry.ArchiveRecord, error) {
	rec, ok := t.s.archives[documentID]
	if !ok {
		return registry.ArchiveRecord{}, registry.ErrNotFound
	}
	return rec, nil
}

func pairKey(c registry.DocumentConnection) connKey {
	lo, hi := c.DocumentAID, c.DocumentBID
	if hi < lo {
		lo, hi = hi, lo
	}
	return connKey{lo: lo, hi: hi, kind: c.ConnectionType}
}

func (t *memTx) InsertConnection(_ context.Context, c registry.DocumentConnection) error {
	k := pairKey(c)
	if _, ok := t.s.connKeys[k]; ok {
		return registry.ErrDuplicateConnection
	}
	t.s.conns[c.ID] = c
	t.s.connKeys[k] = c.ID
	t.onRollback(func() {
		delete(t.s.conns, c.ID)
		delete(t.s.connKeys, k)
	})
	return nil
}

func (t *memTx) ListConnections(_ context.Context, documentID string) ([]registry.DocumentConnection, error) {
	var out []registry.DocumentConnection
	for _, c := range t.s.conns {
		if c.DocumentAID == documentID || c.DocumentBID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneDoc(d registry.DocumentEntry) registry.DocumentEntry {
	if d.DocumentNumber != nil {
		n := *d.DocumentNumber
		d.DocumentNumber = &n
	}
	if d.DeletedAt != nil {
		at := *d.DeletedAt
		d.DeletedAt = &at
	}
	return d
}
