package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/ids"
)

// OpenRoute opens a pending routing step on a registered document, either as
// a new root or as a child of a completed step.
func (s *Service) OpenRoute(ctx context.Context, req OpenRouteRequest) (_ RoutingStep, err error) {
	ctx, span := s.startSpan(ctx, "OpenRoute",
		attribute.String("document_id", req.DocumentID),
		attribute.String("parent_step_id", req.ParentStepID))
	defer func() { endSpan(span, err) }()

	for _, f := range []struct{ name, value string }{
		{"document_id", req.DocumentID},
		{"from_actor_id", req.FromActorID},
		{"to_actor_id", req.ToActorID},
	} {
		if err := required(f.name, f.value, ErrInvalidInput); err != nil {
			return RoutingStep{}, err
		}
	}
	if !req.Action.Opens() {
		return RoutingStep{}, fmt.Errorf("%w: action %q cannot open a step", ErrInvalidInput, req.Action)
	}

	var step RoutingStep
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		doc, err := tx.LockDocument(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if !doc.Registered() {
			return ErrUnregisteredDocument
		}
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: status is %s", ErrDocumentClosed, doc.Status)
		}
		if req.ParentStepID != "" {
			parent, err := tx.GetStep(ctx, req.ParentStepID)
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s does not exist", ErrInvalidParentStep, req.ParentStepID)
			}
			if err != nil {
				return err
			}
			if parent.DocumentID != doc.ID {
				return fmt.Errorf("%w: %s belongs to another document", ErrInvalidParentStep, parent.ID)
			}
			if parent.StepStatus != StepCompleted {
				return fmt.Errorf("%w: %s is still pending", ErrInvalidParentStep, parent.ID)
			}
			if err := s.checkAncestry(ctx, tx, parent); err != nil {
				return err
			}
		}
		now := s.clock()
		step = RoutingStep{
			ID:           ids.NewAt(now),
			DocumentID:   doc.ID,
			ParentStepID: req.ParentStepID,
			FromActorID:  req.FromActorID,
			ToActorID:    req.ToActorID,
			Action:       req.Action,
			StepStatus:   StepPending,
			Notes:        req.Notes,
			CreatedAt:    now,
		}
		return tx.InsertStep(ctx, step)
	})
	if err != nil {
		return RoutingStep{}, err
	}
	s.publish(ctx, []Event{{
		Type:       EventRouteOpened,
		DocumentID: step.DocumentID,
		StepID:     step.ID,
		Actor:      step.FromActorID,
		At:         step.CreatedAt,
		Data:       map[string]any{"to_actor_id": step.ToActorID, "action": string(step.Action)},
	}})
	return step, nil
}

// checkAncestry walks from start to its root. A repeated step, an ancestor on
// another document or a chain longer than MaxRouteDepth means the stored tree
// is corrupt.
func (s *Service) checkAncestry(ctx context.Context, tx Tx, start RoutingStep) error {
	seen := make(map[string]bool)
	cur := start
	// The new step is depth 1, so start is depth 2.
	for depth := 2; ; depth++ {
		if depth > s.policy.MaxRouteDepth || seen[cur.ID] || cur.DocumentID != start.DocumentID {
			s.log.Error().
				Str("document_id", start.DocumentID).
				Str("step_id", start.ID).
				Str("at_step_id", cur.ID).
				Int("depth", depth).
				Msg("routing ancestry is corrupt")
			return ErrCycleDetected
		}
		seen[cur.ID] = true
		if cur.Root() {
			return nil
		}
		next, err := tx.GetStep(ctx, cur.ParentStepID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: ancestor %s does not exist", ErrInvalidParentStep, cur.ParentStepID)
		}
		if err != nil {
			return err
		}
		cur = next
	}
}

func validateClose(req CloseRouteRequest) error {
	if err := required("step_id", req.StepID, ErrInvalidInput); err != nil {
		return err
	}
	if !req.Action.Closes() {
		return fmt.Errorf("%w: action %q cannot close a step", ErrInvalidInput, req.Action)
	}
	if req.Action.Resolves() {
		if req.Resolution == nil || string(*req.Resolution) != string(req.Action) {
			return fmt.Errorf("%w: %s requires resolution %s", ErrInvalidResolution, req.Action, req.Action)
		}
		return nil
	}
	if req.Resolution != nil {
		return fmt.Errorf("%w: %s carries no resolution", ErrInvalidResolution, req.Action)
	}
	return nil
}

// CloseRoute completes a pending step. When an approving or rejecting close
// leaves the step's tree without pending steps, the document moves to
// resolved.
func (s *Service) CloseRoute(ctx context.Context, req CloseRouteRequest) (_ RoutingStep, err error) {
	ctx, span := s.startSpan(ctx, "CloseRoute",
		attribute.String("step_id", req.StepID),
		attribute.String("action", string(req.Action)))
	defer func() { endSpan(span, err) }()

	if err := validateClose(req); err != nil {
		return RoutingStep{}, err
	}
	var step RoutingStep
	var events []Event
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		step, err = tx.GetStep(ctx, req.StepID)
		if err != nil {
			return err
		}
		doc, err := tx.LockDocument(ctx, step.DocumentID)
		if err != nil {
			return err
		}
		if step.StepStatus == StepCompleted {
			return ErrStepAlreadyCompleted
		}
		now := s.clock()
		actor := req.ActorID
		if actor == "" {
			actor = step.ToActorID
		}
		step.Action = req.Action
		step.StepStatus = StepCompleted
		step.ResolutionStatus = req.Resolution
		step.CompletedAt = &now
		if req.Notes != "" {
			step.Notes = req.Notes
		}
		if err := tx.CompleteStep(ctx, step); err != nil {
			return err
		}
		events = append(events, Event{
			Type:       EventRouteClosed,
			DocumentID: doc.ID,
			StepID:     step.ID,
			Actor:      actor,
			At:         now,
			Data:       map[string]any{"action": string(step.Action)},
		})
		if !req.Action.Resolves() || !doc.Status.Before(StatusResolved) {
			return nil
		}
		done, err := s.treeResolved(ctx, tx, step)
		if err != nil || !done {
			return err
		}
		from := doc.Status
		doc.Status = StatusResolved
		doc.UpdatedAt = now
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		events = append(events, statusEvent(doc, from, actor))
		return nil
	})
	if err != nil {
		return RoutingStep{}, err
	}
	s.publish(ctx, events)
	return step, nil
}

// treeResolved reports whether the tree containing step has no pending steps.
func (s *Service) treeResolved(ctx context.Context, tx Tx, step RoutingStep) (bool, error) {
	steps, err := tx.StepsForDocument(ctx, step.DocumentID)
	if err != nil {
		return false, err
	}
	byID := make(map[string]RoutingStep, len(steps))
	for _, st := range steps {
		byID[st.ID] = st
	}
	roots := make(map[string]string, len(steps))
	rootOf := func(id string) (string, error) {
		if r, ok := roots[id]; ok {
			return r, nil
		}
		cur := id
		for depth := 0; ; depth++ {
			st, ok := byID[cur]
			if !ok || depth > s.policy.MaxRouteDepth+len(steps) {
				s.log.Error().Str("document_id", step.DocumentID).Str("step_id", id).Msg("routing tree has no root")
				return "", ErrCycleDetected
			}
			if st.Root() {
				roots[id] = st.ID
				return st.ID, nil
			}
			cur = st.ParentStepID
		}
	}
	root, err := rootOf(step.ID)
	if err != nil {
		return false, err
	}
	for _, st := range steps {
		if st.StepStatus != StepPending {
			continue
		}
		r, err := rootOf(st.ID)
		if err != nil {
			return false, err
		}
		if r == root {
			return false, nil
		}
	}
	return true, nil
}

// RouteTree returns the routing forest of a document, roots in creation order.
func (s *Service) RouteTree(ctx context.Context, documentID string) ([]RouteNode, error) {
	steps, err := s.ListSteps(ctx, documentID)
	if err != nil {
		return nil, err
	}
	children := make(map[string][]RoutingStep)
	var roots []RoutingStep
	for _, st := range steps {
		if st.Root() {
			roots = append(roots, st)
			continue
		}
		children[st.ParentStepID] = append(children[st.ParentStepID], st)
	}
	seen := make(map[string]bool, len(steps))
	var build func(st RoutingStep) RouteNode
	build = func(st RoutingStep) RouteNode {
		seen[st.ID] = true
		node := RouteNode{RoutingStep: st}
		for _, c := range children[st.ID] {
			if seen[c.ID] {
				continue
			}
			node.Children = append(node.Children, build(c))
		}
		return node
	}
	out := make([]RouteNode, 0, len(roots))
	for _, r := range roots {
		out = append(out, build(r))
	}
	return out, nil
}

// ListSteps returns every routing step of a document in creation order.
func (s *Service) ListSteps(ctx context.Context, documentID string) ([]RoutingStep, error) {
	var steps []RoutingStep
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.GetDocument(ctx, documentID, false); err != nil {
			return err
		}
		var err error
		steps, err = tx.StepsForDocument(ctx, documentID)
		return err
	})
	return steps, err
}

// MarkExpired flags pending steps created before cutoff. The flag is
// informational; nothing else changes.
func (s *Service) MarkExpired(ctx context.Context, cutoff time.Time) (n int64, err error) {
	ctx, span := s.startSpan(ctx, "MarkExpired")
	defer func() { endSpan(span, err) }()

	err = s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.MarkExpired(ctx, cutoff.UTC())
		return err
	})
	if n > 0 {
		s.log.Info().Int64("steps", n).Time("cutoff", cutoff).Msg("routing steps marked expired")
	}
	return n, err
}
