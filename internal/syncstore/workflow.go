package syncstore

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DocumentFilter narrows the document queries. Start and End bound the
// creation calendar date (inclusive, YYYY-MM-DD).
type DocumentFilter struct {
	OwnerID string
	Status  DocStatus
	Start   string
	End     string
}

// WorkflowEngine overlays the document lifecycle on a synced store.
// Drafts are submitted, then approved or rejected; editing a rejected
// document returns it to draft. Every mutation except approve/reject is
// owner-only; approve/reject is admin-only. There is no admin override
// for owner-scoped edits.
type WorkflowEngine struct {
	docs *Store[Document]
	gate AuthGate
	now  func() time.Time
}

func NewWorkflowEngine(docs *Store[Document], gate AuthGate) *WorkflowEngine {
	return &WorkflowEngine{docs: docs, gate: gate, now: time.Now}
}

// Create opens a new draft owned by the acting principal.
func (w *WorkflowEngine) Create(ctx context.Context, formType string, fields map[string]any) (Document, error) {
	if formType == "" {
		return Document{}, fmt.Errorf("%w: form type is empty", ErrInvalidInput)
	}
	p := w.gate.CurrentPrincipal()
	now := w.now()
	doc := Document{
		ID:        NewDocumentID(),
		FormType:  formType,
		Fields:    cloneFields(fields),
		Status:    StatusDraft,
		OwnerID:   p.ID,
		OwnerName: p.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.docs.Save(ctx, Filter{}, doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Update replaces the fields of a draft or rejected document. Editing a
// rejected document returns it to draft and clears the approval detail.
func (w *WorkflowEngine) Update(ctx context.Context, id string, fields map[string]any) (Document, error) {
	p := w.gate.CurrentPrincipal()
	return w.docs.Update(ctx, Filter{}, id, func(doc *Document) error {
		if doc.OwnerID != p.ID {
			return fmt.Errorf("%w: only the owner may edit a document", ErrPermission)
		}
		if doc.Status != StatusDraft && doc.Status != StatusRejected {
			return &InvalidTransitionError{Action: "update", Status: doc.Status}
		}
		doc.Fields = cloneFields(fields)
		doc.UpdatedAt = w.now()
		if doc.Status == StatusRejected {
			doc.Status = StatusDraft
			doc.Approval = nil
		}
		return nil
	})
}

// Submit hands a draft to the approval queue.
func (w *WorkflowEngine) Submit(ctx context.Context, id string) (Document, error) {
	p := w.gate.CurrentPrincipal()
	return w.docs.Update(ctx, Filter{}, id, func(doc *Document) error {
		if doc.OwnerID != p.ID {
			return fmt.Errorf("%w: only the owner may submit a document", ErrPermission)
		}
		if doc.Status != StatusDraft {
			return &InvalidTransitionError{Action: "submit", Status: doc.Status}
		}
		doc.Status = StatusSubmitted
		doc.UpdatedAt = w.now()
		return nil
	})
}

// Delete removes a document; only drafts can be deleted and only by
// their owner.
func (w *WorkflowEngine) Delete(ctx context.Context, id string) error {
	p := w.gate.CurrentPrincipal()
	return w.docs.Delete(ctx, Filter{}, id, func(doc Document) error {
		if doc.OwnerID != p.ID {
			return fmt.Errorf("%w: only the owner may delete a document", ErrPermission)
		}
		if doc.Status != StatusDraft {
			return &InvalidTransitionError{Action: "delete", Status: doc.Status}
		}
		return nil
	})
}

func (w *WorkflowEngine) Approve(ctx context.Context, id, comment string) (Document, error) {
	return w.decide(ctx, id, comment, StatusApproved, "approve")
}

func (w *WorkflowEngine) Reject(ctx context.Context, id, comment string) (Document, error) {
	return w.decide(ctx, id, comment, StatusRejected, "reject")
}

// decide applies an approval decision. The submitted check runs inside
// the store lock at call time, so a second concurrent decision fails
// with InvalidTransition instead of double-approving.
func (w *WorkflowEngine) decide(ctx context.Context, id, comment string, to DocStatus, action string) (Document, error) {
	p := w.gate.CurrentPrincipal()
	if !p.IsAdmin() {
		return Document{}, fmt.Errorf("%w: %s requires the admin role", ErrPermission, action)
	}
	return w.docs.Update(ctx, Filter{}, id, func(doc *Document) error {
		if doc.Status != StatusSubmitted {
			return &InvalidTransitionError{Action: action, Status: doc.Status}
		}
		now := w.now()
		doc.Status = to
		doc.Approval = &Approval{By: p.ID, At: now, Comment: comment}
		doc.UpdatedAt = now
		return nil
	})
}

// Get returns one document by id from the synced collection.
func (w *WorkflowEngine) Get(ctx context.Context, id string) (Document, error) {
	docs, err := w.docs.Load(ctx, Filter{})
	if err != nil {
		return Document{}, err
	}
	for _, doc := range docs {
		if doc.ID == id {
			return doc, nil
		}
	}
	return Document{}, fmt.Errorf("%w: document %q", ErrNotFound, id)
}

// All returns every document, most recently updated first.
func (w *WorkflowEngine) All(ctx context.Context) ([]Document, error) {
	return w.Filtered(ctx, DocumentFilter{})
}

// ByOwner returns one principal's documents, most recently updated
// first.
func (w *WorkflowEngine) ByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	return w.Filtered(ctx, DocumentFilter{OwnerID: ownerID})
}

// Pending returns submitted documents in approval queue order, oldest
// first.
func (w *WorkflowEngine) Pending(ctx context.Context) ([]Document, error) {
	docs, err := w.Filtered(ctx, DocumentFilter{Status: StatusSubmitted})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
	})
	return docs, nil
}

// PendingCount is the approval-queue badge number, served from the
// cached snapshot without a network round trip.
func (w *WorkflowEngine) PendingCount() int {
	count := 0
	for _, doc := range w.docs.Snapshot(Filter{}) {
		if doc.Status == StatusSubmitted {
			count++
		}
	}
	return count
}

// Filtered loads the collection and applies f locally; the fallback
// snapshot goes through the same path, so a degraded read still
// filters correctly.
func (w *WorkflowEngine) Filtered(ctx context.Context, f DocumentFilter) ([]Document, error) {
	docs, err := w.docs.Load(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if f.OwnerID != "" && doc.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && doc.Status != f.Status {
			continue
		}
		if f.Start != "" || f.End != "" {
			day := doc.CreatedAt.Format("2006-01-02")
			if f.Start != "" && day < f.Start {
				continue
			}
			if f.End != "" && day > f.End {
				continue
			}
		}
		out = append(out, doc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
