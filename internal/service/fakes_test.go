package service

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerly/be-om-lineedits/internal/errors"
	"github.com/ledgerly/be-om-lineedits/internal/inventory"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ── In-memory collaborators ──────────────────────────────────────────────────

type fakeLineItemStore struct {
	mu       sync.Mutex
	items    map[string]*repository.LineItem
	getErr   error
	applyErr error
}

func newFakeLineItemStore(items ...*repository.LineItem) *fakeLineItemStore {
	s := &fakeLineItemStore{items: make(map[string]*repository.LineItem)}
	for _, li := range items {
		s.items[li.ID] = li
	}
	return s
}

func (s *fakeLineItemStore) GetByID(_ context.Context, id string) (*repository.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	li, ok := s.items[id]
	if !ok {
		return nil, errors.NotFound("line item", id)
	}
	cp := *li
	return &cp, nil
}

func (s *fakeLineItemStore) ApplyProposal(_ context.Context, id string, expect repository.LineItemSnapshot, p repository.EditProposal) (*repository.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	li, ok := s.items[id]
	if !ok {
		return nil, errors.NotFound("line item", id)
	}
	if !expect.Matches(li) {
		return nil, repository.ErrSnapshotMismatch
	}
	li.Quantity = p.Quantity
	li.UnitPrice = p.UnitPrice
	li.Reference = p.Reference
	li.Notes = p.Notes
	cp := *li
	return &cp, nil
}

type fakeOrderState struct {
	status     repository.OrderStatus
	allocation repository.AllocationState
	err        error
}

func (s *fakeOrderState) GetOrderStatus(context.Context, string) (repository.OrderStatus, error) {
	return s.status, s.err
}

func (s *fakeOrderState) GetAllocationState(context.Context, string) (repository.AllocationState, error) {
	return s.allocation, s.err
}

type fakeApprovalStore struct {
	mu        sync.Mutex
	records   map[string]*repository.ApprovalRecord
	lineItems *fakeLineItemStore
	createErr error
}

func newFakeApprovalStore(lineItems *fakeLineItemStore) *fakeApprovalStore {
	return &fakeApprovalStore{
		records:   make(map[string]*repository.ApprovalRecord),
		lineItems: lineItems,
	}
}

func (s *fakeApprovalStore) Create(_ context.Context, rec *repository.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *fakeApprovalStore) GetByID(_ context.Context, id string) (*repository.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errors.NotFound("approval record", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeApprovalStore) GetPendingByLineItemID(_ context.Context, lineItemID string) (*repository.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.LineItemID == lineItemID && rec.Status == repository.ApprovalPending {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeApprovalStore) List(_ context.Context, status *repository.ApprovalStatus, level *rules.ApprovalLevel) ([]*repository.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalRecord
	for _, rec := range s.records {
		if status != nil && rec.Status != *status {
			continue
		}
		if level != nil && rec.RequiredLevel != *level {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeApprovalStore) ListOverdue(_ context.Context, now time.Time) ([]*repository.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalRecord
	for _, rec := range s.records {
		if rec.Status == repository.ApprovalPending && !rec.ExpiresAt.After(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeApprovalStore) Decide(_ context.Context, id string, to repository.ApprovalStatus, approverID, reason string, decidedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != repository.ApprovalPending {
		return false, nil
	}
	rec.Status = to
	rec.ApproverID = &approverID
	rec.DecidedAt = &decidedAt
	if reason != "" {
		rec.Reason = reason
	}
	return true, nil
}

// DecideAndApply mirrors the repository's transactional behavior: a failed
// or mismatched apply leaves the record untouched.
func (s *fakeApprovalStore) DecideAndApply(ctx context.Context, id string, approverID, reason string, decidedAt time.Time) (*repository.LineItem, bool, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, false, errors.NotFound("approval record", id)
	}
	if rec.Status != repository.ApprovalPending {
		s.mu.Unlock()
		return nil, false, nil
	}
	original, proposal, lineItemID := rec.Original, rec.Proposal, rec.LineItemID
	s.mu.Unlock()

	li, err := s.lineItems.ApplyProposal(ctx, lineItemID, original, proposal)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	rec.Status = repository.ApprovalApproved
	rec.ApproverID = &approverID
	rec.DecidedAt = &decidedAt
	if reason != "" {
		rec.Reason = reason
	}
	s.mu.Unlock()
	return li, true, nil
}

func (s *fakeApprovalStore) Escalate(_ context.Context, id string, toLevel rules.ApprovalLevel, newDeadline, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != repository.ApprovalPending || rec.ExpiresAt.After(now) {
		return false, nil
	}
	rec.RequiredLevel = toLevel
	rec.ExpiresAt = newDeadline
	return true, nil
}

// one returns the single record in the store, for assertions.
func (s *fakeApprovalStore) one() *repository.ApprovalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		cp := *rec
		return &cp
	}
	return nil
}

type fakeAuditStore struct {
	mu        sync.Mutex
	entries   []*repository.AuditEntry
	appendErr error
}

func (s *fakeAuditStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeAuditStore) GetByLineItemID(_ context.Context, lineItemID string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range s.entries {
		if e.LineItemID == lineItemID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeChecker struct {
	available decimal.Decimal
	err       error
	calls     int
}

func (c *fakeChecker) Check(_ context.Context, partID string, requested decimal.Decimal) (inventory.Availability, error) {
	c.calls++
	if c.err != nil {
		return inventory.Availability{}, c.err
	}
	return inventory.Availability{
		PartID:     partID,
		Available:  c.available,
		Requested:  requested,
		Sufficient: c.available.GreaterThanOrEqual(requested),
		QueriedAt:  time.Now(),
	}, nil
}

type notifierCall struct {
	role  string
	level rules.ApprovalLevel
	to    string
	rec   *repository.ApprovalRecord
}

type fakeNotifier struct {
	mu        sync.Mutex
	approver  []notifierCall
	requestor []notifierCall
}

func (n *fakeNotifier) NotifyApprovers(_ context.Context, role string, level rules.ApprovalLevel, rec *repository.ApprovalRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approver = append(n.approver, notifierCall{role: role, level: level, rec: rec})
}

func (n *fakeNotifier) NotifyRequestor(_ context.Context, requestorID string, rec *repository.ApprovalRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requestor = append(n.requestor, notifierCall{to: requestorID, rec: rec})
}
