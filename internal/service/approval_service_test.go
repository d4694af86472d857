package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerly/be-om-lineedits/internal/editlock"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

// workflowFixture wires an EditService and an ApprovalService over the same
// stores and the same per-item mutex, the way the server composes them.
type workflowFixture struct {
	edits     *EditService
	approvals *ApprovalService
	store     *fakeApprovalStore
	lineItems *fakeLineItemStore
	audit     *fakeAuditStore
	notifier  *fakeNotifier
	clock     *fakeWorkflowClock
}

type fakeWorkflowClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeWorkflowClock() *fakeWorkflowClock {
	return &fakeWorkflowClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeWorkflowClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeWorkflowClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newWorkflowFixture(t *testing.T, li *repository.LineItem) *workflowFixture {
	t.Helper()

	lineItems := newFakeLineItemStore(li)
	f := &workflowFixture{
		store:     newFakeApprovalStore(lineItems),
		lineItems: lineItems,
		audit:     &fakeAuditStore{},
		notifier:  &fakeNotifier{},
		clock:     newFakeWorkflowClock(),
	}

	perItem := NewKeyedMutex()
	orders := &fakeOrderState{status: repository.OrderPending, allocation: repository.AllocationNone}
	thresholds := rules.DefaultThresholds()

	f.edits = NewEditService(
		f.lineItems, orders, f.store, f.audit,
		editlock.NewMemoryManager(), &fakeChecker{available: dec("1000")}, f.notifier,
		EditConfig{Thresholds: thresholds, LockTTL: 5 * time.Minute, ApprovalTimeout: 72 * time.Hour},
		perItem, zerolog.Nop(),
	).WithClock(f.clock.Now)

	f.approvals = NewApprovalService(
		f.lineItems, f.store, f.audit, f.notifier,
		thresholds, 72*time.Hour, perItem, zerolog.Nop(),
	).WithClock(f.clock.Now)

	return f
}

// submitDeferred runs an edit that crosses the quantity threshold and
// returns the resulting pending record ID.
func (f *workflowFixture) submitDeferred(t *testing.T, lineItemID, userID, quantity string) string {
	t.Helper()
	li, err := f.lineItems.GetByID(context.Background(), lineItemID)
	require.NoError(t, err)

	d, err := f.edits.Submit(context.Background(), lineItemID, userID, repository.EditProposal{
		Quantity:  dec(quantity),
		UnitPrice: li.UnitPrice,
		Reference: li.Reference,
		Notes:     li.Notes,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, d.Outcome)
	return d.ApprovalRecordID
}

func TestApproveAppliesStoredProposal(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	recID := f.submitDeferred(t, li.ID, "alice", "115")

	rec, err := f.approvals.Approve(context.Background(), recID, "mgr-1", "looks fine")
	require.NoError(t, err)

	assert.Equal(t, repository.ApprovalApproved, rec.Status)
	require.NotNil(t, rec.ApproverID)
	assert.Equal(t, "mgr-1", *rec.ApproverID)
	require.NotNil(t, rec.DecidedAt)

	// Exactly the stored proposal lands on the line item.
	stored, err := f.lineItems.GetByID(context.Background(), li.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(dec("115")))

	// Requestor is told about the decision.
	require.NotEmpty(t, f.notifier.requestor)
	assert.Equal(t, "alice", f.notifier.requestor[len(f.notifier.requestor)-1].to)
}

func TestApproveIsIdempotentlyRefused(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	recID := f.submitDeferred(t, li.ID, "alice", "115")

	_, err := f.approvals.Approve(context.Background(), recID, "mgr-1", "")
	require.NoError(t, err)

	_, err = f.approvals.Approve(context.Background(), recID, "mgr-2", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = f.approvals.Reject(context.Background(), recID, "mgr-2", "changed my mind")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	// The second decision changed nothing.
	stored, err := f.lineItems.GetByID(context.Background(), li.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(dec("115")))
}

func TestApproveFailedApplyLeavesRecordPending(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	recID := f.submitDeferred(t, li.ID, "alice", "115")

	// The store fails mid-commit. The decision must roll back with it.
	f.lineItems.applyErr = fmt.Errorf("connection reset")
	_, err := f.approvals.Approve(context.Background(), recID, "mgr-1", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyDecided)

	rec, err := f.approvals.Get(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalPending, rec.Status, "failed apply must not consume the record")

	stored, err := f.lineItems.GetByID(context.Background(), li.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(dec("100")))

	// Once the store recovers, the same approval goes through.
	f.lineItems.applyErr = nil
	rec, err = f.approvals.Approve(context.Background(), recID, "mgr-1", "")
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalApproved, rec.Status)

	stored, err = f.lineItems.GetByID(context.Background(), li.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(dec("115")))
}

func TestApproveStaleRecord(t *testing.T) {
	li := baseLineItem() // qty 100
	f := newWorkflowFixture(t, li)

	// Alice's big edit gets deferred.
	recID := f.submitDeferred(t, li.ID, "alice", "115")

	// Bob lands a small accepted edit in the meantime.
	d, err := f.edits.Submit(context.Background(), li.ID, "bob", repository.EditProposal{
		Quantity:  dec("102"),
		UnitPrice: li.UnitPrice,
		Reference: li.Reference,
		Notes:     li.Notes,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, d.Outcome)

	// The stored proposal no longer applies to the moved base.
	_, err = f.approvals.Approve(context.Background(), recID, "mgr-1", "")
	assert.ErrorIs(t, err, ErrStaleApproval)

	// Bob's edit stands.
	stored, err := f.lineItems.GetByID(context.Background(), li.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(dec("102")))

	// The stale record is closed out, not left pending forever.
	rec, err := f.approvals.Get(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalRejected, rec.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	recID := f.submitDeferred(t, li.ID, "alice", "115")

	_, err := f.approvals.Reject(context.Background(), recID, "mgr-1", "")
	require.Error(t, err)

	rec, err := f.approvals.Get(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalPending, rec.Status)
}

func TestRejectLeavesLineItemUntouched(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	recID := f.submitDeferred(t, li.ID, "alice", "115")

	rec, err := f.approvals.Reject(context.Background(), recID, "mgr-1", "budget freeze")
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalRejected, rec.Status)
	assert.Equal(t, "budget freeze", rec.Reason)

	stored, err := f.lineItems.GetByID(context.Background(), li.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(dec("100")))

	require.NotEmpty(t, f.notifier.requestor)
	assert.Equal(t, "alice", f.notifier.requestor[len(f.notifier.requestor)-1].to)
}

func TestListFiltersByStatusAndLevel(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	f.submitDeferred(t, li.ID, "alice", "115")

	pending := repository.ApprovalPending
	recs, err := f.approvals.List(context.Background(), &pending, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	lvl := rules.LevelFinance
	recs, err = f.approvals.List(context.Background(), &pending, &lvl)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestOverdueApprovalEscalatesThroughChain(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	recID := f.submitDeferred(t, li.ID, "alice", "115") // Level 1

	// Nothing to do before the deadline.
	escalated, expired, err := f.approvals.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, escalated)
	assert.Zero(t, expired)

	// Past the deadline: Level 1 → Level 2 with a fresh deadline.
	f.clock.Advance(73 * time.Hour)
	escalated, expired, err = f.approvals.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, escalated)
	assert.Zero(t, expired)

	rec, err := f.approvals.Get(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalPending, rec.Status)
	assert.Equal(t, rules.LevelDepartmentManager, rec.RequiredLevel)

	require.NotEmpty(t, f.notifier.approver)
	last := f.notifier.approver[len(f.notifier.approver)-1]
	assert.Equal(t, rules.LevelDepartmentManager, last.level)
	assert.Equal(t, "department_manager", last.role)

	// Level 2 → Level 3.
	f.clock.Advance(73 * time.Hour)
	escalated, _, err = f.approvals.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, escalated)

	// Chain exhausted: the record expires and the requestor hears about it.
	f.clock.Advance(73 * time.Hour)
	escalated, expired, err = f.approvals.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, escalated)
	assert.Equal(t, 1, expired)

	rec, err = f.approvals.Get(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalExpired, rec.Status)

	// Expired is terminal.
	_, err = f.approvals.Approve(context.Background(), recID, "mgr-1", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestExpireOverdueIsIdempotent(t *testing.T) {
	li := baseLineItem()
	f := newWorkflowFixture(t, li)
	f.submitDeferred(t, li.ID, "alice", "115")

	f.clock.Advance(73 * time.Hour)
	escalated, _, err := f.approvals.ExpireOverdue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, escalated)

	// Re-running immediately finds nothing overdue: escalation reset the
	// deadline.
	escalated, expired, err := f.approvals.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, escalated)
	assert.Zero(t, expired)
}
