package service

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
	"github.com/pesio-ai/be-rm-dispositions/internal/workflow"
)

// memStore is an in-memory implementation of every store interface with the
// same guard semantics as the Postgres repositories. It lets the workflow
// logic run in plain unit tests.
type memStore struct {
	mu        sync.Mutex
	seq       int
	packages  map[string]*repository.WorkPackage
	approvers map[string]*repository.Approver
	items     map[string]*repository.WorkPackageItem
	requests  map[string]*repository.FeedbackRequest
	responses map[string]*repository.FeedbackResponse
	auditLog  []*repository.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		packages:  map[string]*repository.WorkPackage{},
		approvers: map[string]*repository.Approver{},
		items:     map[string]*repository.WorkPackageItem{},
		requests:  map[string]*repository.FeedbackRequest{},
		responses: map[string]*repository.FeedbackResponse{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// ── WorkPackageStore ─────────────────────────────────────────────────────────

func (m *memStore) Create(_ context.Context, wp *repository.WorkPackage, approvers []*repository.Approver, itemIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp.ID = m.nextID("wp")
	now := time.Now()
	wp.CreatedAt, wp.UpdatedAt = now, now
	m.packages[wp.ID] = wp

	for _, a := range approvers {
		a.ID = m.nextID("appr")
		a.WorkPackageID = wp.ID
		m.approvers[a.ID] = a
	}
	for _, itemID := range itemIDs {
		id := m.nextID("item")
		m.items[id] = &repository.WorkPackageItem{
			ID: id, WorkPackageID: wp.ID, ItemID: itemID,
			Included: true, DecisionState: repository.DecisionPending,
		}
	}
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*repository.WorkPackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wp, ok := m.packages[id]
	if !ok {
		return nil, apperrors.NotFound("work_package", id)
	}
	cp := *wp
	return &cp, nil
}

func (m *memStore) List(_ context.Context, statusGroup *string, limit, offset int) ([]*repository.WorkPackage, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*repository.WorkPackage
	for _, wp := range m.packages {
		if statusGroup == nil || tabOf(wp.WorkflowStatus) == *statusGroup || wp.WorkflowStatus == *statusGroup {
			all = append(all, wp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreateDate.After(all[j].CreateDate) })

	total := int64(len(all))
	if offset > len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *memStore) TabCounts(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[string]int64{}
	for _, wp := range m.packages {
		counts[tabOf(wp.WorkflowStatus)]++
	}
	return counts, nil
}

func tabOf(status string) string {
	switch status {
	case repository.StatusBuildingNew, repository.StatusBuildingPending, repository.StatusBuildingInitiated:
		return "building"
	default:
		return status
	}
}

func (m *memStore) TitleExists(_ context.Context, sourceID string, title map[string]string, excludeID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wp := range m.packages {
		if excludeID != nil && wp.ID == *excludeID {
			continue
		}
		if wp.SourceID == sourceID && reflect.DeepEqual(wp.Title, title) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UpdatePreInitiation(_ context.Context, id string, dueDate time.Time, daysTotal int, securityOverride, autoprocess bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.packages[id]
	if !ok {
		return apperrors.NotFound("work_package", id)
	}
	if wp.WorkflowStatus != repository.StatusPending {
		return apperrors.Conflict("work package can only be edited while pending")
	}
	wp.DueDate, wp.DaysTotal = dueDate, daysTotal
	wp.SecurityOverride, wp.AutoprocessApprovedItems = securityOverride, autoprocess
	return nil
}

func (m *memStore) ExtendDueDate(_ context.Context, id string, dueDate time.Time, daysTotal int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.packages[id]
	if !ok {
		return apperrors.NotFound("work_package", id)
	}
	wp.DueDate, wp.DaysTotal = dueDate, daysTotal
	return nil
}

func (m *memStore) Initiate(_ context.Context, id string) (*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.packages[id]
	if !ok {
		return nil, apperrors.NotFound("work_package", id)
	}
	if wp.WorkflowStatus != repository.StatusPending {
		return nil, apperrors.Conflict("work package cannot be initiated from status '" + wp.WorkflowStatus + "'")
	}

	first := m.firstPrimary(id)
	if first == nil {
		return nil, apperrors.Conflict("work package requires at least one approver to initiate")
	}
	first.State = repository.ApproverActive
	wp.WorkflowStatus = repository.StatusInitiated
	cp := *first
	return &cp, nil
}

func (m *memStore) RecallReset(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.packages[id]
	if !ok {
		return false, apperrors.NotFound("work_package", id)
	}
	switch wp.WorkflowStatus {
	case repository.StatusPending:
		return false, nil
	case repository.StatusInitiated, repository.StatusReadyToComplete, repository.StatusArchive:
	default:
		return false, apperrors.Conflict("work package cannot be recalled from status '" + wp.WorkflowStatus + "'")
	}

	wp.WorkflowStatus = repository.StatusPending
	wp.CompletedAt = nil
	for _, a := range m.approvers {
		if a.WorkPackageID == id {
			a.State = repository.ApproverWaiting
		}
	}
	if first := m.firstPrimary(id); first != nil {
		first.State = repository.ApproverActive
	}
	for _, it := range m.items {
		if it.WorkPackageID == id {
			resetItem(it)
		}
	}
	for _, fr := range m.requests {
		if fr.WorkPackageID == id && !fr.Resolved {
			fr.Resolved = true
			now := time.Now()
			fr.ResolvedAt = &now
		}
	}
	return true, nil
}

func (m *memStore) Archive(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.packages[id]
	if !ok {
		return false, apperrors.NotFound("work_package", id)
	}
	switch wp.WorkflowStatus {
	case repository.StatusArchive:
		return false, nil
	case repository.StatusReadyToComplete:
		wp.WorkflowStatus = repository.StatusArchive
		now := time.Now()
		wp.CompletedAt = &now
		return true, nil
	default:
		return false, apperrors.Conflict("work package cannot be completed from status '" + wp.WorkflowStatus + "'")
	}
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.packages[id]
	if !ok {
		return apperrors.NotFound("work_package", id)
	}
	switch wp.WorkflowStatus {
	case repository.StatusPending, repository.StatusReadyToComplete, repository.StatusArchive:
	case repository.StatusInitiated:
		return apperrors.Conflict("work package under active review must be recalled before deletion")
	default:
		return apperrors.Conflict("work package cannot be deleted while building")
	}

	delete(m.packages, id)
	for aid, a := range m.approvers {
		if a.WorkPackageID == id {
			delete(m.approvers, aid)
		}
	}
	for iid, it := range m.items {
		if it.WorkPackageID == id {
			delete(m.items, iid)
		}
	}
	for rid, fr := range m.requests {
		if fr.WorkPackageID == id {
			delete(m.requests, rid)
			for key, resp := range m.responses {
				if resp.RequestID == rid {
					delete(m.responses, key)
				}
			}
		}
	}
	return nil
}

// ── ApproverStore ────────────────────────────────────────────────────────────

func (m *memStore) ListByWorkPackage(_ context.Context, wpID string) ([]*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chain(wpID), nil
}

func (m *memStore) chain(wpID string) []*repository.Approver {
	var chain []*repository.Approver
	for _, a := range m.approvers {
		if a.WorkPackageID == wpID {
			chain = append(chain, a)
		}
	}
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].Conditional != chain[j].Conditional {
			return !chain[i].Conditional
		}
		return chain[i].OrderBy < chain[j].OrderBy
	})
	return chain
}

func (m *memStore) firstPrimary(wpID string) *repository.Approver {
	var first *repository.Approver
	for _, a := range m.approvers {
		if a.WorkPackageID != wpID || a.Conditional {
			continue
		}
		if first == nil || a.OrderBy < first.OrderBy {
			first = a
		}
	}
	return first
}

func (m *memStore) getApprover(id string) (*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvers[id]
	if !ok {
		return nil, apperrors.NotFound("approver", id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) Add(_ context.Context, a *repository.Approver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.packages[a.WorkPackageID]; !ok {
		return apperrors.NotFound("work_package", a.WorkPackageID)
	}
	maxOrder := 0
	for _, other := range m.approvers {
		if other.WorkPackageID == a.WorkPackageID && other.Conditional == a.Conditional && other.OrderBy > maxOrder {
			maxOrder = other.OrderBy
		}
	}
	a.ID = m.nextID("appr")
	a.OrderBy = maxOrder + 1
	m.approvers[a.ID] = a
	return nil
}

func (m *memStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvers[id]
	if !ok {
		return apperrors.NotFound("approver", id)
	}
	if a.State != repository.ApproverWaiting {
		return apperrors.Conflict("only waiting approvers can be removed")
	}
	delete(m.approvers, id)

	// Densify the chain.
	var chain []*repository.Approver
	for _, other := range m.approvers {
		if other.WorkPackageID == a.WorkPackageID && other.Conditional == a.Conditional {
			chain = append(chain, other)
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].OrderBy < chain[j].OrderBy })
	for i, other := range chain {
		other.OrderBy = i + 1
	}
	return nil
}

func (m *memStore) Reassign(_ context.Context, id, newUserID string) (*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvers[id]
	if !ok {
		return nil, apperrors.NotFound("approver", id)
	}
	a.UserID = newUserID
	cp := *a
	return &cp, nil
}

func (m *memStore) ReplaceOrder(_ context.Context, wpID string, conditional bool, expected, next []repository.ApproverOrder) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []repository.ApproverOrder
	for _, a := range m.chain(wpID) {
		if a.Conditional == conditional {
			current = append(current, repository.ApproverOrder{ApproverID: a.ID, OrderBy: a.OrderBy})
		}
	}
	if !reflect.DeepEqual(current, expected) {
		return false, nil
	}
	for _, o := range next {
		a, ok := m.approvers[o.ApproverID]
		if !ok {
			return false, apperrors.NotFound("approver", o.ApproverID)
		}
		a.OrderBy = o.OrderBy
	}
	return true, nil
}

func (m *memStore) CompleteAndAdvance(_ context.Context, wpID, approverID string, force, autoprocess bool) (*repository.ChainAdvance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.packages[wpID]
	if !ok {
		return nil, apperrors.NotFound("work_package", wpID)
	}
	a, ok := m.approvers[approverID]
	if !ok {
		return nil, apperrors.NotFound("approver", approverID)
	}
	if a.WorkPackageID != wpID {
		return nil, apperrors.InvalidInput("approver_id", "approver does not belong to this work package")
	}

	adv := &repository.ChainAdvance{CompletedApproverID: approverID}

	if a.State == repository.ApproverComplete {
		adv.AlreadyComplete = true
		adv.WorkPackageStatus = wp.WorkflowStatus
		if active := workflow.ActiveApprover(m.chain(wpID)); active != nil {
			cp := *active
			adv.NextActive = &cp
		}
		return adv, nil
	}

	if wp.WorkflowStatus != repository.StatusInitiated {
		return nil, apperrors.Conflict("work package is not under active review")
	}
	if a.State != repository.ApproverActive {
		return nil, apperrors.Conflict("approver is not active")
	}

	if !force {
		for _, it := range m.items {
			if it.WorkPackageID != wpID || !it.Included {
				continue
			}
			if it.DecisionState == repository.DecisionPending || it.DecisionState == repository.DecisionFeedbackPending {
				return nil, apperrors.Conflict("review cannot be completed while items are pending or awaiting feedback")
			}
		}
	}

	a.State = repository.ApproverComplete

	chain := m.chain(wpID)
	if workflow.ChainExhausted(chain) {
		wp.WorkflowStatus = repository.StatusReadyToComplete
		adv.WorkPackageStatus = repository.StatusReadyToComplete
		return adv, nil
	}
	next := workflow.NextWaiting(chain)
	if next == nil {
		return nil, apperrors.Conflict("chain has no waiting approver to advance to")
	}

	next.State = repository.ApproverActive
	cp := *next
	adv.NextActive = &cp
	adv.WorkPackageStatus = repository.StatusInitiated

	for _, it := range m.items {
		if it.WorkPackageID != wpID || !it.Included {
			continue
		}
		if autoprocess && it.DecisionState == repository.DecisionApproved {
			continue
		}
		resetItem(it)
	}
	for _, fr := range m.requests {
		if fr.WorkPackageID == wpID && !fr.Resolved {
			fr.Resolved = true
			now := time.Now()
			fr.ResolvedAt = &now
		}
	}
	return adv, nil
}

func resetItem(it *repository.WorkPackageItem) {
	it.DecisionState = repository.DecisionPending
	it.StateBeforeFeedback = nil
	it.RejectReason = nil
	it.RejectComment = nil
	it.FeedbackRequestID = nil
	it.DecidedBy = nil
	it.DecidedAt = nil
}

// ── ItemLedgerStore ──────────────────────────────────────────────────────────

func (m *memStore) Counts(_ context.Context, wpID string) (*repository.DecisionCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &repository.DecisionCounts{}
	for _, it := range m.items {
		if it.WorkPackageID != wpID || !it.Included {
			continue
		}
		c.Included++
		switch it.DecisionState {
		case repository.DecisionPending:
			c.Pending++
		case repository.DecisionApproved:
			c.Approved++
		case repository.DecisionRejected:
			c.Rejected++
		case repository.DecisionFeedbackPending:
			c.FeedbackPending++
		}
	}
	return c, nil
}

func (m *memStore) ListItemsByWorkPackage(ctx context.Context, wpID string) ([]*repository.WorkPackageItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsOf(wpID, nil), nil
}

func (m *memStore) GetByItemIDs(_ context.Context, wpID string, itemIDs []string) ([]*repository.WorkPackageItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsOf(wpID, itemIDs), nil
}

func (m *memStore) itemsOf(wpID string, itemIDs []string) []*repository.WorkPackageItem {
	wanted := map[string]bool{}
	for _, id := range itemIDs {
		wanted[id] = true
	}
	var out []*repository.WorkPackageItem
	for _, it := range m.items {
		if it.WorkPackageID != wpID {
			continue
		}
		if itemIDs != nil && !wanted[it.ItemID] {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (m *memStore) Approve(_ context.Context, wpID string, itemIDs []string, decidedBy string) error {
	return m.decide(wpID, itemIDs, repository.DecisionApproved, decidedBy, nil, nil)
}

func (m *memStore) Reject(_ context.Context, wpID string, itemIDs []string, reason, comment, decidedBy string) error {
	return m.decide(wpID, itemIDs, repository.DecisionRejected, decidedBy, &reason, &comment)
}

func (m *memStore) decide(wpID string, itemIDs []string, state, decidedBy string, reason, comment *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.lockBatch(wpID, itemIDs, false)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, it := range batch {
		it.DecisionState = state
		it.RejectReason = reason
		it.RejectComment = comment
		it.DecidedBy = &decidedBy
		it.DecidedAt = &now
	}
	return nil
}

func (m *memStore) MoveToPending(_ context.Context, wpID string, itemIDs []string, decidedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.lockBatch(wpID, itemIDs, true)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, it := range batch {
		resetItem(it)
		it.DecidedBy = &decidedBy
		it.DecidedAt = &now
	}
	return nil
}

func (m *memStore) lockBatch(wpID string, itemIDs []string, allowFeedbackPending bool) ([]*repository.WorkPackageItem, error) {
	if len(itemIDs) == 0 {
		return nil, apperrors.InvalidInput("item_ids", "must not be empty")
	}

	byItemID := map[string]*repository.WorkPackageItem{}
	for _, it := range m.items {
		if it.WorkPackageID == wpID {
			byItemID[it.ItemID] = it
		}
	}
	batch := make([]*repository.WorkPackageItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		it, ok := byItemID[id]
		if !ok || !it.Included ||
			(!allowFeedbackPending && it.DecisionState == repository.DecisionFeedbackPending) {
			return nil, apperrors.Conflict("batch rejected: one or more items are missing, excluded or awaiting feedback")
		}
		batch = append(batch, it)
	}
	return batch, nil
}

func (m *memStore) FeedbackPendingCount(_ context.Context, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, it := range m.items {
		if it.FeedbackRequestID != nil && *it.FeedbackRequestID == requestID &&
			it.DecisionState == repository.DecisionFeedbackPending {
			n++
		}
	}
	return n, nil
}

// ── FeedbackStore ────────────────────────────────────────────────────────────

func (m *memStore) CreateFeedback(ctx context.Context, req *repository.FeedbackRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.lockBatch(req.WorkPackageID, req.ItemIDs, false)
	if err != nil {
		return err
	}

	req.ID = m.nextID("fb")
	req.CreatedAt = time.Now()
	m.requests[req.ID] = req

	for _, it := range batch {
		state := it.DecisionState
		it.StateBeforeFeedback = &state
		it.DecisionState = repository.DecisionFeedbackPending
		it.FeedbackRequestID = &req.ID
	}
	return nil
}

func (m *memStore) GetFeedbackByID(ctx context.Context, id string) (*repository.FeedbackRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedbackByID(id)
}

func (m *memStore) feedbackByID(id string) (*repository.FeedbackRequest, error) {
	fr, ok := m.requests[id]
	if !ok {
		return nil, apperrors.NotFound("feedback_request", id)
	}
	cp := *fr
	cp.ItemIDs = nil
	for _, it := range m.items {
		if it.FeedbackRequestID != nil && *it.FeedbackRequestID == id {
			cp.ItemIDs = append(cp.ItemIDs, it.ItemID)
		}
	}
	sort.Strings(cp.ItemIDs)
	return &cp, nil
}

func (m *memStore) ListFeedbackByWorkPackage(ctx context.Context, wpID string) ([]*repository.FeedbackRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.FeedbackRequest
	for id, fr := range m.requests {
		if fr.WorkPackageID != wpID {
			continue
		}
		cp, _ := m.feedbackByID(id)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateTargets(_ context.Context, id string, targets []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fr, ok := m.requests[id]
	if !ok || fr.Resolved {
		return apperrors.Conflict("feedback request not found or already resolved")
	}
	fr.TargetUserIDs = targets
	return nil
}

func (m *memStore) Resolve(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fr, ok := m.requests[id]
	if !ok {
		return nil, apperrors.NotFound("feedback_request", id)
	}
	if fr.Resolved {
		return nil, nil
	}
	fr.Resolved = true
	now := time.Now()
	fr.ResolvedAt = &now

	var restored []string
	for _, it := range m.items {
		if it.FeedbackRequestID == nil || *it.FeedbackRequestID != id ||
			it.DecisionState != repository.DecisionFeedbackPending {
			continue
		}
		if it.StateBeforeFeedback != nil {
			it.DecisionState = *it.StateBeforeFeedback
		} else {
			it.DecisionState = repository.DecisionPending
		}
		it.StateBeforeFeedback = nil
		it.FeedbackRequestID = nil
		restored = append(restored, it.ItemID)
	}
	return restored, nil
}

func (m *memStore) UpsertResponse(_ context.Context, resp *repository.FeedbackResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resp.RequestID + "|" + resp.ItemID + "|" + resp.UserID
	if existing, ok := m.responses[key]; ok {
		existing.Recommendation = resp.Recommendation
		existing.Note = resp.Note
		resp.ID = existing.ID
		return nil
	}
	resp.ID = m.nextID("resp")
	resp.CreatedAt = time.Now()
	cp := *resp
	m.responses[key] = &cp
	return nil
}

func (m *memStore) ListResponses(_ context.Context, requestID string) ([]*repository.FeedbackResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.FeedbackResponse
	for _, resp := range m.responses {
		if resp.RequestID == requestID {
			cp := *resp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *memStore) ResponseComplete(_ context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fr, ok := m.requests[requestID]
	if !ok {
		return false, apperrors.NotFound("feedback_request", requestID)
	}

	pending := 0
	for _, it := range m.items {
		if it.FeedbackRequestID == nil || *it.FeedbackRequestID != requestID ||
			it.DecisionState != repository.DecisionFeedbackPending {
			continue
		}
		pending++
		for _, userID := range fr.TargetUserIDs {
			resp, ok := m.responses[requestID+"|"+it.ItemID+"|"+userID]
			if !ok || resp.Recommendation == repository.DecisionPending {
				return false, nil
			}
		}
	}
	return pending > 0, nil
}

func (m *memStore) CountsForUser(_ context.Context, wpID, userID string) (*repository.FeedbackUserCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &repository.FeedbackUserCounts{}
	for _, it := range m.items {
		if it.WorkPackageID != wpID || it.DecisionState != repository.DecisionFeedbackPending || it.FeedbackRequestID == nil {
			continue
		}
		fr, ok := m.requests[*it.FeedbackRequestID]
		if !ok || fr.Resolved || !containsStr(fr.TargetUserIDs, userID) {
			continue
		}
		key := fr.ID + "|" + it.ItemID + "|" + userID
		resp, ok := m.responses[key]
		switch {
		case !ok || resp.Recommendation == repository.DecisionPending:
			c.Pending++
		case resp.Recommendation == repository.DecisionApproved:
			c.Approved++
		case resp.Recommendation == repository.DecisionRejected:
			c.Rejected++
		}
	}
	return c, nil
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ── AuditStore ───────────────────────────────────────────────────────────────

func (m *memStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = m.nextID("audit")
	entry.PerformedAt = time.Now()
	m.auditLog = append(m.auditLog, entry)
	return nil
}

func (m *memStore) ListAuditByWorkPackage(ctx context.Context, wpID string, limit int) ([]*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.AuditEntry
	for i := len(m.auditLog) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.auditLog[i].WorkPackageID == wpID {
			out = append(out, m.auditLog[i])
		}
	}
	return out, nil
}

func (m *memStore) actions(wpID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, e := range m.auditLog {
		if e.WorkPackageID == wpID {
			out = append(out, e.Action)
		}
	}
	return out
}

// ── interface adapters ───────────────────────────────────────────────────────
//
// The store interfaces reuse method names with different signatures, so the
// shared core is wrapped per interface.

type memApprovers struct{ *memStore }

func (m memApprovers) GetByID(_ context.Context, id string) (*repository.Approver, error) {
	return m.getApprover(id)
}

type memItems struct{ *memStore }

func (m memItems) ListByWorkPackage(ctx context.Context, wpID string) ([]*repository.WorkPackageItem, error) {
	return m.ListItemsByWorkPackage(ctx, wpID)
}

type memFeedback struct{ *memStore }

func (m memFeedback) Create(ctx context.Context, req *repository.FeedbackRequest) error {
	return m.CreateFeedback(ctx, req)
}

func (m memFeedback) GetByID(ctx context.Context, id string) (*repository.FeedbackRequest, error) {
	return m.GetFeedbackByID(ctx, id)
}

func (m memFeedback) ListByWorkPackage(ctx context.Context, wpID string) ([]*repository.FeedbackRequest, error) {
	return m.ListFeedbackByWorkPackage(ctx, wpID)
}

type memAudit struct{ *memStore }

func (m memAudit) ListByWorkPackage(ctx context.Context, wpID string, limit int) ([]*repository.AuditEntry, error) {
	return m.ListAuditByWorkPackage(ctx, wpID, limit)
}

// ── client fakes ─────────────────────────────────────────────────────────────

type memEvent struct {
	EventType  string
	WPID       string
	Actor      string
	Recipients []string
}

type memNotifier struct {
	mu     sync.Mutex
	events []memEvent
}

func (n *memNotifier) Publish(eventType, workPackageID, actorID string, recipients []string, _ map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, memEvent{eventType, workPackageID, actorID, recipients})
}

func (n *memNotifier) byType(eventType string) []memEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []memEvent
	for _, e := range n.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memIdentity struct {
	known map[string]bool
}

func (c *memIdentity) MissingUsers(_ context.Context, userIDs []string) ([]string, error) {
	var missing []string
	for _, id := range userIDs {
		if !c.known[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

type memItemIndex struct {
	sources map[string][]string
}

func (c *memItemIndex) SnapshotItems(_ context.Context, sourceID string) ([]string, error) {
	return c.sources[sourceID], nil
}
