package support

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"markethub/internal/metrics"
	"markethub/pkg/types"
)

// Option customizes a Queue.
type Option func(*Queue)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// FileResult reports the outcome of FileOrUpdate.
type FileResult struct {
	Request  types.SupportRequest
	Created  bool
	Reopened bool
	Evicted  []types.SupportRequest
}

// Queue is a capacity-bounded set of support requests keyed by room id.
// When full, resolved/closed requests are evicted before any active one,
// oldest createdAt first within each group.
type Queue struct {
	mu             sync.RWMutex
	requests       map[string]*types.SupportRequest
	maxRequests    int
	maxIssueLength int
	pressure       int64
	now            func() time.Time
	log            zerolog.Logger
}

// NewQueue creates a queue holding at most maxRequests requests.
func NewQueue(maxRequests, maxIssueLength int, log zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		requests:       make(map[string]*types.SupportRequest),
		maxRequests:    maxRequests,
		maxIssueLength: maxIssueLength,
		now:            time.Now,
		log:            log,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Validate checks issue text and priority without touching the queue.
func (q *Queue) Validate(issue string, priority types.Priority) error {
	if strings.TrimSpace(issue) == "" {
		return fmt.Errorf("%w: empty issue", types.ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(issue); n > q.maxIssueLength {
		return fmt.Errorf("%w: issue has %d characters, limit %d", types.ErrMessageTooLarge, n, q.maxIssueLength)
	}
	if priority != "" && !types.IsValidPriority(priority) {
		return fmt.Errorf("%w: priority %q", types.ErrInvalidArgument, priority)
	}
	return nil
}

// FileOrUpdate creates a request for roomID or updates the existing one.
// A resolved or closed request is reopened rather than duplicated.
func (q *Queue) FileOrUpdate(roomID string, requester types.User, issue string, priority types.Priority) (FileResult, error) {
	if err := q.Validate(issue, priority); err != nil {
		return FileResult{}, err
	}
	if roomID == "" {
		return FileResult{}, fmt.Errorf("%w: empty room id", types.ErrInvalidArgument)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if req, ok := q.requests[roomID]; ok {
		req.LastMessage = issue
		req.LastActivity = now
		if priority != "" && priority.Rank() > req.Priority.Rank() {
			req.Priority = priority
		}
		reopened := false
		if req.Status.IsTerminal() {
			req.Status = types.SupportReopened
			req.Assignee = nil
			reopened = true
		}
		return FileResult{Request: copyRequest(req), Reopened: reopened}, nil
	}

	if q.maxRequests <= 0 {
		return FileResult{}, fmt.Errorf("%w: support queue disabled", types.ErrCapacityExceeded)
	}

	var evicted []types.SupportRequest
	if len(q.requests) >= q.maxRequests {
		evicted = q.evictLocked(len(q.requests) - q.maxRequests + 1)
	}

	if priority == "" {
		priority = types.PriorityNormal
	}
	req := &types.SupportRequest{
		RoomID:       roomID,
		Requester:    requester,
		Issue:        issue,
		LastMessage:  issue,
		Priority:     priority,
		Status:       types.SupportPending,
		CreatedAt:    now,
		LastActivity: now,
	}
	q.requests[roomID] = req

	q.log.Info().
		Str("room", roomID).
		Str("requester", requester.ID).
		Str("priority", string(priority)).
		Int("evicted", len(evicted)).
		Msg("support request filed")

	return FileResult{Request: copyRequest(req), Created: true, Evicted: evicted}, nil
}

// Assign hands the request to an agent. Only admin and support roles may
// be assigned.
func (q *Queue) Assign(roomID string, agent types.User) (types.SupportRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[roomID]
	if !ok {
		return types.SupportRequest{}, fmt.Errorf("%w: support request %s", types.ErrNotFound, roomID)
	}
	if !agent.IsAgent() {
		return types.SupportRequest{}, fmt.Errorf("%w: role %s cannot handle support", types.ErrForbidden, agent.Role)
	}

	a := agent
	req.Assignee = &a
	req.Status = types.SupportAssigned
	req.LastActivity = q.now()
	return copyRequest(req), nil
}

// UpdateStatus moves a request to status.
func (q *Queue) UpdateStatus(roomID string, status types.SupportStatus) (types.SupportRequest, error) {
	if !types.IsValidSupportStatus(status) {
		return types.SupportRequest{}, fmt.Errorf("%w: status %q", types.ErrInvalidArgument, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[roomID]
	if !ok {
		return types.SupportRequest{}, fmt.Errorf("%w: support request %s", types.ErrNotFound, roomID)
	}
	if status == types.SupportAssigned && req.Assignee == nil {
		return types.SupportRequest{}, fmt.Errorf("%w: assign an agent instead", types.ErrInvalidArgument)
	}

	req.Status = status
	req.LastActivity = q.now()
	return copyRequest(req), nil
}

// Get returns the request filed for roomID.
func (q *Queue) Get(roomID string) (types.SupportRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	req, ok := q.requests[roomID]
	if !ok {
		return types.SupportRequest{}, false
	}
	return copyRequest(req), true
}

// List returns requests, optionally filtered by status, most urgent first
// and oldest first within a priority.
func (q *Queue) List(status types.SupportStatus) []types.SupportRequest {
	q.mu.RLock()
	out := make([]types.SupportRequest, 0, len(q.requests))
	for _, req := range q.requests {
		if status == "" || req.Status == status {
			out = append(out, copyRequest(req))
		}
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// CleanupResolved removes resolved/closed requests idle for longer than maxAge.
func (q *Queue) CleanupResolved(maxAge time.Duration) []types.SupportRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	var removed []types.SupportRequest
	for roomID, req := range q.requests {
		if req.Status.IsTerminal() && req.LastActivity.Before(cutoff) {
			removed = append(removed, copyRequest(req))
			delete(q.requests, roomID)
		}
	}
	return removed
}

// EnforceCapacity evicts requests beyond the maximum by the eviction policy.
func (q *Queue) EnforceCapacity() []types.SupportRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	excess := len(q.requests) - q.maxRequests
	if excess <= 0 {
		return nil
	}
	return q.evictLocked(excess)
}

// Len returns the number of requests held.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.requests)
}

// Capacity returns the configured maximum.
func (q *Queue) Capacity() int {
	return q.maxRequests
}

// PressureEvents returns how many evictions capacity pressure has caused.
func (q *Queue) PressureEvents() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pressure
}

// evictLocked removes n requests: resolved/closed first, then oldest createdAt.
func (q *Queue) evictLocked(n int) []types.SupportRequest {
	candidates := lo.Values(q.requests)
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].Status.IsTerminal(), candidates[j].Status.IsTerminal()
		if ti != tj {
			return ti
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].RoomID < candidates[j].RoomID
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	evicted := make([]types.SupportRequest, 0, n)
	for _, req := range candidates[:n] {
		delete(q.requests, req.RoomID)
		evicted = append(evicted, copyRequest(req))
		q.pressure++
		metrics.CapacityPressure.WithLabelValues("support", "evicted").Inc()
		q.log.Warn().
			Str("room", req.RoomID).
			Str("status", string(req.Status)).
			Msg("support request evicted under capacity pressure")
	}
	return evicted
}

func copyRequest(req *types.SupportRequest) types.SupportRequest {
	out := *req
	if req.Assignee != nil {
		a := *req.Assignee
		out.Assignee = &a
	}
	return out
}
