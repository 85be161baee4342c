package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OverlapResult is the outcome of Registry.CheckOverlap.
type OverlapResult struct {
	Kind            string // none | dual_assignment | already_implemented | similar_in_progress
	OtherAgent      string
	OtherID         string
}

// liveIndexEntry is the duplicate-detection index key.
type liveIndexEntry struct {
	name string
	hash string
}

// Registry is the single in-memory store of WorkItems, guarded by one
// coarse reader/writer lock: reads take a shared lock, mutations take the
// full lock.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*WorkItem

	// dependencies is the adjacency map consulted by the cycle check and by
	// Unmet. There is no status or kind index: ByStatus, ByKind and
	// PendingOfKind scan items on every call.
	dependencies map[string]map[string]struct{} // id -> set of dependency ids

	insertCounter metric.Int64Counter
	conflictCounter metric.Int64Counter
}

// NewRegistry constructs an empty Registry.
func NewRegistry(meter metric.Meter) *Registry {
	insertCounter, _ := meter.Int64Counter("taskmaster_registry_inserts_total")
	conflictCounter, _ := meter.Int64Counter("taskmaster_registry_conflicts_total")
	return &Registry{
		items:          make(map[string]*WorkItem),
		dependencies:   make(map[string]map[string]struct{}),
		insertCounter:  insertCounter,
		conflictCounter: conflictCounter,
	}
}

// Insert adds a WorkItem, rejecting duplicates: another live item with an
// identical (name, description-hash) pair and status in {pending,
// in_progress} is treated as a conflict.
func (r *Registry) Insert(ctx context.Context, item *WorkItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := descriptionHash(item.Description)
	for _, existing := range r.items {
		if existing.Name == item.Name && descriptionHash(existing.Description) == hash {
			if existing.Status == StatusPending || existing.Status == StatusInProgress {
				return newErr(ErrDuplicate, "Insert", fmt.Errorf("equivalent live item %s already exists", existing.ID))
			}
		}
	}

	r.items[item.ID] = item
	r.insertCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(item.Kind))))
	return nil
}

// Get returns a deep copy of the WorkItem identified by id.
func (r *Registry) Get(id string) (WorkItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, err := r.get(id)
	if err != nil {
		return WorkItem{}, err
	}
	return *item, nil
}

func (r *Registry) get(id string) (*WorkItem, error) {
	item, ok := r.items[id]
	if !ok {
		return nil, newErr(ErrNotFound, "get", fmt.Errorf("work item %s not found", id))
	}
	return item, nil
}

// UpdateStatus transitions a WorkItem's status, enforcing its state-machine
// invariants: completed requires progress >= 1.0, pending requires no
// assigned agent.
func (r *Registry) UpdateStatus(id string, newStatus Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.get(id)
	if err != nil {
		return err
	}

	if newStatus == StatusCompleted && item.Progress < 1.0 {
		return newErr(ErrValidation, "UpdateStatus", fmt.Errorf("cannot complete %s with progress %.3f < 1.0", id, item.Progress))
	}
	if newStatus == StatusPending {
		item.AssignedAgent = ""
		item.AssignedAt = nil
	}

	item.Status = newStatus
	item.LastUpdated = time.Now()
	return nil
}

// Assign binds an agent to a WorkItem (invariant 1: at most one agent at a
// time). Assign does no ownership check of its own and replaces any current
// holder; callers run CheckOverlap (and ResolveOverlap on a conflict) first.
func (r *Registry) Assign(id, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.get(id)
	if err != nil {
		return err
	}

	now := time.Now()
	item.AssignedAgent = agentID
	item.AssignedAt = &now
	item.WorkType = workType(item.Complexity)
	item.LastUpdated = now
	return nil
}

// Release clears assignment, returning the item to pending (used by
// conflict resolution and transient-failure requeue).
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.get(id)
	if err != nil {
		return err
	}
	item.AssignedAgent = ""
	item.AssignedAt = nil
	if item.Status == StatusInProgress {
		item.Status = StatusPending
	}
	item.LastUpdated = time.Now()
	return nil
}

// MarkRetrying transitions a WorkItem into the transient retrying state,
// bumping retry_count (invariant: non-decreasing) and clearing its
// assignment so the next Dispatcher scan can re-admit it once nextAttempt
// has passed.
func (r *Registry) MarkRetrying(id string, nextAttempt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.get(id)
	if err != nil {
		return 0, err
	}

	item.RetryCount++
	item.Status = StatusRetrying
	item.AssignedAgent = ""
	item.AssignedAt = nil
	item.NextAttemptAt = &nextAttempt
	item.LastUpdated = time.Now()
	return item.RetryCount, nil
}

// UpdateProgress sets the overall progress of a WorkItem directly (used for
// WorkItems without subtasks; see invariant 2 for the subtask case).
func (r *Registry) UpdateProgress(id string, p float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.get(id)
	if err != nil {
		return err
	}
	if p < 0 || p > 1 {
		return newErr(ErrValidation, "UpdateProgress", fmt.Errorf("progress %.3f out of [0,1]", p))
	}
	item.Progress = p
	item.LastUpdated = time.Now()
	return nil
}

// UpdateSubtaskProgress records a named subtask's progress and recomputes
// the parent's overall progress as the mean (invariant 2:
// sum(subtask_progress)/|subtasks| == progress).
func (r *Registry) UpdateSubtaskProgress(id, subtaskName string, p float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.get(id)
	if err != nil {
		return err
	}
	if p < 0 || p > 1 {
		return newErr(ErrValidation, "UpdateSubtaskProgress", fmt.Errorf("progress %.3f out of [0,1]", p))
	}
	if item.SubtaskProgress == nil {
		item.SubtaskProgress = make(map[string]float64)
	}
	item.SubtaskProgress[subtaskName] = p

	if len(item.Subtasks) > 0 {
		var sum float64
		for _, st := range item.Subtasks {
			sum += item.SubtaskProgress[st.TaskID]
		}
		item.Progress = sum / float64(len(item.Subtasks))
	}
	item.LastUpdated = time.Now()
	return nil
}

// SetSubtasks stores the Breakdown Engine's output on the parent item.
func (r *Registry) SetSubtasks(id string, subtasks []MicroTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.get(id)
	if err != nil {
		return err
	}
	item.Subtasks = subtasks
	if item.SubtaskProgress == nil {
		item.SubtaskProgress = make(map[string]float64)
	}
	for _, st := range subtasks {
		if _, ok := item.SubtaskProgress[st.TaskID]; !ok {
			item.SubtaskProgress[st.TaskID] = 0
		}
	}
	item.LastUpdated = time.Now()
	return nil
}

// ByStatus returns deep copies of all items with the given status.
func (r *Registry) ByStatus(status Status) []WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []WorkItem
	for _, item := range r.items {
		if item.Status == status {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ByKind returns deep copies of all items of the given kind.
func (r *Registry) ByKind(kind WorkKind) []WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []WorkItem
	for _, item := range r.items {
		if item.Kind == kind {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingOfKind returns up to limit pending, unassigned items of kind,
// ordered by (priority score desc, created_at asc) — the Dispatcher's
// batch-load selection rule.
func (r *Registry) PendingOfKind(kind WorkKind, limit int) []WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*WorkItem
	for _, item := range r.items {
		if item.Kind == kind && item.Status == StatusPending {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := scoreOf(candidates[i]), scoreOf(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]WorkItem, len(candidates))
	for i, c := range candidates {
		out[i] = *c
	}
	return out
}

func scoreOf(item *WorkItem) int {
	if item.PriorityBreakdown != nil {
		return item.PriorityBreakdown.Score
	}
	return 0
}

// AddDependency records that id depends on depID, maintaining an adjacency
// map checked for cycles on admission.
func (r *Registry) AddDependency(id, depID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.get(id); err != nil {
		return err
	}
	if _, err := r.get(depID); err != nil {
		return err
	}
	if id == depID {
		return newErr(ErrValidation, "AddDependency", fmt.Errorf("item cannot depend on itself"))
	}
	if r.wouldCycle(id, depID) {
		return newErr(ErrValidation, "AddDependency", fmt.Errorf("adding dependency %s -> %s would create a cycle", id, depID))
	}

	if r.dependencies[id] == nil {
		r.dependencies[id] = make(map[string]struct{})
	}
	r.dependencies[id][depID] = struct{}{}

	item := r.items[id]
	item.Dependencies = append(item.Dependencies, depID)
	return nil
}

// wouldCycle checks whether depID already (transitively) depends on id.
func (r *Registry) wouldCycle(id, depID string) bool {
	visited := make(map[string]struct{})
	var dfs func(string) bool
	dfs = func(cur string) bool {
		if cur == id {
			return true
		}
		if _, seen := visited[cur]; seen {
			return false
		}
		visited[cur] = struct{}{}
		for dep := range r.dependencies[cur] {
			if dfs(dep) {
				return true
			}
		}
		return false
	}
	return dfs(depID)
}

// Unmet returns the set of dependency ids of id that are not yet completed.
func (r *Registry) Unmet(id string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]struct{})
	for dep := range r.dependencies[id] {
		if item, ok := r.items[dep]; ok && item.Status != StatusCompleted {
			out[dep] = struct{}{}
		}
	}
	return out
}

// Snapshot returns a deep-copy export for the Metrics component; internal
// pointers are never exposed.
func (r *Registry) Snapshot() []WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkItem, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, *item)
	}
	return out
}

// CheckOverlap detects conflicting assignment for id by a candidate agent.
func (r *Registry) CheckOverlap(id, agentID string) OverlapResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return OverlapResult{Kind: "none"}
	}

	if item.Status == StatusCompleted && item.AssignedAgent != "" && item.AssignedAgent != agentID {
		return OverlapResult{Kind: "already_implemented", OtherAgent: item.AssignedAgent, OtherID: item.ID}
	}

	if item.AssignedAgent != "" && item.AssignedAgent != agentID {
		return OverlapResult{Kind: "dual_assignment", OtherAgent: item.AssignedAgent, OtherID: item.ID}
	}

	for _, other := range r.items {
		if other.ID == id || other.Status != StatusInProgress || other.AssignedAgent == "" || other.AssignedAgent == agentID {
			continue
		}
		if sharesCapabilityAndKeywords(item, other, defaultSimilarityThreshold) {
			return OverlapResult{Kind: "similar_in_progress", OtherAgent: other.AssignedAgent, OtherID: other.ID}
		}
	}

	return OverlapResult{Kind: "none"}
}

const defaultSimilarityThreshold = 2

func sharesCapabilityAndKeywords(a, b *WorkItem, keywordThreshold int) bool {
	if !hasSharedCapability(a.RequiredCapabilities, b.RequiredCapabilities) {
		return false
	}
	return sharedKeywordCount(a.Description, b.Description) >= keywordThreshold
}

func hasSharedCapability(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

func sharedKeywordCount(a, b string) int {
	wordsA := keywordSet(a)
	wordsB := keywordSet(b)
	count := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			count++
		}
	}
	return count
}

func keywordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 3 { // filter stopword-length noise the way a simple keyword extractor would
			out[w] = struct{}{}
		}
	}
	return out
}

// ResolveOverlap applies a deterministic resolution policy: the processor
// actually holding active MicroTasks for the item wins; on a genuine tie
// (both hold active MicroTasks, or neither does and both merely marked it)
// the earliest AssignedAt wins, then the lexicographically smaller agent
// id. Only the agent recorded as AssignedAgent has an AssignedAt, so that
// agent counts as the earlier assignee; when neither agent is recorded,
// the smaller agent id wins.
func (r *Registry) ResolveOverlap(ctx context.Context, id, agentA string, agentAHoldsActive bool, agentB string, agentBHoldsActive bool) (winner, loser string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, e := r.get(id)
	if e != nil {
		return "", "", e
	}

	switch {
	case agentAHoldsActive && !agentBHoldsActive:
		winner, loser = agentA, agentB
	case agentBHoldsActive && !agentAHoldsActive:
		winner, loser = agentB, agentA
	default:
		// Both or neither hold active MicroTasks: tie-break on AssignedAt
		// then lexicographic agent id.
		winner, loser = agentA, agentB
		if item.AssignedAgent == agentB {
			winner, loser = agentB, agentA
		} else if item.AssignedAgent != agentA && agentB < agentA {
			winner, loser = agentB, agentA
		}
	}

	item.AssignedAgent = winner
	item.LastUpdated = time.Now()
	r.conflictCounter.Add(ctx, 1)
	return winner, loser, nil
}
