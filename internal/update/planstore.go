package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrPlanCorrupted is returned when the stored plan cannot be parsed
var ErrPlanCorrupted = errors.New("plan file is corrupted")

// PlanFile is the name of the stored plan inside the state directory
const PlanFile = "plan.json"

// ItemStatus is the state of one stored planned update
type ItemStatus string

// Item status constants
const (
	// StatusPending means the update has been planned but not applied
	StatusPending ItemStatus = "pending"
	// StatusApplied means the update was written to the workspace
	StatusApplied ItemStatus = "applied"
	// StatusSkipped means execution skipped the update
	StatusSkipped ItemStatus = "skipped"
	// StatusFailed means applying or saving the update failed
	StatusFailed ItemStatus = "failed"
)

// StoredUpdate is a planned update with its execution state
type StoredUpdate struct {
	PlannedUpdate
	Status ItemStatus `json:"status"`
	// Error holds the failure or skip reason
	Error string `json:"error,omitempty"`
}

// StoredPlan is the on-disk form of a plan
type StoredPlan struct {
	ID            string            `json:"id"`
	WorkspaceRoot string            `json:"workspaceRoot"`
	CreatedAt     time.Time         `json:"createdAt"`
	AppliedAt     *time.Time        `json:"appliedAt,omitempty"`
	Plan          UpdatePlan        `json:"plan"`
	Items         []StoredUpdate    `json:"items"`
	Conflicts     []VersionConflict `json:"conflicts"`
}

// Pending returns the plan restricted to updates still pending
func (s *StoredPlan) Pending() UpdatePlan {
	plan := s.Plan
	plan.Updates = make([]PlannedUpdate, 0, len(s.Items))
	for _, item := range s.Items {
		if item.Status == StatusPending {
			plan.Updates = append(plan.Updates, item.PlannedUpdate)
		}
	}
	plan.TotalUpdates = len(plan.Updates)
	return plan
}

// Counts returns the number of items per status
func (s *StoredPlan) Counts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for _, item := range s.Items {
		counts[item.Status]++
	}
	return counts
}

// PlanStore persists the last reviewed plan
type PlanStore struct {
	path    string
	mu      sync.Mutex
	nowFunc func() time.Time
}

// PlanStoreOption is a functional option for configuring PlanStore
type PlanStoreOption func(*PlanStore)

// WithPlanNowFunc sets a custom time function for testing
func WithPlanNowFunc(fn func() time.Time) PlanStoreOption {
	return func(s *PlanStore) {
		s.nowFunc = fn
	}
}

// NewPlanStore creates a store under dir, creating dir if needed
func NewPlanStore(dir string, opts ...PlanStoreOption) (*PlanStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &PlanStore{
		path:    filepath.Join(dir, PlanFile),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the plan file path
func (s *PlanStore) Path() string {
	return s.path
}

// Save stores plan for the workspace at root, replacing any previous plan.
// Every update starts pending.
func (s *PlanStore) Save(plan *UpdatePlan, root string) (*StoredPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := &StoredPlan{
		ID:            plan.ID,
		WorkspaceRoot: root,
		CreatedAt:     s.nowFunc(),
		Plan:          *plan,
		Items:         make([]StoredUpdate, len(plan.Updates)),
		Conflicts:     plan.Conflicts,
	}
	for i, u := range plan.Updates {
		stored.Items[i] = StoredUpdate{PlannedUpdate: u, Status: StatusPending}
	}
	return stored, s.write(stored)
}

// Load returns the stored plan, ErrNoPlan when there is none
func (s *PlanStore) Load() (*StoredPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *PlanStore) read() (*StoredPlan, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPlan
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var stored StoredPlan
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanCorrupted, err)
	}
	return &stored, nil
}

// Record marks stored items with the outcome of an execution. Dry runs
// are not recorded.
func (s *PlanStore) Record(result *UpdateResult) (*StoredPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.read()
	if err != nil {
		return nil, err
	}
	if result.DryRun {
		return stored, nil
	}

	index := make(map[string]int, len(stored.Items))
	for i, item := range stored.Items {
		index[itemKey(item.CatalogName, item.PackageName)] = i
	}
	set := func(catalog, pkg string, status ItemStatus, msg string) {
		if i, ok := index[itemKey(catalog, pkg)]; ok {
			stored.Items[i].Status = status
			stored.Items[i].Error = msg
		}
	}

	var fatal string
	for _, e := range result.Errors {
		if e.Fatal {
			fatal = e.Message
			continue
		}
		set(e.CatalogName, e.PackageName, StatusFailed, e.Message)
	}
	for _, sk := range result.Skipped {
		set(sk.CatalogName, sk.PackageName, StatusSkipped, sk.Reason)
	}
	for _, u := range result.Updated {
		if fatal != "" {
			set(u.CatalogName, u.PackageName, StatusFailed, fatal)
		} else {
			set(u.CatalogName, u.PackageName, StatusApplied, "")
		}
	}

	if fatal == "" {
		now := s.nowFunc()
		stored.AppliedAt = &now
	}
	return stored, s.write(stored)
}

// Clear removes the stored plan
func (s *PlanStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plan: %w", err)
	}
	return nil
}

// write persists stored without locking. Caller must hold mu.
func (s *PlanStore) write(stored *StoredPlan) error {
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename plan file: %w", err)
	}
	return nil
}

func itemKey(catalog, pkg string) string {
	return catalog + "\x00" + pkg
}
