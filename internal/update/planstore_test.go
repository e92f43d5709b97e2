package update

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlanStore(t *testing.T) *PlanStore {
	t.Helper()
	s, err := NewPlanStore(filepath.Join(t.TempDir(), "state"), WithPlanNowFunc(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s
}

func samplePlan() *UpdatePlan {
	return &UpdatePlan{
		ID:        "plan-1",
		Timestamp: fixedNow,
		Updates: []PlannedUpdate{
			{CatalogName: "default", PackageName: "lodash", CurrentVersion: "4.17.20", NewVersion: "4.17.21"},
			{CatalogName: "default", PackageName: "react", CurrentVersion: "18.2.0", NewVersion: "18.3.1"},
			{CatalogName: "react17", PackageName: "react", CurrentVersion: "17.0.1", NewVersion: "17.0.2"},
		},
		Conflicts:    []VersionConflict{},
		TotalUpdates: 3,
	}
}

func TestPlanStoreSaveLoad(t *testing.T) {
	s := newTestPlanStore(t)

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoPlan)

	_, err = s.Save(samplePlan(), "/ws")
	require.NoError(t, err)

	stored, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "plan-1", stored.ID)
	assert.Equal(t, "/ws", stored.WorkspaceRoot)
	assert.True(t, fixedNow.Equal(stored.CreatedAt))
	assert.Nil(t, stored.AppliedAt)
	require.Len(t, stored.Items, 3)
	for _, item := range stored.Items {
		assert.Equal(t, StatusPending, item.Status)
	}
	assert.Equal(t, 3, stored.Pending().TotalUpdates)

	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestPlanStoreCorrupted(t *testing.T) {
	s := newTestPlanStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0644))

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrPlanCorrupted)
}

func TestPlanStoreRecord(t *testing.T) {
	s := newTestPlanStore(t)
	_, err := s.Save(samplePlan(), "/ws")
	require.NoError(t, err)

	stored, err := s.Record(&UpdateResult{
		Updated: []UpdatedDependency{{CatalogName: "default", PackageName: "lodash"}},
		Skipped: []SkippedDependency{{CatalogName: "default", PackageName: "react", Reason: reasonConflictSkip}},
		Errors:  []UpdateError{{CatalogName: "react17", PackageName: "react", Message: "boom"}},
	})
	require.NoError(t, err)

	assert.Equal(t, map[ItemStatus]int{StatusApplied: 1, StatusSkipped: 1, StatusFailed: 1}, stored.Counts())
	assert.Equal(t, reasonConflictSkip, stored.Items[1].Error)
	assert.Equal(t, "boom", stored.Items[2].Error)
	require.NotNil(t, stored.AppliedAt)

	reloaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, stored.Counts(), reloaded.Counts())
	assert.Empty(t, reloaded.Pending().Updates)
}

func TestPlanStoreRecordFatal(t *testing.T) {
	s := newTestPlanStore(t)
	_, err := s.Save(samplePlan(), "/ws")
	require.NoError(t, err)

	stored, err := s.Record(&UpdateResult{
		Updated: []UpdatedDependency{{CatalogName: "default", PackageName: "lodash"}},
		Errors:  []UpdateError{{Message: "disk full", Fatal: true}},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, stored.Items[0].Status)
	assert.Equal(t, "disk full", stored.Items[0].Error)
	assert.Equal(t, StatusPending, stored.Items[1].Status)
	assert.Nil(t, stored.AppliedAt)
}

func TestPlanStoreRecordIgnoresDryRun(t *testing.T) {
	s := newTestPlanStore(t)
	_, err := s.Save(samplePlan(), "/ws")
	require.NoError(t, err)

	stored, err := s.Record(&UpdateResult{
		DryRun:  true,
		Updated: []UpdatedDependency{{CatalogName: "default", PackageName: "lodash"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[ItemStatus]int{StatusPending: 3}, stored.Counts())
}

func TestPlanStoreClear(t *testing.T) {
	s := newTestPlanStore(t)
	require.NoError(t, s.Clear())

	_, err := s.Save(samplePlan(), "/ws")
	require.NoError(t, err)
	require.NoError(t, s.Clear())

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNoPlan)
}

// TestPlanStoreKeepsEveryUpdate checks that a saved plan comes back with
// one pending item per planned update, in plan order
func TestPlanStoreKeepsEveryUpdate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("saved plans reload with all updates pending", prop.ForAll(
		func(names []string) bool {
			s, err := NewPlanStore(t.TempDir())
			if err != nil {
				return false
			}
			plan := &UpdatePlan{ID: "p"}
			for _, n := range names {
				plan.Updates = append(plan.Updates, PlannedUpdate{CatalogName: "default", PackageName: n, NewVersion: "1.0.0"})
			}
			if _, err := s.Save(plan, "/ws"); err != nil {
				return false
			}
			stored, err := s.Load()
			if err != nil || len(stored.Items) != len(names) {
				return false
			}
			for i, item := range stored.Items {
				if item.PackageName != names[i] || item.Status != StatusPending {
					return false
				}
			}
			return stored.Pending().TotalUpdates == len(names)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
