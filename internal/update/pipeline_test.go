package update

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/registry/registrytest"
	"github.com/obentoo/catalogkit/internal/workspace"
)

func TestCheckPlanExecute(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ws/pnpm-workspace.yaml", []byte("packages:\n  - apps/*\n\ncatalog:\n  lodash: ^4.17.20 # utils\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/ws/apps/web/package.json", []byte(`{"name": "web", "dependencies": {"lodash": "catalog:"}}`), 0644))

	repo := workspace.NewRepository("/ws", workspace.WithFs(fs), workspace.WithLogger(logger.Discard()))
	t.Cleanup(repo.Close)
	ctx := context.Background()

	ws, err := repo.Load(ctx)
	require.NoError(t, err)

	_, client := newRegistry(t, registrytest.Lodash())

	report, err := newTestChecker(ws, client).Check(ctx, CheckOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.OutdatedCount)
	info := report.Catalogs[0].Outdated[0]
	assert.Equal(t, semver.DiffPatch, info.UpdateType)
	assert.False(t, info.IsSecurityUpdate)
	assert.Equal(t, []string{"web"}, info.AffectedPackages)

	plan, err := newTestPlanner(client, nil).Plan(ctx, ws, report, "")
	require.NoError(t, err)
	require.Len(t, plan.Updates, 1)
	assert.Equal(t, "4.17.21", plan.Updates[0].NewVersion)
	assert.Equal(t, []string{"web"}, plan.Updates[0].AffectedPackages)

	result := NewExecutor(ws, repo, logger.Discard()).Execute(ctx, *plan, ExecuteOptions{CreateBackup: true})
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TotalUpdated)
	assert.NotEmpty(t, result.BackupPath)

	data, err := afero.ReadFile(fs, "/ws/pnpm-workspace.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "lodash: ^4.17.21 # utils")

	backup, err := afero.ReadFile(fs, result.BackupPath)
	require.NoError(t, err)
	assert.Contains(t, string(backup), "lodash: ^4.17.20")
}
