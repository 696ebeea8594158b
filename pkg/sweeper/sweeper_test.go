package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/settings"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/store/storetest"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(t *testing.T) (*Sweeper, *gorm.DB) {
	t.Helper()
	db := storetest.Open(t)
	s := New(db, settings.New(db), zerolog.Nop())
	s.Now = func() time.Time { return now }
	return s, db
}

func agentStatus(t *testing.T, db *gorm.DB, id string) string {
	t.Helper()
	var a store.Agent
	require.NoError(t, db.First(&a, "uuid = ?", id).Error)
	return a.Status
}

func TestMarkStaleOffline(t *testing.T) {
	s, db := newSweeper(t)
	ctx := context.Background()

	agents := []store.Agent{
		{UUID: "stale", Hostname: "a", Status: store.AgentOnline, LastSeen: store.Ptr(now.Add(-10 * time.Minute))},
		{UUID: "fresh", Hostname: "b", Status: store.AgentOnline, LastSeen: store.Ptr(now.Add(-time.Minute))},
		{UUID: "never", Hostname: "c", Status: store.AgentOnline},
		{UUID: "gone", Hostname: "d", Status: store.AgentOffline, LastSeen: store.Ptr(now.Add(-time.Hour))},
	}
	require.NoError(t, db.Create(&agents).Error)

	n, err := s.SweepOffline(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, store.AgentOffline, agentStatus(t, db, "stale"))
	require.Equal(t, store.AgentOnline, agentStatus(t, db, "fresh"))
	require.Equal(t, store.AgentOnline, agentStatus(t, db, "never"))

	n, err = s.MarkStaleOffline(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPruneHistory(t *testing.T) {
	s, db := newSweeper(t)
	ctx := context.Background()
	old := now.AddDate(0, 0, -31)
	recent := now.AddDate(0, 0, -1)

	require.NoError(t, db.Create(&[]store.TaskHistory{
		{Action: store.ActionInstall, Status: store.TaskSuccess, CreatedAt: old},
		{Action: store.ActionInstall, Status: store.TaskSuccess, CreatedAt: recent},
	}).Error)
	require.NoError(t, db.Create(&[]store.SoftwareChangeHistory{
		{AgentUUID: "a", SoftwareName: "A", ChangeType: store.ChangeInstalled, DetectedAt: old},
		{AgentUUID: "a", SoftwareName: "B", ChangeType: store.ChangeInstalled, DetectedAt: recent},
	}).Error)
	require.NoError(t, db.Create(&store.AgentSystemProfileHistory{AgentUUID: "a", DetectedAt: old, ProfileHash: "x"}).Error)
	require.NoError(t, db.Create(&store.AgentIdentityHistory{AgentUUID: "a", DetectedAt: recent}).Error)

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, PruneResult{TaskHistory: 1, ChangeHistory: 1, ProfileHistory: 1}, res.Pruned)

	var remaining int64
	require.NoError(t, db.Model(&store.TaskHistory{}).Count(&remaining).Error)
	require.EqualValues(t, 1, remaining)

	_, err = s.PruneHistory(ctx, 0)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRunnerStopsOnCancel(t *testing.T) {
	s, db := newSweeper(t)
	require.NoError(t, db.Create(&store.Agent{UUID: "stale", Hostname: "a", Status: store.AgentOnline, LastSeen: store.Ptr(now.Add(-time.Hour))}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(s, 10*time.Millisecond, time.Hour)
	r.Start(ctx)

	require.Eventually(t, func() bool {
		var a store.Agent
		return db.First(&a, "uuid = ?", "stale").Error == nil && a.Status == store.AgentOffline
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	r.Wait()
}
