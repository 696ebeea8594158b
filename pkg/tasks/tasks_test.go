package tasks

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/store/storetest"
)

type fixture struct {
	t   *testing.T
	db  *gorm.DB
	r   *Resolver
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	r := NewResolver(db, zerolog.Nop())
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return now }
	return &fixture{t: t, db: db, r: r, now: now}
}

func (f *fixture) agent(groupID *uint) string {
	f.t.Helper()
	a := store.Agent{UUID: uuid.NewString(), Hostname: "pc", Status: store.AgentOnline, SecretKey: "sk_x", GroupID: groupID}
	require.NoError(f.t, f.db.Create(&a).Error)
	return a.UUID
}

func (f *fixture) app(name string, active bool) store.Application {
	f.t.Helper()
	a := store.Application{
		DisplayName: name, Filename: name + ".msi", Version: "1.0", FileHash: "abc",
		FileSizeBytes: 2048, FileType: "msi", IsActive: active, IsVisibleInStore: true,
	}
	require.NoError(f.t, f.db.Create(&a).Error)
	return a
}

func (f *fixture) deployment(appID uint, targetType string, targetID *string, priority int, force bool) store.Deployment {
	f.t.Helper()
	d := store.Deployment{AppID: appID, TargetType: targetType, TargetID: targetID, Priority: priority, ForceUpdate: force, IsActive: true}
	require.NoError(f.t, f.db.Create(&d).Error)
	_, err := Seed(f.db, &d)
	require.NoError(f.t, err)
	return d
}

func (f *fixture) dispatch(agentUUID string) []protocol.Command {
	f.t.Helper()
	var cmds []protocol.Command
	require.NoError(f.t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		cmds, err = PendingCommands(tx, agentUUID, f.now)
		return err
	}))
	return cmds
}

func (f *fixture) row(agentUUID string, appID uint) store.AgentApplication {
	f.t.Helper()
	var row store.AgentApplication
	require.NoError(f.t, f.db.Where("agent_uuid = ? AND app_id = ?", agentUUID, appID).First(&row).Error)
	return row
}

func TestResolveTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gid := uint(7)
	a := f.agent(&gid)
	f.agent(nil)

	all, err := f.r.ResolveTargets(ctx, store.TargetAll, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	group, err := f.r.ResolveTargets(ctx, store.TargetGroup, store.Ptr("7"))
	require.NoError(t, err)
	require.Len(t, group, 1)
	require.Equal(t, a, group[0].UUID)

	one, err := f.r.ResolveTargets(ctx, store.TargetAgent, &a)
	require.NoError(t, err)
	require.Len(t, one, 1)

	none, err := f.r.ResolveTargets(ctx, store.TargetAgent, store.Ptr(uuid.NewString()))
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = f.r.ResolveTargets(ctx, store.TargetGroup, store.Ptr("seven"))
	require.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.r.ResolveTargets(ctx, store.TargetGroup, nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.r.ResolveTargets(ctx, "Everyone", nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSeedUpsertsAndForceUpdateResets(t *testing.T) {
	f := newFixture(t)
	a := f.agent(nil)
	b := f.agent(nil)
	app := f.app("7zip", true)

	require.NoError(t, f.db.Create(&store.AgentApplication{
		AgentUUID: a, AppID: app.ID, Status: store.AppInstalled, InstalledVersion: store.Ptr("0.9"),
	}).Error)

	d1 := f.deployment(app.ID, store.TargetAll, nil, 0, false)
	rowA := f.row(a, app.ID)
	require.Equal(t, store.AppInstalled, rowA.Status, "existing row keeps its status")
	require.Equal(t, d1.ID, *rowA.DeploymentID)
	require.Equal(t, store.AppPending, f.row(b, app.ID).Status)

	var count int64
	require.NoError(t, f.db.Model(&store.AgentApplication{}).Count(&count).Error)
	require.EqualValues(t, 2, count)

	d2 := f.deployment(app.ID, store.TargetAgent, &a, 0, true)
	rowA = f.row(a, app.ID)
	require.Equal(t, store.AppPending, rowA.Status)
	require.Equal(t, d2.ID, *rowA.DeploymentID)

	require.NoError(t, f.db.Model(&store.AgentApplication{}).Count(&count).Error)
	require.EqualValues(t, 2, count, "seeding never duplicates (agent, app)")
}

func TestPendingCommandsDispatchesAtMostOnce(t *testing.T) {
	f := newFixture(t)
	a := f.agent(nil)
	app := f.app("Firefox", true)
	f.deployment(app.ID, store.TargetAgent, &a, 0, true)

	cmds := f.dispatch(a)
	require.Len(t, cmds, 1)
	cmd := cmds[0]
	require.Equal(t, store.ActionInstall, cmd.Action)
	require.Equal(t, app.ID, *cmd.AppID)
	require.Equal(t, "Firefox", *cmd.AppName)
	require.Equal(t, "/api/v1/agent/download/"+itoa(app.ID), *cmd.DownloadURL)
	require.Equal(t, int64(2048), *cmd.FileSizeBytes)
	require.True(t, cmd.ForceUpdate)
	require.Equal(t, 0, cmd.Priority)

	row := f.row(a, app.ID)
	require.Equal(t, store.AppDownloading, row.Status)
	require.NotNil(t, row.LastAttempt)

	var tasks []store.TaskHistory
	require.NoError(t, f.db.Find(&tasks).Error)
	require.Len(t, tasks, 1)
	require.Equal(t, cmd.TaskID, tasks[0].ID)
	require.Equal(t, store.TaskPending, tasks[0].Status)
	require.NotNil(t, tasks[0].StartedAt)

	require.Empty(t, f.dispatch(a))
	var n int64
	require.NoError(t, f.db.Model(&store.TaskHistory{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestPendingCommandsPriorityOrder(t *testing.T) {
	f := newFixture(t)
	a := f.agent(nil)
	low := f.app("Low", true)
	high := f.app("High", true)
	orphan := f.app("Orphan", true)
	inactive := f.app("Retired", false)

	require.NoError(t, f.db.Create(&store.AgentApplication{AgentUUID: a, AppID: orphan.ID, Status: store.AppPending}).Error)
	f.deployment(low.ID, store.TargetAgent, &a, 3, false)
	f.deployment(high.ID, store.TargetAgent, &a, 7, false)
	f.deployment(inactive.ID, store.TargetAgent, &a, 9, false)

	cmds := f.dispatch(a)
	require.Len(t, cmds, 3)
	require.Equal(t, high.ID, *cmds[0].AppID)
	require.Equal(t, 7, cmds[0].Priority)
	require.Equal(t, low.ID, *cmds[1].AppID)
	require.Equal(t, orphan.ID, *cmds[2].AppID)
	require.Equal(t, DefaultPriority, cmds[2].Priority)

	require.Equal(t, store.AppPending, f.row(a, inactive.ID).Status)
}

func TestReportStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(nil)
	app := f.app("VLC", true)
	f.deployment(app.ID, store.TargetAgent, &a, 0, false)
	cmds := f.dispatch(a)
	require.Len(t, cmds, 1)
	taskID := cmds[0].TaskID

	require.NoError(t, f.r.ReportStatus(ctx, a, taskID, protocol.TaskStatusRequest{Status: "installing"}))
	require.Equal(t, store.AppInstalling, f.row(a, app.ID).Status)

	require.NoError(t, f.r.ReportStatus(ctx, a, taskID, protocol.TaskStatusRequest{
		Status: "failed", Error: store.Ptr("exit 1603"), ExitCode: store.Ptr(1603),
	}))
	row := f.row(a, app.ID)
	require.Equal(t, store.AppFailed, row.Status)
	require.Equal(t, 1, row.RetryCount)
	require.Equal(t, "exit 1603", *row.ErrorMessage)

	require.NoError(t, f.r.ReportStatus(ctx, a, taskID, protocol.TaskStatusRequest{
		Status: "success", InstalledVersion: store.Ptr("3.0.20"), InstallDurationSec: store.Ptr(12),
	}))
	row = f.row(a, app.ID)
	require.Equal(t, store.AppInstalled, row.Status)
	require.Equal(t, "3.0.20", *row.InstalledVersion)

	var task store.TaskHistory
	require.NoError(t, f.db.First(&task, taskID).Error)
	require.Equal(t, store.TaskSuccess, task.Status)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, 12, *task.InstallDurationSec)

	items, total, err := f.r.History(ctx, a, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, items, 1)
}

func TestReportStatusRejectsForeignAndInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(nil)
	b := f.agent(nil)
	app := f.app("Zoom", true)
	f.deployment(app.ID, store.TargetAgent, &a, 0, false)
	taskID := f.dispatch(a)[0].TaskID

	err := f.r.ReportStatus(ctx, b, taskID, protocol.TaskStatusRequest{Status: "success"})
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	err = f.r.ReportStatus(ctx, a, 9999, protocol.TaskStatusRequest{Status: "success"})
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	err = f.r.ReportStatus(ctx, a, taskID, protocol.TaskStatusRequest{Status: "exploded"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	require.Equal(t, store.AppDownloading, f.row(a, app.ID).Status)
}

func TestSyncInstalledApps(t *testing.T) {
	f := newFixture(t)
	a := f.agent(nil)
	app := f.app("Notepad++", true)
	f.deployment(app.ID, store.TargetAgent, &a, 0, false)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return SyncInstalledApps(tx, a, []protocol.InstalledApp{
			{AppID: app.ID, Version: "8.6"},
			{AppID: 4242, Version: "1"},
		}, f.now)
	}))

	row := f.row(a, app.ID)
	require.Equal(t, store.AppInstalled, row.Status)
	require.Equal(t, "8.6", *row.InstalledVersion)
	require.NotNil(t, row.DeploymentID, "self-report keeps the deployment link")

	var n int64
	require.NoError(t, f.db.Model(&store.AgentApplication{}).Where("app_id = ?", 4242).Count(&n).Error)
	require.Zero(t, n)
	require.Empty(t, f.dispatch(a))
}

func TestReseedPicksUpLateGroupMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gid := uint(3)
	early := f.agent(&gid)
	app := f.app("Slack", true)
	dep := f.deployment(app.ID, store.TargetGroup, store.Ptr("3"), 1, false)

	late := f.agent(&gid)
	var n int64
	require.NoError(t, f.db.Model(&store.AgentApplication{}).Where("agent_uuid = ?", late).Count(&n).Error)
	require.Zero(t, n, "seeding is point-in-time")

	seeded, err := f.r.Reseed(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, 2, seeded)
	require.Equal(t, store.AppPending, f.row(late, app.ID).Status)
	require.Equal(t, store.AppPending, f.row(early, app.ID).Status)

	_, err = f.r.Reseed(ctx, 999)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, f.db.Model(&store.Deployment{}).Where("id = ?", dep.ID).Update("is_active", false).Error)
	_, err = f.r.Reseed(ctx, dep.ID)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
