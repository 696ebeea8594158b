package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/profile"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/settings"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/store/storetest"
	"github.com/senhakan/appcenter-server/pkg/tasks"
	"github.com/senhakan/appcenter-server/pkg/telemetry"
)

type fixture struct {
	t   *testing.T
	db  *gorm.DB
	e   *Engine
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	f := &fixture{t: t, db: db, now: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)}
	f.e = NewEngine(db, settings.New(db), zerolog.Nop())
	f.e.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) agent() string {
	f.t.Helper()
	a := store.Agent{
		UUID: uuid.NewString(), Hostname: "pc-1", Status: store.AgentOffline, SecretKey: "sk_test",
		Version: store.Ptr("1.0.0"), DiskFreeGB: store.Ptr(50),
	}
	require.NoError(f.t, f.db.Create(&a).Error)
	return a.UUID
}

func (f *fixture) load(id string) store.Agent {
	f.t.Helper()
	var a store.Agent
	require.NoError(f.t, f.db.Where("uuid = ?", id).First(&a).Error)
	return a
}

func (f *fixture) deploy(agentUUID, name string, priority int) store.Application {
	f.t.Helper()
	app := store.Application{DisplayName: name, Filename: name + ".msi", Version: "1", FileHash: "h", FileType: "msi", IsActive: true}
	require.NoError(f.t, f.db.Create(&app).Error)
	dep := store.Deployment{AppID: app.ID, TargetType: store.TargetAgent, TargetID: &agentUUID, Priority: priority, IsActive: true}
	require.NoError(f.t, f.db.Create(&dep).Error)
	_, err := tasks.Seed(f.db, &dep)
	require.NoError(f.t, err)
	return app
}

func (f *fixture) beat(id string, req protocol.HeartbeatRequest) *Result {
	f.t.Helper()
	if req.Hostname == "" {
		req.Hostname = "pc-1"
	}
	res, err := f.e.Process(context.Background(), id, req)
	require.NoError(f.t, err)
	return res
}

func TestHeartbeatMarksOnlineAndReturnsConfig(t *testing.T) {
	f := newFixture(t)
	id := f.agent()

	res := f.beat(id, protocol.HeartbeatRequest{IPAddress: store.Ptr("10.0.0.5"), OSUser: store.Ptr("alice")})
	require.Equal(t, f.now, res.ServerTime)
	require.Equal(t, 1024, res.Config.BandwidthLimitKbps)
	require.Equal(t, "09:00", res.Config.WorkHourStart)
	require.Equal(t, "18:00", res.Config.WorkHourEnd)
	require.Equal(t, "1.0.0", res.Config.LatestAgentVersion)
	require.Nil(t, res.Config.AgentDownloadURL)
	require.Equal(t, 10, res.Config.InventoryScanIntervalMin)
	require.False(t, res.Config.InventorySyncRequired)
	require.Empty(t, res.Commands)
	require.Equal(t, "ok", res.Response().Status)

	a := f.load(id)
	require.Equal(t, store.AgentOnline, a.Status)
	require.True(t, a.LastSeen.Equal(f.now))
	require.Equal(t, "10.0.0.5", *a.IPAddress)
	require.Equal(t, "alice", *a.OSUser)
	require.Equal(t, "1.0.0", *a.Version, "absent version keeps prior value")
	require.Equal(t, 50, *a.DiskFreeGB)

	f.beat(id, protocol.HeartbeatRequest{AgentVersion: store.Ptr("1.1.0"), DiskFreeGB: store.Ptr(12)})
	a = f.load(id)
	require.Nil(t, a.IPAddress, "address is always overwritten")
	require.Nil(t, a.OSUser)
	require.Equal(t, "1.1.0", *a.Version)
	require.Equal(t, 12, *a.DiskFreeGB)
}

func TestHeartbeatDispatchesOnceInPriorityOrder(t *testing.T) {
	f := newFixture(t)
	id := f.agent()
	low := f.deploy(id, "Low", 3)
	high := f.deploy(id, "High", 7)

	res := f.beat(id, protocol.HeartbeatRequest{})
	require.Len(t, res.Commands, 2)
	require.Equal(t, high.ID, *res.Commands[0].AppID)
	require.Equal(t, low.ID, *res.Commands[1].AppID)

	res = f.beat(id, protocol.HeartbeatRequest{})
	require.Empty(t, res.Commands)

	var n int64
	require.NoError(t, f.db.Model(&store.TaskHistory{}).Count(&n).Error)
	require.EqualValues(t, 2, n)
}

func TestConcurrentHeartbeatsDispatchOnce(t *testing.T) {
	f := newFixture(t)
	id := f.agent()
	f.deploy(id, "Chrome", 1)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.e.Process(context.Background(), id, protocol.HeartbeatRequest{Hostname: "pc-1"})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += len(res.Commands)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, total)
	require.Zero(t, f.e.locks.size())
}

func TestHeartbeatInstalledAppsSelfReport(t *testing.T) {
	f := newFixture(t)
	id := f.agent()
	app := f.deploy(id, "7zip", 1)

	res := f.beat(id, protocol.HeartbeatRequest{
		AppsChanged:   true,
		InstalledApps: []protocol.InstalledApp{{AppID: app.ID, Version: "23.01"}},
	})
	require.Empty(t, res.Commands, "self-reported install is not dispatched")

	var row store.AgentApplication
	require.NoError(t, f.db.Where("agent_uuid = ? AND app_id = ?", id, app.ID).First(&row).Error)
	require.Equal(t, store.AppInstalled, row.Status)
	require.Equal(t, "23.01", *row.InstalledVersion)
}

func TestInventorySyncRequired(t *testing.T) {
	f := newFixture(t)
	id := f.agent()

	require.False(t, f.beat(id, protocol.HeartbeatRequest{}).InventorySyncRequired)
	require.True(t, f.beat(id, protocol.HeartbeatRequest{InventoryHash: store.Ptr("abc")}).InventorySyncRequired)

	require.NoError(t, f.db.Model(&store.Agent{}).Where("uuid = ?", id).Update("inventory_hash", "abc").Error)
	res := f.beat(id, protocol.HeartbeatRequest{InventoryHash: store.Ptr("abc")})
	require.False(t, res.InventorySyncRequired)
	require.False(t, res.Config.InventorySyncRequired)

	res = f.beat(id, protocol.HeartbeatRequest{InventoryHash: store.Ptr("def")})
	require.True(t, res.Config.InventorySyncRequired)
	require.Equal(t, "abc", *f.load(id).InventoryHash, "heartbeat never writes the inventory hash")
}

func TestSessionsReplacedOnlyWhenReported(t *testing.T) {
	f := newFixture(t)
	id := f.agent()

	f.beat(id, protocol.HeartbeatRequest{LoggedInSessions: []protocol.Session{{Username: "alice", SessionType: "local"}}})
	a := f.load(id)
	require.JSONEq(t, `[{"username":"alice","session_type":"local"}]`, string(a.LoggedInSessions))
	require.NotNil(t, a.LoggedInSessionsUpdatedAt)

	f.beat(id, protocol.HeartbeatRequest{})
	require.JSONEq(t, `[{"username":"alice","session_type":"local"}]`, string(f.load(id).LoggedInSessions))

	f.beat(id, protocol.HeartbeatRequest{LoggedInSessions: []protocol.Session{}})
	require.JSONEq(t, `[]`, string(f.load(id).LoggedInSessions))
}

const profileV1 = `{"os_full_name":"Windows 11 Pro","cpu_model":"Intel(R) Core(TM) i7","cpu_cores_logical":8,
"disk_count":1,"disks":[{"index":0,"size_gb":512,"model":"NVMe","bus_type":"NVMe"}],
"virtualization":{"is_virtual":false,"vendor":null,"model":null}}`

func TestSystemProfileHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.agent()

	res := f.beat(id, protocol.HeartbeatRequest{SystemProfile: json.RawMessage(profileV1)})
	require.True(t, res.ProfileChanged)

	items, total, err := f.e.SystemHistory(ctx, id, 50, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.JSONEq(t, `["initial"]`, string(items[0].ChangedFields))

	a := f.load(id)
	require.NotNil(t, a.SystemProfileHash)
	require.NotNil(t, a.SystemProfileUpdatedAt)

	// Same content, different key order: no new history.
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(profileV1), &doc))
	reordered, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	res = f.beat(id, protocol.HeartbeatRequest{SystemProfile: reordered})
	require.False(t, res.ProfileChanged)

	doc["cpu_model"] = "Intel(R) Core(TM) i9"
	changed, err := json.Marshal(doc)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	res = f.beat(id, protocol.HeartbeatRequest{SystemProfile: changed})
	require.True(t, res.ProfileChanged)

	items, total, err = f.e.SystemHistory(ctx, id, 50, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.JSONEq(t, `["cpu_model"]`, string(items[0].ChangedFields))

	var diff []profile.Change
	require.NoError(t, json.Unmarshal(items[0].Diff, &diff))
	require.Equal(t, []profile.Change{{Field: "cpu_model", Old: "Intel(R) Core(TM) i7", New: "Intel(R) Core(TM) i9"}}, diff)
}

func TestIdentityHistoryAndTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.agent()

	f.beat(id, protocol.HeartbeatRequest{IPAddress: store.Ptr("10.0.0.1")})
	f.now = f.now.Add(time.Minute)
	f.beat(id, protocol.HeartbeatRequest{SystemProfile: json.RawMessage(profileV1), IPAddress: store.Ptr("10.0.0.1")})
	f.now = f.now.Add(time.Minute)
	f.beat(id, protocol.HeartbeatRequest{Hostname: "pc-renamed", IPAddress: store.Ptr("10.0.0.2")})

	var rows []store.AgentIdentityHistory
	require.NoError(t, f.db.Where("agent_uuid = ?", id).Find(&rows).Error)
	require.Len(t, rows, 1, "first address report is not a change")
	require.Equal(t, "pc-1", *rows[0].OldHostname)
	require.Equal(t, "pc-renamed", *rows[0].NewHostname)
	require.Equal(t, "10.0.0.1", *rows[0].OldIPAddress)
	require.Equal(t, "10.0.0.2", *rows[0].NewIPAddress)

	events, total, err := f.e.Timeline(ctx, id, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, events, 2)
	require.Equal(t, EventIdentity, events[0].EventType)
	require.Equal(t, EventSystemProfile, events[1].EventType)

	events, _, err = f.e.Timeline(ctx, id, 10, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventSystemProfile, events[0].EventType)

	events, _, err = f.e.Timeline(ctx, id, 10, 5)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestHeartbeatRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.agent()

	_, err := f.e.Process(ctx, uuid.NewString(), protocol.HeartbeatRequest{Hostname: "x"})
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.e.Process(ctx, id, protocol.HeartbeatRequest{Hostname: "x", SystemProfile: json.RawMessage(`[1]`)})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	require.Equal(t, store.AgentOffline, f.load(id).Status, "rejected heartbeats change nothing")
}

func TestHeartbeatBlankHostnameAndVersion(t *testing.T) {
	f := newFixture(t)
	id := f.agent()

	_, err := f.e.Process(context.Background(), id, protocol.HeartbeatRequest{AgentVersion: store.Ptr("")})
	require.NoError(t, err)

	a := f.load(id)
	require.Equal(t, "", a.Hostname)
	require.Equal(t, "1.0.0", *a.Version, "blank version keeps prior value")
	require.Equal(t, store.AgentOnline, a.Status)
}

func TestHeartbeatFailureRollsBackDispatch(t *testing.T) {
	f := newFixture(t)
	id := f.agent()
	app := f.deploy(id, "Chrome", 1)

	failTasks := true
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_task_history", func(tx *gorm.DB) {
		if failTasks && tx.Statement.Table == "task_histories" {
			tx.AddError(errors.New("disk I/O error"))
		}
	}))

	_, err := f.e.Process(context.Background(), id, protocol.HeartbeatRequest{Hostname: "pc-2", IPAddress: store.Ptr("10.0.0.9")})
	require.True(t, apperr.Is(err, apperr.KindInternal))

	var row store.AgentApplication
	require.NoError(t, f.db.Where("agent_uuid = ? AND app_id = ?", id, app.ID).First(&row).Error)
	require.Equal(t, store.AppPending, row.Status, "no row is left downloading without its task")
	var n int64
	require.NoError(t, f.db.Model(&store.TaskHistory{}).Count(&n).Error)
	require.Zero(t, n)

	a := f.load(id)
	require.Equal(t, store.AgentOffline, a.Status)
	require.Nil(t, a.LastSeen)
	require.Equal(t, "pc-1", a.Hostname)
	require.Nil(t, a.IPAddress)

	failTasks = false
	res := f.beat(id, protocol.HeartbeatRequest{})
	require.Len(t, res.Commands, 1)
	require.Equal(t, app.ID, *res.Commands[0].AppID)
}

func TestHeartbeatExpiredDeadlineChangesNothing(t *testing.T) {
	f := newFixture(t)
	id := f.agent()
	app := f.deploy(id, "Chrome", 1)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := f.e.Process(ctx, id, protocol.HeartbeatRequest{Hostname: "pc-1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var row store.AgentApplication
	require.NoError(t, f.db.Where("agent_uuid = ? AND app_id = ?", id, app.ID).First(&row).Error)
	require.Equal(t, store.AppPending, row.Status)
	var n int64
	require.NoError(t, f.db.Model(&store.TaskHistory{}).Count(&n).Error)
	require.Zero(t, n)
	require.Equal(t, store.AgentOffline, f.load(id).Status)
}

func TestHeartbeatRecordsSpan(t *testing.T) {
	rec, restore := telemetry.InstallSpanRecorder()
	defer restore()

	f := newFixture(t)
	id := f.agent()
	f.beat(id, protocol.HeartbeatRequest{})

	spans := rec.Named("heartbeat.process")
	require.Len(t, spans, 1)
	var agentAttr string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "agent.uuid" {
			agentAttr = kv.Value.AsString()
		}
	}
	require.Equal(t, id, agentAttr)
}
