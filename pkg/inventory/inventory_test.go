package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/policy"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/store/storetest"
)

var fixedNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newReconciler(t *testing.T) (*Reconciler, *gorm.DB) {
	t.Helper()
	db := storetest.Open(t)
	r := NewReconciler(db, zerolog.Nop())
	r.Now = func() time.Time { return fixedNow }
	return r, db
}

func addAgent(t *testing.T, db *gorm.DB, id, hostname string) {
	t.Helper()
	require.NoError(t, db.Create(&store.Agent{UUID: id, Hostname: hostname, Status: store.AgentOnline, SecretKey: "sk_" + id}).Error)
}

func item(name, version string) protocol.InventoryItem {
	return protocol.InventoryItem{Name: name, Version: store.Ptr(version)}
}

func submit(t *testing.T, r *Reconciler, agentUUID, hash string, items ...protocol.InventoryItem) protocol.ChangeCounts {
	t.Helper()
	counts, err := r.Submit(context.Background(), agentUUID, protocol.InventoryRequest{
		InventoryHash: hash,
		SoftwareCount: len(items),
		Items:         items,
	})
	require.NoError(t, err)
	return counts
}

func TestFirstSubmissionIsBaseline(t *testing.T) {
	r, db := newReconciler(t)
	addAgent(t, db, "a1", "pc-1")

	counts := submit(t, r, "a1", "h1", item("A", "1.0"), item("B", "2.0"), item("C", "3.0"))
	require.Equal(t, protocol.ChangeCounts{}, counts)

	var changes int64
	require.NoError(t, db.Model(&store.SoftwareChangeHistory{}).Count(&changes).Error)
	require.Zero(t, changes)

	var agent store.Agent
	require.NoError(t, db.First(&agent, "uuid = ?", "a1").Error)
	require.Equal(t, "h1", *agent.InventoryHash)
	require.Equal(t, 3, agent.SoftwareCount)
	require.NotNil(t, agent.InventoryUpdatedAt)

	rows, err := r.Snapshot(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "A", rows[0].SoftwareName)
	require.Equal(t, "A", *rows[0].NormalizedName)
}

func TestFailedSubmitLeavesPriorStateIntact(t *testing.T) {
	r, db := newReconciler(t)
	addAgent(t, db, "a1", "pc-1")
	submit(t, r, "a1", "h1", item("A", "1.0"), item("B", "2.0"))

	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_snapshot", func(tx *gorm.DB) {
		if tx.Statement.Table == "agent_software_inventories" {
			tx.AddError(errors.New("disk I/O error"))
		}
	}))

	_, err := r.Submit(context.Background(), "a1", protocol.InventoryRequest{
		InventoryHash: "h2",
		SoftwareCount: 2,
		Items:         []protocol.InventoryItem{item("A", "1.1"), item("C", "3.0")},
	})
	require.True(t, apperr.Is(err, apperr.KindInternal))

	var changes int64
	require.NoError(t, db.Model(&store.SoftwareChangeHistory{}).Count(&changes).Error)
	require.Zero(t, changes, "diff rows roll back with the snapshot")

	rows, err := r.Snapshot(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "A", rows[0].SoftwareName)
	require.Equal(t, "1.0", *rows[0].SoftwareVersion)
	require.Equal(t, "B", rows[1].SoftwareName)

	var agent store.Agent
	require.NoError(t, db.First(&agent, "uuid = ?", "a1").Error)
	require.Equal(t, "h1", *agent.InventoryHash)
	require.Equal(t, 2, agent.SoftwareCount)
}

func TestSubmitDiff(t *testing.T) {
	r, db := newReconciler(t)
	addAgent(t, db, "a1", "pc-1")

	submit(t, r, "a1", "h1", item("A", "1.0"), item("B", "2.0"))
	counts := submit(t, r, "a1", "h2", item("A", "1.1"), item("C", "3.0"))
	require.Equal(t, protocol.ChangeCounts{Installed: 1, Removed: 1, Updated: 1}, counts)

	changes, total, err := r.Changes(context.Background(), "a1", 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	byType := map[string]store.SoftwareChangeHistory{}
	for _, c := range changes {
		byType[c.ChangeType] = c
		require.True(t, fixedNow.Equal(c.DetectedAt))
	}
	require.Equal(t, "A", byType[store.ChangeUpdated].SoftwareName)
	require.Equal(t, "1.1", *byType[store.ChangeUpdated].SoftwareVersion)
	require.Equal(t, "1.0", *byType[store.ChangeUpdated].PreviousVersion)
	require.Equal(t, "B", byType[store.ChangeRemoved].SoftwareName)
	require.Equal(t, "2.0", *byType[store.ChangeRemoved].SoftwareVersion)
	require.Equal(t, "C", byType[store.ChangeInstalled].SoftwareName)
}

func TestDiffOrdering(t *testing.T) {
	existing := []store.AgentSoftwareInventory{
		{SoftwareName: "Zip", SoftwareVersion: store.Ptr("1")},
		{SoftwareName: "Alpha", SoftwareVersion: store.Ptr("1")},
		{SoftwareName: "Keep", SoftwareVersion: store.Ptr("1")},
	}
	changes := Diff(existing, []protocol.InventoryItem{
		item("Keep", "2"),
		item("New", "1"),
	})
	require.Len(t, changes, 4)
	require.Equal(t, store.ChangeUpdated, changes[0].ChangeType)
	require.Equal(t, store.ChangeInstalled, changes[1].ChangeType)
	require.Equal(t, "Alpha", changes[2].SoftwareName)
	require.Equal(t, "Zip", changes[3].SoftwareName)
}

func TestCosmeticNameDifferencesAreNotChanges(t *testing.T) {
	r, db := newReconciler(t)
	addAgent(t, db, "a1", "pc-1")

	submit(t, r, "a1", "h1", item("Microsoft Visual C++ 2019", "14.0"), item("7-Zip", "23.01"))
	counts := submit(t, r, "a1", "h2",
		item("Microsoft Visual  C++ 2019 ", "14.0"),
		item("７-ZIP", "23.01"),
	)
	require.Equal(t, protocol.ChangeCounts{}, counts)

	require.Equal(t, Canonicalize("Adobe Reader"), Canonicalize(" adobe READER\t"))
}

func TestSubmitSkipsBlankNamesAndDedupes(t *testing.T) {
	r, db := newReconciler(t)
	addAgent(t, db, "a1", "pc-1")

	submit(t, r, "a1", "h1",
		item("  ", "1"),
		item("Tool", "1.0"),
		item("tool", "2.0"),
	)
	rows, err := r.Snapshot(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "tool", rows[0].SoftwareName)
	require.Equal(t, "2.0", *rows[0].SoftwareVersion)
}

func TestSubmitValidation(t *testing.T) {
	r, db := newReconciler(t)
	addAgent(t, db, "a1", "pc-1")
	ctx := context.Background()

	_, err := r.Submit(ctx, "a1", protocol.InventoryRequest{})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = r.Submit(ctx, "missing", protocol.InventoryRequest{InventoryHash: "h"})
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRulesReapplyToStoredSnapshot(t *testing.T) {
	r, db := newReconciler(t)
	ctx := context.Background()
	addAgent(t, db, "a1", "pc-1")
	addAgent(t, db, "a2", "pc-2")
	submit(t, r, "a1", "h1", item("Google Chrome 120.0", "120.0"))
	submit(t, r, "a2", "h1", item("Google Chrome 121.0", "121.0"), item("Notepad++", "8.6"))

	rule, err := r.CreateRule(ctx, RuleInput{
		Pattern:        store.Ptr("google chrome"),
		NormalizedName: store.Ptr("Google Chrome"),
		MatchType:      store.Ptr("starts_with"),
	})
	require.NoError(t, err)
	require.True(t, rule.IsActive)

	summary, total, err := r.Summary(ctx, "", 1, 50)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Equal(t, "Google Chrome", summary[0].Name)
	require.EqualValues(t, 2, summary[0].AgentCount)
	require.Equal(t, []string{"120.0", "121.0"}, summary[0].Versions)

	agents, err := r.AgentsWith(ctx, "Google Chrome")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "pc-1", agents[0].Hostname)

	filtered, total, err := r.Summary(ctx, "NOTE", 1, 50)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "Notepad++", filtered[0].Name)

	n, err := r.ReapplyNormalizationRules(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, r.DeleteRule(ctx, rule.ID))
	_, total, err = r.Summary(ctx, "", 1, 50)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	require.True(t, apperr.Is(r.DeleteRule(ctx, rule.ID), apperr.KindNotFound))
	_, err = r.CreateRule(ctx, RuleInput{Pattern: store.Ptr("x"), NormalizedName: store.Ptr("X"), MatchType: store.Ptr("regex")})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLicenseReportAndDashboard(t *testing.T) {
	r, db := newReconciler(t)
	ctx := context.Background()
	addAgent(t, db, "a1", "pc-1")
	addAgent(t, db, "a2", "pc-2")
	submit(t, r, "a1", "h1", item("Visio Professional", "16"), item("uTorrent", "3.6"))
	submit(t, r, "a2", "h1", item("Visio Professional", "16"))

	visio, err := r.CreateLicense(ctx, LicenseInput{
		SoftwareNamePattern: store.Ptr("visio"),
		TotalLicenses:       store.Ptr(1),
	})
	require.NoError(t, err)
	require.Equal(t, policy.LicenseLicensed, visio.LicenseType)
	_, err = r.CreateLicense(ctx, LicenseInput{
		SoftwareNamePattern: store.Ptr("utorrent"),
		LicenseType:         store.Ptr(policy.LicenseProhibited),
	})
	require.NoError(t, err)

	report, err := r.LicenseReport(ctx)
	require.NoError(t, err)
	require.Len(t, report, 2)
	require.Equal(t, 2, report[0].Usage)
	require.Equal(t, -1, report[0].Surplus)
	require.True(t, report[0].IsViolation)
	require.Equal(t, 1, report[1].Usage)
	require.True(t, report[1].IsViolation)

	// a2 removes Visio today.
	submit(t, r, "a2", "h2", item("Paint.NET", "5.0"))

	dash, err := r.Dashboard(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, dash.TotalUniqueSoftware)
	require.EqualValues(t, 2, dash.AgentsWithInventory)
	require.Zero(t, dash.LicenseViolations)
	require.Equal(t, 1, dash.ProhibitedAlerts)
	require.EqualValues(t, 1, dash.AddedToday)
	require.EqualValues(t, 1, dash.RemovedToday)

	_, err = r.UpdateLicense(ctx, visio.ID, LicenseInput{TotalLicenses: store.Ptr(-1)})
	require.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = r.UpdateLicense(ctx, 999, LicenseInput{})
	require.True(t, apperr.Is(err, apperr.KindNotFound))
	require.NoError(t, r.DeleteLicense(ctx, visio.ID))
}
