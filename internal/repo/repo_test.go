package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leanline/internal/db"
	"leanline/internal/domain"
	"leanline/internal/events"
	"leanline/internal/migrate"
)

const ts = "2026-01-01T00:00:00Z"

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), BusyTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := Repo{DB: conn}
	require.NoError(t, r.InsertProjectTx(context.Background(), nil, domain.Project{ID: "p1", Name: "p1", Status: "active", CreatedAt: ts}))
	return r
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func metric(id string) domain.Metric {
	return domain.Metric{
		ID: id, ProjectID: "p1", Category: "acquisition", Name: id, TargetValue: "20%",
		Direction: "higher-is-better", Status: "not-started", CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestStageFlagsSaveReportsChange(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	blob, err := r.LoadStageFlags(ctx, "p1", "problem")
	require.NoError(t, err)
	assert.Equal(t, "", blob)

	inTx(t, r, func(tx *sql.Tx) {
		changed, err := r.SaveStageFlagsTx(ctx, tx, "p1", "problem", `{"0":true}`, ts)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = r.SaveStageFlagsTx(ctx, tx, "p1", "problem", `{"0":true}`, ts)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	blob, err = r.LoadStageFlags(ctx, "p1", "problem")
	require.NoError(t, err)
	assert.Equal(t, `{"0":true}`, blob)

	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.EnsureStageRowsTx(ctx, tx, "p1", []string{"problem", "solution"}, ts))
	})
	rows, err := r.ListStageTracking(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `{"0":true}`, rows[0].FlagsJSON, "existing rows are left alone")
	assert.Equal(t, "{}", rows[1].FlagsJSON)
}

func TestMetricLegacyLookupAndCascade(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertMetricTx(ctx, tx, metric("m-old")))
		require.NoError(t, r.UpsertTriggerTx(ctx, tx, domain.PivotMetricTrigger{ProjectID: "p1", PivotOptionID: "po", MetricID: "m-old", ThresholdType: "warning", CreatedAt: ts}))
		require.NoError(t, r.RekeyMetricTx(ctx, tx, metric("m-old"), "m-new", ts))
		require.NoError(t, r.UpsertTriggerTx(ctx, tx, domain.PivotMetricTrigger{ProjectID: "p1", PivotOptionID: "po2", MetricID: "m-new", ThresholdType: "error", CreatedAt: ts}))
	})

	m, err := r.GetMetric(ctx, "p1", "m-old")
	require.NoError(t, err)
	assert.Equal(t, "m-new", m.ID)
	assert.Equal(t, "m-old", m.LegacyID)

	_, err = r.GetMetric(ctx, "p1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	inTx(t, r, func(tx *sql.Tx) {
		changed, err := r.SaveMetricStatusTx(ctx, tx, "m-new", "warning", ts)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = r.SaveMetricStatusTx(ctx, tx, "m-new", "warning", ts)
		require.NoError(t, err)
		assert.False(t, changed)
		_, err = r.SaveMetricStatusTx(ctx, tx, "missing", "warning", ts)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	inTx(t, r, func(tx *sql.Tx) {
		removed, err := r.DeleteMetricTx(ctx, tx, m)
		require.NoError(t, err)
		assert.EqualValues(t, 2, removed, "links moved by the rekey go with the metric")
	})
	triggers, err := r.ListTriggers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestRekeyTwiceKeepsOriginalLinks(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertMetricTx(ctx, tx, metric("a")))
		require.NoError(t, r.UpsertTriggerTx(ctx, tx, domain.PivotMetricTrigger{ProjectID: "p1", PivotOptionID: "po", MetricID: "a", ThresholdType: "warning", CreatedAt: ts}))
		require.NoError(t, r.UpsertTriggerTx(ctx, tx, domain.PivotMetricTrigger{ProjectID: "p1", PivotOptionID: "po2", MetricID: "a", ThresholdType: "error", CreatedAt: ts}))
	})
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.RekeyMetricTx(ctx, tx, metric("a"), "b", ts))
		// a link made against the intermediate id collides with the moved one
		require.NoError(t, r.UpsertTriggerTx(ctx, tx, domain.PivotMetricTrigger{ProjectID: "p1", PivotOptionID: "po", MetricID: "b", ThresholdType: "error", CreatedAt: ts}))
	})
	b, err := r.GetMetric(ctx, "p1", "b")
	require.NoError(t, err)
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.RekeyMetricTx(ctx, tx, b, "c", ts))
	})

	c, err := r.GetMetric(ctx, "p1", "b")
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
	assert.Equal(t, "b", c.LegacyID)

	triggers, err := r.ListTriggers(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	for _, tr := range triggers {
		assert.Equal(t, "c", tr.MetricID)
	}

	inTx(t, r, func(tx *sql.Tx) {
		removed, err := r.DeleteMetricTx(ctx, tx, c)
		require.NoError(t, err)
		assert.EqualValues(t, 2, removed)
	})
	triggers, err = r.ListTriggers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestTriggerUpsertReplacesThreshold(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	link := domain.PivotMetricTrigger{ProjectID: "p1", PivotOptionID: "po", MetricID: "m", ThresholdType: "warning", CreatedAt: ts}
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertTriggerTx(ctx, tx, link))
		link.ThresholdType = "error"
		require.NoError(t, r.UpsertTriggerTx(ctx, tx, link))
	})
	triggers, err := r.ListTriggers(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "error", triggers[0].ThresholdType)

	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.DeleteTriggerTx(ctx, tx, "p1", "po", "m"))
		assert.ErrorIs(t, r.DeleteTriggerTx(ctx, tx, "p1", "po", "m"), ErrNotFound)
	})
}

func TestEventCursors(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	inTx(t, r, func(tx *sql.Tx) {
		for _, typ := range []string{events.MetricCreated, events.MetricUpdated, events.PivotCreated, events.MetricDeleted} {
			require.NoError(t, w.Append(ctx, tx, typ, "p1", "metric", "m", "tester", nil))
		}
	})

	latest, err := r.LatestEventID(ctx, "p1")
	require.NoError(t, err)

	page, err := r.ListEvents(ctx, EventFilters{ProjectID: "p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, latest, page[0].ID, "newest first")

	next, err := r.ListEvents(ctx, EventFilters{ProjectID: "p1", Limit: 10, Cursor: page[1].ID})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Less(t, next[0].ID, page[1].ID, "cursor is exclusive")

	typed, err := r.ListEvents(ctx, EventFilters{ProjectID: "p1", Type: events.PivotCreated})
	require.NoError(t, err)
	require.Len(t, typed, 1)

	after, err := r.EventsAfter(ctx, 10, next[1].ID, "p1")
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, latest, after[2].ID, "oldest first")
	assert.Equal(t, "{}", after[0].Payload)
}
