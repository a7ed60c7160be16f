package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlabel/internal/database"
	"medlabel/internal/pipeline"
)

func openDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "medlabel.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestChannelStoreRoundTrip(t *testing.T) {
	store := NewChannelStore(openDB(t))

	cfg := pipeline.ChannelConfig{
		Name:        "line-1",
		Source:      "rtsp://cam/1",
		Endpoint:    "http://hook/1",
		Rotation:    pipeline.Rotation180,
		Orientation: pipeline.OrientationLandscape,
		Processor:   pipeline.ProcessorCPU,
		Model:       "label-v1",
	}
	require.NoError(t, store.SaveChannel(cfg, pipeline.StateRegistered))
	require.NoError(t, store.UpdateChannelState("line-1", pipeline.StateRunning))

	stored, errs := store.Load()
	require.Empty(t, errs)
	require.Len(t, stored, 1)
	assert.Equal(t, cfg, stored[0].Config)
	assert.Equal(t, pipeline.StateRunning, stored[0].State)

	require.NoError(t, store.DeleteChannel("line-1"))
	stored, _ = store.Load()
	assert.Empty(t, stored)
}

func TestLoadSkipsUnparseableRecords(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.SaveChannel(&database.ChannelRecord{
		Name: "bad", Source: "s", Endpoint: "e", Rotation: "SIDEWAYS", Orientation: "PORTRAIT", Processor: "ANY", Status: "running",
	}))
	require.NoError(t, db.SaveChannel(ToRecord(pipeline.ChannelConfig{
		Name: "good", Orientation: pipeline.OrientationPortrait, Processor: pipeline.ProcessorAny,
	}, pipeline.StateRegistered)))

	stored, errs := NewChannelStore(db).Load()
	require.Len(t, stored, 1)
	assert.Equal(t, "good", stored[0].Config.Name)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bad")
}

func TestRestoreStartsPreviouslyRunningChannels(t *testing.T) {
	db := openDB(t)
	store := NewChannelStore(db)
	for name, state := range map[string]pipeline.ChannelState{
		"a": pipeline.StateRunning,
		"b": pipeline.StateRegistered,
		"c": pipeline.StateFailed,
	} {
		require.NoError(t, store.SaveChannel(pipeline.ChannelConfig{
			Name: name, Source: "rtsp://cam/" + name, Endpoint: "http://hook",
			Orientation: pipeline.OrientationPortrait, Processor: pipeline.ProcessorAny, Model: "m",
		}, state))
	}

	m := pipeline.NewChannelManager(&countingBuilder{}, store, nil)
	defer m.Close()

	assert.Equal(t, 1, Restore(store, m))
	assert.Len(t, m.List(), 3)
	assert.Equal(t, 1, m.Running())

	st, err := m.Status("a")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateRunning, st.State)
}

func TestEventServiceListAndPrune(t *testing.T) {
	db := openDB(t)
	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, db.SaveWebhookEvent(&database.WebhookEventRecord{ID: "1", Channel: "a", Lot: "L1", Mime: "image/jpeg", CreatedAt: old}))
	require.NoError(t, db.SaveWebhookEvent(&database.WebhookEventRecord{ID: "2", Channel: "a", Delivered: true}))
	require.NoError(t, db.SaveWebhookEvent(&database.WebhookEventRecord{ID: "3", Channel: "b"}))

	svc := NewEventService(db)
	ctx := context.Background()

	events, err := svc.List(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2", events[0].ID)
	assert.True(t, events[0].Delivered)

	n, err := svc.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err = svc.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHealthReadyz(t *testing.T) {
	db := openDB(t)
	r, err := NewHealthService(db, nil).Readyz(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Ready)

	db.Close()
	r, err = NewHealthService(db, nil).Readyz(context.Background())
	assert.Error(t, err)
	assert.False(t, r.Ready)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0))
	assert.Equal(t, 10, clampLimit(10))
	assert.Equal(t, 1000, clampLimit(5000))
}
