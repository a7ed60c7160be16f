package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "medlabel.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestChannelRoundTrip(t *testing.T) {
	db := openTestDB(t)

	rec := &ChannelRecord{
		Name:        "line-1",
		Source:      "rtsp://10.0.0.5:8554/cam",
		Endpoint:    "http://hooks.local/label",
		Rotation:    "ROTATE_90_CLOCKWISE",
		Orientation: "PORTRAIT",
		Processor:   "GPU",
		Model:       "medicine_v1",
		Status:      "registered",
	}
	require.NoError(t, db.SaveChannel(rec))

	got, err := db.GetChannel("line-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Source, got.Source)
	assert.Equal(t, "GPU", got.Processor)

	require.NoError(t, db.UpdateChannelStatus("line-1", "running"))
	got, err = db.GetChannel("line-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)

	list, err := db.ListChannels()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.DeleteChannel("line-1"))
	got, err = db.GetChannel("line-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWebhookEventsFilterAndOrder(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []*WebhookEventRecord{
		{ID: "a", Channel: "line-1", Lot: "AB123", Expiry: "2027-05", Mime: "image/jpeg", Delivered: true, CreatedAt: base},
		{ID: "b", Channel: "line-2", AllText: "LOT X1", CreatedAt: base.Add(time.Minute)},
		{ID: "c", Channel: "line-1", Lot: "AB124", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range events {
		require.NoError(t, db.SaveWebhookEvent(e))
	}

	got, err := db.ListWebhookEvents("line-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.True(t, got[1].Delivered)
	assert.Equal(t, "2027-05", got[1].Expiry)

	got, err = db.ListWebhookEvents("", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	n, err := db.DeleteOldWebhookEvents(base.Add(90 * time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestAppLogs(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveAppLog(&AppLogRecord{Code: 2001, Level: "ERROR", Message: "stream down"}))
	require.NoError(t, db.SaveAppLog(&AppLogRecord{Code: 6001, Level: "WARNING", Message: "webhook failed"}))

	logs, err := db.ListAppLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 6001, logs[0].Code)
	assert.Equal(t, "stream down", logs[1].Message)
}
