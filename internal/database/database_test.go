package database

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ei-camera-detect/config"
	"ei-camera-detect/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, snapshotDir string) *Store {
	t.Helper()
	store, err := Open(config.DBConfig{Enabled: true, File: ":memory:", SnapshotDir: snapshotDir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func event(at time.Time, preds ...models.Prediction) models.PredictionEvent {
	return models.PredictionEvent{
		Source:      models.SourceCamera,
		DeviceID:    0,
		ModelType:   models.ModelTypeClassification,
		Predictions: preds,
		Sent:        len(preds) > 0,
		TimingMs:    12,
		CapturedAt:  at,
	}
}

func TestSaveAndRecent(t *testing.T) {
	store := openTestStore(t, "")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	store.OnPrediction(event(base, models.Prediction{Class: "cat", Score: 0.6}, models.Prediction{Class: "dog", Score: 0.9}))
	store.OnPrediction(event(base.Add(time.Minute)))
	store.OnPrediction(event(base.Add(2*time.Minute), models.Prediction{Class: "cat", Score: 0.7}))

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	recs, err := store.Recent(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "cat", recs[0].TopClass)
	assert.True(t, recs[0].CapturedAt.Equal(base.Add(2*time.Minute)))
	assert.False(t, recs[1].Sent)
	assert.JSONEq(t, `[]`, string(recs[1].Predictions))

	all, err := store.Recent(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "dog", all[2].TopClass)
	assert.Equal(t, 0.9, all[2].TopScore)

	var preds []models.Prediction
	require.NoError(t, json.Unmarshal(all[2].Predictions, &preds))
	assert.Len(t, preds, 2)
}

func TestDeleteOlderThan(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	now := time.Now()

	old := event(now.Add(-10*24*time.Hour), models.Prediction{Class: "cat", Score: 0.8})
	old.Frame = image.NewNRGBA(image.Rect(0, 0, 4, 4))
	oldRec, err := store.Save(old)
	require.NoError(t, err)
	require.NotEmpty(t, oldRec.Snapshot)
	assert.FileExists(t, filepath.Join(dir, oldRec.Snapshot))

	_, err = store.Save(event(now, models.Prediction{Class: "dog", Score: 0.8}))
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(now.Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = os.Stat(filepath.Join(dir, oldRec.Snapshot))
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotsOnlyForPredictions(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	ev := event(time.Now())
	ev.Frame = image.NewNRGBA(image.Rect(0, 0, 4, 4))
	rec, err := store.Save(ev)
	require.NoError(t, err)
	assert.Empty(t, rec.Snapshot)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveRemovesSnapshotWhenInsertFails(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	require.NoError(t, store.db.Migrator().DropTable(&PredictionRecord{}))

	ev := event(time.Now(), models.Prediction{Class: "cat", Score: 0.9})
	ev.Frame = image.NewNRGBA(image.Rect(0, 0, 4, 4))
	_, err := store.Save(ev)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
