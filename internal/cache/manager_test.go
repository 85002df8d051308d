package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0 // 测试不跑后台循环

	m, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_GetSet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "key", "value", time.Minute))

	val, err := m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", val)
}

func TestManager_GetMiss(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get(context.Background(), "missing")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	enc := &types.Encounter{ID: "enc-1", Status: types.EncounterStatusRecording}
	require.NoError(t, m.SetJSON(ctx, "enc", enc, 0))

	var got types.Encounter
	require.NoError(t, m.GetJSON(ctx, "enc", &got))
	assert.Equal(t, "enc-1", got.ID)
	assert.Equal(t, types.EncounterStatusRecording, got.Status)
}

func TestManager_ListOps(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RPush(ctx, "list", "a", "b"))
	require.NoError(t, m.RPush(ctx, "list", "c"))

	vals, err := m.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)
}

func TestManager_DeleteExists(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", "v", 0))
	require.NoError(t, m.Set(ctx, "k2", "v", 0))

	count, err := m.Exists(ctx, "k1", "k2", "k3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, m.Delete(ctx, "k1", "k2"))

	count, err = m.Exists(ctx, "k1", "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

type stubCacheObserver struct {
	hits   map[string]int
	misses map[string]int
}

func newStubCacheObserver() *stubCacheObserver {
	return &stubCacheObserver{hits: map[string]int{}, misses: map[string]int{}}
}

func (o *stubCacheObserver) RecordCacheHit(cacheType string)  { o.hits[cacheType]++ }
func (o *stubCacheObserver) RecordCacheMiss(cacheType string) { o.misses[cacheType]++ }

func TestManager_ObserverRecordsHitsAndMisses(t *testing.T) {
	m := newTestManager(t)
	obs := newStubCacheObserver()
	m.SetObserver(obs)
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.True(t, IsCacheMiss(err))
	assert.Equal(t, 1, obs.misses["redis"])
	assert.Equal(t, 0, obs.hits["redis"])

	require.NoError(t, m.Set(ctx, "key", "value", time.Minute))
	_, err = m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, 1, obs.hits["redis"])
	assert.Equal(t, 1, obs.misses["redis"])
}

func TestManager_ClosedOperations(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Close())

	_, err := m.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, m.Set(context.Background(), "k", "v", 0))
	assert.Error(t, m.Ping(context.Background()))

	// Close 幂等
	assert.NoError(t, m.Close())
}

func TestEncounterStore_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	store := NewEncounterStore(m)
	ctx := context.Background()

	enc := &types.Encounter{
		ID:        "enc-42",
		Status:    types.EncounterStatusRecording,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveEncounter(ctx, enc))

	got, err := store.GetEncounter(ctx, "enc-42")
	require.NoError(t, err)
	assert.Equal(t, enc.ID, got.ID)

	// 片段时间戳是各自音频段内的相对时间，读取按追加顺序还原
	require.NoError(t, store.AppendSegments(ctx, "enc-42",
		types.TranscriptSegment{ID: 1, Start: 10 * time.Second, Text: "first upload", Speaker: types.SpeakerPatient},
	))
	require.NoError(t, store.AppendSegments(ctx, "enc-42",
		types.TranscriptSegment{ID: 2, Start: 2 * time.Second, Text: "second upload", Speaker: types.SpeakerProvider},
	))

	transcript, err := store.GetTranscript(ctx, "enc-42")
	require.NoError(t, err)
	require.Len(t, transcript.Segments, 2)
	assert.Equal(t, "first upload", transcript.Segments[0].Text)
	assert.Equal(t, "second upload", transcript.Segments[1].Text)

	require.NoError(t, store.DeleteEncounter(ctx, "enc-42"))
	_, err = store.GetEncounter(ctx, "enc-42")
	assert.True(t, IsCacheMiss(err))
}

func TestEncounterStore_EmptyTranscript(t *testing.T) {
	m := newTestManager(t)
	store := NewEncounterStore(m)

	transcript, err := store.GetTranscript(context.Background(), "nothing")
	require.NoError(t, err)
	assert.True(t, transcript.IsEmpty())
}
