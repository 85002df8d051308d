package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/agent/scribe"
	"github.com/BaSui01/ambientflow/api"
	"github.com/BaSui01/ambientflow/internal/cache"
	"github.com/BaSui01/ambientflow/internal/database"
	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/speech"
	"github.com/BaSui01/ambientflow/types"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

// scriptedLLM 按顺序返回预置回复
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *scriptedLLM) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reply := f.replies[len(f.replies)-1]
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(reply)}},
	}, nil
}

func (f *scriptedLLM) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *scriptedLLM) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (f *scriptedLLM) Name() string { return "scripted" }

// fakeASR 返回预置转写结果
type fakeASR struct {
	segments []types.TranscriptSegment
	text     string
	err      error
	lastReq  *speech.ASRRequest
}

func (f *fakeASR) Transcribe(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &speech.ASRResponse{
		Provider: "fake-asr",
		Text:     f.text,
		Segments: f.segments,
		Duration: 3 * time.Second,
	}, nil
}

func (f *fakeASR) Name() string { return "fake-asr" }

func (f *fakeASR) SupportedFormats() []string { return []string{"audio/wav"} }

const validNoteJSON = `{"subjective":"Cough for 3 days.","objective":"Lungs clear.","assessment":"Viral URI.","plan":"Rest and fluids."}`

// envelope 带原始 Data 的响应信封，便于二次解码
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

// newTestMux 组装真实 scribe 依赖（miniredis + 内存 sqlite）并注册路由
func newTestMux(t *testing.T, asr *fakeASR, replies ...string) *http.ServeMux {
	t.Helper()

	mr := miniredis.RunT(t)
	cacheMgr, err := cache.NewManager(cache.Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheMgr.Close() })

	dbCfg := database.DefaultConfig()
	dbCfg.DSN = ":memory:"
	store, err := database.Open(dbCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if len(replies) == 0 {
		replies = []string{validNoteJSON}
	}
	scr := scribe.New(scribe.Config{Model: "test-model", Timeout: 5 * time.Second},
		&scriptedLLM{replies: replies},
		cache.NewEncounterStore(cacheMgr), store, nil, zap.NewNop())

	h := NewEncounterHandler(scr, asr, "en-US", nil, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/encounters", h.HandleStart)
	mux.HandleFunc("GET /v1/encounters/{id}", h.HandleGet)
	mux.HandleFunc("POST /v1/encounters/{id}/audio", h.HandleAudio)
	mux.HandleFunc("GET /v1/encounters/{id}/transcript", h.HandleTranscript)
	mux.HandleFunc("POST /v1/encounters/{id}/finalize", h.HandleFinalize)
	mux.HandleFunc("GET /v1/encounters/{id}/note", h.HandleNote)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body string) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	r := httptest.NewRequest(method, path, reader)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return w, &env
}

func startEncounter(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	w, env := doJSON(t, mux, http.MethodPost, "/v1/encounters", `{"metadata":{"department":"cardiology"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var enc api.EncounterResponse
	require.NoError(t, json.Unmarshal(env.Data, &enc))
	require.NotEmpty(t, enc.ID)
	require.Equal(t, "recording", enc.Status)
	return enc.ID
}

func postAudio(t *testing.T, mux *http.ServeMux, id string) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/encounters/"+id+"/audio", bytes.NewReader(make([]byte, 640)))
	r.Header.Set("Content-Type", "audio/wav")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return w, &env
}

// =============================================================================
// 🧪 EncounterHandler 测试
// =============================================================================

func TestEncounterHandler_Lifecycle(t *testing.T) {
	asr := &fakeASR{
		text: "I have had a cough for three days.",
		segments: []types.TranscriptSegment{
			{Start: 0, End: 2 * time.Second, Text: "I have had a cough for three days.", Speaker: types.SpeakerPatient},
			{Start: 2 * time.Second, End: 4 * time.Second, Text: "Any fever?", Speaker: types.SpeakerProvider},
		},
	}
	mux := newTestMux(t, asr)

	id := startEncounter(t, mux)

	// 批量音频转写
	w, env := postAudio(t, mux, id)
	require.Equal(t, http.StatusOK, w.Code)

	var tr api.TranscribeResponse
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	assert.Equal(t, id, tr.EncounterID)
	assert.Len(t, tr.Segments, 2)
	assert.Equal(t, "audio/wav", asr.lastReq.ContentType)
	assert.True(t, asr.lastReq.Diarization)

	// 转录查询
	w, env = doJSON(t, mux, http.MethodGet, "/v1/encounters/"+id+"/transcript", "")
	require.Equal(t, http.StatusOK, w.Code)
	var transcript types.Transcript
	require.NoError(t, json.Unmarshal(env.Data, &transcript))
	assert.Len(t, transcript.Segments, 2)

	// 定稿
	w, env = doJSON(t, mux, http.MethodPost, "/v1/encounters/"+id+"/finalize", "")
	require.Equal(t, http.StatusOK, w.Code)
	var note types.SOAPNote
	require.NoError(t, json.Unmarshal(env.Data, &note))
	assert.Equal(t, id, note.EncounterID)
	assert.Equal(t, "Viral URI.", note.Assessment)

	// 文书查询
	w, env = doJSON(t, mux, http.MethodGet, "/v1/encounters/"+id+"/note", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &note))
	assert.True(t, note.IsComplete())

	// 定稿后状态
	w, env = doJSON(t, mux, http.MethodGet, "/v1/encounters/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var enc api.EncounterResponse
	require.NoError(t, json.Unmarshal(env.Data, &enc))
	assert.Equal(t, "finalized", enc.Status)
	assert.NotNil(t, enc.EndedAt)
}

func TestEncounterHandler_AudioAfterFinalize(t *testing.T) {
	asr := &fakeASR{
		text:     "hello",
		segments: []types.TranscriptSegment{{Text: "hello", Speaker: types.SpeakerPatient}},
	}
	mux := newTestMux(t, asr)

	id := startEncounter(t, mux)
	w, _ := postAudio(t, mux, id)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, mux, http.MethodPost, "/v1/encounters/"+id+"/finalize", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, env := postAudio(t, mux, id)
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ENCOUNTER_FINALIZED", env.Error.Code)
}

func TestEncounterHandler_UnknownEncounter(t *testing.T) {
	mux := newTestMux(t, &fakeASR{})

	w, env := doJSON(t, mux, http.MethodGet, "/v1/encounters/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ENCOUNTER_NOT_FOUND", env.Error.Code)
}

func TestEncounterHandler_BadAudioContentType(t *testing.T) {
	mux := newTestMux(t, &fakeASR{})
	id := startEncounter(t, mux)

	r := httptest.NewRequest(http.MethodPost, "/v1/encounters/"+id+"/audio", strings.NewReader("not audio"))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEncounterHandler_FinalizeEmptyTranscript(t *testing.T) {
	mux := newTestMux(t, &fakeASR{})
	id := startEncounter(t, mux)

	w, env := doJSON(t, mux, http.MethodPost, "/v1/encounters/"+id+"/finalize", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "EMPTY_TRANSCRIPT", env.Error.Code)
}

func TestEncounterHandler_ASRFailure(t *testing.T) {
	mux := newTestMux(t, &fakeASR{err: assert.AnError})
	id := startEncounter(t, mux)

	w, env := postAudio(t, mux, id)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UPSTREAM_ERROR", env.Error.Code)
	assert.True(t, env.Error.Retryable)
}
