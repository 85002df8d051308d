package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ambientflow/types"
)

func TestRivaASRProvider_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "parakeet-ctc-1.1b", r.URL.Query().Get("model"))
		assert.Equal(t, "true", r.URL.Query().Get("diarization"))

		audio, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte("fake-audio"), audio)

		json.NewEncoder(w).Encode(map[string]any{
			"text":     "good morning what brings you in I have a cough",
			"language": "en-US",
			"duration": 12.5,
			"segments": []map[string]any{
				{"id": 0, "start": 0.0, "end": 2.1, "text": "good morning what brings you in", "speaker": 0, "confidence": 0.95},
				{"id": 1, "start": 2.4, "end": 4.0, "text": "I have a cough", "speaker": 1, "confidence": 0.91},
			},
			"words": []map[string]any{
				{"word": "good", "start": 0.0, "end": 0.3, "speaker": 0},
			},
		})
	}))
	defer srv.Close()

	p := NewRivaASRProvider(RivaASRConfig{BaseURL: srv.URL})
	resp, err := p.Transcribe(context.Background(), &ASRRequest{
		Audio:       bytes.NewReader([]byte("fake-audio")),
		Diarization: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "riva-asr", resp.Provider)
	assert.Equal(t, 12500*time.Millisecond, resp.Duration)
	require.Len(t, resp.Segments, 2)
	assert.Equal(t, types.SpeakerProvider, resp.Segments[0].Speaker)
	assert.Equal(t, types.SpeakerPatient, resp.Segments[1].Speaker)
	assert.Equal(t, 2400*time.Millisecond, resp.Segments[1].Start)
	require.Len(t, resp.Words, 1)
	assert.Equal(t, "provider", resp.Words[0].Speaker)
}

func TestRivaASRProvider_TranscribeWithoutDiarization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("diarization"))
		json.NewEncoder(w).Encode(map[string]any{
			"text":     "hello",
			"segments": []map[string]any{{"id": 0, "text": "hello", "speaker": 0}},
		})
	}))
	defer srv.Close()

	p := NewRivaASRProvider(RivaASRConfig{BaseURL: srv.URL})
	resp, err := p.Transcribe(context.Background(), &ASRRequest{Audio: bytes.NewReader([]byte("x"))})
	require.NoError(t, err)
	assert.Equal(t, types.SpeakerUnknown, resp.Segments[0].Speaker)
}

func TestRivaASRProvider_MissingAudio(t *testing.T) {
	p := NewRivaASRProvider(DefaultRivaASRConfig())
	_, err := p.Transcribe(context.Background(), &ASRRequest{})
	assert.Error(t, err)
}

func TestRivaASRProvider_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRivaASRProvider(RivaASRConfig{BaseURL: srv.URL})
	_, err := p.Transcribe(context.Background(), &ASRRequest{Audio: bytes.NewReader([]byte("x"))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestSpeakerLabel(t *testing.T) {
	assert.Equal(t, types.SpeakerProvider, speakerLabel(0, true))
	assert.Equal(t, types.SpeakerPatient, speakerLabel(1, true))
	assert.Equal(t, types.SpeakerUnknown, speakerLabel(2, true))
	assert.Equal(t, types.SpeakerUnknown, speakerLabel(0, false))
}
