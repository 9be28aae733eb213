package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/ingest"
	"github.com/teslashibe/go-scenefilter/pkg/pipeline"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

type fakeStreams struct {
	configs map[string]scene.Config
	resets  []string

	updates chan scene.Decision
	stopped atomic.Int32
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		configs: map[string]scene.Config{"porch": scene.DefaultConfig()},
		updates: make(chan scene.Decision, 8),
	}
}

func (f *fakeStreams) Streams() []ingest.StreamInfo {
	return []ingest.StreamInfo{{ID: "porch", Name: "Porch", Remote: true, Frames: 42, State: scene.Stable}}
}

func (f *fakeStreams) Status(id string) (ingest.StreamStatus, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return ingest.StreamStatus{}, fmt.Errorf("%w: %s", ingest.ErrUnknownStream, id)
	}
	st := ingest.StreamStatus{
		StreamInfo: f.Streams()[0],
		Stats:      scene.Stats{FramesProcessed: 42, Triggers: 3},
		Pipeline:   pipeline.MetricsSnapshot{FramesDropped: 5},
		Config:     cfg,
	}
	st.Snapshot.SceneState = scene.Stable
	return st, nil
}

func (f *fakeStreams) Configure(id string, params map[string]interface{}) error {
	cfg, ok := f.configs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ingest.ErrUnknownStream, id)
	}
	next, err := scene.ApplyParams(cfg, params)
	if err != nil {
		return err
	}
	f.configs[id] = next
	return nil
}

func (f *fakeStreams) Reset(id string) error {
	if _, ok := f.configs[id]; !ok {
		return fmt.Errorf("%w: %s", ingest.ErrUnknownStream, id)
	}
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeStreams) Watch(id string) (<-chan scene.Decision, func(), error) {
	if _, ok := f.configs[id]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ingest.ErrUnknownStream, id)
	}
	return f.updates, func() { f.stopped.Add(1) }, nil
}

func (f *fakeStreams) GetStats() ingest.Stats {
	return ingest.Stats{StreamCount: 1, FramesReceived: 50, FramesRejected: 2}
}

func newTestServer(t *testing.T) (*Server, *fakeStreams) {
	t.Helper()
	streams := newFakeStreams()
	return NewServer(Config{Addr: ":0", Version: "test"}, streams), streams
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 1, body["streams"])
}

func TestListAndGetStream(t *testing.T) {
	s, _ := newTestServer(t)

	code, body := do(t, s, http.MethodGet, "/api/streams", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = do(t, s, http.MethodGet, "/api/streams/porch", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "porch", body["id"])
	assert.Equal(t, "STABLE", body["scene_state"])
	cfg := body["config"].(map[string]interface{})
	assert.EqualValues(t, 5, cfg["change_threshold"])

	code, body = do(t, s, http.MethodGet, "/api/streams/garage", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "unknown stream")
}

func TestConfigure(t *testing.T) {
	s, streams := newTestServer(t)

	code, body := do(t, s, http.MethodPut, "/api/streams/porch/config", `{"cooldown_ms": 500, "k": 2}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "updated", body["status"])
	assert.EqualValues(t, 500, streams.configs["porch"].CooldownMs)
	assert.Equal(t, 2.0, streams.configs["porch"].BaselineSigma)

	code, _ = do(t, s, http.MethodPost, "/api/streams/porch/config", `{"preset": "conservative"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, scene.ConservativeConfig(), streams.configs["porch"])

	code, body = do(t, s, http.MethodPut, "/api/streams/porch/config", `{"connectivity": 3}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid config")

	code, _ = do(t, s, http.MethodPut, "/api/streams/porch/config", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPut, "/api/streams/garage/config", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReset(t *testing.T) {
	s, streams := newTestServer(t)

	code, _ := do(t, s, http.MethodPost, "/api/streams/porch/reset", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"porch"}, streams.resets)

	code, _ = do(t, s, http.MethodPost, "/api/streams/garage/reset", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPresets(t *testing.T) {
	s, _ := newTestServer(t)

	code, body := do(t, s, http.MethodGet, "/api/presets", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["names"], len(scene.PresetNames()))

	code, body = do(t, s, http.MethodGet, "/api/presets/webcam", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 33, body["frame_interval_ms"])

	code, _ = do(t, s, http.MethodGet, "/api/presets/nighttime", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTriggers(t *testing.T) {
	s, _ := newTestServer(t)
	f, err := frame.New(4, 4, 1, make([]byte, 16), 140)
	require.NoError(t, err)

	for i, id := range []string{"porch", "garage", "porch"} {
		ev := pipeline.TriggerEvent{
			StreamID: id,
			Decision: scene.Decision{Timestamp: int64(140 + i), SceneState: scene.Disturbed, ShouldTrigger: true},
			Frame:    f,
		}
		require.NoError(t, s.HandleTrigger(context.Background(), ev))
	}

	code, body := do(t, s, http.MethodGet, "/api/triggers", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["count"])

	_, body = do(t, s, http.MethodGet, "/api/triggers?stream=porch", "")
	assert.EqualValues(t, 2, body["count"])

	recs := s.Triggers()
	assert.Equal(t, 4, recs[0].Width)
	assert.EqualValues(t, 142, recs[2].Decision.Timestamp)
}

func TestTriggers_Bounded(t *testing.T) {
	s, _ := newTestServer(t)
	for i := 0; i < recentTriggers+10; i++ {
		s.HandleTrigger(context.Background(), pipeline.TriggerEvent{Decision: scene.Decision{Timestamp: int64(i)}})
	}
	recs := s.Triggers()
	require.Len(t, recs, recentTriggers)
	assert.EqualValues(t, 10, recs[0].Decision.Timestamp)
	assert.EqualValues(t, recentTriggers+9, recs[len(recs)-1].Decision.Timestamp)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	text := string(data)

	assert.Contains(t, text, "scenefilter_streams 1")
	assert.Contains(t, text, "scenefilter_frames_rejected 2")
	assert.Contains(t, text, `scenefilter_stream_triggers{stream="porch"} 3`)
	assert.Contains(t, text, `scenefilter_stream_frames_dropped{stream="porch"} 5`)
}

func TestWebSocketRoutesRequireUpgrade(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/ws/decisions", "/ws/decisions/porch", "/ws/triggers", "/ws/state/porch"} {
		code, _ := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUpgradeRequired, code, path)
	}
}
