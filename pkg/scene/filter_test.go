package scene

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-scenefilter/pkg/change"
	"github.com/teslashibe/go-scenefilter/pkg/frame"
)

const (
	frameW = 64
	frameH = 64
)

func gray(w, h int, v byte, ts int64) frame.Frame {
	pix := bytes.Repeat([]byte{v}, w*h)
	f, err := frame.New(w, h, 1, pix, ts)
	if err != nil {
		panic(err)
	}
	return f
}

// square returns a copy of base with a size x size square at (x0, y0) set to v.
func square(base frame.Frame, x0, y0, size int, v byte, ts int64) frame.Frame {
	pix := append([]byte(nil), base.Pix...)
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			pix[y*base.Width+x] = v
		}
	}
	f, err := frame.New(base.Width, base.Height, 1, pix, ts)
	if err != nil {
		panic(err)
	}
	return f
}

// flicker alternates the whole frame between two brightness levels.
func flicker(ts int64) frame.Frame {
	if (ts/20)%2 == 0 {
		return gray(frameW, frameH, 100, ts)
	}
	return gray(frameW, frameH, 130, ts)
}

func newFilter(t *testing.T, calibrationMs int64) *Filter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CalibrationDurationMs = calibrationMs
	f, err := NewFilter(cfg)
	require.NoError(t, err)
	return f
}

func process(t *testing.T, f *Filter, fr frame.Frame) Decision {
	t.Helper()
	d, err := f.Process(fr)
	require.NoError(t, err, "frame at %d", fr.Timestamp)
	return d
}

func triggerTimes(ds []Decision) []int64 {
	var out []int64
	for _, d := range ds {
		if d.ShouldTrigger {
			out = append(out, d.Timestamp)
		}
	}
	return out
}

func TestFilter_StaticSceneNeverTriggers(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 200)
	for i := 0; i < 300; i++ {
		d := process(t, f, gray(frameW, frameH, 90, int64(i*20)))
		assert.False(t, d.ShouldTrigger, "static frame %d triggered", i)
		assert.NotEqual(t, Disturbed, d.SceneState)
		assert.Zero(t, d.ChangePercentage)
	}
	assert.Equal(t, Stable, f.Snapshot().SceneState)
	assert.Zero(t, f.Stats().Triggers)
}

func TestFilter_EndToEndScenario(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	base := gray(frameW, frameH, 0, 0)
	ts := func(n int) int64 { return int64(n-1) * 20 }

	// Frames 1-5: calibration on a static scene.
	for n := 1; n <= 5; n++ {
		d := process(t, f, gray(frameW, frameH, 0, ts(n)))
		if n < 5 {
			assert.Equal(t, Calibrating, d.SceneState, "frame %d", n)
		} else {
			assert.Equal(t, Stable, d.SceneState, "frame 5 ends calibration")
		}
		assert.False(t, d.ShouldTrigger)
	}

	d := process(t, f, gray(frameW, frameH, 0, ts(6)))
	assert.Equal(t, Stable, d.SceneState)
	assert.False(t, d.ShouldTrigger)

	// Frame 7: a 10x10 square appears.
	d = process(t, f, square(base, 20, 20, 10, 255, ts(7)))
	assert.Equal(t, Disturbed, d.SceneState)
	assert.True(t, d.ShouldTrigger)
	assert.InDelta(t, 6.25, d.ChangePercentage, 1e-9)
	assert.Equal(t, 1, d.TrackedObjectCount)

	// Frames 8-20: nothing new happens.
	var after []Decision
	for n := 8; n <= 20; n++ {
		after = append(after, process(t, f, square(base, 20, 20, 10, 255, ts(n))))
	}
	assert.Empty(t, triggerTimes(after), "no further trigger within the cooldown")

	// Let the scene settle, then remove the square: a new change triggers again.
	var settled Decision
	for n := 21; n <= 30; n++ {
		settled = process(t, f, square(base, 20, 20, 10, 255, ts(n)))
	}
	assert.Equal(t, Stable, settled.SceneState)

	d = process(t, f, gray(frameW, frameH, 0, ts(31)))
	assert.Equal(t, Disturbed, d.SceneState)
	assert.True(t, d.ShouldTrigger, "trigger re-armed after cooldown")

	st := f.Stats()
	assert.EqualValues(t, 2, st.Triggers)
	assert.EqualValues(t, 31, st.FramesProcessed)
	assert.EqualValues(t, 1, st.BufferUnderflows)
}

func TestFilter_CooldownWhileDisturbed(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	base := gray(frameW, frameH, 0, 0)
	for i := 0; i <= 5; i++ {
		process(t, f, gray(frameW, frameH, 0, int64(i*20)))
	}

	// A square drifting one pixel per frame keeps the scene disturbed.
	var ds []Decision
	for i := 0; i < 19; i++ {
		ts := int64(120 + i*20)
		d := process(t, f, square(base, 20+i, 20, 10, 255, ts))
		assert.Equal(t, Disturbed, d.SceneState, "ts %d", ts)
		ds = append(ds, d)
	}

	// 120 + 250 = 370; the first frame at or after that is 380.
	assert.Equal(t, []int64{120, 380}, triggerTimes(ds))
}

func TestFilter_FlickerIsKnownMovement(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 200)

	var ts int64
	for ; ts <= 200; ts += 20 {
		process(t, f, flicker(ts))
	}
	require.Equal(t, Stable, f.Snapshot().SceneState)

	// Ten quiet seconds must not wipe out what calibration learned.
	var post []Decision
	for ; ts <= 10200; ts += 20 {
		post = append(post, process(t, f, gray(frameW, frameH, 100, ts)))
	}
	require.Equal(t, Stable, post[len(post)-1].SceneState, "static scene settles")

	sawVolatile := false
	for ; ts <= 11000; ts += 20 {
		d := process(t, f, flicker(ts))
		post = append(post, d)
		if d.SceneState == Volatile {
			sawVolatile = true
		}
	}

	assert.True(t, sawVolatile, "reintroduced flicker should make the scene VOLATILE")
	for _, d := range post {
		assert.NotEqual(t, Disturbed, d.SceneState, "flicker at %d treated as novel", d.Timestamp)
	}
	assert.Empty(t, triggerTimes(post))
}

func TestFilter_PersistentChangeBecomesNormal(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 200)

	var ts int64
	for ; ts <= 200; ts += 20 {
		process(t, f, gray(frameW, frameH, 100, ts))
	}
	require.Equal(t, Stable, f.Snapshot().SceneState)

	// Flicker that starts and never stops: an alarm at first, then part of
	// the scene.
	var first []Decision
	for ; ts <= 30000; ts += 20 {
		first = append(first, process(t, f, flicker(ts)))
	}
	times := triggerTimes(first)
	require.NotEmpty(t, times)
	assert.Equal(t, int64(220), times[0])
	settled := f.Stats().Triggers

	var last Decision
	for ; ts <= 60000; ts += 20 {
		last = process(t, f, flicker(ts))
		assert.NotEqual(t, Disturbed, last.SceneState, "still disturbed at %d", ts)
	}

	assert.Equal(t, settled, f.Stats().Triggers, "trigger count keeps growing")
	assert.Equal(t, Volatile, last.SceneState)

	snap := f.Snapshot()
	assert.Zero(t, snap.NovelObjects)
	assert.Greater(t, snap.Baseline.ChangeMean, 50.0, "baseline learned the flicker")
}

func TestFilter_DimensionMismatchResets(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	for i := 0; i <= 6; i++ {
		process(t, f, gray(frameW, frameH, 0, int64(i*20)))
	}
	require.Equal(t, Stable, f.Snapshot().SceneState)

	_, err := f.Process(gray(32, 32, 0, 140))
	require.ErrorIs(t, err, change.ErrDimensionMismatch)

	snap := f.Snapshot()
	assert.Equal(t, Calibrating, snap.SceneState)
	assert.Zero(t, snap.BufferOccupancy)
	assert.False(t, snap.Baseline.Ready)
	assert.EqualValues(t, 1, f.Stats().DimensionMismatch)

	d := process(t, f, gray(32, 32, 0, 160))
	assert.Equal(t, Calibrating, d.SceneState)
	assert.Equal(t, 1, d.BufferOccupancy)

	// The new shape calibrates from scratch.
	for ts := int64(180); ts <= 240; ts += 20 {
		d = process(t, f, gray(32, 32, 0, ts))
	}
	assert.Equal(t, Stable, d.SceneState)
}

func TestFilter_OutOfOrderFrameSkipped(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	process(t, f, gray(frameW, frameH, 0, 0))
	process(t, f, gray(frameW, frameH, 0, 40))

	_, err := f.Process(gray(frameW, frameH, 0, 40))
	assert.ErrorIs(t, err, frame.ErrOutOfOrderFrame)
	_, err = f.Process(gray(frameW, frameH, 0, 20))
	assert.ErrorIs(t, err, frame.ErrOutOfOrderFrame)

	st := f.Stats()
	assert.EqualValues(t, 2, st.OutOfOrderFrames)
	assert.EqualValues(t, 2, st.FramesProcessed)
	assert.Equal(t, 2, f.Snapshot().BufferOccupancy)
}

func TestFilter_InvalidFrame(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	_, err := f.Process(frame.Frame{Width: 4, Height: 4, Channels: 1, Pix: []byte{1, 2}})
	assert.ErrorIs(t, err, frame.ErrInvalidFrame)

	_, err = f.ProcessEncoded("not base64!", 0)
	assert.Error(t, err)
	assert.EqualValues(t, 2, f.Stats().InvalidFrames)
}

func TestFilter_ProcessEncoded(t *testing.T) {
	t.Parallel()

	img := image.NewGray(image.Rect(0, 0, 16, 16))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := base64.StdEncoding.EncodeToString(buf.Bytes())

	f := newFilter(t, 80)
	d, err := f.ProcessEncoded(data, 0)
	require.NoError(t, err)
	assert.Equal(t, Calibrating, d.SceneState)
	assert.Equal(t, 1, d.BufferOccupancy)
}

func TestFilter_BufferBoundedUnderBurst(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	limit := int(DefaultConfig().BufferDurationMs/DefaultConfig().FrameIntervalMs) + 1
	for ts := int64(0); ts < 2000; ts++ {
		d := process(t, f, gray(frameW, frameH, 0, ts))
		require.LessOrEqual(t, d.BufferOccupancy, limit)
	}
}

func TestFilter_Deterministic(t *testing.T) {
	t.Parallel()

	script := func() []frame.Frame {
		base := gray(frameW, frameH, 0, 0)
		var frames []frame.Frame
		for ts := int64(0); ts <= 200; ts += 20 {
			frames = append(frames, flicker(ts))
		}
		for ts := int64(220); ts <= 600; ts += 20 {
			frames = append(frames, gray(frameW, frameH, 0, ts))
		}
		for i, ts := 0, int64(620); ts <= 1200; i, ts = i+1, ts+20 {
			frames = append(frames, square(square(base, 4+i%30, 8, 12, 200, ts), 40, 40-i%20, 8, 255, ts))
		}
		return frames
	}

	run := func() []Decision {
		f := newFilter(t, 200)
		var ds []Decision
		for _, fr := range script() {
			ds = append(ds, process(t, f, fr))
		}
		return ds
	}

	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("decision sequences differ (-first +second):\n%s", diff)
	}
	assert.NotEmpty(t, triggerTimes(first), "script should exercise triggering")
}

func TestFilter_Subscribe(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	ch := f.Subscribe()

	for i := 0; i < 5; i++ {
		process(t, f, gray(frameW, frameH, 0, int64(i*20)))
	}

	require.Len(t, ch, 1, "mailbox holds only the latest decision")
	d := <-ch
	assert.EqualValues(t, 80, d.Timestamp)

	f.Unsubscribe(ch)
	process(t, f, gray(frameW, frameH, 0, 100))
	assert.Len(t, ch, 0)
}

func TestFilter_ConfigureAndApplyParams(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	for i := 0; i <= 5; i++ {
		process(t, f, gray(frameW, frameH, 0, int64(i*20)))
	}
	require.Equal(t, Stable, f.Snapshot().SceneState)

	bad := DefaultConfig()
	bad.Connectivity = 6
	assert.ErrorIs(t, f.Configure(bad), ErrInvalidConfig)
	assert.Equal(t, Stable, f.Snapshot().SceneState, "rejected config leaves state alone")

	require.NoError(t, f.ApplyParams(map[string]interface{}{
		"preset":      PresetSensitive,
		"cooldown_ms": float64(500),
	}))
	cfg := f.Config()
	assert.Equal(t, 2.0, cfg.ChangeThreshold)
	assert.EqualValues(t, 500, cfg.CooldownMs)
	assert.Equal(t, Calibrating, f.Snapshot().SceneState, "reconfiguring relearns the scene")

	assert.ErrorIs(t, f.ApplyParams(map[string]interface{}{"preset": "nope"}), ErrInvalidConfig)
	assert.ErrorIs(t, f.ApplyParams(map[string]interface{}{"cooldown_ms": "soon"}), ErrInvalidConfig)
	assert.EqualValues(t, 500, f.Config().CooldownMs)
}

func TestFilter_Reset(t *testing.T) {
	t.Parallel()

	f := newFilter(t, 80)
	for i := 0; i <= 6; i++ {
		process(t, f, gray(frameW, frameH, 0, int64(i*20)))
	}
	f.Reset()

	snap := f.Snapshot()
	assert.Equal(t, Calibrating, snap.SceneState)
	assert.Zero(t, snap.BufferOccupancy)
	assert.EqualValues(t, 1, f.Stats().Resets)

	// Timestamps may restart after a reset.
	d := process(t, f, gray(frameW, frameH, 0, 0))
	assert.Equal(t, Calibrating, d.SceneState)
}

func TestDecision_JSONContract(t *testing.T) {
	t.Parallel()

	d := Decision{
		Timestamp:          120,
		SceneState:         Disturbed,
		ShouldTrigger:      true,
		ChangePercentage:   6.25,
		TrackedObjectCount: 1,
		BufferOccupancy:    6,
	}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": 120,
		"scene_state": "DISTURBED",
		"should_trigger": true,
		"change_percentage": 6.25,
		"tracked_object_count": 1,
		"buffer_occupancy": 6
	}`, string(data))

	var back Decision
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)
}
