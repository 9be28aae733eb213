package capture

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

func scenario(t *testing.T, name string) Scenario {
	t.Helper()
	sc, ok := Scenarios()[name]
	require.True(t, ok, "scenario %q", name)
	return sc
}

func TestScenarioNames(t *testing.T) {
	assert.Equal(t, []string{"busy", "flicker", "intruder", "static"}, ScenarioNames())
}

func TestNewSynthetic_Invalid(t *testing.T) {
	_, err := NewSynthetic(Scenario{Name: "bad", Width: 0, Height: 10, IntervalMs: 20}, 1)
	assert.Error(t, err)
	_, err = NewSynthetic(Scenario{Name: "bad", Width: 10, Height: 10}, 1)
	assert.Error(t, err)
}

func TestSynthetic_Deterministic(t *testing.T) {
	a, err := NewSynthetic(scenario(t, "busy"), 42)
	require.NoError(t, err)
	b, err := NewSynthetic(scenario(t, "busy"), 42)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		fa, err := a.Read(ctx)
		require.NoError(t, err)
		fb, err := b.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, fa.Timestamp, fb.Timestamp)
		assert.Equal(t, fa.Pix, fb.Pix)
	}
}

func TestSynthetic_TimestampsAndEOF(t *testing.T) {
	sc := Scenario{Name: "tiny", Width: 16, Height: 16, IntervalMs: 20, DurationMs: 100, Background: 80}
	s, err := NewSynthetic(sc, 1)
	require.NoError(t, err)

	var got []int64
	for {
		f, err := s.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, f.Timestamp)
	}
	assert.Equal(t, []int64{0, 20, 40, 60, 80, 100}, got)

	require.NoError(t, s.Close())
	_, err = s.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSynthetic_RenderObjects(t *testing.T) {
	s, err := NewSynthetic(scenario(t, "intruder"), 7)
	require.NoError(t, err)

	before := s.Render(2980)
	assert.Less(t, int(before.At(5, 30, 0)), 50, "object not yet visible")

	during := s.Render(3000)
	assert.Equal(t, byte(220), during.At(5, 30, 0))

	// 30 px/s for one second moves the object 30 pixels right.
	later := s.Render(4000)
	assert.Equal(t, byte(220), later.At(35, 30, 0))
	assert.Less(t, int(later.At(5, 30, 0)), 50)

	gone := s.Render(4500)
	assert.Less(t, int(gone.At(40, 30, 0)), 50)
}

func TestSynthetic_RenderFlicker(t *testing.T) {
	s, err := NewSynthetic(scenario(t, "flicker"), 7)
	require.NoError(t, err)

	assert.Equal(t, byte(200), s.Render(0).At(10, 10, 0))
	assert.Equal(t, byte(40), s.Render(80).At(10, 10, 0))
	assert.Equal(t, byte(200), s.Render(160).At(10, 10, 0))
}

func TestSynthetic_ObjectClippedToFrame(t *testing.T) {
	sc := Scenario{
		Name: "edge", Width: 16, Height: 16, IntervalMs: 20,
		Objects: []Object{{X: 10, Y: -4, W: 12, H: 12, Value: 255}},
	}
	s, err := NewSynthetic(sc, 1)
	require.NoError(t, err)

	f := s.Render(0)
	require.NoError(t, f.Validate())
	assert.Equal(t, byte(255), f.At(15, 0, 0))
	assert.Equal(t, byte(0), f.At(9, 0, 0))
}

func TestSynthetic_RealtimeHonoursContext(t *testing.T) {
	sc := scenario(t, "static")
	sc.IntervalMs = 1000
	s, err := NewSynthetic(sc, 1)
	require.NoError(t, err)
	s.Realtime = true
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Read(ctx)
	require.NoError(t, err, "first frame is immediate")
	_, err = s.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type sliceSource struct {
	frames []frame.Frame
	err    error
}

func (s *sliceSource) Read(context.Context) (frame.Frame, error) {
	if len(s.frames) == 0 {
		if s.err != nil {
			return frame.Frame{}, s.err
		}
		return frame.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error { return nil }

func flat(v byte, ts int64) frame.Frame {
	pix := make([]byte, 32*32)
	for i := range pix {
		pix[i] = v
	}
	f, _ := frame.New(32, 32, 1, pix, ts)
	return f
}

func TestPump(t *testing.T) {
	src := &sliceSource{frames: []frame.Frame{flat(0, 0), flat(100, 20), flat(100, 40), flat(100, 60)}}

	var got []int64
	stats, err := Pump(context.Background(), src, true, func(f frame.Frame) bool {
		got = append(got, f.Timestamp)
		return f.Timestamp != 40
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 40, 60}, got)
	assert.Equal(t, Stats{Frames: 3, Blank: 1, Refused: 1}, stats)
}

func TestPump_SourceError(t *testing.T) {
	boom := errors.New("device gone")
	src := &sliceSource{frames: []frame.Frame{flat(100, 0)}, err: boom}

	stats, err := Pump(context.Background(), src, false, func(frame.Frame) bool { return true })
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, stats.Frames)
}

func TestClock_Monotonic(t *testing.T) {
	base := time.Unix(0, 0)
	now := base
	c := &Clock{start: base, last: -1, now: func() time.Time { return now }}

	assert.EqualValues(t, 0, c.Stamp())
	assert.EqualValues(t, 1, c.Stamp(), "same instant still advances")
	now = base.Add(50 * time.Millisecond)
	assert.EqualValues(t, 50, c.Stamp())
	now = base.Add(10 * time.Millisecond)
	assert.EqualValues(t, 51, c.Stamp(), "clock going backwards")
}

func TestStaticScenario_NeverTriggers(t *testing.T) {
	s, err := NewSynthetic(scenario(t, "static"), 3)
	require.NoError(t, err)
	f, err := scene.NewFilter(scene.DefaultConfig())
	require.NoError(t, err)

	_, err = Pump(context.Background(), s, true, func(fr frame.Frame) bool {
		d, err := f.Process(fr)
		require.NoError(t, err)
		assert.False(t, d.ShouldTrigger, "trigger at %d", d.Timestamp)
		return true
	})
	require.NoError(t, err)
	assert.EqualValues(t, 251, f.Stats().FramesProcessed)
	assert.Equal(t, scene.Stable, f.Snapshot().SceneState)
}
