// scenecam: captures a camera with OpenCV and either filters locally or
// pushes frames to a scenefilter server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-scenefilter/internal/config"
	"github.com/teslashibe/go-scenefilter/internal/log"
	"github.com/teslashibe/go-scenefilter/pkg/capture"
	"github.com/teslashibe/go-scenefilter/pkg/capture/cvcam"
	"github.com/teslashibe/go-scenefilter/pkg/debug"
	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/ingest"
	"github.com/teslashibe/go-scenefilter/pkg/pipeline"
	"github.com/teslashibe/go-scenefilter/pkg/protocol"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "scenecam:", err)
		os.Exit(1)
	}
}

func run() error {
	def := cvcam.DefaultConfig()
	var (
		configPath = flag.String("config", "", "YAML config file (default $SCENE_CONFIG)")
		device     = flag.String("device", def.Device, "Camera index, video file or stream URL")
		width      = flag.Int("width", def.Width, "Frame width after resize (0 = native)")
		height     = flag.Int("height", def.Height, "Frame height after resize (0 = native)")
		fps        = flag.Float64("fps", def.FPS, "Requested capture rate")
		local      = flag.Bool("local", false, "Run the filter in-process instead of pushing to a server")
		server     = flag.String("server", "ws://localhost"+config.DefaultListen, "scenefilter server URL")
		streamID   = flag.String("id", "", "Stream id (server assigns one if empty)")
		name       = flag.String("name", "", "Stream display name")
		format     = flag.String("format", protocol.FormatGray, "Wire format: gray or jpeg")
		frames     = flag.Bool("debug-frames", false, "Print one line per processed frame (local mode)")
	)
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log.Init(settings.LogLevel)
	logger := log.Component("scenecam")
	debug.Configure(debug.Options{Enabled: settings.Debug, Frames: *frames})

	cam, err := cvcam.OpenWithLogger(log.L(), cvcam.Config{
		Device:          *device,
		Width:           *width,
		Height:          *height,
		FPS:             *fps,
		MaxReadFailures: def.MaxReadFailures,
	})
	if err != nil {
		return err
	}
	defer cam.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stats capture.Stats
	if *local {
		stats, err = runLocal(ctx, cam, settings)
	} else {
		stats, err = runRemote(ctx, cam, ingest.ClientConfig{
			ServerURL: *server,
			StreamID:  *streamID,
			Name:      *name,
			Preset:    settings.Preset,
			Format:    *format,
		})
	}
	logger.Info("capture ended", "frames", stats.Frames, "blank", stats.Blank, "refused", stats.Refused)
	return err
}

// runLocal filters frames in-process and logs triggers.
func runLocal(ctx context.Context, src capture.Source, settings config.Settings) (capture.Stats, error) {
	filter, err := scene.NewFilterWithLogger(log.L(), settings.Scene)
	if err != nil {
		return capture.Stats{}, err
	}
	p := pipeline.New("local", filter, pipeline.LogSink{Logger: log.Component("trigger")}, pipeline.Config{
		DeliveryTimeout: settings.Pipeline.DeliveryTimeout(),
		MaxInFlight:     settings.Pipeline.MaxInFlight,
	})
	p.SetLogger(log.L())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	stats, err := capture.Pump(ctx, src, true, p.Submit)
	cancel()
	<-done

	m := p.Metrics()
	log.Component("scenecam").Info("local pipeline stopped",
		"processed", m.FramesProcessed,
		"dropped", m.FramesDropped,
		"triggers", m.Triggers,
		"avg_process", m.AvgProcess,
	)
	return stats, err
}

// runRemote pushes frames to a scenefilter server and logs its triggers.
func runRemote(ctx context.Context, src capture.Source, cfg ingest.ClientConfig) (capture.Stats, error) {
	logger := log.Component("scenecam")

	client, err := ingest.Dial(ctx, cfg)
	if err != nil {
		return capture.Stats{}, err
	}
	defer client.Close()

	client.OnMessage(func(msg *protocol.Message) {
		switch msg.Type {
		case protocol.TypeTrigger, protocol.TypeDecision:
			if d, err := msg.GetDecisionData(); err == nil && d.ShouldTrigger {
				logger.Info("trigger", "stream", d.StreamID, "ts", d.Timestamp, "change_pct", d.ChangePercentage)
			}
		case protocol.TypeError:
			if e, err := msg.GetErrorData(); err == nil {
				logger.Warn("server error", "code", e.Code, "message", e.Message)
			}
		}
	})
	logger.Info("connected", "server", cfg.ServerURL, "stream", client.StreamID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-client.Done():
			logger.Warn("server closed the connection")
			cancel()
		case <-ctx.Done():
		}
	}()

	return capture.Pump(ctx, src, true, func(f frame.Frame) bool {
		if err := client.SendFrame(f); err != nil {
			logger.Debug("send failed", "ts", f.Timestamp, "error", err)
			return false
		}
		return true
	})
}
