// scenefilter: admission-control server for camera streams.
// Cameras push frames over WebSocket; only novel scene changes are passed
// on to the downstream analysis model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-scenefilter/internal/config"
	"github.com/teslashibe/go-scenefilter/internal/log"
	"github.com/teslashibe/go-scenefilter/pkg/analysis"
	"github.com/teslashibe/go-scenefilter/pkg/debug"
	"github.com/teslashibe/go-scenefilter/pkg/ingest"
	"github.com/teslashibe/go-scenefilter/pkg/pipeline"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
	"github.com/teslashibe/go-scenefilter/pkg/web"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scenefilter:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "YAML config file (default $SCENE_CONFIG)")
		listen     = flag.String("listen", config.DefaultListen, "HTTP listen address")
		logLevel   = flag.String("log-level", config.DefaultLogLevel, "debug, info, warn or error")
		debugFlag  = flag.Bool("debug", false, "Request logging and per-frame traces")
		preset     = flag.String("preset", scene.PresetDefault, "Filter preset for new streams")
		frames     = flag.Bool("debug-frames", false, "Print one line per processed frame (verbose)")
	)
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Flags only override what was given on the command line.
	overrides := map[string]interface{}{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			overrides["listen"] = *listen
		case "log-level":
			overrides["log_level"] = *logLevel
		case "debug":
			overrides["debug"] = *debugFlag
		case "preset":
			overrides["preset"] = *preset
		}
	})
	if err := settings.Apply(overrides); err != nil {
		return err
	}

	log.Init(settings.LogLevel)
	logger := log.Component("main")
	debug.Configure(debug.Options{Enabled: settings.Debug, Frames: *frames})

	logger.Info("scenefilter starting",
		"version", version,
		"listen", settings.Listen,
		"preset", settings.Preset,
		"max_streams", settings.MaxStreams,
		"analysis", settings.Analysis.Enabled(),
	)

	// The web server is both a trigger sink and a view of the ingest
	// server, so it is wired through this closure.
	var api *web.Server
	sinks := pipeline.MultiSink{
		pipeline.SinkFunc(func(ctx context.Context, ev pipeline.TriggerEvent) error {
			return api.HandleTrigger(ctx, ev)
		}),
	}

	if settings.Analysis.Enabled() {
		gemini, err := analysis.NewGeminiWithLogger(log.L(), analysis.Config{
			APIKey:  settings.Analysis.APIKey,
			Model:   settings.Analysis.Model,
			Prompt:  settings.Analysis.Prompt,
			Quality: settings.Analysis.Quality,
			Timeout: settings.Pipeline.DeliveryTimeout(),
		})
		if err != nil {
			return err
		}
		gemini.OnResult(func(r analysis.Result) {
			api.PublishAnalysis(r.StreamID, r)
		})
		sinks = append(sinks, gemini)
	} else {
		logger.Warn("GEMINI_API_KEY not set, triggers are only logged")
		sinks = append(sinks, pipeline.LogSink{Logger: log.Component("trigger")})
	}

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.Scene = settings.Scene
	ingestCfg.MaxStreams = settings.MaxStreams
	ingestCfg.Pipeline.DeliveryTimeout = settings.Pipeline.DeliveryTimeout()
	ingestCfg.Pipeline.MaxInFlight = settings.Pipeline.MaxInFlight

	streams := ingest.NewServerWithLogger(log.L(), ingestCfg, sinks)
	api = web.NewServerWithLogger(log.L(), web.Config{
		Addr:    settings.Listen,
		Version: version,
		Debug:   settings.Debug,
	}, streams)
	streams.OnDecision(api.PublishDecision)
	streams.RegisterRoutes(api.App())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- api.Start(ctx)
	}()
	logger.Info("ready",
		"camera_ws", "ws://localhost"+settings.Listen+"/ws/camera",
		"api", "http://localhost"+settings.Listen+"/api/streams",
	)

	select {
	case err := <-errc:
		streams.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown", "error", err)
	}
	streams.Close()
	logger.Info("stopped")
	return nil
}
