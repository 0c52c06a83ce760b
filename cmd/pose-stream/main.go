package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"pose-stream-go/internal/compositor"
	"pose-stream-go/internal/config"
	"pose-stream-go/internal/decode"
	"pose-stream-go/internal/ingest"
	"pose-stream-go/internal/logging"
	"pose-stream-go/internal/metrics"
	"pose-stream-go/internal/output"
	"pose-stream-go/internal/render"
	"pose-stream-go/internal/server"
	"pose-stream-go/internal/session"
	"pose-stream-go/internal/simulator"
	"pose-stream-go/internal/upload"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to a YAML config file")
		apiBaseURL    = flag.String("api", "", "Analysis backend base URL")
		videoPath     = flag.String("video", "", "Video file to upload before streaming")
		artifactID    = flag.String("id", "", "Already uploaded artifact id (skips the upload)")
		transport     = flag.String("transport", "", "Stream transport: websocket or zmq")
		zmqEndpoint   = flag.String("zmq-endpoint", "", "ZMQ endpoint for the zmq transport")
		port          = flag.Int("port", 0, "HTTP port for the viewer")
		width         = flag.Int("width", 0, "Drawing surface width")
		height        = flag.Int("height", 0, "Drawing surface height")
		workers       = flag.Int("workers", 0, "Maximum concurrent frame decodes")
		maxPixels     = flag.Int64("max-pixels", 0, "Reject frames larger than this many pixels")
		malformed     = flag.String("malformed", "", "Malformed message policy: fail or skip")
		frameEncoding = flag.String("frame-encoding", "", "frame_data text encoding: base64 or latin1")
		hud           = flag.Bool("hud", false, "Draw the frame number on the surface")
		debug         = flag.Bool("debug", false, "Stream from the built-in simulator")
		debugRate     = flag.Float64("debug-rate", 0, "Simulated frames per second")
		debugFrames   = flag.Int("debug-frames", 0, "Number of simulated frames, 0 for endless")
		debugBinary   = flag.Bool("debug-binary", false, "Simulator sends CBOR binary frames")
		rawLog        = flag.Bool("raw-log", false, "Record inbound payloads to disk")
		rawLogDir     = flag.String("raw-log-dir", "", "Directory for raw logs")
		logLevel      = flag.String("log-level", "", "Log level: debug, info, warn or error")
		exitOnClose   = flag.Bool("exit-on-close", false, "Exit once the analysis session ends")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api":
			cfg.APIBaseURL = *apiBaseURL
		case "transport":
			cfg.Transport = *transport
		case "zmq-endpoint":
			cfg.ZMQEndpoint = *zmqEndpoint
		case "port":
			cfg.Viewer.Port = *port
		case "width":
			cfg.Surface.Width = *width
		case "height":
			cfg.Surface.Height = *height
		case "workers":
			cfg.Decode.Workers = *workers
		case "max-pixels":
			cfg.Decode.MaxPixels = *maxPixels
		case "malformed":
			cfg.Protocol.Malformed = *malformed
		case "frame-encoding":
			cfg.Protocol.FrameEncoding = *frameEncoding
		case "hud":
			cfg.Overlay.HUD = *hud
		case "debug":
			cfg.Debug = *debug
		case "debug-rate":
			cfg.DebugRate = *debugRate
		case "raw-log":
			cfg.RawLog.Enabled = *rawLog
		case "raw-log-dir":
			cfg.RawLog.Dir = *rawLogDir
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	logger := logging.Setup(os.Stderr, cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Debug {
		backend := simulator.NewBackend(simulator.BackendOptions{
			Frames:   simulator.Options{Rate: cfg.DebugRate, Frames: *debugFrames},
			Binary:   *debugBinary,
			Encoding: ingest.FrameEncoding(cfg.Protocol.FrameEncoding),
		})
		baseURL, err := simulator.Serve(ctx, backend)
		if err != nil {
			logger.Error("failed to start simulator", "err", err)
			os.Exit(1)
		}
		cfg.APIBaseURL = baseURL
		if cfg.Transport == config.TransportZMQ {
			if err := simulator.ServeZMQ(ctx, backend, cfg.ZMQEndpoint); err != nil {
				logger.Error("failed to start zmq simulator", "err", err)
				os.Exit(1)
			}
		}
		logger.Info("streaming from simulator", "api_base_url", baseURL)
	}

	id := *artifactID
	if id == "" && *videoPath != "" {
		uploadCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		id, err = upload.Upload(uploadCtx, cfg.APIBaseURL, *videoPath)
		cancel()
		if err != nil {
			logger.Error("upload failed", "video", *videoPath, "err", err)
			os.Exit(1)
		}
		logger.Info("video uploaded", "id", id)
	}
	if id == "" && cfg.Debug {
		id = "simulated.mp4"
	}
	if id == "" {
		logger.Error("nothing to analyse: pass -video, -id or -debug")
		os.Exit(2)
	}

	var (
		dialer session.Dialer
		target string
	)
	switch cfg.Transport {
	case config.TransportZMQ:
		dialer = session.ZMQDialer{Endpoint: cfg.ZMQEndpoint}
		target = id
	default:
		dialer = session.WebSocketDialer{}
		target, err = upload.TargetURL(cfg.APIBaseURL, id)
		if err != nil {
			logger.Error("invalid stream target", "err", err)
			os.Exit(2)
		}
	}

	surface, overlay, err := buildRenderer(cfg)
	if err != nil {
		logger.Error("invalid render settings", "err", err)
		os.Exit(2)
	}
	decoder := decode.NewImageDecoder(cfg.Decode.Workers, cfg.Decode.MaxPixels)
	sink := metrics.NewSink(cfg.Metrics.Keys)

	var recorder session.Recorder
	if cfg.RawLog.Enabled {
		writer, err := output.NewRawLogWriter(cfg.RawLog.Dir, "raw_stream")
		if err != nil {
			logger.Error("failed to start raw log", "err", err)
			os.Exit(1)
		}
		recorder = writer
		logger.Info("recording raw stream", "path", writer.Path())
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("raw log close failed", "err", err)
			}
		}()
	}

	sessionID := uuid.NewString()
	var (
		comp *compositor.Compositor
		sess *session.Session
	)
	statusFn := func() map[string]any {
		return statusPayload(comp, sess, decoder)
	}
	feed := server.NewFeed(surface, sessionID, statusFn)

	comp = compositor.New(compositor.Options{
		Surface:          surface,
		Decoder:          decoder,
		Overlay:          overlay,
		Sink:             sink,
		Upscale:          cfg.Surface.Upscale,
		HUD:              cfg.Overlay.HUD,
		RejectOutOfOrder: cfg.Protocol.RejectOutOfOrder,
		Listener:         feed,
		Logger:           logger,
		LogEvery:         cfg.LogEvery,
	})
	sess = session.New(dialer, comp, session.Options{
		ID:            sessionID,
		Parse:         ingest.Options{FrameEncoding: ingest.FrameEncoding(cfg.Protocol.FrameEncoding)},
		SkipMalformed: cfg.Protocol.Malformed == config.MalformedSkip,
		Recorder:      recorder,
		Logger:        logger,
		LogEvery:      cfg.LogEvery,
	})
	comp.Attach(sess)
	feed.SetStop(sess.Close)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = comp.Run(runCtx) }()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting viewer", "url", fmt.Sprintf("http://localhost:%d", cfg.Viewer.Port))
		serverErr <- server.Run(runCtx, cfg, feed)
	}()

	go logStats(runCtx, logger, cfg.Viewer.StatusEvery, statusFn)

	if err := sess.Open(runCtx, target); err != nil {
		logger.Error("failed to open session", "err", err)
		os.Exit(1)
	}

	sessionDone := sess.Done()
	for {
		select {
		case <-ctx.Done():
			_ = sess.Close()
			logger.Info("shutting down", "stats", comp.Stats())
			return
		case err := <-serverErr:
			if err != nil {
				logger.Error("viewer stopped", "err", err)
			}
			_ = sess.Close()
			return
		case <-sessionDone:
			sessionDone = nil
			logger.Info("analysis session ended", "state", sess.State().String(), "stats", comp.Stats())
			if *exitOnClose {
				// let the last in-flight decode land before exiting
				time.Sleep(200 * time.Millisecond)
				return
			}
		}
	}
}

func buildRenderer(cfg config.AppConfig) (*render.Surface, *render.Overlay, error) {
	bg, err := render.ParseColor(cfg.Surface.Background)
	if err != nil {
		return nil, nil, err
	}
	scaler, err := render.ParseScaler(cfg.Surface.Scaler)
	if err != nil {
		return nil, nil, err
	}
	topology := render.DefaultTopology()
	if len(cfg.Overlay.Topology) > 0 {
		topology, err = render.ParseTopology(cfg.Overlay.Topology, cfg.Overlay.Points)
		if err != nil {
			return nil, nil, err
		}
	}
	style := render.DefaultOverlayStyle()
	style.Threshold = cfg.Overlay.VisibilityThreshold
	style.LineWidth = cfg.Overlay.LineWidth
	style.MarkerRadius = cfg.Overlay.MarkerRadius

	surface := render.NewSurface(cfg.Surface.Width, cfg.Surface.Height, bg, scaler)
	return surface, render.NewOverlay(topology, style), nil
}

func statusPayload(comp *compositor.Compositor, sess *session.Session, decoder *decode.ImageDecoder) map[string]any {
	payload := map[string]any{}
	if comp != nil {
		payload["render"] = comp.Stats()
	}
	if sess != nil {
		received, skipped := sess.Stats()
		payload["session_state"] = sess.State().String()
		payload["target"] = sess.Target()
		payload["messages_received_total"] = received
		payload["messages_skipped_total"] = skipped
	}
	decodeCount, decodeNanos := decoder.Timing()
	payload["decode_total"] = decodeCount
	payload["decode_nanos_total"] = decodeNanos
	payload["decode_failures_total"] = decoder.Failures()
	return payload
}

func logStats(ctx context.Context, logger *slog.Logger, every time.Duration, statusFn func() map[string]any) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := statusFn()
			logger.Info("stream stats",
				"state", status["session_state"],
				"received", status["messages_received_total"],
				"render", status["render"],
				"decode_failures", status["decode_failures_total"],
			)
		}
	}
}
