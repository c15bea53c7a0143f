// Command sorter runs the pear defect-sorting line: it classifies camera
// frames, votes over fixed windows and pulses the rejection actuator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/capture"
	"github.com/banshee-data/pear-sorter/internal/classify"
	"github.com/banshee-data/pear-sorter/internal/config"
	"github.com/banshee-data/pear-sorter/internal/db"
	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/emitter"
	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/httputil"
	"github.com/banshee-data/pear-sorter/internal/metrics"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/pipeline"
	"github.com/banshee-data/pear-sorter/internal/relay"
	"github.com/banshee-data/pear-sorter/internal/serialport"
	"github.com/banshee-data/pear-sorter/internal/version"
)

var (
	configPath      = flag.String("config", config.DefaultConfigPath, "Path to the JSON config file")
	disableActuator = flag.Bool("disable-actuator", false, "Log actuator commands instead of writing them to the serial port")
	listen          = flag.String("listen", "", "Relay listen address (overrides relay.listen; \"off\" disables the relay)")
	logLevel        = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat       = flag.String("log-format", "auto", "Log format: text, json or auto")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

// Exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitConfigError = 2
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sorter %s\n", version.String())
		return
	}

	logger, err := monitoring.New(os.Stderr, monitoring.Options{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sorter: %v\n", err)
		os.Exit(exitConfigError)
	}
	monitoring.SetLogger(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, options{
		disableActuator: *disableActuator,
		listen:          *listen,
		logger:          logger,
	})
	os.Exit(exitCode(err, logger))
}

// exitCode maps run's error to the process exit status.
func exitCode(err error, logger *slog.Logger) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalidConfig):
		logger.Error("configuration error", "err", err)
		return exitConfigError
	case pipeline.IsFatal(err):
		logger.Error("actuator unreachable, stopping", "err", err)
		return exitFatal
	default:
		logger.Error("sorter failed", "err", err)
		return exitFatal
	}
}

type options struct {
	disableActuator bool
	listen          string
	logger          *slog.Logger
	// opener replaces the serial opener in tests.
	opener serialport.Opener
}

// run wires every component from cfg and blocks until ctx is cancelled or
// the actuator fails.
func run(ctx context.Context, cfg *config.SorterConfig, opts options) error {
	logger := monitoring.Or(opts.logger)
	trigger := cfg.GetTrigger()

	cache, err := framecache.New(framecache.Config{StaleAfter: cfg.GetStaleAfter()})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	metrics.WatchCache(cache)

	source, err := newSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := source.(interface{ Close() error }); ok {
		defer c.Close()
	}

	classifier, err := newClassifier(cfg, logger)
	if err != nil {
		return err
	}

	var (
		windowObservers []func(decision.Result)
		eventObservers  = []actuator.Observer{metrics.ObserveActuator}
		background      = map[string]pipeline.Runner{}
		store           *db.DB
		recorder        *db.Recorder
	)
	windowObservers = append(windowObservers, metrics.ObserveWindow)

	if path := cfg.Store.Path; path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer store.Close()
	}

	if cfg.MQTT.Broker != "" {
		em := emitter.NewMQTTEmitter(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.GetMQTTTopic(),
			Logger:   logger,
		})
		if err := em.Connect(ctx); err != nil {
			// the client keeps retrying in the background
			logger.Warn("mqtt broker not reachable yet", "err", err)
		}
		windowObservers = append(windowObservers, em.ObserveWindow)
		eventObservers = append(eventObservers, em.ObserveEvent)
		background["mqtt"] = em
	}

	opener := opts.opener
	switch {
	case opener != nil:
	case opts.disableActuator:
		logger.Warn("actuator disabled, commands will only be logged")
		opener = serialport.NewDisabledOpener(logger)
	default:
		opener = serialport.RealOpener{LockDir: cfg.GetLockDir()}
	}

	// The recorder needs the controller's session and the controller needs
	// the recorder as an observer, so the observer is bound late.
	var ctrl *actuator.Controller
	if store != nil {
		recorder = db.NewRecorder(store, db.RecorderConfig{
			Trigger: trigger,
			Session: func() actuator.Session { return ctrl.Status().Session },
			Logger:  logger,
		})
		windowObservers = append(windowObservers, recorder.ObserveWindow)
		eventObservers = append(eventObservers, recorder.ObserveEvent)
		background["recorder"] = recorder
	}

	ctrl, err = actuator.NewController(actuator.Config{
		PortPath:       cfg.GetSerialPort(),
		Options:        cfg.GetSerialOptions(),
		Opener:         opener,
		MaxRetries:     cfg.GetMaxRetries(),
		RetryBackoff:   cfg.GetRetryBackoff(),
		PulseDwell:     cfg.GetPulseDwell(),
		WriteTimeout:   cfg.GetWriteTimeout(),
		ShutdownGrace:  cfg.GetShutdownGrace(),
		CommandSpacing: cfg.GetCommandSpacing(),
		Logger:         logger,
		Observers:      eventObservers,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	agg, err := decision.NewAggregator(decision.AggregatorConfig{
		Window:  cfg.GetWindowDuration(),
		Trigger: trigger,
		Buffer:  cfg.GetCommandBuffer(),
		Logger:  logger,
		OnFlush: func(res decision.Result) {
			for _, observe := range windowObservers {
				observe(res)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	if addr := relayAddr(cfg, opts.listen); addr != "" {
		srv, err := newRelayServer(cfg, cache, ctrl, agg, store)
		if err != nil {
			return err
		}
		background["relay"] = pipeline.RunnerFunc(func(ctx context.Context) error {
			return srv.ListenAndServe(ctx, addr)
		})
	}

	if addr := cfg.Relay.RedisAddr; addr != "" && cfg.GetSourceKind() != config.SourceRedis {
		client, err := relay.NewRedisClient(ctx, addr)
		if err != nil {
			logger.Warn("redis fan-out disabled", "err", err)
		} else {
			defer client.Close()
			background["redis"] = relay.NewRedisPublisher(client, cfg.GetRedisKey(), cfg.GetCameraID(),
				cache, cfg.GetFrameInterval(), nil, logger)
		}
	}

	p, err := pipeline.New(pipeline.Config{
		Source:              source,
		Classifier:          classifier,
		Cache:               cache,
		Aggregator:          agg,
		Actuator:            ctrl,
		Background:          background,
		SourceRetryInterval: cfg.GetSourceRetryInterval(),
		Hooks:               metrics.PipelineHooks(),
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	logger.Info("sorter starting",
		"version", version.String(),
		"window", cfg.GetWindowDuration(),
		"trigger", trigger.String(),
		"serial_port", cfg.GetSerialPort(),
		"source", cfg.GetSourceKind())

	err = p.Run(ctx)

	if recorder != nil {
		// the controller's shutdown event arrives after the recorder stops
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		recorder.Flush(flushCtx)
		if uerr := store.UpsertSession(flushCtx, ctrl.Status().Session); uerr != nil {
			logger.Warn("failed to store final session", "err", uerr)
		}
		cancel()
	}

	sess := ctrl.Status().Session
	logger.Info("sorter stopped",
		"session", sess.ID,
		"on_count", sess.OnCount,
		"off_count", sess.OffCount,
		"failures", sess.Failures)
	return err
}

func relayAddr(cfg *config.SorterConfig, override string) string {
	switch override {
	case "":
		return cfg.GetRelayListen()
	case "off":
		return ""
	default:
		return override
	}
}

func newSource(ctx context.Context, cfg *config.SorterConfig, logger *slog.Logger) (pipeline.FrameSource, error) {
	switch cfg.GetSourceKind() {
	case config.SourceDir:
		src, err := capture.NewDirSource(cfg.Source.Dir, cfg.GetFrameInterval(), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		return src, nil
	case config.SourceMJPEG:
		src, err := relay.NewStreamSource(relay.StreamConfig{
			URL:        cfg.Source.URL,
			StaleAfter: cfg.GetStaleAfter(),
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		return src, nil
	case config.SourceRedis:
		client, err := relay.NewRedisClient(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			return nil, err
		}
		return redisSource{
			RedisSource: relay.NewRedisSource(client, cfg.GetRedisKey(), cfg.GetStaleAfter(), cfg.GetFrameInterval(), nil),
			close:       client.Close,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", config.ErrInvalidConfig, cfg.GetSourceKind())
	}
}

// redisSource closes its client with the source.
type redisSource struct {
	*relay.RedisSource
	close func() error
}

func (s redisSource) Close() error { return s.close() }

func newClassifier(cfg *config.SorterConfig, logger *slog.Logger) (*classify.LabelClassifier, error) {
	if cfg.Classifier.URL == "" {
		return nil, fmt.Errorf("%w: classifier.url is required", config.ErrInvalidConfig)
	}
	if cfg.Classifier.LabelsPath == "" {
		return nil, fmt.Errorf("%w: classifier.labels_path is required", config.ErrInvalidConfig)
	}
	labels, err := classify.LoadLabels(cfg.Classifier.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	detector := classify.NewHTTPDetector(cfg.Classifier.URL, httputil.NewTimeoutClient(cfg.GetRequestTimeout()))
	return classify.NewLabelClassifier(detector, labels, logger)
}

func newRelayServer(cfg *config.SorterConfig, cache *framecache.Cache, ctrl *actuator.Controller, agg *decision.Aggregator, store *db.DB) (*relay.Server, error) {
	debug := http.NewServeMux()
	ctrl.AttachAdminRoutes(debug)
	if store != nil {
		if err := store.AttachAdminRoutes(debug); err != nil {
			return nil, err
		}
	}
	return relay.NewServer(relay.ServerConfig{
		Cache:         cache,
		CameraID:      cfg.GetCameraID(),
		FrameInterval: cfg.GetFrameInterval(),
		Debug:         debug,
		Status: func() map[string]any {
			return map[string]any{
				"version":    version.Version,
				"actuator":   ctrl.Status(),
				"aggregator": agg.Stats(),
			}
		},
	})
}
