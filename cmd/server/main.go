package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/path-worker/internal/auth"
	"github.com/stuartshay/path-worker/internal/config"
	"github.com/stuartshay/path-worker/internal/database"
	"github.com/stuartshay/path-worker/internal/dynamo"
	"github.com/stuartshay/path-worker/internal/gameapi"
	grpcserver "github.com/stuartshay/path-worker/internal/grpc"
	"github.com/stuartshay/path-worker/internal/httpapi"
	"github.com/stuartshay/path-worker/internal/maps"
	"github.com/stuartshay/path-worker/internal/metrics"
	"github.com/stuartshay/path-worker/internal/pipeline"
	"github.com/stuartshay/path-worker/internal/queue"
	"github.com/stuartshay/path-worker/internal/sampler"
	"github.com/stuartshay/path-worker/internal/session"
	"github.com/stuartshay/path-worker/internal/state"
	"github.com/stuartshay/path-worker/internal/store"
	"github.com/stuartshay/path-worker/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const triggerShutdown = "shutdown"

func main() {
	// Initialize structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().Str("version", version).Msg("Starting path-worker service")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("device_id", cfg.DeviceID).
		Str("store_backend", cfg.StoreBackend).
		Str("normalizer", cfg.Normalizer).
		Bool("snap_to_roads", cfg.SnapToRoads).
		Str("http_port", cfg.HTTPPort).
		Str("grpc_port", cfg.GRPCPort).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		DeviceID:       cfg.DeviceID,
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	pointStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize point store")
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := pointStore.HealthCheck(checkCtx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Point store health check failed")
	}
	cancel()
	log.Info().Msg("Point store health check passed")

	m := metrics.New()
	seedBufferedPoints(ctx, pointStore, m)
	caches := state.NewCaches()

	// Auth calls go through an unauthenticated client so a refresh never
	// needs a token itself.
	authMgr := auth.NewManager(
		gameapi.NewClient(cfg.GameAPIURL, cfg.HTTPTimeout),
		auth.NewFileStore(cfg.TokenFile),
	)
	if !authMgr.LoggedIn() {
		log.Warn().Msg("No stored credentials, submissions are sent without a bearer token until login")
	}
	gameClient := gameapi.NewClient(cfg.GameAPIURL, cfg.HTTPTimeout, gameapi.WithTokenSource(authMgr))

	var submitOpts []pipeline.Option
	if cfg.SnapToRoads {
		roads := maps.NewRoadsClient(cfg.RoadsAPIURL, cfg.MapsAPIKey, cfg.HTTPTimeout)
		submitOpts = append(submitOpts, pipeline.WithSnapper(roads, cfg.Interpolate))
	}
	submitter := pipeline.NewSubmitter(pointStore, gameClient, caches, m, submitOpts...)

	source, err := buildSource(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize location source")
	}

	sess := session.New(session.Options{
		Store:      pointStore,
		Finalizer:  submitter,
		Caches:     caches,
		Metrics:    m,
		Normalizer: buildNormalizer(cfg),
		Source:     source,
		QueueSize:  cfg.FixQueueSize,
	})

	// One worker keeps submissions strictly ordered
	submissions := queue.NewQueue(1, sess.ProcessJob)

	router := httpapi.NewRouter(httpapi.Deps{
		ServiceName: cfg.ServiceName,
		DeviceID:    cfg.DeviceID,
		Session:     sess,
		Queue:       submissions,
		Store:       pointStore,
		Metrics:     m,
		Auth:        authMgr,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	if cfg.PprofPort != "" {
		go func() {
			log.Info().Str("port", cfg.PprofPort).Msg("pprof server listening")
			pprofServer := &http.Server{
				Addr:              fmt.Sprintf("localhost:%s", cfg.PprofPort),
				Handler:           httpapi.NewPprofRouter(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			if err := pprofServer.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	grpcServer := grpcserver.NewServer(pointStore, grpcserver.DefaultCheckInterval, "path_worker.Session")
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create TCP listener")
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	go grpcServer.WatchHealth(watchCtx)
	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	<-ctx.Done()
	stop()
	stopWatch()

	log.Info().Msg("Shutdown signal received, gracefully stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	drainSession(shutdownCtx, sess, submissions, cfg.DeviceID)

	grpcServer.Shutdown(shutdownCtx)

	if err := submissions.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown submission queue")
	}

	if err := pointStore.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close point store")
	}

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown tracer")
	}

	log.Info().Msg("Service shutdown complete")
}

// buildStore opens the point store named by STORE_BACKEND
func buildStore(ctx context.Context, cfg *config.Config) (store.PointStore, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		client, err := database.NewClient(cfg.DatabaseDSN(), cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		if err := client.Migrate(); err != nil {
			_ = client.Close()
			return nil, err
		}
		log.Info().Str("db_host", cfg.PostgresHost).Str("db_port", cfg.PostgresPort).Msg("Database connection established")
		return client, nil

	case config.BackendDynamoDB:
		api, err := dynamo.NewClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		log.Info().Str("table", cfg.DynamoTable).Str("region", cfg.DynamoRegion).Msg("DynamoDB client created")
		return dynamo.NewStore(api, cfg.DynamoTable, cfg.DeviceID), nil

	case config.BackendMemory:
		return store.NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// seedBufferedPoints reports points left in a persistent store by an earlier run
func seedBufferedPoints(ctx context.Context, st store.PointStore, m *metrics.Metrics) {
	n, err := st.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count buffered points")
		return
	}
	m.BufferedPoints.Set(float64(n))
	if n > 0 {
		log.Info().Int("points", n).Msg("Point store holds points from an earlier run")
	}
}

// buildNormalizer picks the per-fix normalizer named by FIX_NORMALIZER
func buildNormalizer(cfg *config.Config) session.FixNormalizer {
	if cfg.Normalizer == config.NormalizerStreetView {
		return maps.NewStreetViewClient(cfg.MapsAPIURL, cfg.MapsAPIKey, cfg.HTTPTimeout, cfg.NormalizeTTL)
	}
	return session.IdentityNormalizer{}
}

// buildSource returns the replay sampler when REPLAY_FILE is set. Without
// one, fixes arrive over the HTTP API.
func buildSource(cfg *config.Config) (session.Source, error) {
	if cfg.ReplayFile == "" {
		return nil, nil
	}

	provider, err := sampler.LoadReplayFile(cfg.ReplayFile)
	if err != nil {
		return nil, err
	}
	log.Info().Str("file", cfg.ReplayFile).Int("fixes", provider.Len()).Msg("Replaying recorded fixes")

	return sampler.NewTicker(provider, cfg.SampleInterval), nil
}

// drainSession submits the path of a session still collecting at shutdown
func drainSession(ctx context.Context, sess *session.Session, q *queue.Queue, deviceID string) {
	if sess.State() != session.StateCollecting {
		return
	}

	if err := sess.BeginStop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop collecting")
		return
	}

	jobID, err := q.Enqueue(deviceID, triggerShutdown)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enqueue final submission, finalizing inline")
		outcome, err := sess.CompleteStop(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Final submission failed")
			return
		}
		log.Info().Str("outcome", string(outcome.Kind)).Msg("Final submission finished")
		return
	}

	job, err := q.Wait(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Final submission did not finish")
		return
	}
	log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Final submission finished")
}

// setLogLevel configures the global log level
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("level", level).Msg("Log level set")
}
