package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mediacourse/segment-pipeline/internal/api"
	"github.com/mediacourse/segment-pipeline/internal/db"
	"github.com/mediacourse/segment-pipeline/internal/notifications"
	"github.com/mediacourse/segment-pipeline/internal/observability"
	"github.com/mediacourse/segment-pipeline/internal/pipeline"
	"github.com/mediacourse/segment-pipeline/internal/scheduler"
)

// Config holds application configuration loaded from the environment
type Config struct {
	Port                 string // HTTP port to listen on
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
	PassInterval         time.Duration
	MaxAttempts          int
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		PassInterval:         time.Duration(getEnvInt("PASS_INTERVAL_SECONDS", 60)) * time.Second,
		MaxAttempts:          getEnvInt("MAX_RETRY_ATTEMPTS", pipeline.DefaultMaxAttempts),
	}

	setupLogging(config)

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var obsProviders *observability.Providers
	if config.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:      true,
			ServiceName:  "segment-pipeline",
			Environment:  config.Env,
			OTLPEndpoint: strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:  parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure: config.OTLPInsecure,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	// Connect to PostgreSQL
	pgDB, err := db.InitFromEnv()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	dbQueue := db.NewDbQueue(pgDB.GetDB())

	// Pipeline services
	notifier := notifications.NewFromEnv()
	segments := pipeline.NewService(pgDB.GetDB(), dbQueue, config.MaxAttempts)
	var batchNotifier pipeline.BatchNotifier
	if notifier != nil {
		batchNotifier = notifier
	}
	batches := pipeline.NewOrchestrator(pgDB.GetDB(), dbQueue, batchNotifier)
	reaper := pipeline.NewReaper(pgDB.GetDB(), dbQueue)

	// Scheduler
	thresholds := scheduler.DefaultThresholds()
	baseConfig := scheduler.DefaultEffectiveConfig()
	collector := scheduler.NewCollector(pgDB, pgDB.Cache, scheduler.DefaultSnapshotTTL)
	runner := scheduler.NewRunner(
		pgDB.GetDB(),
		collector,
		scheduler.NewAssigner(thresholds),
		scheduler.NewPlanner(thresholds),
		scheduler.NewAdvisor(thresholds, baseConfig),
		memorySampler(baseConfig.MemoryLimitMB),
	)

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// Wake the scheduling loop when segment rows change
	passWake := make(chan struct{}, 1)
	startSegmentListener(ctx, pgDB.GetConfig().ConnectionString(), passWake)

	go runSchedulingLoop(ctx, runner, notifier, config.PassInterval, passWake)
	go startPipelineMonitoring(ctx, batches, reaper)

	// Rate limiter for the HTTP surface
	limiter := newRateLimiter()

	var metricsPage http.Handler
	if obsProviders != nil {
		metricsPage = obsProviders.MetricsHandler
	}
	apiHandler := api.NewHandler(pgDB.GetDB(), segments, batches, runner, collector, metricsPage)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !limiter.getLimiter(ip).Allow() {
			api.WriteErrorMessage(w, r, "Too many requests", http.StatusTooManyRequests, api.ErrCodeRateLimit)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Add middleware in reverse order (outermost first)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: handler,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		cancelBackground()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// runSchedulingLoop plans passes on a fixed interval, waking early when the
// database notifies of segment changes. Wakeups are throttled so a burst of
// notifications cannot trigger back-to-back passes.
func runSchedulingLoop(ctx context.Context, runner *scheduler.Runner, notifier *notifications.Notifier, interval time.Duration, wake <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// At most one notification-triggered pass per 5 seconds
	wakeLimiter := rate.NewLimiter(rate.Every(5*time.Second), 1)

	runOnce := func() {
		start := time.Now()
		result, err := runner.RunPass(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Scheduling pass failed")
			}
			return
		}

		scheduled := 0
		for _, d := range result.Decisions {
			if d.Action == scheduler.ActionSchedule {
				scheduled++
			}
		}
		observability.RecordSchedulingPass(ctx, time.Since(start), scheduled, len(result.Decisions)-scheduled)

		if notifier != nil {
			notifier.NotifyScalingAdvice(ctx, result.Advice)
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		case <-wake:
			if wakeLimiter.Allow() {
				runOnce()
			}
		}
	}
}

// startSegmentListener opens a LISTEN connection on the segment_events channel
// and forwards notifications as non-blocking wakeups.
func startSegmentListener(ctx context.Context, conninfo string, wake chan<- struct{}) {
	listener := pq.NewListener(conninfo, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("Segment listener event")
		}
	})

	if err := listener.Listen("segment_events"); err != nil {
		log.Warn().Err(err).Msg("Failed to LISTEN on segment_events, relying on interval passes only")
		listener.Close()
		return
	}

	go func() {
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// Connection reset; the listener reconnects on its own
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
}

// startPipelineMonitoring runs the background hygiene tickers: stale record
// sweeps (report only, deletion is the cleanup CLI's job) and stuck batch
// finalisation.
func startPipelineMonitoring(ctx context.Context, batches *pipeline.Orchestrator, reaper *pipeline.Reaper) {
	staleTicker := time.NewTicker(time.Hour)
	defer staleTicker.Stop()

	batchTicker := time.NewTicker(5 * time.Minute)
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			result, err := reaper.Reap(ctx, pipeline.DefaultStaleThreshold, true)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("Stale record sweep failed")
				}
				continue
			}
			if result.Count > 0 {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetLevel(sentry.LevelWarning)
					scope.SetTag("event_type", "stale_segments")
					scope.SetContext("stale_segments", map[string]any{
						"count":  result.Count,
						"oldest": result.Records[0].ID,
					})
					sentry.CaptureMessage("Found stale processing segments")
				})
				log.Warn().
					Int("stale_count", result.Count).
					Msg("Stale processing segments detected; run the cleanup tool to remove them")
			}
		case <-batchTicker.C:
			if err := batches.CleanupStuckBatches(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Stuck batch cleanup failed")
			}
		}
	}
}

// memorySampler reports heap usage against the configured memory limit. CPU
// is reported as idle; the planner then constrains on slots and memory.
func memorySampler(limitMB int) scheduler.ResourceSampler {
	if limitMB <= 0 {
		limitMB = 2048
	}
	return func(ctx context.Context) (float64, float64) {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		usedMB := float64(stats.Alloc) / (1024 * 1024)
		memPercent := usedMB / float64(limitMB) * 100
		if memPercent > 100 {
			memPercent = 100
		}
		return 0, memPercent
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseOTLPHeaders converts "key=value,key2=value2" into a header map
func parseOTLPHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		headers[parts[0]] = parts[1]
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "segment-pipeline").
			Logger()
	}
}

// RateLimiter represents a rate limiting system based on client IP addresses
type RateLimiter struct {
	limits   map[string]*IPRateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
}

// IPRateLimiter wraps a token bucket rate limiter specific to an IP address
type IPRateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter creates a new rate limiter with default settings
func newRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:   make(map[string]*IPRateLimiter),
		rate:     rate.Limit(20),
		capacity: 10,
	}
}

// getLimiter returns the rate limiter for a specific IP address
func (rl *RateLimiter) getLimiter(ip string) *IPRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limits[ip]
	if !exists {
		limiter = &IPRateLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.capacity),
		}
		rl.limits[ip] = limiter
	}

	return limiter
}

// Allow checks if a request from this IP should be allowed
func (ipl *IPRateLimiter) Allow() bool {
	return ipl.limiter.Allow()
}

// getClientIP extracts the client's IP address from a request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For might contain multiple IPs, take the first one
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ips := strings.Split(ip, ",")
		return strings.TrimSpace(ips[0])
	}

	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}
