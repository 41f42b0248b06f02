package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fleetwatch/telemetry/internal/archive"
	"github.com/fleetwatch/telemetry/internal/cachex"
	"github.com/fleetwatch/telemetry/internal/config"
	"github.com/fleetwatch/telemetry/internal/dbx"
	"github.com/fleetwatch/telemetry/internal/devauth"
	"github.com/fleetwatch/telemetry/internal/devscope"
	"github.com/fleetwatch/telemetry/internal/fanout"
	"github.com/fleetwatch/telemetry/internal/health"
	"github.com/fleetwatch/telemetry/internal/ingest"
	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/partition"
	"github.com/fleetwatch/telemetry/internal/query"
	"github.com/fleetwatch/telemetry/internal/scheduler"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
	"github.com/fleetwatch/telemetry/internal/tstamp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Fatal("loading configuration", err)
	}

	logger, closeLogger := setupLogger(cfg)
	logging.SetDefault(logger)
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.SSLMode,
	)
	pool, err := dbx.Open(ctx, dsn)
	if err != nil {
		logger.Fatal("opening database pool", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	cache := cachex.New(redisClient)
	if err := cache.Ping(ctx); err != nil {
		logger.Fatal("pinging redis", err)
	}

	catalog := partition.New(pool, logger)
	if _, err := catalog.List(ctx); err != nil {
		logger.Fatal("listing partitions at startup", err)
	}

	scope := devscope.Resolver{}

	hub := fanout.New(scope, logger, fanout.RealtimeConfig{
		HeartbeatMS:        cfg.Realtime.HeartbeatMS,
		SubscriberQueueMax: cfg.Realtime.SubscriberQueueMax,
		SendTimeoutMS:      cfg.Realtime.SendTimeoutMS,
	})
	defer hub.Close(ctx)

	validator := fanout.NewTokenValidator([]byte(cfg.JWT.Secret))

	var channels []health.AlertChannel
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, health.NewWebhookChannel(cfg.Alerts.WebhookURL, ""))
	}
	if cfg.Alerts.EmailSMTPHost != "" && len(cfg.Alerts.EmailRecipients) > 0 {
		channels = append(channels, health.NewEmailChannel(
			cfg.Alerts.EmailSMTPHost, cfg.Alerts.EmailSMTPPort, "", "", cfg.Alerts.EmailFrom, cfg.Alerts.EmailRecipients))
	}
	monitor := health.NewMonitor(catalog, pool, cfg, logger, channels...)
	defer monitor.Close()
	hub.SetAlertSource(monitor)

	archiver := archive.New(catalog, archive.DBConn{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Name:     cfg.Database.Name,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
	}, cfg.Archive.Path, model.TierThresholds{
		ActiveMonths: cfg.Archive.ActiveMonths,
		WarmMonths:   cfg.Archive.WarmMonths,
		ColdMonths:   cfg.Archive.ColdMonths,
	}, logger)

	sched := scheduler.New(catalog, monitor, archiver, cfg, logger)
	sched.Start(ctx)
	defer sched.Stop()

	ingestPath := ingest.New(pool, monitor, cache, hub, logger)
	queryPath := query.New(pool, cache, scope, logger)

	var dev *devauth.Service
	if cfg.DevAuth.Enabled {
		dev = newDevAuthService(cfg, validator, logger)
	}

	srv := newServer(ingestPath, queryPath, hub, validator, dev, logger)

	handler := logging.PanicRecoveryMiddleware(logger)(logging.HTTPLoggingMiddleware(logger)(srv.routes()))
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		logger.Info("server listening", logging.Component("server"), logging.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received", logging.Component("server"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", err, logging.Component("server"))
	}
}

// server binds the Ingestion and Query Paths and the Fan-out Hub to a
// plain net/http mux, registering handlers directly on a ServeMux rather
// than reaching for a third-party router.
type server struct {
	ingest    *ingest.Path
	query     *query.Path
	hub       *fanout.Hub
	validator *fanout.TokenValidator
	dev       *devauth.Service
	logger    *logging.Logger
}

func newServer(ingestPath *ingest.Path, queryPath *query.Path, hub *fanout.Hub, validator *fanout.TokenValidator, dev *devauth.Service, logger *logging.Logger) *server {
	return &server{ingest: ingestPath, query: queryPath, hub: hub, validator: validator, dev: dev, logger: logger}
}

// setupLogger builds the structured logger, adding a RotatingFileWriter
// output alongside stdout when LOG_FILE is configured. The returned func
// flushes and releases the file handle at shutdown; it is a no-op when
// logging to stdout only.
func setupLogger(cfg *config.Config) (*logging.Logger, func()) {
	outputs := []io.Writer{os.Stdout}
	closeFn := func() {}

	if cfg.Logging.FilePath != "" {
		rfw, err := logging.NewRotatingFileWriter(logging.RotationConfig{
			Filename:           cfg.Logging.FilePath,
			MaxSizeMB:          cfg.Logging.MaxSizeMB,
			MaxAge:             time.Duration(cfg.Logging.MaxAgeDays) * 24 * time.Hour,
			MaxBackups:         cfg.Logging.MaxBackups,
			CompressionEnabled: cfg.Logging.Compress,
		})
		if err != nil {
			logging.Default().Error("opening rotating log file, logging to stdout only", err,
				logging.Component("server"), logging.String("path", cfg.Logging.FilePath))
		} else {
			outputs = append(outputs, rfw)
			closeFn = func() { rfw.Close() }
		}
	}

	return logging.NewLogger(logging.INFO, outputs...), closeFn
}

// newDevAuthService parses DEVAUTH_USERS ("username:bcrypt_hash:role:user_id"
// quadruples, semicolon-separated) into devauth.Credential entries. Only
// called when cfg.DevAuth.Enabled, which config.Validate refuses in
// production.
func newDevAuthService(cfg *config.Config, validator *fanout.TokenValidator, logger *logging.Logger) *devauth.Service {
	var creds []devauth.Credential
	for _, raw := range cfg.DevAuth.Users {
		parts := strings.Split(raw, ":")
		if len(parts) != 4 {
			logger.Warn("devauth: skipping malformed DEVAUTH_USERS entry", logging.Component("devauth"))
			continue
		}
		userID, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			logger.Warn("devauth: skipping entry with malformed user_id", logging.Component("devauth"))
			continue
		}
		creds = append(creds, devauth.Credential{
			Username:     parts[0],
			PasswordHash: []byte(parts[1]),
			Principal:    model.Principal{UserID: userID, Role: model.Role(parts[2])},
		})
	}
	return devauth.New(creds, validator, logger)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /ingest", s.handleIngest)

	mux.HandleFunc("GET /query/history", s.handleHistory)
	mux.HandleFunc("GET /query/latest", s.handleLatest)
	mux.HandleFunc("GET /query/route", s.handleRoutePoints)
	mux.HandleFunc("GET /query/panics", s.handlePanicEvents)
	mux.HandleFunc("GET /query/speed-violations", s.handleSpeedViolations)
	mux.HandleFunc("GET /query/daily-summary", s.handleDailySummary)
	mux.HandleFunc("GET /query/fleet-summary", s.handleFleetSummary)
	mux.HandleFunc("GET /query/parking", s.handleParkingDurations)

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(s.validator, w, r)
	})

	if s.dev != nil {
		mux.HandleFunc("POST /dev/login", s.handleDevLogin)
	}

	return mux
}

// handleDevLogin mints a bearer token for a seeded dev/test credential.
// Only registered when devauth is enabled, which config.Validate refuses
// outside non-production environments.
func (s *server) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, principal, err := s.dev.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   token,
		"user_id": principal.UserID,
		"role":    principal.Role,
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestRequest is the wire shape for a single device report, matching
// model.PositionReport field-for-field except for DeviceTS, carried as a
// plain string and parsed through tstamp.Parse rather than relying on
// encoding/json's own (zone-aware) time.Time decoding.
type ingestRequest struct {
	DeviceID      string  `json:"device_id"`
	DeviceTS      string  `json:"device_ts"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Speed         float64 `json:"speed"`
	Course        string  `json:"course"`
	Ignition      string  `json:"ignition"`
	VehicleStatus string  `json:"vehicle_status"`
	Status        string  `json:"status"`
	Panic         bool    `json:"panic"`
	GSMStrength   int     `json:"gsm_strength"`
	SequenceNo    string  `json:"sequence_no"`
	IMEI          string  `json:"imei"`
	SerialNo      string  `json:"serial_no"`
	SuperadminID  *int64  `json:"superadmin_id,omitempty"`
	AdminID       *int64  `json:"admin_id,omitempty"`
	DealerID      *int64  `json:"dealer_id,omitempty"`
	ClientID      *int64  `json:"client_id,omitempty"`
	UserID        *int64  `json:"user_id,omitempty"`
	DriverID      *int64  `json:"driver_id,omitempty"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	deviceTS, err := tstamp.Parse(req.DeviceTS)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report := model.PositionReport{
		DeviceID:      req.DeviceID,
		DeviceTS:      deviceTS,
		Lat:           req.Lat,
		Lon:           req.Lon,
		Speed:         req.Speed,
		Course:        req.Course,
		Ignition:      model.Ignition(req.Ignition),
		VehicleStatus: model.VehicleStatus(req.VehicleStatus),
		Status:        model.ReportStatus(req.Status),
		Panic:         req.Panic,
		GSMStrength:   req.GSMStrength,
		SequenceNo:    req.SequenceNo,
		IMEI:          req.IMEI,
		SerialNo:      req.SerialNo,
		Owner: model.OwnerChain{
			SuperadminID: req.SuperadminID,
			AdminID:      req.AdminID,
			DealerID:     req.DealerID,
			ClientID:     req.ClientID,
			UserID:       req.UserID,
			DriverID:     req.DriverID,
		},
	}

	status, err := s.ingest.Ingest(r.Context(), report)
	if err != nil {
		writeIngestError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func writeIngestError(w http.ResponseWriter, status ingest.Status, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, telemetryerr.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, telemetryerr.ErrPartitionMissing):
		code = http.StatusServiceUnavailable
	case errors.Is(err, telemetryerr.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, telemetryerr.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status), "error": err.Error()})
}

// authenticate resolves the caller's Principal from a bearer token,
// accepted either as ?token= or an Authorization: Bearer header, the
// same convention fanout.ServeWS uses for the websocket handshake.
func (s *server) authenticate(r *http.Request) (model.Principal, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if rest, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
				token = rest
			}
		}
	}
	if token == "" {
		return model.Principal{}, fmt.Errorf("%w: missing token", telemetryerr.ErrUnauthorized)
	}
	return s.validator.Validate(token)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.query.History(r.Context(), principal, deviceID, from, to)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleLatest(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	loc, err := s.query.Latest(r.Context(), principal, deviceID)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *server) handleRoutePoints(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bbox, err := parseBBox(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	points, err := s.query.RoutePoints(r.Context(), principal, deviceID, from, to, bbox)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *server) handlePanicEvents(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var deviceID *string
	if v := r.URL.Query().Get("device_id"); v != "" {
		deviceID = &v
	}
	events, err := s.query.PanicEvents(r.Context(), principal, deviceID, from, to)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleSpeedViolations(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := strconv.ParseFloat(r.URL.Query().Get("limit_kmh"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("limit_kmh: %w", err))
		return
	}
	rows, err := s.query.SpeedViolations(r.Context(), principal, deviceID, from, to, limit)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.query.DailySummary(r.Context(), principal, deviceID, from, to)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	adminID, err := strconv.ParseInt(r.URL.Query().Get("admin_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("admin_id: %w", err))
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.query.FleetSummary(r.Context(), principal, adminID, from, to)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleParkingDurations(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.query.ParkingDurations(r.Context(), principal, deviceID, from, to)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func parseRange(r *http.Request) (tstamp.T, tstamp.T, error) {
	from, err := tstamp.Parse(r.URL.Query().Get("from"))
	if err != nil {
		return tstamp.T{}, tstamp.T{}, fmt.Errorf("from: %w", err)
	}
	to, err := tstamp.Parse(r.URL.Query().Get("to"))
	if err != nil {
		return tstamp.T{}, tstamp.T{}, fmt.Errorf("to: %w", err)
	}
	return from, to, nil
}

func parseBBox(r *http.Request) (*query.BBox, error) {
	raw := r.URL.Query().Get("bbox")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must be minLat,minLon,maxLat,maxLon")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox: %w", err)
		}
		vals[i] = v
	}
	return &query.BBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}, nil
}

func writeQueryError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, telemetryerr.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, telemetryerr.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeError(w, code, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
