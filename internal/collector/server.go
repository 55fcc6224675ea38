// Package collector receives the teardown beacons sent by clients and
// writes them to the backend. Events are idempotent by ID and session
// updates are last-write-wins, so a beacon that duplicates a normal flush
// or session close is harmless. The collector never touches daily stats.
package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/unload"
)

// MaxBatch is the most events accepted in one request.
const MaxBatch = 500

var jsonAPI = sonic.Config{
	UseNumber:        true,
	EscapeHTML:       false,
	CompactMarshaler: true,
}.Froze()

// Backend is the store the collector writes to.
type Backend interface {
	InsertEvents(ctx context.Context, events []store.TelemetryEvent) error
	UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) error
}

// Options configures a Server.
type Options struct {
	Backend Backend
	Logger  *zap.Logger

	// Registry receives the collector metrics and is served on /metrics.
	// Default: a fresh registry.
	Registry *prometheus.Registry
}

// Server is the beacon collector.
type Server struct {
	app      *fiber.App
	backend  Backend
	log      *zap.Logger
	validate *validator.Validate
	schemas  schemaSet
	registry *prometheus.Registry

	ingested prometheus.Counter
	sessions prometheus.Counter
	rejected *prometheus.CounterVec
}

type eventRequest struct {
	ID        string         `json:"id" validate:"required,max=64"`
	UserID    string         `json:"user_id" validate:"required,max=128"`
	SessionID string         `json:"session_id" validate:"omitempty,max=64"`
	EventType string         `json:"event_type" validate:"required,max=64"`
	Payload   map[string]any `json:"payload"`
	PagePath  string         `json:"page_path" validate:"max=2048"`
	CreatedAt time.Time      `json:"created_at" validate:"required"`
}

// New creates a Server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("collector: backend is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	s := &Server{
		backend:  opts.Backend,
		log:      opts.Logger,
		validate: validator.New(),
		schemas:  schemas,
		registry: opts.Registry,
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "collector",
			Name:      "events_ingested_total",
			Help:      "Events received through the events beacon",
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "collector",
			Name:      "sessions_closed_total",
			Help:      "Session end times applied through the session beacon",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "collector",
			Name:      "rejected_total",
			Help:      "Beacon requests rejected, by route and reason",
		}, []string{"route", "reason"}),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("collector")
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if err := s.registerMetrics(); err != nil {
		return nil, err
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "beacon-collector",
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
		JSONEncoder:           jsonAPI.Marshal,
		JSONDecoder:           jsonAPI.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	s.app.Use(recover.New())

	s.app.Post(unload.DefaultEventsDest, s.handleEvents)
	s.app.Post(unload.DefaultSessionDest, s.handleSession)
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return s, nil
}

func (s *Server) registerMetrics() error {
	for _, c := range []prometheus.Collector{s.ingested, s.sessions, s.rejected} {
		if err := s.registry.Register(c); err != nil {
			return fmt.Errorf("collector: register metrics: %w", err)
		}
	}
	return nil
}

// App returns the fiber app, for tests and embedding.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", addr))
		return s.app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	var reqs []eventRequest
	if err := jsonAPI.Unmarshal(c.Body(), &reqs); err != nil {
		return s.reject(c, "events", "decode", fiber.StatusBadRequest, err)
	}
	if len(reqs) == 0 {
		return s.reject(c, "events", "empty", fiber.StatusBadRequest, errors.New("no events"))
	}
	if len(reqs) > MaxBatch {
		return s.reject(c, "events", "too_large", fiber.StatusRequestEntityTooLarge,
			fmt.Errorf("%d events exceeds limit of %d", len(reqs), MaxBatch))
	}

	events := make([]store.TelemetryEvent, 0, len(reqs))
	for i, r := range reqs {
		if err := s.validate.Struct(r); err != nil {
			return s.reject(c, "events", "envelope", fiber.StatusBadRequest, fmt.Errorf("event %d: %w", i, err))
		}
		if err := s.schemas.validate(r.EventType, r.Payload); err != nil {
			return s.reject(c, "events", "payload", fiber.StatusBadRequest, fmt.Errorf("event %d: %w", i, err))
		}
		events = append(events, store.TelemetryEvent{
			ID:        r.ID,
			UserID:    r.UserID,
			SessionID: r.SessionID,
			EventType: r.EventType,
			Payload:   r.Payload,
			PagePath:  r.PagePath,
			CreatedAt: r.CreatedAt,
		})
	}

	if err := s.backend.InsertEvents(c.UserContext(), events); err != nil {
		s.log.Error("insert events failed", zap.Int("events", len(events)), zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "backend unavailable")
	}
	s.ingested.Add(float64(len(events)))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": len(events)})
}

func (s *Server) handleSession(c *fiber.Ctx) error {
	var req unload.SessionBeacon
	if err := jsonAPI.Unmarshal(c.Body(), &req); err != nil {
		return s.reject(c, "session", "decode", fiber.StatusBadRequest, err)
	}
	if err := s.validate.Struct(req); err != nil {
		return s.reject(c, "session", "envelope", fiber.StatusBadRequest, err)
	}

	endedAt := req.EndedAt.UTC()
	duration := req.DurationSeconds
	err := s.backend.UpdateSession(c.UserContext(), req.SessionID, store.SessionUpdate{
		EndedAt:         &endedAt,
		DurationSeconds: &duration,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return s.reject(c, "session", "unknown_session", fiber.StatusNotFound,
			fmt.Errorf("session %s not found", req.SessionID))
	}
	if err != nil {
		s.log.Error("update session failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "backend unavailable")
	}
	s.sessions.Inc()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) reject(c *fiber.Ctx, route, reason string, code int, err error) error {
	s.rejected.WithLabelValues(route, reason).Inc()
	s.log.Debug("beacon rejected",
		zap.String("route", route),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
