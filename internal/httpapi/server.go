// Package httpapi exposes the ledger operations over HTTP for a local UI.
package httpapi

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"billbook/internal/apperror"
	"billbook/internal/ledger"
	"billbook/internal/metrics"
)

type Options struct {
	Metrics      *metrics.Registry
	Logger       logrus.FieldLogger
	Location     *time.Location // day boundaries for reports
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	ledger  *ledger.Ledger
	metrics *metrics.Registry
	log     logrus.FieldLogger
	loc     *time.Location
	app     *fiber.App
}

func New(l *ledger.Ledger, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	s := &Server{ledger: l, metrics: opts.Metrics, log: opts.Logger, loc: opts.Location}
	s.app = fiber.New(fiber.Config{
		AppName:               "billbook",
		DisableStartupMessage: true,
		// Params outlive the request in mirror tasks and change events.
		Immutable:             true,
		BodyLimit:             opts.BodyLimit,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.accessLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)

	products := s.app.Group("/products")
	products.Get("/", s.listProducts)
	products.Post("/", s.addProduct)
	products.Put("/:id", s.updateProduct)
	products.Delete("/:id", s.deleteProduct)

	history := s.app.Group("/history")
	history.Get("/", s.listHistory)
	history.Post("/", s.saveBill)
	history.Delete("/:id", s.deleteHistoryItem)

	s.app.Get("/settings/vendor-name", s.getVendorName)
	s.app.Put("/settings/vendor-name", s.saveVendorName)

	session := s.app.Group("/session")
	session.Get("/", s.getSession)
	session.Post("/sign-in", s.signIn)
	session.Post("/sign-out", s.signOut)

	s.app.Get("/snapshot", s.exportSnapshot)
	s.app.Post("/snapshot", s.importSnapshot)

	s.app.Get("/reports/daily", s.dailyReport)
	s.app.Get("/reports/summary", s.summaryReport)

	if s.metrics != nil {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(s.metrics.Handler())
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}
}

// App returns the underlying fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown() error { return s.app.Shutdown() }

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status = statusOf(err)
	}
	s.log.WithFields(logrus.Fields{
		"method":  c.Method(),
		"path":    c.Path(),
		"status":  status,
		"latency": time.Since(start).String(),
	}).Debug("http request")
	return err
}

type errorBody struct {
	Kind    string                `json:"kind"`
	Message string                `json:"message"`
	Errors  []apperror.FieldError `json:"errors,omitempty"`
}

func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch apperror.KindOf(err) {
	case apperror.Validation:
		return fiber.StatusUnprocessableEntity
	case apperror.NotFound:
		return fiber.StatusNotFound
	case apperror.RemoteUnavailable:
		return fiber.StatusServiceUnavailable
	case apperror.ImportFormat:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	body := errorBody{Kind: apperror.KindOf(err).String(), Message: err.Error()}
	if ae, ok := apperror.As(err); ok {
		body.Message = ae.Message
		body.Errors = ae.Fields
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		body.Kind = "request"
		body.Message = fe.Message
	}
	if code >= fiber.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{"method": c.Method(), "path": c.Path()}).WithError(err).Error("request failed")
	}
	return c.Status(code).JSON(body)
}
