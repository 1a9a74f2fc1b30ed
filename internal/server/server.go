// Package server exposes recorded outputs and state over HTTP so the routing
// layer can read them without shell access to the deployer.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/state"
)

// Source is where the server reads recorded state from.
type Source interface {
	Outputs(ctx context.Context) (map[string]string, error)
	State(ctx context.Context) (*state.State, error)
}

type resourceView struct {
	Address      string            `json:"address"`
	Type         string            `json:"type"`
	Attributes   map[string]string `json:"attributes"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Retained     bool              `json:"retained,omitempty"`
}

// stateView leaves out resource inputs; they can carry secrets.
type stateView struct {
	Serial    int64             `json:"serial"`
	Lineage   string            `json:"lineage"`
	UpdatedAt time.Time         `json:"updated_at"`
	Resources []resourceView    `json:"resources"`
	Outputs   map[string]string `json:"outputs"`
}

type Server struct {
	app    *fiber.App
	source Source
	logger *zap.Logger
}

func New(source Source, logger *zap.Logger) *Server {
	s := &Server{source: source, logger: logger}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(s.logRequests)
	s.app.Get("/health", s.health)
	s.app.Get("/outputs", s.outputs)
	s.app.Get("/outputs/:name", s.output)
	s.app.Get("/state", s.state)
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(address string) error {
	s.logger.Info("listening", zap.String("address", address))
	return s.app.Listen(address)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	s.logger.Info("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)))
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) outputs(c *fiber.Ctx) error {
	outputs, err := s.source.Outputs(c.Context())
	if err != nil {
		return err
	}
	if len(outputs) == 0 {
		return fiber.NewError(fiber.StatusNotFound, "no outputs recorded; run apply first")
	}
	return c.JSON(outputs)
}

func (s *Server) output(c *fiber.Ctx) error {
	outputs, err := s.source.Outputs(c.Context())
	if err != nil {
		return err
	}
	name := c.Params("name")
	value, ok := outputs[name]
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown output "+name)
	}
	return c.JSON(fiber.Map{name: value})
}

func (s *Server) state(c *fiber.Ctx) error {
	st, err := s.source.State(c.Context())
	if err != nil {
		return err
	}
	view := stateView{
		Serial:    st.Serial,
		Lineage:   st.Lineage,
		UpdatedAt: st.UpdatedAt,
		Resources: make([]resourceView, 0, len(st.Resources)),
		Outputs:   st.Outputs,
	}
	for _, r := range st.Resources {
		view.Resources = append(view.Resources, resourceView{
			Address:      r.Address,
			Type:         r.Type,
			Attributes:   r.Attributes,
			Dependencies: r.Dependencies,
			Retained:     r.Retained,
		})
	}
	return c.JSON(view)
}
