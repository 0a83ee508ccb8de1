// Package adminserver implements the local HTTP handshake spec.md §6
// describes: a running atapp instance exposes a tiny endpoint so a second
// invocation of the CLI (stop/reload/run) can deliver a custom command and
// print back whatever response lines the running instance returns.
package adminserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/obslog"
)

// CommandHandler executes one custom command the running instance
// received and returns the response lines `run` prints, or an error.
type CommandHandler interface {
	HandleCommand(cmd string, args []string, upgrade bool) ([]string, error)
}

type commandRequest struct {
	Cmd     string   `json:"cmd"`
	Args    []string `json:"args"`
	Upgrade bool     `json:"upgrade"`
}

type commandResponse struct {
	Lines []string `json:"lines"`
	Error string   `json:"error,omitempty"`
}

// Server is the fiber-backed admin endpoint one running atapp instance
// binds on its preferred listen address.
type Server struct {
	app     *fiber.App
	addr    string
	handler CommandHandler

	listenMu sync.Mutex
	listener net.Listener
}

// NewServer builds a Server bound to addr (host:port) that dispatches
// every POST /command to handler.
func NewServer(addr string, handler CommandHandler) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	s := &Server{app: app, addr: addr, handler: handler}
	app.Post("/command", s.handleCommand)
	return s
}

func (s *Server) handleCommand(c *fiber.Ctx) error {
	var req commandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(commandResponse{Error: errs.ErrBadData.Error()})
	}
	if req.Cmd == "" {
		return c.Status(fiber.StatusBadRequest).JSON(commandResponse{Error: errs.ErrCommandIsNull.Error()})
	}

	lines, err := s.handler.HandleCommand(req.Cmd, req.Args, req.Upgrade)
	if err != nil {
		obslog.Warnw("admin command failed", "cmd", req.Cmd, "error", err.Error())
		return c.Status(fiber.StatusOK).JSON(commandResponse{Lines: lines, Error: err.Error()})
	}
	return c.Status(fiber.StatusOK).JSON(commandResponse{Lines: lines})
}

// Start binds s.addr and blocks serving the admin endpoint until Stop is
// called. Binding happens synchronously so ListenAddr is valid as soon as
// Start returns control to a background goroutine's caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenMu.Unlock()
	return s.app.Listener(ln)
}

// ListenAddr reports the bound address, useful when addr was given as
// "host:0" and the actual port must be discovered (tests, ephemeral admin
// ports). Returns nil until Start has bound its listener.
func (s *Server) ListenAddr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the admin endpoint down.
func (s *Server) Stop(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// SendCommand is the client half of the handshake: it POSTs cmd/args to a
// running instance's admin address and returns the response lines.
func SendCommand(addr, cmd string, args []string, upgrade bool) ([]string, error) {
	body, err := json.Marshal(commandRequest{Cmd: cmd, Args: args, Upgrade: upgrade})
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/command", addr)
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(err, "failed to reach running instance")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out commandResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Wrap(err, "malformed response from running instance")
	}
	if out.Error != "" {
		return out.Lines, fmt.Errorf("%s", out.Error)
	}
	return out.Lines, nil
}
