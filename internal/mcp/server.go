package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"deskpilot/internal/companion"
	"deskpilot/internal/config"
	"deskpilot/internal/diag"
	"deskpilot/internal/journal"
)

// Controller is the running companion as the control surface sees it.
type Controller interface {
	Status() companion.Status
	Ack()
	Live() *config.Live
	ProbeLive(ctx context.Context) (companion.ProbeReport, error)
}

// Server exposes the companion as MCP tools (stdio or SSE) and, in SSE
// mode, as a small REST API on the same port.
type Server struct {
	cfg       config.Config
	ctl       Controller
	engine    *diag.Engine
	journal   *journal.Journal
	log       *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

var (
	ErrNoController = eris.New("mcp: controller is required")
	ErrUnknownTool  = eris.New("mcp: tool not found")
)

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools. engine and
// j may be nil; the tools that need them then report they are unavailable.
func NewServer(cfg config.Config, ctl Controller, engine *diag.Engine, j *journal.Journal, log *zap.Logger) (*Server, error) {
	if ctl == nil {
		return nil, ErrNoController
	}
	if log == nil {
		log = zap.L()
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		ctl:       ctl,
		engine:    engine,
		journal:   j,
		log:       log.Named("mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}
	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves MCP over stdio until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts MCP over SSE plus the REST endpoints, with graceful
// shutdown when ctx ends.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Router("http://localhost:" + strconv.Itoa(port)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("serving", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.log.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Router builds the HTTP handler: SSE transport plus the REST API.
func (s *Server) Router(baseURL string) http.Handler {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL(baseURL))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/sse", sseServer.SSEHandler())
	r.Handle("/message", sseServer.MessageHandler())
	s.registerREST(r)
	return r
}

// ExecuteTool executes a tool directly (used by tests and the REST API).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, eris.Wrap(ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	s.registerTool(&StatusTool{ctl: s.ctl})
	s.registerTool(&AckTool{ctl: s.ctl})
	s.registerTool(&ConfigGetTool{ctl: s.ctl})
	s.registerTool(&ConfigSetTool{ctl: s.ctl, log: s.log})
	s.registerTool(&ProbeTool{ctl: s.ctl})

	s.registerTool(&DiagQueryTool{engine: s.engine})
	s.registerTool(&DiagFactsTool{engine: s.engine})
	s.registerTool(&DiagRuleTool{engine: s.engine})

	s.registerTool(&HistoryTool{journal: s.journal})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.log.Debug("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
