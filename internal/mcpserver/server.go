package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Server reads {tool, args} envelopes from stdin, one per line, and writes
// the {success, result, error, warnings, actions, suggestions} envelope to
// stdout. One request per line, no batching or JSON-RPC framing — the
// stdio transport is as thin as the envelope itself.
type Server struct {
	deps *Deps
}

// New builds a Server over the given shared subsystems.
func New(deps *Deps) *Server {
	return &Server{deps: deps}
}

// Run blocks reading stdin until it's closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	s.deps.Logger.Info("mcpserver started")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleLine(ctx, line)
		if err := encoder.Encode(resp); err != nil {
			s.deps.Logger.Error("write response", "error", err)
			return fmt.Errorf("mcpserver: writing response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("mcpserver: reading stdin: %w", err)
	}
	s.deps.Logger.Info("mcpserver stopped (stdin closed)")
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return fail(ErrInvalidInput, "malformed request envelope", err.Error())
	}
	return s.Dispatch(ctx, req)
}

// Dispatch routes one {tool, args} request to its handler. Exported so the
// operator console and any in-process caller can invoke a tool without
// going through the stdio transport.
func (s *Server) Dispatch(ctx context.Context, req Request) *Response {
	args, err := parseArgs(req.Args)
	if err != nil {
		return fail(ErrInvalidInput, "malformed args", err.Error())
	}

	start := time.Now()
	defer func() {
		s.deps.Logger.Debug("tool call", "tool", req.Tool, "duration", time.Since(start))
	}()

	switch req.Tool {
	case "status":
		return s.handleStatus(ctx, args)
	case "open":
		return s.handleOpen(ctx, args)
	case "workspace":
		return s.handleWorkspace(ctx, args)
	case "tasks":
		return s.handleTasks(ctx, args)
	case "jobs":
		return s.handleJobs(ctx, args)
	case "think":
		return s.handleThink(ctx, args)
	case "graph":
		return s.handleGraph(ctx, args)
	case "vcs":
		return s.handleVCS(ctx, args)
	case "docs":
		return s.handleDocs(ctx, args)
	case "system":
		return s.handleSystem(ctx, args)
	default:
		return fail(ErrUnknownTool, fmt.Sprintf("unknown tool %q", req.Tool), fmt.Sprintf("valid tools: %v", ToolNames))
	}
}
