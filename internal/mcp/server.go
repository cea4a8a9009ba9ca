// Package mcp exposes the answering pipeline and user memory as MCP tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rand/finagent/internal/app"
	"github.com/rand/finagent/internal/memory"
)

// Server wraps the MCP SDK server around an App.
type Server struct {
	MCPServer *sdkmcp.Server

	app *app.App
	log *slog.Logger
}

// NewServer creates an MCP server with the ask and memory tools registered.
func NewServer(a *app.App, version string) *Server {
	s := &Server{
		app: a,
		log: slog.Default().With("component", "mcp"),
		MCPServer: sdkmcp.NewServer(
			&sdkmcp.Implementation{Name: "finagent", Version: version},
			nil,
		),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "ask",
		Description: "Answer a personal finance question. High risk questions are verified against retrieved evidence before they are answered.",
	}, s.handleAsk)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "memory_profile",
		Description: "Read a user's profile. Fields that are set are updated first; the profile is only written when it changes.",
	}, s.handleMemoryProfile)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "reset_memory",
		Description: "Delete everything remembered about a user and clear cached answers.",
	}, s.handleResetMemory)
}

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("Starting finagent MCP server over stdio")
	return s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}

// --- Tool input/output types ---

type askInput struct {
	UserID string `json:"user_id" jsonschema:"identifier of the asking user"`
	Query  string `json:"query" jsonschema:"the question to answer"`
}

type askOutput struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations,omitempty"`
	Mode      string   `json:"mode"`
	Notice    string   `json:"notice,omitempty"`
	Verified  bool     `json:"verified"`
	Path      string   `json:"path"`
	Attempts  int      `json:"attempts"`
	RunID     string   `json:"run_id"`
	Warning   string   `json:"warning,omitempty"`
}

type memoryProfileInput struct {
	UserID           string `json:"user_id" jsonschema:"identifier of the user"`
	RiskTolerance    string `json:"risk_tolerance,omitempty" jsonschema:"set risk tolerance: low, medium or high"`
	ExplanationDepth string `json:"explanation_depth,omitempty" jsonschema:"set explanation depth: simple, detailed or technical"`
	Style            string `json:"style,omitempty" jsonschema:"set answer style: formal, casual or concise"`
}

type memoryProfileOutput struct {
	UserID           string `json:"user_id"`
	Status           string `json:"status"`
	RiskTolerance    string `json:"risk_tolerance"`
	ExplanationDepth string `json:"explanation_depth"`
	Style            string `json:"style"`
	Changed          bool   `json:"changed"`
	Turns            int    `json:"turns"`
}

type resetMemoryInput struct {
	UserID string `json:"user_id" jsonschema:"identifier of the user to forget"`
}

type resetMemoryOutput struct {
	OK     string `json:"ok"`
	UserID string `json:"user_id"`
}

// --- Handlers ---

func (s *Server) handleAsk(ctx context.Context, _ *sdkmcp.CallToolRequest, input askInput) (*sdkmcp.CallToolResult, askOutput, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, askOutput{}, errors.New("user_id is required")
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, askOutput{}, errors.New("query is required")
	}

	resp, err := s.app.Ask(ctx, input.UserID, input.Query)
	if err != nil {
		s.log.Warn("ask failed", "user", input.UserID, "error", err)
		return nil, askOutput{}, err
	}

	out := askOutput{
		Answer:    resp.Answer.Text,
		Citations: resp.Answer.Citations,
		Mode:      string(resp.Answer.Mode),
		Notice:    resp.Answer.Notice,
		Verified:  resp.Verified(),
		Path:      string(resp.State.Path),
		Attempts:  resp.State.Attempt,
		RunID:     resp.State.RunID,
	}
	if resp.Err != nil {
		out.Warning = resp.Err.Error()
	}
	return nil, out, nil
}

func (s *Server) handleMemoryProfile(ctx context.Context, _ *sdkmcp.CallToolRequest, input memoryProfileInput) (*sdkmcp.CallToolResult, memoryProfileOutput, error) {
	mem := s.app.Memory
	status, err := mem.Status(ctx, input.UserID)
	if err != nil {
		return nil, memoryProfileOutput{}, err
	}
	rec, err := mem.Get(ctx, input.UserID)
	if err != nil {
		return nil, memoryProfileOutput{}, err
	}

	profile, err := memory.OverrideProfile(rec.Profile, input.RiskTolerance, input.ExplanationDepth, input.Style)
	if err != nil {
		return nil, memoryProfileOutput{}, err
	}
	changed := false
	if profile != rec.Profile {
		changed, err = mem.SetProfile(ctx, input.UserID, profile)
		if err != nil {
			return nil, memoryProfileOutput{}, fmt.Errorf("set profile: %w", err)
		}
	}

	return nil, memoryProfileOutput{
		UserID:           input.UserID,
		Status:           string(status),
		RiskTolerance:    profile.RiskTolerance.String(),
		ExplanationDepth: string(profile.ExplanationDepth),
		Style:            string(profile.Style),
		Changed:          changed,
		Turns:            rec.Turns,
	}, nil
}

func (s *Server) handleResetMemory(ctx context.Context, _ *sdkmcp.CallToolRequest, input resetMemoryInput) (*sdkmcp.CallToolResult, resetMemoryOutput, error) {
	if err := s.app.Memory.Reset(ctx, input.UserID); err != nil {
		return nil, resetMemoryOutput{}, err
	}
	s.log.Info("memory reset", "user", input.UserID)
	return nil, resetMemoryOutput{OK: "reset", UserID: input.UserID}, nil
}
