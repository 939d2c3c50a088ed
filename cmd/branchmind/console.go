package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/branchmind-dev/branchmind/internal/capsule"
	"github.com/branchmind-dev/branchmind/internal/mcpserver"
	"github.com/branchmind-dev/branchmind/internal/portal"
)

// runConsole drives an interactive operator REPL over the same dispatcher
// the stdio MCP loop uses, so a human can poke at a workspace with shell-style
// lines instead of hand-writing JSON envelopes.
func runConsole(ctx context.Context, server *mcpserver.Server, logger *slog.Logger) error {
	historyPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyPath = filepath.Join(home, ".branchmind_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "branchmind> ",
		HistoryFile:       historyPath,
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return fmt.Errorf("console: readline init: %w", err)
	}
	defer rl.Close()

	isTTY := isatty.IsTerminal(os.Stdout.Fd())

	fmt.Println("branchmind operator console — type a tool name and key=value args, 'help' for tool list, exit/Ctrl-D to quit")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if input == "help" {
			fmt.Println("tools:", strings.Join(mcpserver.ToolNames, ", "))
			continue
		}

		tool, args, err := parseConsoleLine(input)
		if err != nil {
			fmt.Fprintln(os.Stderr, "parse error:", err)
			continue
		}

		raw, err := json.Marshal(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode error:", err)
			continue
		}

		resp := server.Dispatch(ctx, mcpserver.Request{Tool: tool, Args: raw})
		printConsoleResponse(resp, isTTY)
	}
}

// parseConsoleLine splits "tool key=value key2=\"quoted value\"" into a tool
// name and an args map, honoring double-quoted values with spaces.
func parseConsoleLine(input string) (string, map[string]any, error) {
	tokens, err := splitConsoleTokens(input)
	if err != nil {
		return "", nil, err
	}
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("empty input")
	}

	tool := tokens[0]
	args := make(map[string]any, len(tokens)-1)
	for _, tok := range tokens[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			return "", nil, fmt.Errorf("expected key=value, got %q", tok)
		}
		args[key] = coerceConsoleValue(value)
	}
	return tool, args, nil
}

// coerceConsoleValue turns bare "true"/"false" and integer-looking tokens
// into their native JSON types so operators don't need to quote booleans.
func coerceConsoleValue(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return value
}

func splitConsoleTokens(input string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// printConsoleResponse prints a response either as the line-protocol summary
// (C11) when stdout is a TTY and the result carries a capsule, or as raw
// JSON otherwise — a pipe or redirect almost always wants the full
// machine-readable payload, not a 1-3 line summary meant for a human eye.
func printConsoleResponse(resp *mcpserver.Response, isTTY bool) {
	if resp == nil {
		fmt.Println("(no response)")
		return
	}
	if !resp.Success {
		fmt.Printf("error: %s — %s\n", resp.Error.Code, resp.Error.Message)
		if resp.Error.Recovery != "" {
			fmt.Println("  recovery:", resp.Error.Recovery)
		}
		return
	}

	if isTTY {
		if line, ok := renderCapsuleLine(resp.Result); ok {
			fmt.Println(line)
			for _, w := range resp.Warnings {
				fmt.Println("warning:", w)
			}
			return
		}
	}

	encoded, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		fmt.Println("(unable to render result)")
		return
	}
	fmt.Println(string(encoded))
	for _, w := range resp.Warnings {
		fmt.Println("warning:", w)
	}
	for _, a := range resp.Actions {
		fmt.Printf("suggested action: %s (%s)\n", a.Kind, a.Priority)
	}
}

// renderCapsuleLine extracts a "capsule" field from a result map (present on
// think's budget-composed envelopes) and renders it through the portal
// line-protocol renderer. Returns ok=false when the result carries no
// capsule, so the caller can fall back to raw JSON.
func renderCapsuleLine(result any) (string, bool) {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := resultMap["capsule"]
	if !ok {
		return "", false
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", false
	}
	var c capsule.Capsule
	if err := json.Unmarshal(encoded, &c); err != nil {
		return "", false
	}

	return portal.Render(portal.Resume{Focus: c.Focus, Capsule: &c}, portal.RenderOptions{}), true
}
