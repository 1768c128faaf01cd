package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/revued-io/revued/internal/config"
	"github.com/revued-io/revued/internal/eval"
	"github.com/revued-io/revued/internal/metrics"
	"github.com/revued-io/revued/internal/session"
	"github.com/revued-io/revued/internal/transport"
	"github.com/revued-io/revued/internal/workflow"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "submit":
		cmdSubmit(os.Args[2:])
	case "status":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: revuectl status <session_id>")
			os.Exit(1)
		}
		cmdStatus(os.Args[2])
	case "result":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: revuectl result <session_id>")
			os.Exit(1)
		}
		cmdResult(os.Args[2])
	case "abort":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: revuectl abort <session_id>")
			os.Exit(1)
		}
		cmdAbort(os.Args[2])
	case "sessions":
		cmdSessions(os.Args[2:])
	case "agents":
		cmdAgents()
	case "calls":
		cmdCalls(os.Args[2:])
	case "health":
		cmdHealth()
	case "eval":
		cmdEval(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: revuectl config validate <path>")
			os.Exit(2)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- review commands ---

func cmdSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	paperID := fs.String("paper-id", "", "Paper identifier (defaults to the input ref)")
	sessionID := fs.String("session", "", "Explicit session ID")
	wait := fs.Bool("wait", false, "Block until the run reaches a terminal state")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: revuectl submit [flags] <input_ref>")
		os.Exit(1)
	}
	inputRef := fs.Arg(0)

	payload := map[string]string{"input_ref": inputRef}
	if *paperID != "" {
		payload["paper_id"] = *paperID
	}
	if *sessionID != "" {
		payload["session_id"] = *sessionID
	}

	body, err := apiPost("/api/reviews", payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var resp map[string]string
	json.Unmarshal(body, &resp)
	id := resp["session_id"]
	fmt.Printf("submitted: %s\n", id)

	if *wait {
		os.Exit(waitTerminal(id))
	}
}

// waitTerminal polls until the run finishes and returns the exit code:
// 0 for completed, 1 for failed or aborted.
func waitTerminal(sessionID string) int {
	for {
		body, err := apiGet("/api/reviews/" + sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		var run struct {
			TerminalState string `json:"terminal_state"`
			FailureCause  string `json:"failure_cause"`
		}
		json.Unmarshal(body, &run)
		switch run.TerminalState {
		case "completed":
			fmt.Println("completed")
			return 0
		case "failed", "aborted":
			fmt.Printf("%s: %s\n", run.TerminalState, run.FailureCause)
			return 1
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdStatus(id string) {
	body, err := apiGet("/api/reviews/" + id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdResult(id string) {
	body, err := apiGet("/api/reviews/" + id + "/result")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdAbort(id string) {
	body, err := apiPost("/api/reviews/"+id+"/abort", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	active := fs.Bool("active", false, "Only runs still in flight")
	fs.Parse(args)

	path := "/api/reviews"
	if *active {
		path += "?active=true"
	}
	body, err := apiGet(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var runs []map[string]any
	json.Unmarshal(body, &runs)
	for _, r := range runs {
		state, _ := r["terminal_state"].(string)
		if state == "none" || state == "" {
			state = "active"
		}
		fmt.Printf("%-38s %-10s %s\n", r["session_id"], state, r["paper_id"])
	}
}

func cmdAgents() {
	body, err := apiGet("/api/agents")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var statuses []map[string]any
	json.Unmarshal(body, &statuses)
	for _, st := range statuses {
		state := "unhealthy"
		if healthy, _ := st["healthy"].(bool); healthy {
			state = "healthy"
		}
		fmt.Printf("%-15s %-10s %s\n", st["agent"], state, st["address"])
	}
}

func cmdCalls(args []string) {
	fs := flag.NewFlagSet("calls", flag.ExitOnError)
	sessionID := fs.String("session", "", "Aggregate calls for one session")
	limit := fs.Int("limit", 50, "Max records")
	fs.Parse(args)

	path := fmt.Sprintf("/api/calls?limit=%d", *limit)
	if *sessionID != "" {
		path = "/api/calls?session=" + *sessionID
	}
	body, err := apiGet(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

// --- eval ---

// cmdEval runs the evaluation harness in-process against the configured
// agent services, without needing a running daemon.
func cmdEval(args []string) {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	casesPath := fs.String("cases", "", "Path to JSON case file")
	configPath := fs.String("config", "", "Path to config JSON file (env when omitted)")
	outPath := fs.String("out", "-", "Report destination, - for stdout")
	verbose := fs.Bool("v", false, "Verbose logging")
	fs.Parse(args)

	if *casesPath == "" {
		fmt.Fprintln(os.Stderr, "error: -cases is required")
		os.Exit(1)
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cases, err := eval.LoadCases(*casesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	buf := metrics.New(2000)
	client := transport.New(cfg.Addresses(), time.Duration(cfg.Orchestrator.CallTimeoutSecs)*time.Second, logger, buf)
	machine := workflow.New(session.NewMemoryStore(), client, workflow.Config{
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
		CallTimeout: time.Duration(cfg.Orchestrator.CallTimeoutSecs) * time.Second,
		BackoffBase: time.Duration(cfg.Orchestrator.BackoffMillis) * time.Millisecond,
	}, logger)

	harness := eval.New(machine, buf, logger)
	report := harness.Run(context.Background(), cases)
	machine.Wait()

	if err := eval.WriteReport(report, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "passed %d/%d\n", report.Passed, report.Total)
	if report.Passed < report.Total {
		os.Exit(1)
	}
}

func cmdConfigValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(2)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo(http.MethodGet, path, nil)
}

func apiPost(path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	return apiDo(http.MethodPost, path, body)
}

func apiDo(method, path string, body io.Reader) ([]byte, error) {
	base := envOr("REVUED_API_URL", "http://localhost:8080")

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("REVUED_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("revuectl - paper review orchestrator CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  submit <input_ref>    Submit a document for review (--paper-id, --session, --wait)")
	fmt.Println("  status <id>           Show run status")
	fmt.Println("  result <id>           Show the final review of a completed run")
	fmt.Println("  abort <id>            Abort an active run")
	fmt.Println("  sessions              List runs (--active)")
	fmt.Println("  agents                Show agent health")
	fmt.Println("  calls                 Show transport call records (--session, --limit)")
	fmt.Println("  health                Check daemon health")
	fmt.Println("  eval                  Run evaluation cases (-cases, -config, -out)")
	fmt.Println("  config validate <p>   Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  REVUED_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  REVUED_API_KEY   API key for authentication")
}
