package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/theory/cli/config"
	"github.com/pithecene-io/theory/cli/tui"
	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/orchestrator"
	"github.com/pithecene-io/theory/types"
	"github.com/pithecene-io/theory/worldpath"
)

// Exit codes.
const (
	exitSuccess = 0
	exitError   = 1
)

// RunCommand returns the run command, the only command that executes work.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Invoke a tool and wait for its terminal envelope",
		Flags: []cli.Flag{
			ConfigFlag,
			JSONFlag,
			&cli.StringFlag{
				Name:     "ref",
				Usage:    "Tool reference (ns/name@ver)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Run mode: mock or real",
			},
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "Lane adapter: local or remote",
			},
			&cli.BoolFlag{
				Name:  "build",
				Usage: "Use the locally built image instead of the pinned digest",
			},
			&cli.StringFlag{
				Name:  "platform",
				Usage: "Pinned-lane platform: amd64 or arm64",
			},
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Stream tokens, logs, and events while the run executes",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Invocation timeout in seconds",
			},
			&cli.StringFlag{
				Name:  "write-prefix",
				Usage: "Override artifact write prefix (may carry {execution_id})",
			},
			&cli.StringFlag{
				Name:  "inputs-json",
				Usage: "Inputs document as inline JSON",
			},
			&cli.StringFlag{
				Name:  "inputs-file",
				Usage: "Path to inputs JSON file",
			},
			&cli.StringFlag{
				Name:  "plan",
				Usage: "Budget plan key for ledger settlement",
			},
			&cli.Int64Flag{
				Name:  "estimate-hi-micro",
				Usage: "Reservation high-watermark in micro-units (with --plan)",
			},
			&cli.StringFlag{
				Name:  "save-dir",
				Usage: "Download all outputs into this directory after success",
			},
			&cli.StringFlag{
				Name:  "save-first",
				Usage: "Download the first output to this file after success",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}

	inputs, err := readInputs(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid inputs: %v", err), exitError)
	}

	logger := log.Nop()
	if !c.Bool("json") {
		logger = log.NewLoggerWithWriter(log.Context{ToolRef: c.String("ref")}, os.Stderr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	deps, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer deps.Close()

	req := buildRequest(c, cfg, inputs)

	var result *orchestrator.Result
	switch {
	case c.Bool("stream") && isTTY(os.Stdout) && !c.Bool("json"):
		stream := deps.orch.InvokeStream(ctx, req)
		result, err = tui.Stream(req.Ref, req.ExecutionID, stream)
	case c.Bool("stream"):
		result, err = streamJSONLines(ctx, deps.orch, req, os.Stdout)
	default:
		result, err = deps.orch.Invoke(ctx, req)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("execution failed: %v", err), exitError)
	}

	if err := printEnvelope(c, result.Envelope); err != nil {
		return err
	}

	if result.Envelope.Status == types.StatusSuccess {
		if err := saveOutputs(ctx, c, deps, result); err != nil {
			return cli.Exit(fmt.Sprintf("save outputs: %v", err), exitError)
		}
		return cli.Exit("", exitSuccess)
	}
	return cli.Exit("", exitError)
}

// buildRequest merges flags over config defaults.
func buildRequest(c *cli.Context, cfg *config.Config, inputs json.RawMessage) *orchestrator.Request {
	mode := c.String("mode")
	if mode == "" {
		mode = cfg.Run.Mode
	}
	adapterName := c.String("adapter")
	if adapterName == "" {
		adapterName = cfg.Adapter.Default
	}
	timeout := time.Duration(c.Int("timeout")) * time.Second
	if timeout <= 0 {
		timeout = cfg.Run.Timeout.Duration
	}
	lane := orchestrator.LanePinned
	if c.Bool("build") {
		lane = orchestrator.LaneBuild
	}
	return &orchestrator.Request{
		Ref:             c.String("ref"),
		Mode:            mode,
		Inputs:          inputs,
		Adapter:         adapterName,
		Lane:            lane,
		Platform:        c.String("platform"),
		WritePrefix:     c.String("write-prefix"),
		Timeout:         timeout,
		Plan:            c.String("plan"),
		EstimateHiMicro: c.Int64("estimate-hi-micro"),
	}
}

func readInputs(c *cli.Context) (json.RawMessage, error) {
	inline, file := c.String("inputs-json"), c.String("inputs-file")
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--inputs-json and --inputs-file are mutually exclusive")
	}
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("inputs are not valid JSON")
	}
	return raw, nil
}

// streamJSONLines drains the run printing one JSON line per event, then
// returns the terminal result without printing it.
func streamJSONLines(ctx context.Context, orch *orchestrator.Orchestrator, req *orchestrator.Request, w io.Writer) (*orchestrator.Result, error) {
	enc := json.NewEncoder(w)
	stream := orch.InvokeStream(ctx, req)
	for m := range stream.Events() {
		_ = enc.Encode(m)
	}
	return stream.Wait()
}

// printEnvelope writes the terminal envelope: one compact JSON line in
// --json mode, indented JSON otherwise.
func printEnvelope(c *cli.Context, env *types.ExecutionEnvelope) error {
	enc := json.NewEncoder(os.Stdout)
	if !c.Bool("json") {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(env)
}

// saveOutputs downloads artifacts after a committed run.
func saveOutputs(ctx context.Context, c *cli.Context, deps *runtimeDeps, result *orchestrator.Result) error {
	saveDir, saveFirst := c.String("save-dir"), c.String("save-first")
	if saveDir == "" && saveFirst == "" {
		return nil
	}
	outputs := result.Envelope.Outputs
	if len(outputs) == 0 {
		return fmt.Errorf("run committed no outputs")
	}

	fetch := func(item types.OutputItem, dest string) error {
		key := worldpath.Key(worldpath.Join(result.WritePrefix, types.OutputsDir+"/"+item.Path))
		body, err := deps.store.Get(ctx, deps.bucket, key)
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(f, body)
		return err
	}

	if saveFirst != "" {
		return fetch(outputs[0], saveFirst)
	}
	for _, item := range outputs {
		if err := fetch(item, filepath.Join(saveDir, filepath.FromSlash(item.Path))); err != nil {
			return err
		}
	}
	return nil
}

// isTTY reports whether f is a character device.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
