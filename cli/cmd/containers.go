package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/theory/cli/config"
	"github.com/pithecene-io/theory/cli/render"
	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/registry"
	"github.com/pithecene-io/theory/types"
)

// StartResponse is the response for the start command.
type StartResponse struct {
	Ref  string `json:"ref"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// StartCommand returns the start command: run a tool container without
// invoking it.
func StartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start (or reuse) a tool container and gate on health",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:     "ref",
				Usage:    "Tool reference (ns/name@ver)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "platform",
				Usage: "Image platform: amd64 or arm64",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Pin the host port instead of allocating one",
			},
		),
		Action: startAction,
	}
}

func startAction(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Registry.Root == "" {
		return cli.Exit("registry.root is required (set it in theory.yaml)", exitError)
	}

	ref, err := types.ParseRef(c.String("ref"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	spec, err := registryFromConfig(cfg).Load(ref)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	platform := spec.Platform(c.String("platform"))
	image := spec.ImageFor(platform)
	if image == "" {
		return cli.Exit(fmt.Sprintf("no image pinned for platform %s", platform), exitError)
	}

	secrets := make(map[string]string, len(spec.Secrets.Required))
	if missing := registry.MissingSecrets(spec, os.LookupEnv); len(missing) > 0 {
		return cli.Exit(fmt.Sprintf("required secrets not set: %v", missing), exitError)
	}
	for _, name := range spec.Secrets.Required {
		secrets[name], _ = os.LookupEnv(name)
	}

	logger := log.NewLoggerWithWriter(log.Context{ToolRef: ref.String()}, os.Stderr)
	adapter := buildLocal(cfg, logger)

	if pinned := c.Int("port"); pinned > 0 {
		if err := adapter.Ports().Record(ref.String(), pinned); err != nil {
			return cli.Exit(err.Error(), exitError)
		}
	}

	port, err := adapter.Start(c.Context, ref.String(), image, spec.DigestFor(platform), secrets)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(StartResponse{
		Ref:  ref.String(),
		Port: port,
		URL:  adapter.RunURL(port),
	})
}

// StopCommand returns the stop command.
func StopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Remove managed tool containers",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "ref",
				Usage: "Tool reference to stop",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Stop every managed container",
			},
		),
		Action: stopAction,
	}
}

func stopAction(c *cli.Context) error {
	ref, all := c.String("ref"), c.Bool("all")
	if (ref == "") == !all {
		return cli.Exit("exactly one of --ref or --all is required", exitError)
	}

	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	adapter := buildLocal(cfg, log.Nop())
	if err := adapter.Stop(c.Context, ref, all); err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(map[string]any{"stopped": true})
}

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "List managed tool containers and their health",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "ref",
				Usage: "Limit status to one tool reference",
			},
		),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	adapter := buildLocal(cfg, log.Nop())
	entries, err := adapter.Status(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	if ref := c.String("ref"); ref != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Ref == ref {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(entries)
}

// URLResponse is the response for the url command.
type URLResponse struct {
	Ref string `json:"ref"`
	URL string `json:"url"`
}

// URLCommand returns the url command.
func URLCommand() *cli.Command {
	return &cli.Command{
		Name:  "url",
		Usage: "Print the run endpoint for a started tool",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:     "ref",
				Usage:    "Tool reference",
				Required: true,
			},
		),
		Action: urlAction,
	}
}

func urlAction(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	adapter := buildLocal(cfg, log.Nop())
	port, ok := adapter.Ports().Lookup(c.String("ref"))
	if !ok {
		return cli.Exit(fmt.Sprintf("no port recorded for %s (is it started?)", c.String("ref")), exitError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(URLResponse{Ref: c.String("ref"), URL: adapter.RunURL(port)})
}

// LogsCommand returns the logs command.
func LogsCommand() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Show container logs for a tool",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:     "ref",
				Usage:    "Tool reference",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Follow log output",
			},
			&cli.IntFlag{
				Name:  "tail",
				Usage: "Number of lines from the end",
				Value: 100,
			},
		},
		Action: logsAction,
	}
}

func logsAction(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	adapter := buildLocal(cfg, log.Nop())

	if c.Bool("follow") {
		if err := adapter.FollowLogs(c.Context, c.String("ref"), c.Int("tail"), os.Stdout); err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		return nil
	}

	out, err := adapter.Logs(c.Context, c.String("ref"), c.Int("tail"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	fmt.Println(out)
	return nil
}
