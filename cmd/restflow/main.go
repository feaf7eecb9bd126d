// Command restflow is the CLI for the RestFlow agent runtime.
//
// Usage:
//
//	restflow serve --config config.yaml
//	restflow agent add --name assistant --model claude-sonnet-4
//	restflow task submit --agent <id> --input "do the thing"
//	restflow secret set OPENAI_API_KEY
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/restflow/restflow/pkg/config"
	"github.com/restflow/restflow/pkg/logger"
	"github.com/restflow/restflow/pkg/restflow"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Run the background agent runner."`
	Agent   AgentCmd   `cmd:"" help:"Manage agent definitions."`
	Task    TaskCmd    `cmd:"" help:"Manage background tasks."`
	Secret  SecretCmd  `cmd:"" help:"Manage encrypted secrets."`
	Approve ApproveCmd `cmd:"" help:"Manage pending approvals."`
	Trigger TriggerCmd `cmd:"" help:"Manage active triggers."`
	Cleanup CleanupCmd `cmd:"" help:"Run the storage retention sweep."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose, json)." default:"simple"`
}

// appContext carries the assembled runtime into command Run methods.
type appContext struct {
	ctx context.Context
	app *restflow.App
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("restflow %s\n", version)
	return nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("restflow"),
		kong.Description("Local-first runtime for long-lived AI agents."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)

	if kctx.Command() == "version" {
		kctx.FatalIfErrorf(kctx.Run())
		return
	}

	cfg, err := config.Load(config.LoaderOptions{Path: cli.Config, Required: cli.Config != ""})
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := restflow.New(ctx, cfg, restflow.Options{
		Client: completionClient(),
		Logger: logger.GetLogger(),
	})
	kctx.FatalIfErrorf(err)
	defer app.Close()

	kctx.FatalIfErrorf(kctx.Run(&appContext{ctx: ctx, app: app}))
}
