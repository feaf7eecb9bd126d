// Package restflow assembles the core subsystems into one runnable
// application: storage engine, typed stores, security gate, tool
// registry with builtins, execution engine, sub-agent spawner, and the
// background runner. Embedders supply the LLM CompletionClient and any
// channel adapters; everything else is wired here.
package restflow

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/restflow/restflow/pkg/agent"
	"github.com/restflow/restflow/pkg/authprofile"
	"github.com/restflow/restflow/pkg/bus"
	"github.com/restflow/restflow/pkg/channel"
	"github.com/restflow/restflow/pkg/checkpoint"
	"github.com/restflow/restflow/pkg/config"
	"github.com/restflow/restflow/pkg/engine"
	"github.com/restflow/restflow/pkg/filetracker"
	"github.com/restflow/restflow/pkg/llms"
	"github.com/restflow/restflow/pkg/memory"
	"github.com/restflow/restflow/pkg/ratelimit"
	"github.com/restflow/restflow/pkg/runner"
	"github.com/restflow/restflow/pkg/secret"
	"github.com/restflow/restflow/pkg/security"
	"github.com/restflow/restflow/pkg/session"
	"github.com/restflow/restflow/pkg/skill"
	"github.com/restflow/restflow/pkg/storage"
	"github.com/restflow/restflow/pkg/subagent"
	"github.com/restflow/restflow/pkg/task"
	"github.com/restflow/restflow/pkg/tool"
	"github.com/restflow/restflow/pkg/tool/builtins"
	"github.com/restflow/restflow/pkg/trigger"
)

// Options carries the external collaborators an embedder supplies.
type Options struct {
	// Client is the LLM capability the engine completes against.
	// Required to run agents; management-only usage may leave it nil.
	Client llms.CompletionClient
	// Notifier receives terminal task notifications. Optional.
	Notifier runner.NotificationSender
	// Channels are the reply adapters registered with the router.
	Channels []channel.Channel
	Logger   *slog.Logger
}

// App is the assembled runtime.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Storage     *storage.Engine
	Agents      *agent.Store
	Tasks       *task.Store
	Checkpoints *checkpoint.Store
	Sessions    *session.Store
	Memory      *memory.Store
	Secrets     *secret.Store
	Skills      *skill.Store
	SkillLoader *skill.Loader
	Profiles    *authprofile.Store
	Triggers    *trigger.Manager
	Gate        *security.Gate
	Tools       *tool.Registry
	Tracker     *subagent.Tracker
	Spawner     *subagent.Spawner
	Engine      *engine.Engine
	Runner      *runner.Runner
	Bus         *bus.Bus
	Router      *channel.Router
}

// New assembles an App from cfg and opts. The configuration directory
// is created when absent.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	store, err := storage.OpenEngine(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger, Storage: store}

	if app.Agents, err = agent.Open(ctx, store); err != nil {
		return nil, err
	}
	if app.Tasks, err = task.Open(ctx, store); err != nil {
		return nil, err
	}
	if app.Checkpoints, err = checkpoint.Open(ctx, store); err != nil {
		return nil, err
	}
	if app.Sessions, err = session.Open(ctx, store, cfg.Session.Window); err != nil {
		return nil, err
	}
	if app.Memory, err = memory.Open(ctx, store); err != nil {
		return nil, err
	}
	if app.Secrets, err = secret.Open(ctx, store, secret.FileKeyProvider{Path: cfg.MasterKeyPath()}); err != nil {
		return nil, err
	}
	if app.Skills, err = skill.OpenStore(ctx, store); err != nil {
		return nil, err
	}
	if app.Profiles, err = authprofile.Open(ctx, store); err != nil {
		return nil, err
	}
	if app.Triggers, err = trigger.Open(ctx, store, app.Tasks); err != nil {
		return nil, err
	}

	app.Gate, err = security.Open(ctx, store, securityPolicy(cfg.Security))
	if err != nil {
		return nil, err
	}

	app.SkillLoader = skill.NewLoader(app.Skills, cfg.SkillsDir(), logger)
	if err := app.SkillLoader.Watch(); err != nil {
		logger.Warn("skill watcher unavailable", "error", err)
	}

	app.Bus = bus.New(cfg.Runner.EventBusCapacity)
	app.Router = channel.NewRouter(logger)
	for _, ch := range opts.Channels {
		app.Router.Register(ch)
	}

	app.Tracker = subagent.NewTracker()

	app.Tools = tool.New(app.Gate)
	if err := app.registerBuiltins(cfg); err != nil {
		return nil, err
	}

	var engineOpts []engine.Option
	if cfg.RateLimit.Enabled {
		limitStore, err := ratelimit.NewSQLStore(ctx, store)
		if err != nil {
			return nil, err
		}
		budgetCfg := ratelimit.Config{Enabled: true}
		for _, rule := range cfg.RateLimit.Rules {
			budgetCfg.Rules = append(budgetCfg.Rules, ratelimit.Rule{
				Window:      ratelimit.Window(rule.Window),
				MaxTokens:   rule.MaxTokens,
				MaxRequests: rule.MaxRequests,
			})
		}
		budget, err := ratelimit.NewBudget(budgetCfg, limitStore)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithBudget(budget))
	}

	app.Engine = engine.New(opts.Client, app.Tools, app.SkillLoader, app.checkpointFunc(), logger, engineOpts...)

	app.Runner = runner.New(runner.Config{
		PollInterval:        secsDuration(cfg.Runner.PollIntervalSecs),
		MaxConcurrentTasks:  cfg.Runner.MaxConcurrentTasks,
		TaskTimeout:         secsDuration(cfg.Runner.TaskTimeoutSecs),
		MaxRetries:          cfg.Runner.MaxRetries,
		RetryBase:           secsDuration(cfg.Runner.RetryBaseSecs),
		HeartbeatInterval:   secsDuration(cfg.Runner.HeartbeatSecs),
		StaleHeartbeatAfter: secsDuration(cfg.Runner.StaleHeartbeatSecs),
		EngineDefaults: engine.Config{
			MaxIterations: cfg.Engine.MaxIterations,
			MemoryWindow:  cfg.Engine.MemoryWindow,
			ResourceLimits: engine.ResourceLimits{
				MaxToolCalls: cfg.Engine.MaxToolCalls,
				MaxWallClock: secsDuration(cfg.Engine.MaxWallSecs),
				MaxDepth:     cfg.Engine.MaxDepth,
			},
		},
	}, app.Tasks, app.Agents, app.Engine, app.Bus, app.Router, app.Triggers, app.Tracker, opts.Notifier, logger)

	// The spawner kicks the runner on spawn and stops children through
	// it on transitive cancel.
	app.Spawner = subagent.NewSpawner(app.Tasks, app.Tracker, app.Runner, app.Runner, cfg.Engine.MaxDepth)
	if err := app.registerSubagentTools(); err != nil {
		return nil, err
	}

	return app, nil
}

// registerBuiltins wires the self-hosting tool set.
func (a *App) registerBuiltins(cfg *config.Config) error {
	tracker := filetracker.New()

	tools := []tool.Tool{
		builtins.NewBashTool(builtins.BashConfig{
			Allowlist:      cfg.Bash.Allowlist,
			Blocklist:      cfg.Bash.Blocklist,
			DefaultTimeout: secsDuration(cfg.Bash.TimeoutSecs),
			Workdir:        cfg.Bash.Workdir,
		}),
		builtins.NewFSReadTool(builtins.FSConfig{AllowedPaths: cfg.FS.AllowedPaths}, tracker),
		builtins.NewFSWriteTool(builtins.FSConfig{AllowedPaths: cfg.FS.AllowedPaths}, tracker),
		builtins.NewFSEditTool(builtins.FSConfig{AllowedPaths: cfg.FS.AllowedPaths}, tracker),
		builtins.NewFSMultiEditTool(builtins.FSConfig{AllowedPaths: cfg.FS.AllowedPaths}, tracker),
		builtins.NewHTTPTool(builtins.HTTPConfig{
			AllowLoopback: cfg.HTTP.AllowLoopback,
			Timeout:       secsDuration(cfg.HTTP.TimeoutSecs),
		}),
		builtins.NewReplyTool(),
		builtins.NewMemoryTool(a.Memory),
		builtins.NewSkillTool(a.SkillLoader),
	}
	for _, t := range tools {
		if err := a.Tools.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// registerSubagentTools runs after the spawner exists; spawn/wait close
// over it.
func (a *App) registerSubagentTools() error {
	if err := a.Tools.Register(builtins.NewSpawnTool(a.Spawner)); err != nil {
		return err
	}
	return a.Tools.Register(builtins.NewWaitTool(a.Spawner))
}

// checkpointFunc persists engine snapshots through the checkpoint
// store: ephemeral for intermediate, durable for terminal.
func (a *App) checkpointFunc() engine.CheckpointFunc {
	return func(ctx context.Context, snapshot engine.StateSnapshot, terminal bool) error {
		state, err := snapshot.Marshal()
		if err != nil {
			return err
		}
		policy := checkpoint.DurabilityEphemeral
		ttl := 24 * time.Hour
		if terminal {
			policy = checkpoint.DurabilityDurable
			ttl = 7 * 24 * time.Hour
		}
		_, err = a.Checkpoints.Save(ctx, snapshot.ExecutionID, "", policy, state, ttl)
		return err
	}
}

// Cleanup runs the retention sweep over the tables that accumulate
// rows, returning deletion counts per table.
func (a *App) Cleanup(ctx context.Context, policy storage.RetentionPolicy) (storage.CleanupResult, error) {
	cleaners := map[string]storage.Cleaner{
		"background_tasks": a.Tasks.Cleaner(),
		"checkpoints":      a.Checkpoints.Cleaner(),
		"memory_chunks":    a.Memory.Cleaner(),
		"chat_sessions":    a.Sessions.Cleaner(),
	}
	return storage.Cleanup(ctx, policy, cleaners)
}

// Close tears the runtime down: watcher, bus, storage.
func (a *App) Close() error {
	a.SkillLoader.Close()
	a.Bus.Close()
	return a.Storage.Close()
}

func securityPolicy(cfg config.SecurityConfig) security.Policy {
	p := security.Policy{Default: security.DefaultAction(cfg.DefaultAction)}
	for _, pattern := range cfg.Blocklist {
		p.Blocklist = append(p.Blocklist, security.Rule{Pattern: pattern})
	}
	for _, pattern := range cfg.Allowlist {
		p.Allowlist = append(p.Allowlist, security.Rule{Pattern: pattern})
	}
	for _, pattern := range cfg.ApprovalRequired {
		p.ApprovalRequired = append(p.ApprovalRequired, security.Rule{Pattern: pattern})
	}
	return p
}

func secsDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}
