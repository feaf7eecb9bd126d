package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/restflow/restflow/pkg/agent"
	"github.com/restflow/restflow/pkg/storage"
	"github.com/restflow/restflow/pkg/task"
	"github.com/restflow/restflow/pkg/trigger"
)

// ServeCmd runs the background runner until interrupted.
type ServeCmd struct{}

func (c *ServeCmd) Run(a *appContext) error {
	a.app.Logger.Info("runner starting",
		"db", a.app.Config.Database.Path,
		"max_concurrent", a.app.Config.Runner.MaxConcurrentTasks)
	err := a.app.Runner.Run(a.ctx)
	if err != nil && a.ctx.Err() != nil {
		// Interrupted; a clean shutdown, not a failure.
		return nil
	}
	return err
}

// AgentCmd manages agent definitions.
type AgentCmd struct {
	Add    AgentAddCmd    `cmd:"" help:"Create an agent definition."`
	List   AgentListCmd   `cmd:"" help:"List agent definitions."`
	Delete AgentDeleteCmd `cmd:"" help:"Delete an agent definition."`
}

type AgentAddCmd struct {
	Name     string   `required:"" help:"Display name."`
	Provider string   `default:"anthropic" help:"LLM provider."`
	Model    string   `required:"" help:"Model name."`
	Prompt   string   `help:"System prompt."`
	Tools    []string `help:"Allowed tool names (empty allows all)."`
	Skills   []string `help:"Skill ids injected into the system prompt."`
}

func (c *AgentAddCmd) Run(a *appContext) error {
	def := &agent.Definition{
		Name:         c.Name,
		Model:        agent.ModelSpec{Provider: c.Provider, Model: c.Model},
		SystemPrompt: c.Prompt,
		Tools:        c.Tools,
		Skills:       c.Skills,
	}
	if err := a.app.Agents.Create(a.ctx, def); err != nil {
		return err
	}
	fmt.Println(def.ID)
	return nil
}

type AgentListCmd struct{}

func (c *AgentListCmd) Run(a *appContext) error {
	defs, err := a.app.Agents.List(a.ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		fmt.Printf("%s\t%s\t%s/%s\n", def.ID, def.Name, def.Model.Provider, def.Model.Model)
	}
	return nil
}

type AgentDeleteCmd struct {
	ID string `arg:"" help:"Agent id."`
}

func (c *AgentDeleteCmd) Run(a *appContext) error {
	return a.app.Agents.Delete(a.ctx, c.ID)
}

// TaskCmd manages background tasks.
type TaskCmd struct {
	Submit TaskSubmitCmd `cmd:"" help:"Submit a task."`
	List   TaskListCmd   `cmd:"" help:"List tasks by status."`
	Show   TaskShowCmd   `cmd:"" help:"Show one task."`
	Cancel TaskCancelCmd `cmd:"" help:"Cancel a task."`
}

type TaskSubmitCmd struct {
	Agent    string `required:"" help:"Agent id."`
	Input    string `required:"" help:"Task input."`
	Cron     string `help:"Six-field cron expression for a recurring task."`
	Timezone string `help:"IANA timezone for the cron schedule."`
	Every    int    `help:"Interval period in seconds for a recurring task."`
}

func (c *TaskSubmitCmd) Run(a *appContext) error {
	schedule := task.Once(time.Now())
	switch {
	case c.Cron != "":
		if _, ok := trigger.NextRun(c.Cron, c.Timezone, time.Now()); !ok {
			return fmt.Errorf("invalid cron expression: %s", c.Cron)
		}
		schedule = task.Cron(c.Cron, c.Timezone)
	case c.Every > 0:
		schedule = task.Interval(time.Duration(c.Every) * time.Second)
	}

	t := task.New(c.Agent, c.Input, schedule)
	if err := a.app.Tasks.Create(a.ctx, t); err != nil {
		return err
	}
	a.app.Runner.Kick()
	fmt.Println(t.ID)
	return nil
}

type TaskListCmd struct {
	Status string `default:"pending" help:"Status filter."`
}

func (c *TaskListCmd) Run(a *appContext) error {
	tasks, err := a.app.Tasks.ListByStatus(a.ctx, task.Status(c.Status))
	if err != nil {
		return err
	}
	for _, t := range tasks {
		fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.AgentID, t.Status, t.NextRunAt.Format(time.RFC3339))
	}
	return nil
}

type TaskShowCmd struct {
	ID string `arg:"" help:"Task id."`
}

func (c *TaskShowCmd) Run(a *appContext) error {
	t, err := a.app.Tasks.Get(a.ctx, c.ID)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

type TaskCancelCmd struct {
	ID string `arg:"" help:"Task id."`
}

func (c *TaskCancelCmd) Run(a *appContext) error {
	return a.app.Runner.Stop(a.ctx, c.ID)
}

// SecretCmd manages encrypted secrets.
type SecretCmd struct {
	Set    SecretSetCmd    `cmd:"" help:"Store a secret (value read from stdin)."`
	List   SecretListCmd   `cmd:"" help:"List secret keys."`
	Delete SecretDeleteCmd `cmd:"" help:"Delete a secret."`
}

type SecretSetCmd struct {
	Key         string `arg:"" help:"Secret key."`
	Description string `help:"Optional description."`
}

func (c *SecretSetCmd) Run(a *appContext) error {
	fmt.Fprintf(os.Stderr, "Value for %s: ", c.Key)
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && value == "" {
		return err
	}
	return a.app.Secrets.Set(a.ctx, c.Key, strings.TrimSpace(value), c.Description)
}

type SecretListCmd struct{}

func (c *SecretListCmd) Run(a *appContext) error {
	records, err := a.app.Secrets.List(a.ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%s\t%s\n", rec.Key, rec.Description)
	}
	return nil
}

type SecretDeleteCmd struct {
	Key string `arg:"" help:"Secret key."`
}

func (c *SecretDeleteCmd) Run(a *appContext) error {
	return a.app.Secrets.Delete(a.ctx, c.Key)
}

// ApproveCmd manages pending approvals.
type ApproveCmd struct {
	List   ApproveListCmd   `cmd:"" help:"List approvals for a task."`
	Grant  ApproveGrantCmd  `cmd:"" help:"Approve a pending action."`
	Reject ApproveRejectCmd `cmd:"" help:"Reject a pending action."`
}

type ApproveListCmd struct {
	Task string `required:"" help:"Task id."`
}

func (c *ApproveListCmd) Run(a *appContext) error {
	approvals, err := a.app.Gate.ListByTask(a.ctx, c.Task)
	if err != nil {
		return err
	}
	for _, rec := range approvals {
		fmt.Printf("%s\t%s\t%s\n", rec.ID, rec.Status, rec.ActionPattern)
	}
	return nil
}

type ApproveGrantCmd struct {
	ID string `arg:"" help:"Approval id."`
}

func (c *ApproveGrantCmd) Run(a *appContext) error {
	return a.app.Gate.Approve(a.ctx, c.ID)
}

type ApproveRejectCmd struct {
	ID     string `arg:"" help:"Approval id."`
	Reason string `help:"Rejection reason."`
}

func (c *ApproveRejectCmd) Run(a *appContext) error {
	return a.app.Gate.Reject(a.ctx, c.ID, c.Reason)
}

// TriggerCmd manages active triggers.
type TriggerCmd struct {
	Activate   TriggerActivateCmd   `cmd:"" help:"Activate a trigger."`
	Deactivate TriggerDeactivateCmd `cmd:"" help:"Deactivate a trigger."`
	List       TriggerListCmd       `cmd:"" help:"List active triggers."`
	Fire       TriggerFireCmd       `cmd:"" help:"Fire a trigger manually."`
}

type TriggerActivateCmd struct {
	Agent    string `required:"" help:"Agent id the trigger creates tasks for."`
	Input    string `help:"Task input used on fire."`
	Cron     string `help:"Six-field cron expression (schedule trigger)."`
	Timezone string `help:"IANA timezone for the cron schedule."`
	Webhook  string `help:"Webhook path (webhook trigger)."`
}

func (c *TriggerActivateCmd) Run(a *appContext) error {
	cfg := trigger.Config{Kind: trigger.KindManual}
	switch {
	case c.Cron != "":
		cfg = trigger.Config{Kind: trigger.KindSchedule, Cron: c.Cron, Timezone: c.Timezone}
	case c.Webhook != "":
		cfg = trigger.Config{Kind: trigger.KindWebhook, Path: c.Webhook}
	}
	t, err := a.app.Triggers.Activate(a.ctx, c.Agent, c.Input, cfg)
	if err != nil {
		return err
	}
	fmt.Println(t.ID)
	return nil
}

type TriggerDeactivateCmd struct {
	ID string `arg:"" help:"Trigger id."`
}

func (c *TriggerDeactivateCmd) Run(a *appContext) error {
	return a.app.Triggers.Deactivate(a.ctx, c.ID)
}

type TriggerListCmd struct{}

func (c *TriggerListCmd) Run(a *appContext) error {
	triggers, err := a.app.Triggers.List(a.ctx)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		fmt.Printf("%s\t%s\t%s\t%d\n", t.ID, t.AgentID, t.Config.Kind, t.TriggerCount)
	}
	return nil
}

type TriggerFireCmd struct {
	ID    string `arg:"" help:"Trigger id."`
	Input string `help:"Input override for this fire."`
}

func (c *TriggerFireCmd) Run(a *appContext) error {
	t, err := a.app.Triggers.Fire(a.ctx, c.ID, c.Input)
	if err != nil {
		return err
	}
	a.app.Runner.Kick()
	fmt.Println(t.ID)
	return nil
}

// CleanupCmd runs the retention sweep.
type CleanupCmd struct {
	Days int `default:"30" help:"Delete rows older than this many days (applies to tasks, checkpoints, memory chunks, sessions)."`
}

func (c *CleanupCmd) Run(a *appContext) error {
	policy := storage.RetentionPolicy{
		"background_tasks": c.Days,
		"checkpoints":      c.Days,
		"memory_chunks":    c.Days,
		"chat_sessions":    c.Days,
	}
	result, err := a.app.Cleanup(a.ctx, policy)
	if err != nil {
		return err
	}
	for table, n := range result {
		fmt.Printf("%s\t%d\n", table, n)
	}
	return nil
}
