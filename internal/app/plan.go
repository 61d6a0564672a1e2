package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"sandboxctl/internal/api"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/isolation"
	"sandboxctl/internal/reporting"
	"sandboxctl/internal/task"
	"sandboxctl/pkg/logging"
)

// OpRunPlan is the operation name of RunPlan.
const OpRunPlan = "run_plan"

// Plan describes environments to provision and the commands to run in them.
type Plan struct {
	// Mode is "parallel" (default) or "sequential".
	Mode         string            `yaml:"mode"`
	Environments []PlanEnvironment `yaml:"environments"`
}

// PlanEnvironment is one environment of a plan.
type PlanEnvironment struct {
	Name         string                 `yaml:"name"`
	Level        string                 `yaml:"level"`
	Requirements isolation.Requirements `yaml:"requirements"`
	Config       map[string]string      `yaml:"config"`
	Packages     []string               `yaml:"packages"`
	Priority     string                 `yaml:"priority"`
	// InstallRetries overrides the installer's retry count; 0 disables retries.
	InstallRetries *int `yaml:"installRetries"`
	// After names environments whose installs must finish first.
	After    []string      `yaml:"after"`
	Commands []PlanCommand `yaml:"commands"`
	// MigrateTo moves the environment to another level before commands run.
	MigrateTo string `yaml:"migrateTo"`
	// Snapshot stores the final state before teardown.
	Snapshot bool `yaml:"snapshot"`
}

// PlanCommand is a command run inside its environment. DependsOn entries are
// "command" for the same environment or "environment/command".
type PlanCommand struct {
	Name      string        `yaml:"name"`
	Run       []string      `yaml:"run"`
	DependsOn []string      `yaml:"dependsOn"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
}

// PlanReport is the payload of RunPlan.
type PlanReport struct {
	Environments map[string]string            `json:"environments" yaml:"environments"`
	Installs     []task.Result                `json:"installs" yaml:"installs"`
	Migrations   []*isolation.MigrationResult `json:"migrations,omitempty" yaml:"migrations,omitempty"`
	Tasks        []task.Result                `json:"tasks" yaml:"tasks"`
	Snapshots    map[string]string            `json:"snapshots,omitempty" yaml:"snapshots,omitempty"`
}

// LoadPlan reads a plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, api.NewConfigurationError(OpRunPlan, "cannot read plan: %v", err)
	}
	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return Plan{}, api.NewConfigurationError(OpRunPlan, "invalid plan %s: %v", path, err)
	}
	return plan, plan.Validate()
}

// Validate checks names and references.
func (p Plan) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return api.NewConfigurationError(OpRunPlan, format, args...)
	}
	if len(p.Environments) == 0 {
		return invalid("plan has no environments")
	}
	switch p.Mode {
	case "", ModeParallel, ModeSequential:
	default:
		return invalid("unknown mode %q", p.Mode)
	}

	envs := make(map[string]bool)
	commands := make(map[string]bool)
	for _, e := range p.Environments {
		if e.Name == "" || strings.Contains(e.Name, "/") {
			return invalid("invalid environment name %q", e.Name)
		}
		if envs[e.Name] {
			return invalid("duplicate environment %q", e.Name)
		}
		envs[e.Name] = true
		if _, err := task.ParsePriority(e.Priority); err != nil {
			return invalid("environment %s: %v", e.Name, err)
		}
		if e.InstallRetries != nil && *e.InstallRetries < 0 {
			return invalid("environment %s: installRetries cannot be negative", e.Name)
		}
		for _, c := range e.Commands {
			if c.Name == "" || strings.Contains(c.Name, "/") || len(c.Run) == 0 {
				return invalid("environment %s has an invalid command %q", e.Name, c.Name)
			}
			id := e.Name + "/" + c.Name
			if commands[id] {
				return invalid("duplicate command %s", id)
			}
			commands[id] = true
		}
	}
	for _, e := range p.Environments {
		for _, after := range e.After {
			if !envs[after] {
				return invalid("environment %s waits for unknown environment %s", e.Name, after)
			}
		}
		for _, c := range e.Commands {
			for _, dep := range c.DependsOn {
				if !commands[qualify(e.Name, dep)] {
					return invalid("command %s/%s depends on unknown command %s", e.Name, c.Name, dep)
				}
			}
		}
	}
	return nil
}

func qualify(env, ref string) string {
	if strings.Contains(ref, "/") {
		return ref
	}
	return env + "/" + ref
}

// RunPlan provisions the plan's environments, installs their packages, runs
// the command graph and tears everything down again. Environments are
// removed even when a step fails.
func (a *Application) RunPlan(ctx context.Context, plan Plan) *api.Result {
	if err := plan.Validate(); err != nil {
		return api.Fail(OpRunPlan, err)
	}
	report := &PlanReport{
		Environments: make(map[string]string),
		Snapshots:    make(map[string]string),
	}
	defer a.teardown(report)

	// 1. Environments
	for _, pe := range plan.Environments {
		env, err := a.services.Manager.CreateEnvironment(ctx, isolation.CreateRequest{
			Level:        pe.Level,
			Requirements: pe.Requirements,
			Config:       pe.Config,
		})
		if err != nil {
			return failWith(OpRunPlan, report, fmt.Errorf("environment %s: %w", pe.Name, err))
		}
		report.Environments[pe.Name] = env.ID()
		logging.Info("Plan", "Environment %s is %s (%s)", pe.Name, env.ID(), env.Backend())
	}

	// 2. Installs
	if err := a.installPlan(ctx, plan, report); err != nil {
		return failWith(OpRunPlan, report, err)
	}

	// 3. Migrations
	for _, pe := range plan.Environments {
		if pe.MigrateTo == "" {
			continue
		}
		res, err := a.services.Manager.MigrateEnvironment(ctx, report.Environments[pe.Name], pe.MigrateTo, true)
		if err != nil {
			return failWith(OpRunPlan, report, fmt.Errorf("environment %s: %w", pe.Name, err))
		}
		report.Migrations = append(report.Migrations, res)
		report.Environments[pe.Name] = res.TargetID
	}

	// 4. Command graph
	tasks, deps := a.planTasks(plan, report)
	if len(tasks) > 0 {
		res := a.RunTasks(ctx, plan.Mode, tasks, deps)
		if results, ok := res.Payload.([]task.Result); ok {
			report.Tasks = results
			for _, r := range results {
				a.services.Reporter.Report(reporting.TaskUpdate(reporting.SourceTask, r))
			}
		}
		if !res.Succeeded() {
			return &api.Result{Operation: OpRunPlan, Status: api.StatusError, Payload: report, Error: res.Error}
		}
	}

	// 5. Snapshots
	for _, pe := range plan.Environments {
		if !pe.Snapshot {
			continue
		}
		snap, err := a.services.Manager.CreateSnapshot(ctx, report.Environments[pe.Name])
		if err != nil {
			return failWith(OpRunPlan, report, fmt.Errorf("environment %s: %w", pe.Name, err))
		}
		report.Snapshots[pe.Name] = snap.ID
	}
	return api.OK(OpRunPlan, report)
}

func (a *Application) installPlan(ctx context.Context, plan Plan, report *PlanReport) error {
	// Task ids are scoped to one run.
	run := uuid.New().String()[:8]
	installID := func(name string) string { return "install/" + name + "/" + run }

	withPackages := make(map[string]bool)
	for _, pe := range plan.Environments {
		if len(pe.Packages) > 0 {
			withPackages[pe.Name] = true
		}
	}

	var batch []task.InstallTask
	for _, pe := range plan.Environments {
		if !withPackages[pe.Name] {
			continue
		}
		priority, _ := task.ParsePriority(pe.Priority)
		t := task.InstallTask{
			ID:       installID(pe.Name),
			EnvID:    report.Environments[pe.Name],
			Packages: pe.Packages,
			Priority: priority,
		}
		if r := pe.InstallRetries; r != nil {
			t.MaxRetries = *r
			if *r == 0 {
				t.MaxRetries = task.NoRetries
			}
		}
		for _, after := range pe.After {
			if withPackages[after] {
				t.DependsOn = append(t.DependsOn, installID(after))
			}
		}
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		return nil
	}

	ids, err := a.services.Installer.SubmitBatch(batch)
	if err != nil {
		return err
	}
	var failed []string
	for _, id := range ids {
		res, err := a.services.Installer.Wait(ctx, id)
		if err != nil {
			return err
		}
		report.Installs = append(report.Installs, res)
		a.services.Reporter.Report(reporting.TaskUpdate(reporting.SourceInstall, res))
		if !res.Success {
			failed = append(failed, fmt.Sprintf("%s: %s", id, res.Error))
		}
	}
	if len(failed) > 0 {
		return api.NewTerminalError(OpRunPlan, nil, "installs failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

// planTasks turns commands into executor tasks. Each task is bound to the
// environment id recorded when the plan's environments were created.
func (a *Application) planTasks(plan Plan, report *PlanReport) ([]task.Task, map[string][]string) {
	var tasks []task.Task
	deps := make(map[string][]string)
	for _, pe := range plan.Environments {
		envID := report.Environments[pe.Name]
		for _, c := range pe.Commands {
			id := pe.Name + "/" + c.Name
			args := append([]string(nil), c.Run...)
			timeout := c.Timeout
			tasks = append(tasks, task.Task{
				ID:         id,
				MaxRetries: c.Retries,
				Timeout:    c.Timeout,
				Run: func(ctx context.Context) (interface{}, error) {
					return a.runCommand(ctx, envID, args, timeout)
				},
			})
			for _, dep := range c.DependsOn {
				deps[id] = append(deps[id], qualify(pe.Name, dep))
			}
		}
	}
	return tasks, deps
}

func (a *Application) runCommand(ctx context.Context, envID string, args []string, timeout time.Duration) (interface{}, error) {
	env, err := a.services.Manager.GetEnvironment(envID)
	if err != nil {
		return nil, err
	}
	res, err := env.ExecuteCommand(ctx, args, engine.ExecOptions{Timeout: timeout})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, api.NewTransientError("execute", nil, "%s exited with code %d: %s",
			strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// teardown removes every environment the plan created.
func (a *Application) teardown(report *PlanReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for name, id := range report.Environments {
		if err := a.services.Manager.CleanupEnvironment(ctx, id); err != nil && !api.IsKind(err, api.KindIntegrity) {
			logging.Warn("Plan", "Failed to remove environment %s (%s): %v", name, id, err)
		}
	}
}
