// Command codaph is the thin os.Args-switch CLI exposing the hook
// interface and a direct "sync" entrypoint to the workflow
// orchestrator. Argument parsing beyond this is intentionally
// minimal — this is a direct entrypoint, not a general CLI framework.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mubit-ai/codaph/internal/config"
	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/historysync"
	"github.com/mubit-ai/codaph/internal/logging"
	"github.com/mubit-ai/codaph/internal/mirror"
	"github.com/mubit-ai/codaph/internal/redact"
	"github.com/mubit-ai/codaph/internal/remote"
	"github.com/mubit-ai/codaph/internal/workflow"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "hooks":
		err = runHooks(os.Args[2:])
	case "sync":
		err = runSync(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "codaph: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "codaph: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: codaph <command> [flags]

Commands:
  hooks run <name> [--quiet] [--cwd <path>] [--json]
                          Run a named hook (post-commit, post-push, agent-complete)
  hooks install <name> <path>
                          Idempotently install a hook into a git hook file
  sync [--mode all|push|pull] [--cwd <path>] [--json]
                          Drive the workflow orchestrator directly

Run 'codaph help' to see this message again.
`)
}

// hookTrigger maps a named hook to the TriggerSource the orchestrator
// uses for cooldown gating and automation-log bookkeeping.
func hookTrigger(name string) (workflow.TriggerSource, error) {
	switch name {
	case "post-commit", "agent-complete":
		return workflow.TriggerHookAgentComplete, nil
	case "post-push":
		return workflow.TriggerHookPostPush, nil
	default:
		return "", fmt.Errorf("unknown hook %q", name)
	}
}

func runHooks(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("hooks: expected a subcommand (run, install)")
	}

	switch args[0] {
	case "run":
		return runHooksRun(args[1:])
	case "install":
		return runHooksInstall(args[1:])
	default:
		return fmt.Errorf("hooks: unknown subcommand %q", args[0])
	}
}

func runHooksRun(args []string) error {
	fs := flag.NewFlagSet("hooks run", flag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "suppress non-error output")
	cwd := fs.String("cwd", "", "project directory (default: current working directory)")
	asJSON := fs.Bool("json", false, "print the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("hooks run: expected a hook name")
	}
	name := fs.Arg(0)

	trigger, err := hookTrigger(name)
	if err != nil {
		return err
	}

	projectPath := *cwd
	if projectPath == "" {
		projectPath, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
	}

	summary, err := runWorkflow(projectPath, workflow.RunOptions{
		Mode: workflow.ModeAll, TriggerSource: trigger, PushKind: workflow.PushKindHistory,
	})
	if err != nil {
		return err
	}
	return printSummary(summary, *quiet, *asJSON)
}

func runHooksInstall(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("hooks install: expected <name> <path>")
	}
	name, path := args[0], args[1]
	if _, err := hookTrigger(name); err != nil {
		return err
	}
	return workflow.InstallHook(path, name)
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	mode := fs.String("mode", "all", "all, push, or pull")
	cwd := fs.String("cwd", "", "project directory (default: current working directory)")
	asJSON := fs.Bool("json", false, "print the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	projectPath := *cwd
	var err error
	if projectPath == "" {
		projectPath, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
	}

	summary, err := runWorkflow(projectPath, workflow.RunOptions{
		Mode: workflow.Mode(*mode), TriggerSource: workflow.TriggerManual, PushKind: workflow.PushKindHistory,
	})
	if err != nil {
		return err
	}
	return printSummary(summary, false, *asJSON)
}

// runWorkflow resolves configuration, wires the mirror/remote/pipeline
// collaborators, and drives one orchestrator run for projectPath.
func runWorkflow(projectPath string, opts workflow.RunOptions) (workflow.Summary, error) {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return workflow.Summary{}, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.LogLevel)

	mirrorRoot := cfg.MirrorRoot
	if !filepath.IsAbs(mirrorRoot) {
		mirrorRoot = filepath.Join(projectPath, mirrorRoot)
	}
	repoID := event.RepoID(projectPath)

	m := mirror.New(mirror.Options{Root: mirrorRoot, Logger: log})

	var engine remote.Engine
	if baseURL := os.Getenv("CODAPH_REMOTE_URL"); baseURL != "" {
		prefix := os.Getenv("CODAPH_RUN_ID_PREFIX")
		if prefix == "" {
			prefix = "codaph"
		}
		engine = remote.NewClient(baseURL, prefix, remote.RunScopeProject, log)
	}

	deps := workflow.Dependencies{
		Mirror:      m,
		MirrorRoot:  mirrorRoot,
		RepoID:      repoID,
		ProjectPath: projectPath,
		Remote:      engine,
		Redactor:    redact.NewDefault(),
		RunIDPrefix: firstNonEmpty(os.Getenv("CODAPH_RUN_ID_PREFIX"), "codaph"),
		Providers: []historysync.Provider{
			historysync.CodexProvider{}, historysync.ClaudeProvider{}, historysync.GeminiProvider{},
		},
		HistoryRoots:      map[string]string{},
		ActorID:           os.Getenv("USER"),
		Log:               log,
		AutomationEnabled: cfg.AutomationEnabled,
		AutoPullOnSync:    cfg.AutoPullOnSync,
		CooldownSeconds:   cfg.CooldownSeconds,
	}
	if opts.LockDeadline == 0 {
		opts.LockDeadline = time.Duration(cfg.LockDeadlineSecs) * time.Second
	}

	summary, runErr := workflow.Run(deps, opts)
	if err := config.WriteSnapshot(projectPath, cfg); err != nil {
		log.Warn().Err(err).Msg("codaph: failed to write project.json snapshot")
	}
	return summary, runErr
}

func printSummary(summary workflow.Summary, quiet, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	if quiet {
		return nil
	}
	if summary.Skipped {
		fmt.Fprintf(os.Stdout, "codaph: sync skipped (%s)\n", summary.SkipReason)
		return nil
	}
	fmt.Fprintf(os.Stdout, "codaph: sync complete (mode=%s)\n", summary.Mode)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
