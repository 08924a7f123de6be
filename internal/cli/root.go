// Package cli wires the cobra command surface for solve.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemind-dev/solve/internal/config"
	"github.com/hivemind-dev/solve/internal/engine"
	"github.com/hivemind-dev/solve/internal/logging"
	"github.com/hivemind-dev/solve/internal/provider"
	"github.com/hivemind-dev/solve/internal/provider/github"
	"github.com/hivemind-dev/solve/internal/provider/sourcecraft"
)

var (
	verbose bool

	flagModel             string
	flagFork              bool
	flagBaseBranch        string
	flagAutoPR            bool
	flagNoAutoPR          bool
	flagAutoContinue      bool
	flagAutoContinueLimit bool
	flagAttachLogs        bool
	flagWatch             bool
	flagWatchInterval     int
	flagAutoRestartMax    int
	flagResume            string
	flagResumeOnRestart   bool
	flagLinkCorrection    bool
	flagDryRun            bool
	flagLogDir            string

	rootCmd = &cobra.Command{
		Use:   "solve <issue-or-pr-url>",
		Short: "Drive an LLM agent from an issue to a merged pull request",
		Long: `Solve takes an issue or pull request URL, prepares an isolated workspace,
runs an LLM agent CLI against it, opens a draft pull request linked to the
issue, and keeps the PR in sync with reviewer feedback until merged.`,
		Args: cobra.ExactArgs(1),
		RunE: runSolve,

		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Setup(verbose)
	}

	f := rootCmd.Flags()
	f.StringVar(&flagModel, "model", "", "Model id passed to the agent subprocess")
	f.BoolVar(&flagFork, "fork", false, "Use the fork-and-PR workflow")
	f.StringVar(&flagBaseBranch, "base-branch", "", "Override the default base branch")
	f.BoolVar(&flagAutoPR, "auto-pull-request-creation", true, "Create the draft PR before the agent runs")
	f.BoolVar(&flagNoAutoPR, "no-auto-pull-request-creation", false, "Disable automatic PR creation")
	f.BoolVar(&flagAutoContinue, "auto-continue", false, "Continue an existing PR for the issue when one exists")
	f.BoolVar(&flagAutoContinueLimit, "auto-continue-limit", false, "Resume automatically when the usage limit resets")
	f.BoolVar(&flagAttachLogs, "attach-logs", false, "Attach the sanitized session log to the PR")
	f.BoolVar(&flagWatch, "watch", false, "Keep polling the PR and re-running the agent on feedback")
	f.IntVar(&flagWatchInterval, "watch-interval", 0, "Watch polling interval in seconds")
	f.IntVar(&flagAutoRestartMax, "auto-restart-max-iterations", 0, "Cap for uncommitted-work auto-restarts")
	f.StringVar(&flagResume, "resume", "", "Resume from a prior agent session id")
	f.BoolVar(&flagResumeOnRestart, "resume-on-auto-restart", false, "Resume the agent session across auto-restarts")
	f.BoolVar(&flagLinkCorrection, "pull-request-issue-link-auto-correction", false, "Keep re-asserting the issue link in the PR body")
	f.BoolVar(&flagDryRun, "dry-run", false, "Compose and print the prompt, then exit")
	f.StringVar(&flagLogDir, "log-dir", "", "Directory for session log files")

	rootCmd.MarkFlagsMutuallyExclusive("dry-run", "watch")
	rootCmd.MarkFlagsMutuallyExclusive("dry-run", "resume")
	rootCmd.MarkFlagsMutuallyExclusive("auto-pull-request-creation", "no-auto-pull-request-creation")
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	registry := newRegistry(cfg)
	host, err := registry.Detect(args[0])
	if err != nil {
		return fmt.Errorf("%w\nExpected a github.com or sourcecraft.dev issue or PR URL", err)
	}
	target, err := host.ParseURL(args[0])
	if err != nil {
		return err
	}

	model := flagModel
	if model == "" {
		model = cfg.Agent.Model
	}
	logDir := flagLogDir
	if logDir == "" {
		logDir = cfg.LogDir()
	}
	watchInterval := time.Duration(flagWatchInterval) * time.Second

	eng, err := engine.New(engine.Options{
		Host:                host,
		Target:              *target,
		Config:              cfg,
		Model:               model,
		AgentBinary:         cfg.Agent.Binary,
		Fork:                flagFork,
		BaseBranch:          flagBaseBranch,
		AutoPR:              flagAutoPR && !flagNoAutoPR,
		AutoContinue:        flagAutoContinue,
		AutoContinueLimit:   flagAutoContinueLimit,
		AttachLogs:          flagAttachLogs,
		Watch:               flagWatch,
		WatchInterval:       watchInterval,
		AutoRestartMax:      flagAutoRestartMax,
		ResumeSessionID:     flagResume,
		ResumeOnAutoRestart: flagResumeOnRestart || cfg.Watch.ResumeOnAutoRestart,
		LinkCorrection:      flagLinkCorrection,
		DryRun:              flagDryRun,
		LogDir:              logDir,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return eng.Run(ctx)
}

func newRegistry(cfg *config.Config) *provider.Registry {
	reg := provider.NewRegistry()
	ghToken := cfg.Providers["github"].Token
	reg.Register(github.NewHost(ghToken))
	if sc, ok := cfg.Providers["sourcecraft"]; ok && sc.Token != "" {
		reg.Register(sourcecraft.NewHost(sc.Token, sc.BaseURL))
	}
	return reg
}

// Execute runs the root command. Exit codes are 0 and 1 only.
func Execute() error {
	return rootCmd.Execute()
}
