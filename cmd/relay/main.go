// relay routes LLM work to the cheapest model that can do it well: it
// predicts quality before spending money, validates cheap output with a
// rubric, and escalates to premium models only when allowed.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/jsonx"
	"relay/internal/llm"
	"relay/internal/logging"
	"relay/internal/orchestrator"
	"relay/internal/router"
	"relay/internal/session"
)

// Exit codes: 0 success, 1 generic failure, 2 task rejected.
const (
	exitOK       = 0
	exitFailure  = 1
	exitRejected = 2
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath string
		cfg     config.Config
	)

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Cost-aware task delegation for LLM work",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a relay config file (YAML)")

	root.AddCommand(
		newOrchestrateCmd(&cfg),
		newExplainCmd(&cfg),
		newRecoverCmd(&cfg),
		newBootstrapCmd(&cfg),
		newCostCmd(&cfg),
	)

	err := root.Execute()
	if err == nil {
		return exitOK
	}

	var rejection *router.RejectionError
	if errors.As(err, &rejection) {
		fmt.Fprintf(os.Stderr, "%s task rejected: predicted quality %d\n",
			red("✗"), rejection.Decision.PredictedQuality)
		for _, line := range rejection.Decision.Reasoning {
			fmt.Fprintf(os.Stderr, "  %s\n", line)
		}
		fmt.Fprintln(os.Stderr, bold("Alternatives:"))
		for _, alt := range rejection.Alternatives {
			fmt.Fprintf(os.Stderr, "  - %s\n", alt)
		}
		return exitRejected
	}

	fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
	return exitFailure
}

func newClient(cfg *config.Config) *llm.Client {
	return llm.NewClient(
		llm.WithDefaultProvider(cfg.DefaultProvider),
		llm.WithFallback(cfg.EnableFallback),
		llm.WithLogger(logging.NewComponentLogger("LLMClient")),
	)
}

func newFacade(cfg *config.Config, client *llm.Client) *orchestrator.QualityAware {
	return orchestrator.NewQualityAware(client, orchestrator.QualityConfig{
		Router: router.New(router.Config{
			RejectionThreshold: cfg.RejectionThreshold,
			HybridThreshold:    cfg.HybridThreshold,
			DefaultProvider:    cfg.DefaultProvider,
		}),
		Smart: orchestrator.SmartConfig{
			MaxFixRounds: cfg.MaxRetries,
			Logger:       logging.NewComponentLogger("Smart"),
		},
		Hybrid: orchestrator.HybridConfig{
			ValidationThreshold: cfg.ValidationThreshold,
			MaxIterations:       cfg.MaxRetries + 1,
			Logger:              logging.NewComponentLogger("Hybrid"),
		},
		Logger: logging.NewComponentLogger("QualityAware"),
	})
}

func taskFromArgs(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	info, err := os.Stdin.Stat()
	if err == nil && (info.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		if task := strings.TrimSpace(string(data)); task != "" {
			return task, nil
		}
	}
	return "", fmt.Errorf("no task given: pass it as arguments or on stdin")
}

func newOrchestrateCmd(cfg *config.Config) *cobra.Command {
	var (
		needsRefs     bool
		noPlacehold   bool
		allowPremium  bool
		forceDelegate bool
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "orchestrate [task...]",
		Short: "Route and execute a task through the cheapest capable path",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := taskFromArgs(args)
			if err != nil {
				return err
			}

			client := newClient(cfg)
			facade := newFacade(cfg, client)

			req := router.Requirements{
				NeedsFileLineRefs: needsRefs,
				NoPlaceholders:    noPlacehold,
				AllowPremium:      allowPremium,
			}
			if !cfg.EnableQualityRouting {
				forceDelegate = true
			}

			env, err := facade.Orchestrate(cmd.Context(), task, req, forceDelegate)
			if err != nil {
				return err
			}

			if asJSON {
				data, err := jsonx.MarshalIndent(env, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Fprintf(os.Stderr, "%s %s via %s (predicted %d, scored %d, ~$%.2f)\n",
				green("✓"), env.Orchestrator, env.Metadata.Provider,
				env.Decision.PredictedQuality, env.QualityScore, env.CostEstimate)
			if !env.Metadata.ValidationPassed {
				fmt.Fprintf(os.Stderr, "%s validation did not pass; best attempt returned\n", yellow("!"))
			}
			fmt.Println(env.Result)

			if cost := client.GetCost(); cost > 0 {
				fmt.Fprintf(os.Stderr, "%s actual spend: $%.4f\n", cyan("$"), cost)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&needsRefs, "needs-file-line-refs", false, "output must cite exact file:line locations")
	cmd.Flags().BoolVar(&noPlacehold, "no-placeholders", false, "reject outputs containing placeholders")
	cmd.Flags().BoolVar(&allowPremium, "allow-premium", false, "permit escalation to the premium provider")
	cmd.Flags().BoolVar(&forceDelegate, "force-delegate", false, "skip routing and delegate directly")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result envelope as JSON")
	return cmd
}

func newExplainCmd(cfg *config.Config) *cobra.Command {
	var (
		needsRefs    bool
		noPlacehold  bool
		allowPremium bool
	)

	cmd := &cobra.Command{
		Use:   "explain [task...]",
		Short: "Dry-run the router and explain the decision without spending anything",
		RunE: func(_ *cobra.Command, args []string) error {
			task, err := taskFromArgs(args)
			if err != nil {
				return err
			}
			facade := newFacade(cfg, newClient(cfg))
			fmt.Print(facade.ExplainRouting(task, router.Requirements{
				NeedsFileLineRefs: needsRefs,
				NoPlaceholders:    noPlacehold,
				AllowPremium:      allowPremium,
			}))
			return nil
		},
	}

	cmd.Flags().BoolVar(&needsRefs, "needs-file-line-refs", false, "output must cite exact file:line locations")
	cmd.Flags().BoolVar(&noPlacehold, "no-placeholders", false, "reject outputs containing placeholders")
	cmd.Flags().BoolVar(&allowPremium, "allow-premium", false, "permit escalation to the premium provider")
	return cmd
}

func newRecoverCmd(cfg *config.Config) *cobra.Command {
	var (
		historyPath string
		outputPath  string
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Distill the current session into a recovery manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var history string
			if historyPath != "" {
				data, err := os.ReadFile(historyPath)
				if err != nil {
					return fmt.Errorf("read history: %w", err)
				}
				history = string(data)
			}

			agent := session.NewRecoveryAgent(
				newClient(cfg),
				cfg.ProjectRoot,
				cfg.ContextLimitTokens,
				logging.NewComponentLogger("Recovery"),
			)
			manifest, err := agent.PrepareRecovery(cmd.Context(), history, outputPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "%s manifest written (%d bytes, phase %q)\n",
				green("✓"), manifest.Size(), manifest.SessionMetadata.Phase)
			if manifest.SessionMetadata.Phase == "Unknown (fallback)" {
				fmt.Fprintf(os.Stderr, "%s distillation fell back to git state only\n", yellow("!"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&historyPath, "history", "", "path to a session history transcript")
	cmd.Flags().StringVar(&outputPath, "output", "", "manifest destination (default session_recovery_latest.json)")
	return cmd
}

func newBootstrapCmd(cfg *config.Config) *cobra.Command {
	var (
		manifestPath string
		noVerify     bool
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Resume from the last recovery manifest",
		RunE: func(*cobra.Command, []string) error {
			manager := session.NewBootstrapManager(cfg.ProjectRoot, logging.NewComponentLogger("Bootstrap"))
			summary, err := manager.BootstrapSession(manifestPath, !noVerify)
			if err != nil {
				return err
			}
			fmt.Print(summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest path (default session_recovery_latest.json)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip environment verification")
	return cmd
}

func newCostCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cost",
		Short: "Show the provider chain and per-token pricing",
		RunE: func(*cobra.Command, []string) error {
			client := newClient(cfg)
			chain := client.Chain()

			fmt.Println(bold("Provider chain (cheapest first):"))
			for i, p := range chain {
				status := red("no credentials")
				if p.Configured() {
					status = green("ready")
				}
				fmt.Printf("  %d. %-12s %-28s in $%.2f/M out $%.2f/M  [%s]\n",
					i+1, p.Name, p.DefaultModel,
					p.InputPricePerToken*1e6, p.OutputPricePerToken*1e6, status)
			}

			summary := client.GetCostSummary()
			if summary.TotalCalls > 0 {
				fmt.Printf("\n%s $%.4f over %d calls\n", bold("Session spend:"), summary.TotalCost, summary.TotalCalls)
				providers := make([]string, 0, len(summary.ByProvider))
				for name := range summary.ByProvider {
					providers = append(providers, name)
				}
				sort.Strings(providers)
				for _, name := range providers {
					agg := summary.ByProvider[name]
					fmt.Printf("  %-12s $%.4f (%d calls)\n", name, agg.TotalCost, agg.Calls)
				}
			}
			return nil
		},
	}
}
