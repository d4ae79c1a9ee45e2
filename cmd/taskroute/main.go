package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/config"
	"github.com/zen-systems/taskroute/pkg/dispatch"
	"github.com/zen-systems/taskroute/pkg/engine"
	"github.com/zen-systems/taskroute/pkg/observability"
)

var (
	configFile string
	mockFlag   bool
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskroute",
		Short: "Route tasks to the best available model",
		Long: `taskroute classifies a task by how much processing it needs, picks the
best model across hosted, local and custom providers, and falls back to
the next best model when a call fails.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.taskroute/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&mockFlag, "mock", false, "enable the offline mock provider")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (console, json)")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(refreshCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// session is a loaded engine plus the logger it writes to.
type session struct {
	cfg    *config.Config
	engine *engine.Engine
	logger *zap.Logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if mockFlag {
		cfg.Providers.Mock.Enabled = true
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, cfg.Logging.Validate()
}

func open(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := observability.New(cfg.Logging, nil)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &session{cfg: cfg, engine: e, logger: logger}, nil
}

func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("engine close failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// taskText joins args, or reads stdin when there are none.
func taskText(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func askCmd() *cobra.Command {
	var (
		timeout    time.Duration
		fallbacks  int
		noFallback bool
		prefer     []string
		stream     bool
		maxTokens  int
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "ask [task...]",
		Short: "Submit a task to the best available model",
		Long: `Classifies the task, selects a model and generates a response.

If the chosen model fails, the next best model is tried, up to --fallbacks
additional attempts. The task is read from stdin when no argument is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := taskText(args)
			if err != nil {
				return err
			}

			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if !cmd.Flags().Changed("fallbacks") {
				fallbacks = s.cfg.Dispatch.MaxFallbacks
			}
			opts := dispatch.Options{
				Timeout:               timeout,
				MaxFallbacks:          fallbacks,
				DisableFallback:       noFallback,
				PreferredCapabilities: prefer,
			}
			if stream && !jsonOut {
				out := cmd.OutOrStdout()
				opts.Sink = func(chunk string) error {
					_, err := io.WriteString(out, chunk)
					return err
				}
			}

			res, err := s.engine.Orchestrator.Submit(cmd.Context(), complexity.Task{Text: text, MaxTokens: maxTokens}, opts)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			if stream {
				fmt.Fprintln(cmd.OutOrStdout())
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), res.Response.Text)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Routed %s task to %s (%d attempt(s), %s)\n",
				res.Tier, res.Model.ID, len(res.Attempts), res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (default from config)")
	cmd.Flags().IntVar(&fallbacks, "fallbacks", 0, "max fallback attempts after the first (0-5)")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "fail on the first error")
	cmd.Flags().StringSliceVar(&prefer, "prefer", nil, "capabilities to favour, e.g. code,fast")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the response as it is generated")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "cap the output budget")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")

	return cmd
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [task...]",
		Short: "Show how a task would be classified",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := taskText(args)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			rules, err := cfg.LoadRules()
			if err != nil {
				return err
			}
			cls, err := complexity.New(rules)
			if err != nil {
				return err
			}

			a := cls.Analyze(complexity.Task{Text: text})
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "TIER\t%s\n", a.Tier)
			fmt.Fprintf(w, "SCORE\t%.1f\n", a.Score)
			fmt.Fprintf(w, "  length\t%.1f\n", a.Signals.Length)
			fmt.Fprintf(w, "  keyword\t%.1f\n", a.Signals.Keyword)
			fmt.Fprintf(w, "  technical\t%.1f\n", a.Signals.Technical)
			fmt.Fprintf(w, "  interrogative\t%.1f\n", a.Signals.Interrogative)
			fmt.Fprintf(w, "  multi-step\t%.1f\n", a.Signals.MultiStep)
			fmt.Fprintf(w, "TASK TYPE\t%s\n", a.TaskType)
			fmt.Fprintf(w, "LANGUAGE\t%s\n", a.Language)
			fmt.Fprintf(w, "TOKEN BUDGET\t%d\n", a.TokenBudget)
			fmt.Fprintf(w, "TEMPERATURE\t%.2f\n", a.Temperature)
			fmt.Fprintf(w, "RULES\t%s\n", a.RulesVersion)
			return w.Flush()
		},
	}
}

func modelsCmd() *cobra.Command {
	var aliasesFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List registered models and their status",
		Long: `Lists every model the configured providers serve.

Use --aliases to show aliases and what they resolve to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if aliasesFlag {
				return showAliases(cmd.OutOrStdout(), s)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tFAMILY\tSIZE\tSTATUS\tUSES\tCAPABILITIES")
			for _, m := range s.engine.Registry.Snapshot() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					m.ID, m.Family, m.Size, m.Status, s.engine.Ledger.Usage(m.ID), strings.Join(m.Capabilities, ", "))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&aliasesFlag, "aliases", false, "show aliases and what they resolve to")
	return cmd
}

func showAliases(out io.Writer, s *session) error {
	if len(s.cfg.Aliases) == 0 {
		fmt.Fprintln(out, "No model aliases configured.")
		return nil
	}

	names := make([]string, 0, len(s.cfg.Aliases))
	for name := range s.cfg.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tMODEL\tSTATUS")
	for _, name := range names {
		id := s.cfg.Aliases[name]
		status := "not registered"
		if m, ok := s.engine.Registry.Model(id); ok {
			status = string(m.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, id, status)
	}
	return w.Flush()
}

func statsCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise recorded performance",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			in := s.engine.Ledger.Insights()
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(in)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "EXECUTIONS\t%d\n\n", in.TotalExecutions)

			fmt.Fprintln(w, "TIER\tSAMPLES")
			for _, tier := range complexity.Tiers() {
				fmt.Fprintf(w, "%s\t%d\n", tier, in.TierDistribution[tier.String()])
			}
			fmt.Fprintln(w)

			fmt.Fprintln(w, "MODEL\tSAMPLES\tSUCCESS\tAVG LATENCY\tUSES")
			for _, m := range in.TopModels {
				fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%.0fms\t%d\n",
					m.ModelID, m.Samples, m.SuccessRate*100, m.AvgLatencyMs, in.ModelUsage[m.ModelID])
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print insights as JSON")
	return cmd
}

func feedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <model|alias> <tier> <score>",
		Short: "Record satisfaction for a model's answers",
		Long: `Records a satisfaction score between 0 and 1 for a model on a tier
(simple, medium, complex, extreme). Feedback feeds future selection.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := complexity.ParseTier(args[1])
			if err != nil {
				return err
			}
			score, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid score %q: %w", args[2], err)
			}

			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			id := s.cfg.Aliases.Resolve(args[0])
			if _, ok := s.engine.Registry.Model(id); !ok {
				return fmt.Errorf("unknown model %q", id)
			}
			if err := s.engine.Orchestrator.Feedback(cmd.Context(), id, tier, score); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Recorded %.2f for %s on %s tasks\n", score, id, tier)
			return nil
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-list provider catalogs and drop history for removed models",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			pruned, err := s.engine.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			if len(pruned) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history pruned.")
				return nil
			}
			for _, id := range pruned {
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %s\n", id)
			}
			return nil
		},
	}
}
