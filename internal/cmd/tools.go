package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/auth"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/prompts"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
)

func newPromptsCommand(load loader) *cobra.Command {
	root := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect and seed the prompt directory",
	}

	offlineManager := func() (*prompts.Manager, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		pc := cfg.TeamLeader().Prompts
		pc.Watch = false
		pc.SeedDefaults = false
		return prompts.NewManager(pc, zap.NewNop())
	}

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check every prompt file without loading it into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pm, err := offlineManager()
			if err != nil {
				return err
			}
			defer pm.Close()
			reports, err := pm.ValidateAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			invalid := 0
			for _, r := range reports {
				if r.Valid {
					fmt.Fprintf(out, "ok       %s (version %s, %s)\n", r.File, orDash(r.Version), shortChecksum(r.Checksum))
					continue
				}
				invalid++
				fmt.Fprintf(out, "invalid  %s: %s\n", r.File, strings.Join(r.Issues, "; "))
			}
			fmt.Fprintf(out, "%d file(s), %d invalid\n", len(reports), invalid)
			if invalid > 0 {
				return fmt.Errorf("%d invalid prompt file(s)", invalid)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Write the built-in prompt templates into an empty prompt directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pm, err := offlineManager()
			if err != nil {
				return err
			}
			defer pm.Close()
			n, err := pm.SeedDefaults()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d template(s) into %s\n", n, pm.Dir())
			return nil
		},
	})
	return root
}

func newPhasesCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "Print the effective phase table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			engine, err := rules.NewEngine(cfg.TeamLeader().Rules, zap.NewNop())
			if err != nil {
				return err
			}
			configs := engine.PhaseConfigs()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tMAX COMPLEXITY\tTIMEOUT\tALLOWED TASKS\tCRITERIA")
			for _, p := range rules.AllPhases() {
				c := configs[p]
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", p, c.MaxComplexity, c.Timeout,
					strings.Join(c.AllowedTasks, ","), strings.Join(c.CompletionCriteria, ","))
			}
			fmt.Fprintf(w, "\ncomplexity budget: %d\n", engine.Status(cmd.Context()).ComplexityBudget)
			return w.Flush()
		},
	}
}

func newTokenCommand(load loader) *cobra.Command {
	var subject, role string
	c := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return errors.New("admin.jwt_secret is not configured")
			}
			tm := auth.NewTokenManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
			token, expires, err := tm.Issue(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
	c.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the operator's name")
	c.Flags().StringVar(&role, "role", auth.RoleOperator, "operator or viewer")
	_ = c.MarkFlagRequired("subject")
	return c
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortChecksum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return orDash(s)
}
