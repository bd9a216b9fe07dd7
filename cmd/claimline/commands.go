package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claimline/internal/app"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/repo"
)

func claimCmd() *cobra.Command {
	c := &cobra.Command{Use: "claim", Short: "Submit and inspect claims"}
	c.AddCommand(claimSubmitCmd())
	c.AddCommand(claimListCmd())
	c.AddCommand(claimShowCmd())
	c.AddCommand(claimResubmitCmd())
	return c
}

func claimSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a claim",
		Long: `Submit a claim. By default the claim is evaluated before the command returns;
with --wait=false it is only stored and left for a running server to pick up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts.Actor = localActor()
				claim, err := rt.Engine.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printClaim(claim)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&opts.PolicyNumber, "policy", "", "policy number")
	cmd.Flags().StringVar(&opts.ClaimType, "type", "", "claim type, e.g. collision")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "claimed amount")
	cmd.Flags().StringVar(&opts.IncidentDate, "incident-date", "", "incident date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "incident description")
	cmd.Flags().StringVar(&opts.ClaimantName, "claimant", "", "claimant name")
	cmd.Flags().StringVar(&opts.Jurisdiction, "jurisdiction", "", "state or region code")
	cmd.Flags().BoolVar(&opts.Wait, "wait", true, "evaluate before returning")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("incident-date")
	return cmd
}

func claimListCmd() *cobra.Command {
	var f repo.ClaimFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				claims, err := rt.Engine.ListClaims(ctx, f, localActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := newTable("ID", "Policy", "Type", "Amount", "Status", "Risk", "Review Task", "Updated")
				for _, c := range claims {
					risk := ""
					if c.Decision != nil {
						risk = fmt.Sprintf("%.2f", c.Decision.CombinedRisk)
					}
					tw.AppendRow(table.Row{c.ID, c.PolicyNumber, c.ClaimType, money(c.Amount), c.Status, risk, c.ReviewTaskID, ago(c.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.PolicyNumber, "policy", "", "policy number filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func claimShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <claim-id>",
		Short: "Show a claim with its evidence and decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				claim, err := rt.Engine.GetClaim(ctx, args[0], localActor())
				if err != nil {
					return err
				}
				return printClaim(claim)
			})
		},
	}
}

func claimResubmitCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "resubmit <claim-id>",
		Short: "Run an unfinished claim through the pipeline again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				claim, err := rt.Engine.Resubmit(ctx, args[0], wait, localActor())
				if err != nil {
					return err
				}
				return printClaim(claim)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "evaluate before returning")
	return cmd
}

func printClaim(c domain.Claim) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Fprintf(stdout, "Claim %s  [%s]\n", c.ID, c.Status)
	fmt.Fprintf(stdout, "  Policy:   %s (%s)\n", c.PolicyNumber, c.ClaimType)
	fmt.Fprintf(stdout, "  Amount:   %s\n", money(c.Amount))
	fmt.Fprintf(stdout, "  Incident: %s\n", c.IncidentDate)
	if c.Jurisdiction != "" {
		fmt.Fprintf(stdout, "  Jurisdiction: %s\n", c.Jurisdiction)
	}
	if c.Evidence != nil {
		tw := newTable("Evaluator", "Score", "Confidence", "Status", "Factors")
		names := make([]string, 0, len(c.Evidence.Results))
		for name := range c.Evidence.Results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r := c.Evidence.Results[name]
			status := string(r.Status)
			if r.Degraded {
				status += " (degraded)"
			}
			tw.AppendRow(table.Row{r.EvaluatorName, fmt.Sprintf("%.2f", r.Score), fmt.Sprintf("%.2f", r.Confidence), status, strings.Join(r.Factors, "; ")})
		}
		tw.Render()
	}
	if d := c.Decision; d != nil {
		fmt.Fprintf(stdout, "  Decision: %s (risk %.2f, confidence %.2f, degraded %d)\n", d.Outcome, d.CombinedRisk, d.Confidence, d.DegradedCount)
		for _, r := range d.Reasoning {
			fmt.Fprintf(stdout, "    - %s\n", r)
		}
	}
	if c.ReviewTaskID != "" {
		fmt.Fprintf(stdout, "  Review task: %s\n", c.ReviewTaskID)
	}
	if c.LastError != "" {
		fmt.Fprintf(stdout, "  Last error (attempt %d): %s\n", c.Attempts, c.LastError)
	}
	return nil
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Work the human review queues"}
	var f repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List review tasks, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.ListReviewTasks(ctx, f, localActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Claim", "Role", "Priority", "Status", "Due", "Regulatory")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.ClaimID, t.AssignedRole, t.Priority, t.Status, ago(t.DueAt), ago(t.RegulatoryDeadline)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", domain.TaskOpen, "open or closed (empty for all)")
	list.Flags().StringVar(&f.Role, "role", "", "assigned role filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	r.AddCommand(list)

	var outcome, resolution string
	closeCmd := &cobra.Command{
		Use:   "close <task-id>",
		Short: "Record the reviewer's decision (approve or deny)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.CloseReviewTask(ctx, engine.CloseOptions{
					TaskID:     args[0],
					Outcome:    domain.Outcome(outcome),
					Resolution: resolution,
					Actor:      localActor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Fprintf(stdout, "Closed %s for claim %s (%s)\n", task.ID, task.ClaimID, outcome)
				return nil
			})
		},
	}
	closeCmd.Flags().StringVar(&outcome, "outcome", "", "approve or deny")
	closeCmd.Flags().StringVar(&resolution, "resolution", "", "reviewer notes")
	_ = closeCmd.MarkFlagRequired("outcome")
	r.AddCommand(closeCmd)
	return r
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage policies"}

	var pol domain.Policy
	upsert := &cobra.Command{
		Use:   "upsert <number>",
		Short: "Create or replace a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pol.Number = args[0]
				stored, err := rt.Engine.UpsertPolicy(ctx, pol, localActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stored)
				}
				fmt.Fprintf(stdout, "Saved policy %s (%s, limit %s)\n", stored.Number, stored.Status, money(stored.CoverageLimit))
				return nil
			})
		},
	}
	upsert.Flags().StringVar(&pol.HolderName, "holder", "", "policy holder name")
	upsert.Flags().StringVar(&pol.Status, "status", "active", "active, inactive, lapsed or cancelled")
	upsert.Flags().StringVar(&pol.EffectiveDate, "effective", "", "effective date (YYYY-MM-DD)")
	upsert.Flags().StringVar(&pol.ExpirationDate, "expires", "", "expiration date (YYYY-MM-DD)")
	upsert.Flags().Float64Var(&pol.CoverageLimit, "limit", 0, "coverage limit")
	upsert.Flags().Float64Var(&pol.Deductible, "deductible", 0, "deductible")
	upsert.Flags().StringSliceVar(&pol.CoveredPerils, "perils", nil, "covered claim types")
	upsert.Flags().StringSliceVar(&pol.Exclusions, "exclusions", nil, "excluded claim types")
	upsert.Flags().IntVar(&pol.PreviousClaims, "previous-claims", 0, "number of prior claims")
	upsert.Flags().StringVar(&pol.PremiumStatus, "premium-status", "current", "premium payment status")
	_ = upsert.MarkFlagRequired("effective")
	_ = upsert.MarkFlagRequired("expires")
	p.AddCommand(upsert)

	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListPolicies(ctx, localActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Number", "Holder", "Status", "Effective", "Expires", "Limit", "Perils")
				for _, p := range items {
					tw.AppendRow(table.Row{p.Number, p.HolderName, p.Status, p.EffectiveDate, p.ExpirationDate, money(p.CoverageLimit), strings.Join(p.CoveredPerils, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})

	p.AddCommand(&cobra.Command{
		Use:   "show <number>",
		Short: "Show a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				item, err := rt.Engine.GetPolicy(ctx, args[0], localActor())
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	})
	return p
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var opts engine.APIKeyCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the plain key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts.Actor = localActor()
				key, plain, err := rt.Engine.CreateAPIKey(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "roles": key.Roles, "key": plain})
				}
				fmt.Fprintf(stdout, "API key %s for %s (%s)\n%s\n", key.ID, key.ActorID, strings.Join(key.Roles, ","), plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&opts.ActorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&opts.Name, "name", "", "label")
	create.Flags().StringSliceVar(&opts.Roles, "key-roles", nil, "roles granted to the key")
	_ = create.MarkFlagRequired("actor")
	_ = create.MarkFlagRequired("key-roles")
	k.AddCommand(create)

	var actorFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.ListAPIKeys(ctx, actorFilter, localActor())
				if err != nil {
					return err
				}
				tw := newTable("ID", "Actor", "Name", "Roles", "Created")
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, strings.Join(key.Roles, ","), ago(key.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actorFilter, "actor", "", "actor filter")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.RevokeAPIKey(ctx, args[0], localActor()); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return k
}
