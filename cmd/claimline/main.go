package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claimline/internal/app"
	"claimline/internal/engine/auth"
	"claimline/internal/repo"
	"claimline/internal/server"
	"claimline/internal/tracing"
)

const version = "0.1.0"

// stdout receives command output.
var stdout io.Writer = os.Stdout

func main() {
	cobra.OnInitialize(initConfig)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "claimline",
		Short: "Claimline CLI",
		Long: `Claimline evaluates insurance claims and routes the uncertain ones to people.
- Policy gate: a claim on an inactive, expired or non-covering policy is denied before any scoring.
- Evaluators: fraud, risk and external data score the claim in parallel; a slow or failing one is
  replaced by a conservative fallback and marked degraded.
- Decision: scores are weighted into one combined risk; low risk auto-approves, high risk goes to SIU,
  everything in between (or large, or degraded) waits for review.
- Review tasks: each routed claim gets exactly one task for an adjuster, senior adjuster or SIU
  investigator, with a due date and any regulatory deadline.
- Workspace: .claimline holds the SQLite database; claimline.yml holds thresholds and roles.`,
		SilenceUsage: true,
	}
	addPersistentFlags(root)
	root.AddCommand(initCmd(), configCmd(), serveCmd(), claimCmd(), reviewCmd(), policyCmd(), apikeyCmd(), logCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("CLAIMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/claimline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the audit log")
	flags.StringSlice("roles", []string{"admin"}, "roles of the local actor")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "roles", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default claimline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitWorkspace(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config")); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "config ok")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, trace bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the evaluation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CLAIMLINE_JWT_SECRET (or --jwt-secret) is required for bearer auth")
			}
			ctx := cmd.Context()
			if trace {
				shutdownTracing, err := tracing.Init(version, os.Stderr)
				if err != nil {
					return err
				}
				defer shutdownTracing(context.Background())
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					rt.Log.Warn("shutdown", "error", err)
				}
			}()

			if _, err := rt.Engine.Start(ctx); err != nil {
				return err
			}
			if len(rt.Config.Webhooks) > 0 {
				go server.NewWebhookDispatcher(rt.Engine.Repo, rt.Config.Webhooks, rt.Log).Run(ctx)
			}

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowDevLogin: devLogin, Logger: rt.Log},
				Metrics:  rt.Metrics,
				Logger:   rt.Log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Fprintf(stdout, "Serving Claimline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local testing only)")
	cmd.Flags().BoolVar(&trace, "trace", false, "write pipeline spans to stderr")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Events(ctx, f, localActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "When", "Type", "Entity", "Actor")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, ago(evt.TS), evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

func openRuntime() (*app.Runtime, error) {
	return app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, rt)
}

func localActor() auth.Actor {
	return auth.Actor{ID: viper.GetString("actor-id"), Roles: viper.GetStringSlice("roles")}
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func money(v float64) string {
	return "$" + humanize.CommafWithDigits(v, 2)
}

// ago renders an RFC3339 timestamp relative to now; unparsable values are
// shown as-is.
func ago(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
