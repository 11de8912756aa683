package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskfeed/internal/config"
	"taskfeed/internal/db"
	"taskfeed/internal/engine"
	"taskfeed/internal/migrate"
	"taskfeed/internal/policy"
	"taskfeed/internal/repo"
	"taskfeed/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskfeed",
	Short: "Taskfeed CLI",
	Long: `Taskfeed keeps a shared to-do list fed from the web and from WhatsApp.
Web tasks belong to whoever created them; WhatsApp tasks are communal and
visible to everyone who asks for them. Notes can be appended to any task and
an optional enrichment workflow rewrites titles and proposes steps.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKFEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("email", "", "acting user email")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("email", rootCmd.PersistentFlags().Lookup("email"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(waCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// viewer builds the CLI identity from flags. The CLI trusts its caller; the
// HTTP server is where tokens are verified.
func viewer() policy.Viewer {
	return policy.Viewer{
		ID:    viper.GetString("user-id"),
		Email: viper.GetString("email"),
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks come from the web (owned) or from WhatsApp (communal). Anyone authenticated may edit or annotate; only owners delete owned tasks.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskNoteCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, viewer(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, viewer(), all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Done", "Source", "Owner", "Notes"})
				for _, t := range tasks {
					title := t.Title
					if t.EnhancedTitle != nil && *t.EnhancedTitle != "" {
						title = *t.EnhancedTitle
					}
					tw.AppendRow(table.Row{
						t.ID,
						title,
						checkbox(t.Completed),
						strVal(t.Source),
						strVal(t.UserEmail),
						len(policy.DecodeNotes(t)),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include communal WhatsApp tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, viewer(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title string
	var completed bool
	var stepsJSON string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u repo.TaskUpdates
			if cmd.Flags().Changed("title") {
				u.Title = &title
			}
			if cmd.Flags().Changed("completed") {
				u.Completed = &completed
			}
			if cmd.Flags().Changed("steps-json") {
				if !json.Valid([]byte(stepsJSON)) {
					return fmt.Errorf("--steps-json must be valid JSON")
				}
				u.StepsJSON = &stepsJSON
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, viewer(), args[0], u)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().BoolVar(&completed, "completed", false, "completion flag")
	cmd.Flags().StringVar(&stepsJSON, "steps-json", "", "steps as a JSON array")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done := true
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, viewer(), args[0], repo.TaskUpdates{Completed: &done})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Append a note to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddNote(ctx, viewer(), args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				notes := policy.DecodeNotes(t)
				for _, n := range notes {
					fmt.Printf("[%s] %s: %s\n", n.At, n.User, n.Text)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, viewer(), args[0])
			})
		},
	}
	return cmd
}

func waCmd() *cobra.Command {
	wa := &cobra.Command{
		Use:   "wa",
		Short: "WhatsApp channel",
	}
	wa.AddCommand(waSendCmd())
	return wa
}

func waSendCmd() *cobra.Command {
	var number string
	cmd := &cobra.Command{
		Use:   "send <body>",
		Short: "Send a message through the WhatsApp workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SendWhatsApp(ctx, viewer(), args[0], number)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "destination number (optional)")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("no JWT secret; set auth.jwt_secret in %s or TASKFEED_JWT_SECRET", config.Path(viper.GetString("workspace")))
			}
			token, err := server.SignToken(secret, viper.GetString("user-id"), viper.GetString("email"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:       jwtSecret(cfg),
				DevLoginEnabled: cfg.Auth.DevLoginEnabled,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("no JWT secret; set auth.jwt_secret in %s or TASKFEED_JWT_SECRET", config.Path(workspace))
			}
			if cmd.Flags().Changed("addr") || cfg.Server.Addr == "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || cfg.Server.BasePath == "" {
				cfg.Server.BasePath = basePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskfeed API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("TASKFEED_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func checkbox(done bool) string {
	if done {
		return "x"
	}
	return " "
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
