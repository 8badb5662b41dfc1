package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opdtrack/internal/app"
	"opdtrack/internal/config"
	"opdtrack/internal/db"
	"opdtrack/internal/domain"
	"opdtrack/internal/engine"
	"opdtrack/internal/migrate"
	"opdtrack/internal/repo"
	"opdtrack/internal/server"
	"opdtrack/internal/view"
)

var rootCmd = &cobra.Command{
	Use:   "opd",
	Short: "OPD production tracking CLI",
	Long: `opd tracks production work orders (OPDs) and their activity checklists.
- Workspace: your .opdtrack directory holding the database; the shop config (checklist, form requirements, webhooks) lives in the DB and is imported explicitly.
- Work order: a production order identified by its number; creating one seeds the standard activity checklist.
- Activities: checklist entries with a timer going to_do -> in_progress -> paused -> done; paused time never counts.
- Forms: some activity kinds need a completed quality-control form before they can finish; drafts do not count.
- Log: append-only diary of every start/pause/resume/finish, view with 'opd log tail'.`,
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
	viper.SetEnvPrefix("OPDTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor name recorded in the log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(workorderCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(timerCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func workorderCmd() *cobra.Command {
	wo := &cobra.Command{
		Use:     "workorder",
		Aliases: []string{"wo"},
		Short:   "Manage work orders",
	}
	wo.AddCommand(workorderCreateCmd())
	wo.AddCommand(workorderListCmd())
	wo.AddCommand(workorderShowCmd())
	wo.AddCommand(workorderUpdateCmd())
	wo.AddCommand(workorderDeleteCmd())
	return wo
}

func workorderCreateCmd() *cobra.Command {
	var opts engine.WorkOrderCreateOptions
	cmd := &cobra.Command{
		Use:   "create <number>",
		Short: "Create a work order and seed its checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Number = args[0]
			opts.Actor = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&opts.ProductType, "product-type", "", "product type")
	cmd.Flags().StringVar(&opts.Responsible, "responsible", "", "responsible person")
	cmd.Flags().StringVar(&opts.OrderDate, "order-date", "", "order date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ForecastStart, "forecast-start", "", "forecast start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ForecastEnd, "forecast-end", "", "forecast end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.SkipChecklist, "skip-checklist", false, "do not seed the standard checklist")
	return cmd
}

func workorderListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkOrders(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Customer", "Responsible", "Forecast start", "Forecast end", "Progress"})
				for _, w := range items {
					counts, err := e.Repo.CountActivitiesByStatus(ctx, w.Number)
					if err != nil {
						return err
					}
					total := 0
					for _, c := range counts {
						total += c
					}
					progress := fmt.Sprintf("%d/%d", counts[domain.StatusDone], total)
					tw.AppendRow(table.Row{w.Number, w.Customer, w.Responsible, deref(w.ForecastStart), deref(w.ForecastEnd), progress})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workorderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <number>",
		Short: "Show a work order with its checklist progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkOrder(ctx, number)
				if err != nil {
					return err
				}
				activities, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{WorkOrder: number})
				if err != nil {
					return err
				}
				stats := view.Summarize(activities)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"work_order": w, "stats": stats})
				}
				fmt.Printf("Work order: %s\n", w.Number)
				if w.Customer != "" {
					fmt.Printf("Customer: %s\n", w.Customer)
				}
				if w.Responsible != "" {
					fmt.Printf("Responsible: %s\n", w.Responsible)
				}
				fmt.Printf("Progress: %d/%d done (%d%%)\n", stats.Done, stats.Total, stats.Percent)
				return nil
			})
		},
	}
	return cmd
}

func workorderUpdateCmd() *cobra.Command {
	var customer, productType, responsible, orderDate, forecastStart, forecastEnd string
	cmd := &cobra.Command{
		Use:   "update <number>",
		Short: "Update work order fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u := repo.WorkOrderUpdate{}
				setIfChanged := func(name string, dst **string, v *string) {
					if cmd.Flags().Changed(name) {
						*dst = v
					}
				}
				setIfChanged("customer", &u.Customer, &customer)
				setIfChanged("product-type", &u.ProductType, &productType)
				setIfChanged("responsible", &u.Responsible, &responsible)
				setIfChanged("order-date", &u.OrderDate, &orderDate)
				setIfChanged("forecast-start", &u.ForecastStart, &forecastStart)
				setIfChanged("forecast-end", &u.ForecastEnd, &forecastEnd)
				if err := e.Repo.UpdateWorkOrder(ctx, number, u); err != nil {
					return err
				}
				w, err := e.Repo.GetWorkOrder(ctx, number)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&productType, "product-type", "", "product type")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible person")
	cmd.Flags().StringVar(&orderDate, "order-date", "", "order date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&forecastStart, "forecast-start", "", "forecast start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&forecastEnd, "forecast-end", "", "forecast end date (YYYY-MM-DD)")
	return cmd
}

func workorderDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <number>",
		Short: "Delete a work order and its activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteWorkOrder(ctx, args[0])
			})
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage checklist activities",
	}
	act.AddCommand(activityAddCmd())
	act.AddCommand(activityListCmd())
	act.AddCommand(activityShowCmd())
	act.AddCommand(activityDueCmd())
	return act
}

func activityAddCmd() *cobra.Command {
	var opts engine.ActivityCreateOptions
	cmd := &cobra.Command{
		Use:   "add <work-order>",
		Short: "Add an activity or subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkOrder = args[0]
			opts.Actor = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddActivity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "activity kind")
	cmd.Flags().StringVar(&opts.Crew, "crew", "", "crew")
	cmd.Flags().IntVar(&opts.Seq, "seq", 0, "checklist position")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent activity id (makes this a subtask)")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func activityListCmd() *cobra.Command {
	var status, due, sortOrder string
	cmd := &cobra.Command{
		Use:   "list <work-order>",
		Short: "Show the checklist tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetWorkOrder(ctx, number); err != nil {
					return err
				}
				activities, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{WorkOrder: number})
				if err != nil {
					return err
				}
				now := time.Now().UTC()
				nodes := view.Apply(view.Build(activities), view.Query{Status: status, Due: due, Sort: sortOrder}, now)
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				for i, n := range nodes {
					printActivityNode(n, now, i == len(nodes)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (to_do, in_progress, paused, done)")
	cmd.Flags().StringVar(&due, "due", "", "due bucket (all, overdue, today, 3_days, 7_days, 30_days)")
	cmd.Flags().StringVar(&sortOrder, "sort", "", "sort order (date, days_left, status)")
	return cmd
}

func activityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an activity with elapsed time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetActivity(ctx, id)
				if err != nil {
					return err
				}
				elapsed := engine.DisplaySeconds(a, time.Now().UTC())
				if viper.GetBool("json") {
					return printJSON(map[string]any{"activity": a, "elapsed_seconds": elapsed})
				}
				fmt.Printf("%s [%s] %s\n", a.Kind, a.Status, formatDuration(elapsed))
				if a.Crew != "" {
					fmt.Printf("Crew: %s\n", a.Crew)
				}
				if a.DueDate != nil {
					fmt.Printf("Due: %s\n", *a.DueDate)
				}
				return nil
			})
		},
	}
	return cmd
}

func activityDueCmd() *cobra.Command {
	var due string
	cmd := &cobra.Command{
		Use:   "due <id>",
		Short: "Set or clear the due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var duePtr *string
				if due != "" {
					if _, err := time.Parse("2006-01-02", due); err != nil {
						return fmt.Errorf("invalid due date %q: use YYYY-MM-DD", due)
					}
					duePtr = &due
				}
				if err := e.Repo.UpdateActivityDueDate(ctx, id, duePtr); err != nil {
					return err
				}
				a, err := e.Repo.GetActivity(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&due, "date", "", "due date (YYYY-MM-DD, empty clears)")
	return cmd
}

func timerCmd() *cobra.Command {
	timer := &cobra.Command{
		Use:   "timer",
		Short: "Drive the activity timer",
		Long:  "Timer actions move an activity through its lifecycle: start from to_do, pause/resume while working, finish when done. Pausing folds elapsed time into the stored total; paused time never counts.",
	}
	for _, action := range []string{engine.ActionStart, engine.ActionPause, engine.ActionResume, engine.ActionFinish} {
		timer.AddCommand(timerActionCmd(action))
	}
	return timer
}

func timerActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Timer(ctx, engine.TimerRequest{
					ActivityID: id,
					Action:     action,
					Actor:      viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%s [%s] %s\n", a.Kind, a.Status, formatDuration(engine.DisplaySeconds(a, time.Now().UTC())))
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Watch a running activity's elapsed time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					a, err := e.Repo.GetActivity(ctx, id)
					if err != nil {
						return err
					}
					fmt.Printf("\r%s [%s] %s   ", a.Kind, a.Status, formatDuration(engine.DisplaySeconds(a, time.Now().UTC())))
					if a.Status != domain.StatusInProgress {
						fmt.Println()
						return nil
					}
					select {
					case <-ctx.Done():
						fmt.Println()
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	return cmd
}

func formCmd() *cobra.Command {
	form := &cobra.Command{
		Use:   "form",
		Short: "Submit quality-control forms",
	}
	form.AddCommand(formSubmitCmd())
	return form
}

func formSubmitCmd() *cobra.Command {
	var opts engine.FormSubmitOptions
	cmd := &cobra.Command{
		Use:   "submit <work-order>",
		Short: "Submit a form result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkOrder = args[0]
			opts.FilledBy = viper.GetString("actor")
			if opts.PayloadJSON != "" && !json.Valid([]byte(opts.PayloadJSON)) {
				return fmt.Errorf("--payload-json must be valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fr, err := e.SubmitForm(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(fr)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ActivityID, "activity", "", "activity id to attach the result to")
	cmd.Flags().StringVar(&opts.SchemaRef, "schema", "", "form schema reference")
	cmd.Flags().BoolVar(&opts.Draft, "draft", false, "save as draft (does not satisfy finish gating)")
	cmd.Flags().StringVar(&opts.PayloadJSON, "payload-json", "", "form payload JSON")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the transition log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var workOrder, activityID, action, actor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail transition log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestLogs(ctx, repo.LogFilters{
					WorkOrder:  workOrder,
					ActivityID: activityID,
					Action:     action,
					Actor:      actor,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Work order", "Activity", "Action", "Actor", "When"})
				for _, l := range entries {
					tw.AppendRow(table.Row{l.ID, l.WorkOrder, l.ActivityID, l.Action, l.Actor, l.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&workOrder, "workorder", "", "work order filter")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter (started, paused, resumed, finished)")
	cmd.Flags().StringVar(&actor, "by", "", "actor filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage shop config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the shop config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import shop config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var shopName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config YAML to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(shopName)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&shopName, "shop", "default", "shop name")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "opd_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   viper.GetString("actor"),
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "secret": secret})
				}
				fmt.Printf("API key %s created. Secret (save it now, it is not stored):\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("OPDTRACK_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("OPDTRACK_JWT_SECRET is required for bearer auth")
			}
			notifier := server.StartNotifier(e)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Notifier: notifier})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving OPD tracking API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func printActivityNode(n view.Node, now time.Time, last bool) {
	connector := "├── "
	childPrefix := "│   "
	if last {
		connector = "└── "
		childPrefix = "    "
	}
	fmt.Printf("%s%s [%s] %s%s\n", connector, n.Kind, n.Status, formatDuration(engine.DisplaySeconds(n.Activity, now)), dueSuffix(n.DueDate, now))
	for i, sub := range n.Subtasks {
		subConnector := "├── "
		if i == len(n.Subtasks)-1 {
			subConnector = "└── "
		}
		fmt.Printf("%s%s%s [%s] %s\n", childPrefix, subConnector, sub.Kind, sub.Status, formatDuration(engine.DisplaySeconds(sub, now)))
	}
}

func dueSuffix(due *string, now time.Time) string {
	days, ok := view.DaysLeft(due, now)
	if !ok {
		return ""
	}
	switch {
	case days < 0:
		return fmt.Sprintf(" (overdue %dd)", -days)
	case days == 0:
		return " (due today)"
	default:
		return fmt.Sprintf(" (due in %dd)", days)
	}
}

func formatDuration(seconds int64) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
