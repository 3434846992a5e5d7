package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"medtrack/internal/config"
	"medtrack/internal/db"
	"medtrack/internal/engine"
	"medtrack/internal/migrate"
	"medtrack/internal/notify"
	"medtrack/internal/reminder"
	"medtrack/internal/repo"
	"medtrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "medtrack",
	Short: "MedTrack CLI",
	Long: `MedTrack keeps a single source of truth for medication intake.
Doses land in an append-only event log (NFC tap, manual entry, or a
notification action); adherence, streaks, and stock are derived from it.
The serve command runs the HTTP API plus the reminder scheduler.`,
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
	viper.SetEnvPrefix("MEDTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("med", "daily_pill", "medication id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("med", rootCmd.PersistentFlags().Lookup("med"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(medCmd())
	rootCmd.AddCommand(subsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(nfcURLCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default medtrack.yml with a fresh token",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			token, err := randomToken()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(token)), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (token: %s)\n", path, token)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return cfg
}

func trackCmd() *cobra.Command {
	var source, note, ts string
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Log a dose",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.IntakeOptions{
					MedicationID: viper.GetString("med"),
					Source:       source,
					Note:         note,
				}
				if ts != "" {
					at, err := time.Parse(time.RFC3339, ts)
					if err != nil {
						return fmt.Errorf("--ts must be RFC3339: %w", err)
					}
					opts.At = at
				}
				res, err := e.LogIntake(ctx, opts)
				if err != nil {
					return err
				}
				if res.Duplicate && !viper.GetBool("json") {
					fmt.Println("already logged (duplicate dose ignored)")
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "manual", "intake source (nfc, manual, notification-action)")
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	cmd.Flags().StringVar(&ts, "ts", "", "dose time, RFC3339 (default now)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show medication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.MedicationStatus(ctx, viper.GetString("med"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Medication: %s (%s)\n", st.Medication.Name, st.Medication.MedicationID)
				fmt.Printf("Taken today: %v (%d doses)\n", st.Today.Taken, st.Today.DoseCount)
				fmt.Printf("Streak: %d days\n", st.Streak)
				if st.Stock != nil {
					fmt.Printf("Stock: %d remaining (low: %v)\n", st.Stock.Remaining, st.Stock.LowStock)
				}
				return nil
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show adherence history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.History(ctx, viper.GetString("med"), days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Date", "Taken", "Doses"})
				for _, d := range history {
					taken := ""
					if d.Taken {
						taken = "✓"
					}
					t.AppendRow(table.Row{d.Date, taken, d.DoseCount})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "number of days")
	return cmd
}

func medCmd() *cobra.Command {
	med := &cobra.Command{Use: "med", Short: "Manage medication settings"}
	med.AddCommand(medListCmd())
	med.AddCommand(medShowCmd())
	med.AddCommand(medUpdateCmd())
	return med
}

func medListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List medications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSettings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func medShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show medication settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSettings(ctx, viper.GetString("med"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func medUpdateCmd() *cobra.Command {
	var name, dosage, schedule string
	var enabled bool
	var threshold, stockCount int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update medication settings (creates on first use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				upd := engine.SettingsUpdate{MedicationID: viper.GetString("med")}
				if cmd.Flags().Changed("name") {
					upd.Name = &name
				}
				if cmd.Flags().Changed("dosage") {
					upd.Dosage = &dosage
				}
				if cmd.Flags().Changed("schedule") {
					upd.ScheduleTime = &schedule
				}
				if cmd.Flags().Changed("reminders") {
					upd.ReminderEnabled = &enabled
				}
				if cmd.Flags().Changed("threshold") {
					upd.LowStockThreshold = &threshold
				}
				if cmd.Flags().Changed("stock") {
					upd.CurrentStock = &stockCount
				}
				s, err := e.UpdateSettings(ctx, upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&dosage, "dosage", "", "dosage description")
	cmd.Flags().StringVar(&schedule, "schedule", "", "reminder time, HH:MM local")
	cmd.Flags().BoolVar(&enabled, "reminders", true, "reminders enabled")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "low stock threshold")
	cmd.Flags().IntVar(&stockCount, "stock", 0, "current stock (restocks: resets the consumption baseline)")
	return cmd
}

func subsCmd() *cobra.Command {
	subs := &cobra.Command{Use: "subs", Short: "Manage push subscriptions"}
	subs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List push subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSubscriptions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Endpoint", "Created"})
				for _, s := range items {
					t.AppendRow(table.Row{s.ID, truncate(s.Endpoint, 60), s.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	})
	var id string
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a push subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteSubscription(ctx, id)
			})
		},
	}
	remove.Flags().StringVar(&id, "id", "", "subscription id")
	subs.AddCommand(remove)
	return subs
}

func logCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent intake events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRecentEvents(ctx, viper.GetString("med"), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Time", "Source", "Note"})
				for _, ev := range items {
					t.AppendRow(table.Row{ev.ID, ev.TS, ev.Source, ev.Note})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// nfcURLCmd prints the URL to write onto an NFC tag. Tapping the tag opens
// the URL, which logs the dose with source=nfc; the token must ride in the
// query string because a tag cannot set headers.
func nfcURLCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "nfc-url",
		Short: "Generate the URL to write onto an NFC tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg.Auth.Token == config.DefaultToken {
				token, err := randomToken()
				if err != nil {
					return err
				}
				cfg.Auth.Token = token
				if err := persistConfig(workspace, cfg); err != nil {
					return err
				}
				fmt.Printf("Generated auth token and saved it to %s\n", config.Path(workspace))
			}
			q := url.Values{
				"med":   {viper.GetString("med")},
				"token": {cfg.Auth.Token},
			}
			u := strings.TrimRight(baseURL, "/") + cfg.Server.BasePath + "/track?" + q.Encode()
			fmt.Println(u)
			fmt.Printf("(%d characters; NTAG213 holds ~132, NTAG215 ~490)\n", len(u))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "public server base URL")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg.Auth.Token == config.DefaultToken {
				token, err := randomToken()
				if err != nil {
					return err
				}
				cfg.Auth.Token = token
				fmt.Printf("Generated auth token: %s (persist it in %s)\n", token, config.Path(workspace))
			}
			if cfg.VAPID.PublicKey == "" || cfg.VAPID.PrivateKey == "" {
				priv, pub, err := webpush.GenerateVAPIDKeys()
				if err != nil {
					return err
				}
				cfg.VAPID.PrivateKey, cfg.VAPID.PublicKey = priv, pub
				if err := persistConfig(workspace, cfg); err != nil {
					return err
				}
				fmt.Printf("Generated VAPID keys and saved them to %s\n", config.Path(workspace))
			}

			zl, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer zl.Sync()
			logger := zl.Sugar()

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			e := engine.New(conn, cfg, logger)
			registry := notify.NewRegistry(e.Repo, logger)
			dispatcher := notify.NewDispatcher(notify.Options{
				Subscriber:      cfg.VAPID.Subscriber,
				VAPIDPublicKey:  cfg.VAPID.PublicKey,
				VAPIDPrivateKey: cfg.VAPID.PrivateKey,
			}, logger)
			sched := reminder.NewScheduler(e.Repo, dispatcher, registry, cfg, logger)

			handler, err := server.New(server.Config{
				Engine:         e,
				Scheduler:      sched,
				Registry:       registry,
				Dispatcher:     dispatcher,
				VAPIDPublicKey: cfg.VAPID.PublicKey,
				BasePath:       cfg.Server.BasePath,
				Auth:           server.AuthConfig{Token: cfg.Auth.Token},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go sched.Run(ctx)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Infow("serving medtrack api", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
			fmt.Printf("Serving MedTrack API on http://%s%s (Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	return cmd
}

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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, zap.NewNop().Sugar()))
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

func persistConfig(workspace string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(config.Path(workspace), data, 0o600)
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
