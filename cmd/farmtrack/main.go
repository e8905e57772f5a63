package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"farmtrack/internal/api"
	"farmtrack/internal/app"
	"farmtrack/internal/config"
	"farmtrack/internal/dashboard"
	"farmtrack/internal/db"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/logging"
	"farmtrack/internal/migrate"
	"farmtrack/internal/repo"
	"farmtrack/internal/server"
	"farmtrack/internal/session"
)

// cliSession keys the terminal client's credential in the workspace store.
const cliSession = "cli"

var rootCmd = &cobra.Command{
	Use:   "farmtrack",
	Short: "Farm operations tracker client",
	Long: `Farmtrack is a client for the farm operations API.
- Roles: Owners run the farm, Managers supervise Farmers, Farmers log the work.
- Activities: field work logs with an optional photo.
- Tasks: assignments from a Manager or Owner to a Farmer; the assignee moves the status along.
- Users: Owners add Managers and Farmers, Managers add Farmers reporting to them.
Use 'farmtrack serve' for the browser client or the terminal commands below.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	viper.SetEnvPrefix("FARMTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-url", "", "farm API base URL (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(resourceCmd(activitiesCLI))
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(resourceCmd(usersCLI))
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var idle time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the browser client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.APIBasePath = basePath
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			metrics := server.NewMetrics()
			reg := app.NewRegistry(app.Deps{
				API:      api.New(api.Options{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout, Logger: log}),
				Store:    store,
				Logger:   log,
				TTL:      cfg.Session.TTL,
				Recorder: metrics,
			})
			go reg.Run(cmd.Context(), time.Minute, idle)

			handler, err := server.New(server.Config{
				Registry:     reg,
				BasePath:     cfg.Server.APIBasePath,
				CookieName:   cfg.Server.CookieName,
				SecureCookie: cfg.Server.SecureCookie,
				Logger:       log,
				Metrics:      metrics,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving",
				zap.String("addr", cfg.Server.Addr),
				zap.String("api", cfg.API.BaseURL),
				zap.String("store", cfg.Session.Store))
			fmt.Printf("Serving Farmtrack on http://%s (view API at %s, OpenAPI at %s/openapi.json, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.APIBasePath, cfg.Server.APIBasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "view API base path (overrides config)")
	cmd.Flags().DurationVar(&idle, "idle", 30*time.Minute, "drop browser sessions idle for this long")
	return cmd
}

// openStore builds the credential store the config selects.
func openStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	switch cfg.Session.Store {
	case config.StoreMemory:
		return session.NewMemoryStore(), func() {}, nil
	case config.StoreRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.Session.Redis.Addr, DB: cfg.Session.Redis.DB})
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Session.Redis.Addr, err)
		}
		return session.NewRedisStore(rc, cfg.Session.Redis.Prefix), func() { rc.Close() }, nil
	}
	conn, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	return session.SQLStore{Repo: repo.Repo{DB: conn}}, func() { conn.Close() }, nil
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with username or email",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username required")
			}
			if password == "" {
				p, err := prompt("Password: ")
				if err != nil {
					return err
				}
				password = p
			}
			return withBundle(cmd.Context(), func(ctx context.Context, b *app.Bundle) error {
				res := b.Login(ctx, username, password)
				if !res.Success {
					return errors.New(res.Error)
				}
				if viper.GetBool("json") {
					return printJSON(res.User)
				}
				fmt.Printf("Logged in as %s (%s)\n", res.User.Username, res.User.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username or email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when empty)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBundle(cmd.Context(), func(ctx context.Context, b *app.Bundle) error {
				if err := b.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Logged out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, me domain.Identity) error {
				if viper.GetBool("json") {
					return printJSON(me)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Username", "Role"})
				t.AppendRow(table.Row{me.ID, me.Username, me.Role})
				t.Render()
				return nil
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show the dashboard of your role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, me domain.Identity) error {
				v, err := b.Dashboard().Load(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				return printDashboard(v)
			})
		},
	}
}

func printDashboard(v dashboard.View) error {
	if v.Phase == dashboard.PhaseFailed {
		return errors.New(v.Error)
	}
	fmt.Printf("%s Dashboard\n", v.Role)
	stats := newTable()
	for _, s := range v.Stats {
		stats.AppendRow(table.Row{s.Label, s.Value})
	}
	stats.Render()
	if v.TasksTitle != "" {
		fmt.Println(v.TasksTitle)
		t := newTable()
		t.AppendHeader(table.Row{"ID", "Title", "Assigned To", "Due", "Status"})
		for _, task := range v.Tasks {
			t.AppendRow(table.Row{task.ID, task.Title, task.AssignedToName, listview.SeedDate(task.DueDate), task.Status})
		}
		t.Render()
	}
	if v.ActivitiesTitle != "" {
		fmt.Println(v.ActivitiesTitle)
		t := newTable()
		t.AppendHeader(table.Row{"ID", "Name", "Performed By", "When", "Status"})
		for _, a := range v.Activities {
			t.AppendRow(table.Row{a.ID, a.Name, a.PerformedByName, listview.SeedDateTime(a.DateTime), a.Status})
		}
		t.Render()
	}
	return nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the workspace config",
		Long:  "Config lives in farmtrack.yml in the workspace: where the farm API is, how the browser client listens, and where session credentials are kept.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var baseURL string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default farmtrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", config.DefaultBaseURL, "farm API base URL")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate farmtrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

// loadConfig reads farmtrack.yml, falling back to defaults, and applies
// flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("api-url"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDB(ctx context.Context) (*sql.DB, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// withBundle runs fn with the terminal client's session, restored from the
// workspace database.
func withBundle(ctx context.Context, fn func(context.Context, *app.Bundle) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	conn, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	b := app.NewBundle(cliSession, app.Deps{
		API:    api.New(api.Options{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout, Logger: log}),
		Store:  session.SQLStore{Repo: repo.Repo{DB: conn}},
		Logger: log,
		TTL:    cfg.Session.TTL,
	})
	if err := b.Restore(ctx); err != nil {
		return err
	}
	return fn(ctx, b)
}

func withIdentity(ctx context.Context, fn func(context.Context, *app.Bundle, domain.Identity) error) error {
	return withBundle(ctx, func(ctx context.Context, b *app.Bundle) error {
		me, ok := b.Session.Identity()
		if !ok {
			return errors.New("not logged in; run farmtrack login")
		}
		err := fn(ctx, b, me)
		if errors.Is(err, session.ErrExpired) {
			return errors.New("session expired; run farmtrack login")
		}
		return err
	})
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
