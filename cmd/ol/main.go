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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsledger/internal/config"
	"opsledger/internal/db"
	"opsledger/internal/domain"
	"opsledger/internal/events"
	"opsledger/internal/migrate"
	"opsledger/internal/projector"
	"opsledger/internal/repo"
	"opsledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsledger CLI",
	Long: `Opsledger folds an append-only operational event stream into a task ledger.
Services append events ('ol event append' or POST /events); the projector
extracts task IDs, maps event topics to canonical statuses, and maintains one
ledger entry per task. Run sync once ('ol sync run'), continuously
('ol sync loop'), or over HTTP ('ol serve').`,
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
	viper.SetEnvPrefix("OPSLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- event ---

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Append and inspect events"}
	evt.AddCommand(eventAppendCmd())
	evt.AddCommand(eventTailCmd())
	return evt
}

func eventAppendCmd() *cobra.Command {
	var topic, service, status, message, vtid string
	var meta []string
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to the stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				return fmt.Errorf("--topic required")
			}
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w := events.Writer{DB: r.DB}
				e := domain.Event{
					Topic:    topic,
					Service:  service,
					Status:   status,
					Message:  message,
					Metadata: metadata,
				}
				if vtid != "" {
					e.VTID = &vtid
				}
				appended, err := w.Append(ctx, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(appended)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "event topic (required)")
	cmd.Flags().StringVar(&service, "service", "", "emitting service")
	cmd.Flags().StringVar(&status, "status", "", "raw event status")
	cmd.Flags().StringVar(&message, "message", "", "free-text message")
	cmd.Flags().StringVar(&vtid, "vtid", "", "task identifier")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func eventTailCmd() *cobra.Command {
	var n int
	var topic, service, vtid string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, repo.EventFilters{
					Topic:   topic,
					Service: service,
					VTID:    vtid,
					Limit:   n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Topic", "Service", "Status", "VTID", "Message"})
				for _, e := range items {
					id := ""
					if e.VTID != nil {
						id = *e.VTID
					}
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.Topic, e.Service, e.Status, id, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&topic, "topic", "", "topic filter")
	cmd.Flags().StringVar(&service, "service", "", "service filter")
	cmd.Flags().StringVar(&vtid, "vtid", "", "task id filter")
	return cmd
}

// --- ledger ---

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{Use: "ledger", Short: "Inspect the task ledger"}
	led.AddCommand(ledgerListCmd())
	led.AddCommand(ledgerGetCmd())
	led.AddCommand(ledgerSummaryCmd())
	return led
}

func ledgerListCmd() *cobra.Command {
	var status, layer string
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListLedgerEntries(ctx, repo.LedgerFilters{
					Status: status,
					Layer:  layer,
					Limit:  n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"VTID", "Status", "Layer", "Module", "Title", "Updated"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.VTID, l.Status, deref(l.Layer), deref(l.Module), deref(l.Title), l.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&layer, "layer", "", "layer filter")
	cmd.Flags().IntVar(&n, "n", 50, "max entries")
	return cmd
}

func ledgerGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <vtid>",
		Short: "Show one ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entry, err := r.GetLedgerEntry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	return cmd
}

func ledgerSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Ledger counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountLedgerByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				for _, s := range []string{"pending", "active", "complete", "blocked", "cancelled"} {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				return nil
			})
		},
	}
	return cmd
}

// --- sync ---

func syncCmd() *cobra.Command {
	sync := &cobra.Command{Use: "sync", Short: "Run the ledger projector"}
	sync.AddCommand(syncRunCmd())
	sync.AddCommand(syncStatusCmd())
	sync.AddCommand(syncLoopCmd())
	return sync
}

func syncRunCmd() *cobra.Command {
	var cursor int64
	var batchSize int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProjector(cmd.Context(), func(ctx context.Context, p *projector.Projector) error {
				var res projector.Result
				var err error
				if cmd.Flags().Changed("cursor") {
					res, err = p.Run(ctx, projector.Params{Cursor: cursor, BatchSize: batchSize})
				} else {
					res, err = p.RunFromOffset(ctx, batchSize)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "start from an explicit event id")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "batch size (default from config)")
	return cmd
}

func syncStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show projector offset and backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProjector(cmd.Context(), func(ctx context.Context, p *projector.Projector) error {
				cursor, err := p.LoadCursor(ctx)
				if err != nil {
					return err
				}
				latest, err := p.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"projector": p.Name,
					"cursor":    cursor,
					"latest":    latest,
					"backlog":   latest - cursor,
					"rules":     p.Mapper.Rules(),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Projector: %s (%d mapping rules)\n", p.Name, p.Mapper.Rules())
				fmt.Printf("Cursor:    %d\n", cursor)
				fmt.Printf("Latest:    %d\n", latest)
				fmt.Printf("Backlog:   %d\n", latest-cursor)
				return nil
			})
		},
	}
	return cmd
}

func syncLoopCmd() *cobra.Command {
	var interval time.Duration
	var batchSize int
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Poll for new events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProjector(cmd.Context(), func(ctx context.Context, p *projector.Projector) error {
				err := p.Loop(ctx, interval, batchSize)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "batch size (default from config)")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage projector config",
		Long:  "Config is the rule table: the VTID pattern, metadata keys, and the topic-to-status mapping rules the projector applies. Stored as opsledger.yml; import into the DB to share one table between server and projector.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default opsledger.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "vtid-ledger", "projector name")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				workspace := viper.GetString("workspace")
				if _, err := config.Load(workspace); err != nil {
					return err
				}
				fmt.Println("ok:", config.Path(workspace))
				return nil
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Println("ok:", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default workspace opsledger.yml)")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config into the workspace DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertMappingConfig(ctx, cfg.Projector.Name, cfg); err != nil {
					return err
				}
				fmt.Printf("imported %s as %q\n", path, cfg.Projector.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default workspace opsledger.yml)")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plaintext)
				fmt.Println("store the key now; only its hash is kept")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "owning actor (required)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if stored, err := r.GetMappingConfig(cmd.Context(), cfg.Projector.Name); err == nil {
				cfg = stored
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("OPSLEDGER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPSLEDGER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				DB:        conn,
				Projector: projector.New(conn, cfg),
				BasePath:  basePath,
				Auth:      authCfg,
			})
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
			fmt.Printf("Serving Opsledger API on http://%s%s (db %s, OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath, db.Path(workspace))
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

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("vtid-ledger")
	}
	return cfg, nil
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

func withProjector(ctx context.Context, fn func(context.Context, *projector.Projector) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	// An imported config in the DB wins over the workspace file so that the
	// server and projector share one rule table.
	if stored, err := r.GetMappingConfig(ctx, cfg.Projector.Name); err == nil {
		cfg = stored
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return fn(ctx, projector.New(conn, cfg))
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

func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]any{}
	for _, pair := range pairs {
		idx := strings.Index(pair, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid --meta %q, expected key=value", pair)
		}
		out[pair[:idx]] = pair[idx+1:]
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
