package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/afctech/fieldsync/internal/api"
	"github.com/afctech/fieldsync/internal/cache"
	"github.com/afctech/fieldsync/internal/config"
	"github.com/afctech/fieldsync/internal/db"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/sync/queue"
)

// Version is set at build time
var Version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldctl",
	Short: "fieldctl inspects and drives a device's offline job outbox",
	Long: `fieldctl is the operator tool for the field-service agent's local store.

Technicians record filter changes while offline; each submission is queued in
a durable outbox and replayed against the remote API once connectivity
returns. fieldctl works directly on the local store, so it can be used while
the desktop agent is stopped.

Common workflows:

  Queue a job completion from a file:
    fieldctl enqueue --file job.json

  Replay pending jobs now:
    fieldctl sync --url https://api.example.org

  Inspect the outbox:
    fieldctl status
    fieldctl jobs --unsynced

  Manage offline hospital bundles:
    fieldctl bundle download 12
    fieldctl bundle list
    fieldctl bundle remove 12

  Remove old synced jobs:
    fieldctl prune --older-than 720h

Configuration:
  Flags override environment variables, which override fieldsync.yaml:
    FIELDSYNC_DATA_DIR       Directory holding fieldsync.db (default: ./data)
    FIELDSYNC_API_BASE_URL   Remote API base URL (default: http://localhost:5000)
    FIELDSYNC_API_TOKEN      Bearer token for the remote API`,
	SilenceUsage: true,
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
	}

	// Read environment variables that match "FIELDSYNC_SECTION_KEY"
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindFlags(v)

	if err := v.ReadInConfig(); err == nil {
		rootCmd.PrintErrln("Using config file:", v.ConfigFileUsed())
	}
}

// bindFlags maps the persistent flags onto config keys. It runs on every
// initialization so a reset viper keeps honouring the flags.
func bindFlags(v *viper.Viper) {
	flags := rootCmd.PersistentFlags()
	v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	v.BindPFlag("api.base_url", flags.Lookup("url"))
	v.BindPFlag("api.token", flags.Lookup("token"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fieldsync.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding fieldsync.db")
	rootCmd.PersistentFlags().String("url", "", "remote API base URL")
	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for the remote service")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// env is the local state a command works on.
type env struct {
	cfg      *config.Config
	database *db.DB
	store    *db.Store
	outbox   *queue.Outbox
	cache    *cache.Cache
}

// openEnv loads configuration and opens the migrated local store.
func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store in %s: %w", cfg.DataDir, err)
	}
	if err := db.Migrate(database.DB); err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewStore(database.DB)
	return &env{
		cfg:      cfg,
		database: database,
		store:    store,
		outbox:   queue.NewOutbox(store),
		cache:    cache.New(store),
	}, nil
}

func (e *env) client() *api.Client {
	return api.NewClient(e.cfg.API.BaseURL, e.cfg.API.Token, e.cfg.API.Timeout, e.cfg.API.RateLimit)
}

func (e *env) Close() error {
	return e.database.Close()
}
