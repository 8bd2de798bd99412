package commands

import (
	"context"
	"coursewatch/internal/captcha"
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/config"
	"coursewatch/internal/crawler"
	"coursewatch/internal/watchlist"
	"coursewatch/pkg/serviceutil"
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "coursewatch",
	Short: "coursewatch watches the enrollment portal for open seats and notifies whoever is waiting on them.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json5", "The configuration file, <name>.local.<ext> is merged over it.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug information.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readConfig() config.Config {
	cfg, err := config.Read(configPath)
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	return cfg
}

func openStore(ctx context.Context, cfg config.Config, tel telemetry.API) (*watchlist.Store, *sql.DB) {
	db, err := cfg.Database.OpenDB()
	if err != nil {
		serviceutil.Fatal("failed to open database", err)
	}
	store, err := watchlist.NewStore(ctx, db, tel)
	if err != nil {
		db.Close()
		serviceutil.Fatal("failed to initialize watchlist", err)
	}
	return store, db
}

func newManager(cfg config.Config, tel telemetry.API) *crawler.Manager {
	opts, err := cfg.Portal.ClientOptions()
	if err != nil {
		serviceutil.Fatal("invalid portal config", err)
	}
	solver := captcha.NewSolver(cfg.Captcha.BaseUrl, tel)
	client, err := crawler.NewClient(opts, solver, tel)
	if err != nil {
		serviceutil.Fatal("failed to create portal client", err)
	}
	return crawler.NewManager(client, opts.MaxRetries, tel)
}
