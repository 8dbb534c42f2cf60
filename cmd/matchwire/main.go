package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/matchwire/internal/config"
	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/pipeline"
	"github.com/TobiSchelling/matchwire/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfgPath    string
	cfg        *config.Config
	logger     = logrus.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "matchwire",
	Short:   "Automated pre-match football analysis",
	Long:    "matchwire discovers upcoming fixtures, enriches them with context and news, writes analyses, checks their quality and publishes them before kickoff.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// API keys may live in a .env file next to the config.
		_ = godotenv.Load()

		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfgPath = path
		if !verbose {
			if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				logger.SetLevel(level)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(fixturesCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(publicationsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("matchwire", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/matchwire/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure competitions, news sources and the analysis generator.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fixtures per stage, open reviews and scheduled publications",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stages, err := db.CountByStage()
		if err != nil {
			return fmt.Errorf("counting fixtures: %w", err)
		}
		names := make([]string, 0, len(stages))
		for s := range stages {
			names = append(names, string(s))
		}
		sort.Strings(names)

		fmt.Println("Fixtures by stage:")
		if len(names) == 0 {
			fmt.Println("  (none)")
		}
		for _, name := range names {
			label := name
			if label == "" {
				label = "new"
			}
			fmt.Printf("  %-15s %d\n", label, stages[database.Stage(name)])
		}

		open, err := db.ListReviewItems(database.ReviewOpen)
		if err != nil {
			return err
		}
		scheduled, err := db.ScheduledPublications()
		if err != nil {
			return err
		}
		fmt.Printf("\nOpen reviews: %d\n", len(open))
		fmt.Printf("Scheduled publications: %d\n", len(scheduled))
		for _, p := range scheduled {
			fmt.Printf("  %s  %s  %s\n", p.ID, p.FixtureID, p.ScheduledFor.Local().Format("Mon 02 Jan 15:04"))
		}
		return nil
	},
}

// --- run command ---

var runPort int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pipeline and the operational HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := pipeline.Build(ctx, cfg, db, logger)
		if err != nil {
			return err
		}
		srv, err := server.New(p, db, logger)
		if err != nil {
			return err
		}
		if err := p.Start(ctx); err != nil {
			return err
		}
		defer p.Stop()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = runPort
		}
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv.Handler(), fmt.Sprintf("127.0.0.1:%d", port), logger)
	},
}

func init() {
	runCmd.Flags().IntVarP(&runPort, "port", "p", 8000, "Port to run server on")
}

// --- discover command ---

var discoverDryRun bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run one discovery pass over upcoming fixtures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
			if discoverDryRun {
				candidates, err := p.Discovery().Preview()
				if err != nil {
					return err
				}
				if len(candidates) == 0 {
					fmt.Println("No upcoming fixtures to evaluate.")
					return nil
				}
				for _, c := range candidates {
					verdict := "skip"
					if c.Decision.Cover {
						verdict = "cover"
					}
					rule := "-"
					if c.Decision.Rule != nil {
						rule = c.Decision.Rule.ID
					}
					fmt.Printf("  %-5s %-40s %-18s %s %s\n", verdict, c.Fixture.Label(), rule,
						c.Fixture.Kickoff.Local().Format("Mon 02 Jan 15:04"), c.Decision.Reason)
				}
				return nil
			}

			// Starting runs one discovery cycle; the workers then carry the
			// discovered fixtures as far as they can go before we stop.
			if err := p.Start(ctx); err != nil {
				return err
			}
			defer p.Stop()
			waitIdle(ctx, p.Idle)

			stats, err := p.Discovery().Stats()
			if err != nil {
				return err
			}
			if res := stats.LastCycle; res != nil {
				fmt.Printf("Scanned %d, discovered %d, filtered %d in %s\n",
					res.Scanned, res.Discovered, res.Filtered, res.Duration.Round(time.Millisecond))
				for _, e := range res.Errors {
					fmt.Printf("  Error: %s\n", e)
				}
			}
			return nil
		})
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverDryRun, "dry-run", false, "Show coverage decisions without claiming fixtures")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DatabasePath(), database.WithLogger(logger))
}

// withPipeline builds an unstarted pipeline for one-shot commands.
func withPipeline(ctx context.Context, fn func(context.Context, *pipeline.Pipeline) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := pipeline.Build(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	return fn(ctx, p)
}

// waitIdle blocks until idle reports true on three consecutive polls or ctx
// is done.
func waitIdle(ctx context.Context, idle func() bool) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for settled := 0; settled < 3; {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if idle() {
				settled++
			} else {
				settled = 0
			}
		}
	}
}
