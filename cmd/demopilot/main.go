package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/catalog"
	"github.com/v0xg/demopilot/internal/config"
)

var (
	configFile   string
	sequenceFile string
	sequenceType string
	verbose      bool
)

func main() {
	// Load .env file if present (silently ignore if not found)
	_ = godotenv.Load()

	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "demopilot",
		Short: "Drive a browser through scripted or AI-planned demos",
		Long: `demopilot runs automation sequences in a real browser, keeps them going
across page reloads, and can plan steps one at a time from a plain-language
objective. Runs can be started from the command line or over a websocket.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default ./demopilot.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Show detailed progress")
	flags.Bool("headless", true, "Run the browser without a window")
	flags.String("profile", "", "Chrome/Chromium profile directory for authenticated sessions (close browser first)")
	flags.String("provider", "", "Planner provider: claude, openai or remote")
	flags.String("model", "", "Specific model override")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("record", false, "Record the run as an animated GIF")
	flags.StringP("output", "o", "", "GIF output filename")
	flags.Int("fps", 0, "Recording frames per second")
	flags.String("catalog", "", "Extra sequence catalog (YAML)")

	bind(v, flags.Lookup("headless"), "browser.headless")
	bind(v, flags.Lookup("profile"), "browser.profile_dir")
	bind(v, flags.Lookup("provider"), "planner.provider")
	bind(v, flags.Lookup("model"), "planner.model")
	bind(v, flags.Lookup("log-level"), "logger.level")
	bind(v, flags.Lookup("record"), "recorder.enabled")
	bind(v, flags.Lookup("output"), "recorder.output")
	bind(v, flags.Lookup("fps"), "recorder.fps")
	bind(v, flags.Lookup("catalog"), "catalog.file")

	runCmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Run a sequence from the catalog or a file",
		Example: `  demopilot run https://forms.example.com --type form_creation
  demopilot run https://app.example.com --file signup.yaml --record`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			seq, err := loadSequence(cfg)
			if err != nil {
				return err
			}
			return withSignals(cmd.Context(), func(ctx context.Context) error {
				return runSequence(ctx, cfg, args[0], seq)
			})
		},
	}
	runCmd.Flags().StringVarP(&sequenceFile, "file", "f", "", "Sequence file (YAML or JSON)")
	runCmd.Flags().StringVarP(&sequenceType, "type", "t", "", "Catalog sequence type (default form_creation)")

	autoCmd := &cobra.Command{
		Use:   "auto <url> <objective>",
		Short: "Let the planner work towards an objective one step at a time",
		Example: `  demopilot auto "https://myapp.com" "create a feedback form with a rating question"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return withSignals(cmd.Context(), func(ctx context.Context) error {
				return runObjective(ctx, cfg, args[0], args[1])
			})
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve <url>",
		Short: "Open a page and accept runs over HTTP and websocket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return withSignals(cmd.Context(), func(ctx context.Context) error {
				return serve(ctx, cfg, args[0])
			})
		},
	}
	serveCmd.Flags().String("listen", "", "Listen address (default 127.0.0.1:8000)")
	bind(v, serveCmd.Flags().Lookup("listen"), "server.listen_addr")

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the sequence types that can be run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			for _, t := range cat.Types() {
				seq, err := cat.Get(t)
				if err != nil {
					return err
				}
				fmt.Printf("%-20s %s (%d steps)\n", t, seq.Name, seq.Len())
			}
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, autoCmd, serveCmd, catalogCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bind lets a flag override its config key when set
func bind(v *viper.Viper, flag *pflag.Flag, key string) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func withSignals(parent context.Context, fn func(ctx context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := fn(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Println("⚠ Interrupted")
		return nil
	}
	return err
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat := catalog.Builtin()
	if cfg.Catalog.File == "" {
		return cat, nil
	}
	extra, err := catalog.LoadFile(cfg.Catalog.File)
	if err != nil {
		return nil, err
	}
	return cat.Merge(extra), nil
}

func loadSequence(cfg *config.Config) (action.Sequence, error) {
	if sequenceFile != "" {
		return catalog.ReadSequenceFile(sequenceFile)
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return action.Sequence{}, err
	}
	seq, err := cat.Get(sequenceType)
	if err != nil {
		return action.Sequence{}, err
	}
	if seq.Len() == 0 {
		return action.Sequence{}, fmt.Errorf("no sequence of type %q (known: %s)", sequenceType, strings.Join(cat.Types(), ", "))
	}
	return seq, nil
}

func logVerbose(format string, args ...any) {
	if verbose {
		fmt.Printf(format+"\n", args...)
	}
}
