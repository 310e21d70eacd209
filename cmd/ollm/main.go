package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"ollm/internal/config"
	"ollm/internal/logging"
	"ollm/internal/snapshot"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	apiKey    string
	modelFlag string
	maxTokens int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ollm",
	Short: "ollm - terminal LLM chat with context orchestration",
	Long: `ollm is a terminal chat client built around a context orchestration
and compression engine: tiered compression keeps long conversations inside
the model's context window, snapshots make every session recoverable, and
user messages are never lost to compression.

Run without arguments to start an interactive chat session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		base, err := config.BaseDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(base, 0755); err != nil {
			return fmt.Errorf("create %s: %w", base, err)
		}
		return logging.Initialize(base)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

// chatCmd starts the interactive chat loop explicitly
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE:  runChat,
}

// statusCmd prints context utilization and reliability for the engine config
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, tiers, and snapshot inventory",
	RunE:  runStatus,
}

// snapshotCmd manages durable context snapshots
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage context snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List snapshots for a session, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotList,
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify [snapshot-id]",
	Short: "Check that a snapshot is loadable and structurally complete",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotVerify,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete [session-id] [snapshot-id]",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE:  runSnapshotDelete,
}

// configCmd inspects and edits the persisted configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit ollm configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value (max-tokens, threshold, model, debug)",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "provider API key (overrides config and OLLM_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "model to chat with")
	rootCmd.PersistentFlags().IntVar(&maxTokens, "max-tokens", 0, "context window budget in tokens")

	snapshotCmd.AddCommand(snapshotListCmd, snapshotVerifyCmd, snapshotDeleteCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(chatCmd, statusCmd, snapshotCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "config dir\t%s\n", base)
	fmt.Fprintf(w, "model\t%s\n", cfg.Provider.Model)
	fmt.Fprintf(w, "max tokens\t%d\n", cfg.ContextWindow.MaxTokens)
	fmt.Fprintf(w, "compression threshold\t%.0f%%\n", cfg.ContextWindow.CompressionThreshold*100)
	fmt.Fprintf(w, "auto snapshots\t%v (at %.0f%%)\n", cfg.Snapshots.AutoCreate, cfg.Snapshots.AutoThreshold*100)
	fmt.Fprintf(w, "snapshots kept\t%d per session\n", cfg.Snapshots.MaxSnapshots)
	fmt.Fprintf(w, "debug logging\t%v\n", cfg.Logging.DebugMode)
	return w.Flush()
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	mgr, err := openSnapshots()
	if err != nil {
		return err
	}

	entries, err := mgr.List(args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No snapshots for this session.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tTOKENS\tMESSAGES\tPURPOSE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.Timestamp.Format("2006-01-02 15:04:05"), e.TokenCount, e.MessageCount, e.Purpose)
	}
	return w.Flush()
}

func runSnapshotVerify(cmd *cobra.Command, args []string) error {
	mgr, err := openSnapshots()
	if err != nil {
		return err
	}
	if !mgr.Verify(args[0]) {
		return fmt.Errorf("snapshot %s is missing or structurally incomplete", args[0])
	}
	fmt.Printf("Snapshot %s is intact.\n", args[0])
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	mgr, err := openSnapshots()
	if err != nil {
		return err
	}
	if err := mgr.Delete(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Deleted snapshot %s.\n", args[1])
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	base, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n", config.Path(base))
	enc, err := configJSON(cfg)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	base, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	key, value := args[0], args[1]
	switch key {
	case "max-tokens":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("max-tokens must be a positive integer, got %q", value)
		}
		cfg.ContextWindow.MaxTokens = n
	case "threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 || f > 1 {
			return fmt.Errorf("threshold must be in (0,1], got %q", value)
		}
		cfg.ContextWindow.CompressionThreshold = f
	case "model":
		cfg.Provider.Model = value
	case "debug":
		cfg.Logging.DebugMode = value == "true" || value == "1"
	default:
		return fmt.Errorf("unknown config key %q", key)
	}

	if err := config.Save(base, cfg); err != nil {
		return err
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

// loadConfig loads the persisted config and applies command-line overrides.
func loadConfig() (string, config.Config, error) {
	base, err := config.BaseDir()
	if err != nil {
		return "", config.Config{}, err
	}
	cfg, err := config.Load(base)
	if err != nil {
		return base, cfg, err
	}

	if apiKey != "" {
		cfg.Provider.APIKey = apiKey
	}
	if modelFlag != "" {
		cfg.Provider.Model = modelFlag
	}
	if maxTokens > 0 {
		cfg.ContextWindow.MaxTokens = maxTokens
	}
	return base, cfg, nil
}

func openSnapshots() (*snapshot.Manager, error) {
	base, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dir := cfg.Snapshots.BaseDir
	if dir == "" {
		dir = snapshotDir(base)
	}
	return snapshot.NewManager(snapshot.NewStorage(dir)), nil
}
