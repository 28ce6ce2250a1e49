package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configDir string
	apiKey    string
	resetFmt  string
	debug     bool
)

func debugLog(format string, args ...any) {
	if debug {
		log.Printf("[DEBUG] "+format, args...)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "civicast",
		Short: "Municipal announcement pipeline",
		Long:  "Scrapes municipal announcements, transforms them into accessible formats, and publishes them to distribution channels.",
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir, "directory holding municipality configs")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run [municipality]",
		Short: "Execute one batch run for a municipality",
		Args:  cobra.MaximumNArgs(1),
		Run:   runBatch,
	}
	runCmd.Flags().StringVar(&apiKey, "api-key", "", "Anthropic API key (defaults to ANTHROPIC_API_KEY)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter municipality config to customize",
		Run:   runInit,
	}

	resetCmd := &cobra.Command{
		Use:   "reset [municipality]",
		Short: "Clear artifact state so the next run regenerates it",
		Args:  cobra.MaximumNArgs(1),
		Run:   runReset,
	}
	resetCmd.Flags().StringVar(&resetFmt, "format", "", "only reset this artifact format")

	rootCmd.AddCommand(runCmd, initCmd, resetCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func municipalityArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return os.Getenv("MUNICIPALITY")
}

func runBatch(cmd *cobra.Command, args []string) {
	municipality := municipalityArg(args)
	if municipality == "" {
		log.Fatal("✗ municipality required: pass it as an argument or set MUNICIPALITY")
	}

	cfg, err := LoadConfig(municipalityConfigPath(configDir, municipality))
	if err != nil {
		log.Fatalf("✗ %v", err)
	}

	key := apiKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}

	base := filepath.Join(cfg.Pipeline.DataDir, municipality)
	ledger, err := OpenLedger(filepath.Join(base, "ledger"))
	if err != nil {
		log.Fatalf("✗ %v", err)
	}

	connectors, err := buildConnectors(cfg)
	if err != nil {
		log.Fatalf("✗ %v", err)
	}
	caps, err := buildCapabilities(cfg, key, newArtifactStore(filepath.Join(base, "artifacts")))
	if err != nil {
		log.Fatalf("✗ %v", err)
	}
	channels, err := buildChannels(cfg, channelCredential)
	if err != nil {
		log.Fatalf("✗ %v", err)
	}

	orchestrator := NewOrchestrator(municipality, cfg, ledger,
		NewScrapeCoordinator(municipality, ledger, connectors, newAnnouncementFilter(cfg.Filter)),
		NewTransformDispatcher(ledger, caps, cfg),
		NewDeliveryDispatcher(ledger, channels, cfg),
	)

	summary, err := orchestrator.Run(context.Background())
	if err != nil {
		log.Fatalf("✗ run failed: %v", err)
	}
	logSummary(summary)

	if summary.TerminalFailures > 0 {
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, args []string) {
	path, err := ensureConfigExists(configDir)
	if err != nil {
		log.Fatalf("✗ %v", err)
	}
	log.Printf("✓ starter config at %s", path)
}

func runReset(cmd *cobra.Command, args []string) {
	municipality := municipalityArg(args)
	if municipality == "" {
		log.Fatal("✗ municipality required: pass it as an argument or set MUNICIPALITY")
	}
	if resetFmt != "" && !knownFormat(Format(resetFmt)) {
		log.Fatalf("✗ unknown format %q", resetFmt)
	}

	cfg, err := LoadConfig(municipalityConfigPath(configDir, municipality))
	if err != nil {
		log.Fatalf("✗ %v", err)
	}
	ledger, err := OpenLedger(filepath.Join(cfg.Pipeline.DataDir, municipality, "ledger"))
	if err != nil {
		log.Fatalf("✗ %v", err)
	}

	count, err := ledger.ResetArtifacts(Format(resetFmt))
	if err != nil {
		log.Fatalf("✗ %v", err)
	}
	log.Printf("✓ reset %d artifact record(s)", count)
}

// channelCredential reads the bearer token for a channel from the
// environment, e.g. TWITTER_ACCESS_TOKEN for the twitter channel.
func channelCredential(channel string) string {
	return os.Getenv(strings.ToUpper(channel) + "_ACCESS_TOKEN")
}
