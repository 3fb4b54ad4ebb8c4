package main

import (
	"fmt"
	"os"

	"github.com/cuemby/outpost/pkg/config"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// settings layers OUTPOST_* variables and flags over the config file
var settings = config.NewViper()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "outpost",
	Short: "Outpost - expose private services through disposable cloud relays",
	Long: `Outpost publishes services running on a private host under public
domains. Each domain is exposed either through a Cloudflare tunnel or through
a short-lived AWS relay instance connected to this host over WireGuard.

The relay removes itself when this host disappears, and outpost redeploys it
when the relay disappears.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{
			Level:      log.ParseLevel(settings.GetString("log.level")),
			JSONOutput: settings.GetBool("log.json"),
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Outpost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON instead of console output")
	flags.StringP("config", "c", "/etc/outpost/config.yml", "Configuration file")
	mustBind(flags, map[string]string{
		"log-level": "log.level",
		"log-json":  "log.json",
		"config":    "config",
	})
	_ = settings.BindEnv("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Outpost version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func mustBind(fs *pflag.FlagSet, flags map[string]string) {
	if err := config.BindFlags(settings, fs, flags); err != nil {
		panic(err)
	}
}
