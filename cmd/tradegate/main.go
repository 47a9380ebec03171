// Command tradegate runs the paper-trading execution desk and talks to a running instance.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "config/app.yaml"
	defaultServerURL  = "http://localhost:8880"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	serverURL  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "tradegate",
		Short:         "Governed paper-trading execution desk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		fmt.Sprintf("Path to application configuration file (default: %s when present)", defaultConfigPath))
	root.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServerURL, "Base URL of a running tradegate API")

	root.AddCommand(
		newServeCommand(opts),
		newSubmitCommand(opts),
		newAccountCommand(opts),
		newMigrateCommand(opts),
	)
	return root
}

// resolveConfigPath picks the flag value, else the default file when it exists.
// An empty result means run on defaults and environment overrides only.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return filepath.Clean(defaultConfigPath)
	}
	return ""
}
