// Package commands implements the rpcd CLI, following the teacher's
// cmd/dfs/commands package: a cobra root command with a persistent --config
// flag. The serve subcommand loads internal/config.Config via Load;
// register and unregister do not load it.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "rpcd",
	Short: "rpcd - an ONC-RPC server runtime and portmap client",
	Long: `rpcd runs an RFC 5531 ONC-RPC server over TCP and UDP, with pluggable
authentication (AUTH_NONE, AUTH_SYS, RPCSEC_GSS) and optional
self-registration with a portmapper.

Use "rpcd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./rpcd.yaml, $HOME/rpcd.yaml, /etc/rpcd/rpcd.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(unregisterCmd)
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return cfgFile
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("rpcd %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}
