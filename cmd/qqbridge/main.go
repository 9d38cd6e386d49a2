// qqbridge relays a Minecraft server's chat and lifecycle events to a QQ
// group bot over websockets and executes the bot's commands on the server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qqbridge-project/qqbridge/internal/config"
)

const (
	AppName    = "qqbridge"
	AppVersion = "1.0.0"
	Banner     = `
              _          _     _
   __ _  __ _| |__  _ __(_) __| | __ _  ___
  / _' |/ _' | '_ \| '__| |/ _' |/ _' |/ _ \
 | (_| | (_| | |_) | |  | | (_| | (_| |  __/
  \__, |\__, |_.__/|_|  |_|\__,_|\__, |\___|
     |_|   |_|                   |___/  v%s
 Minecraft <-> QQ group bridge
`
)

var globalFlags struct {
	ConfigDir string
	NoConsole bool
	NoServer  bool
}

var rootCmd = &cobra.Command{
	Use:           AppName,
	Short:         "Bridge a Minecraft server to a QQ group bot",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run the interactive configuration wizard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(globalFlags.ConfigDir)
		if err != nil {
			return err
		}
		return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", AppName, AppVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigDir, "config-dir", "c", config.DefaultConfigDir, "configuration directory")
	rootCmd.Flags().BoolVar(&globalFlags.NoConsole, "no-console", false, "do not read commands from stdin")
	rootCmd.Flags().BoolVar(&globalFlags.NoServer, "no-server", false, "do not start the game server automatically")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
