package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hussein-aitlahcen/requestNetwork/cmd/zpayd"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/config"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/version"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zpayd",
	Short: "Private payments: deposit addresses, proofs and redemptions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.InitFileConfig(cmd, config.ConfigOptions{
			FilePath:  cfgFile,
			EnvPrefix: config.DefaultEnvPrefix,
		})
	},
	SilenceUsage: true,
}

// Top-level version subcommand
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display binary version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Version())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (.yaml, .json, .toml). Flags take precedence, then ZPAY_* environment variables, then this file")
	rootCmd.PersistentFlags().AddFlagSet(zpayd.GlobalFlags)
	rootCmd.AddCommand(zpayd.KeygenCmd)
	rootCmd.AddCommand(zpayd.AddressCmd)
	rootCmd.AddCommand(zpayd.NullifierCmd)
	rootCmd.AddCommand(zpayd.RedeemCmd)
	rootCmd.AddCommand(zpayd.StatusCmd)
	rootCmd.AddCommand(versionCmd)
}
