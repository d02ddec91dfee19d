package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/airhost/airhost-gateway/internal/config"
	"github.com/airhost/airhost-gateway/internal/output"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "airhostctl",
	Short: "Airhost gateway CLI",
	Long: `airhostctl operates an Airhost webhook gateway.

Probe the subscription handshake, replay simulated guest messages,
manage channel routes, inspect the dead letter queue and run database
migrations. Settings are read from the same config file and AIRHOST_*
environment variables as the gateway.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.New(output.FormatTable).Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/airhost/gateway/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", output.FormatTable, "output format: table, json")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		if cfg, err = config.Load(""); err != nil {
			cfg = &config.Config{}
		}
	}
}

// printer returns a printer honoring --output, writing to the command's
// streams so tests can capture them.
func printer(cmd *cobra.Command) *output.Printer {
	format, _ := cmd.Flags().GetString("output")
	p := output.New(format)
	p.Out = cmd.OutOrStdout()
	p.Err = cmd.ErrOrStderr()
	if p.Out != os.Stdout {
		p.Color = false
	}
	return p
}
