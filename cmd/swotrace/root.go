package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SWOTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "swotrace",
		Short: "swotrace - ARM ITM/DWT trace decoder",
		Long: `swotrace decodes instrumentation trace from ARM Cortex-M and Cortex-A cores.
It reads raw SWO, TPIU framed or orbflow streams from a file, an orbuculum
TCP server or a serial port, and prints time stamped software and hardware
events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringP("config", "c", "", "config file path (YAML)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "log format: console or json")
	root.PersistentFlags().String("log-file", "", "write logs to a rotated file instead of stderr")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(newDecodeCmd(v))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the swotrace version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "swotrace %s\n", version)
		},
	}
}
