// lanchat runs the LAN chat server or client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dcrodman/lanchat/internal/core"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:           "lanchat",
		Short:         "LAN chat server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "", "Path to the directory containing config.yaml")
	rootCmd.PersistentFlags().String("log-level", "info", "Minimum level of messages to log (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("discovery-port", 34567, "UDP port used for server discovery")
	rootCmd.PersistentFlags().Bool("packet-logging", false, "Dump discovery datagrams and session frames")

	serverCmd.Flags().Int("port", 0, "Session port (0 lets the OS choose)")
	serverCmd.Flags().Int("max-peers", 16, "Maximum number of connected clients")
	serverCmd.Flags().String("advertised-name", "", "Hostname advertised to scanning clients")

	clientCmd.Flags().String("connect", "", "Connect to host:port directly instead of scanning")
	clientCmd.Flags().String("broadcast", "255.255.255.255", "Address discovery probes are sent to")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setUp loads the config (with cmd's flags applied) and creates the logger.
func setUp(cmd *cobra.Command) (*core.Config, *logrus.Logger, error) {
	config, err := core.LoadConfig(ConfigFlag, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := core.NewLogger(config)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing logger: %w", err)
	}
	return config, logger, nil
}

// signalContext returns a context that is cancelled by SIGINT or SIGTERM. A second
// signal exits immediately.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	return ctx, func() {
		signal.Stop(c)
		cancel()
	}
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	if _, ok := <-c; !ok {
		return
	}
	fmt.Fprintln(os.Stderr, "waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Fprintln(os.Stderr, "hard exiting (killed)")
	os.Exit(1)
}
