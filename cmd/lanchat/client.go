package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dcrodman/lanchat/internal/client"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Finds a chat server on the LAN and joins it",
	Args:  cobra.NoArgs,
	RunE:  ClientCommand,
}

func ClientCommand(cmd *cobra.Command, args []string) error {
	config, logger, err := setUp(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	console, err := client.NewTerminal(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := console.Close(); err != nil {
			logger.Warn(err)
		}
	}()

	if config.LogFilePath == "" {
		logger.SetOutput(console.Adapt(os.Stderr))
	}

	c := &client.Client{Config: config, Logger: logger, Console: console}
	return c.Run(ctx)
}
