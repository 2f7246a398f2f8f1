package main

import (
	"github.com/spf13/cobra"

	"github.com/dcrodman/lanchat/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs a chat server and answers discovery probes",
	Args:  cobra.NoArgs,
	RunE:  ServerCommand,
}

func ServerCommand(cmd *cobra.Command, args []string) error {
	config, logger, err := setUp(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	s := &server.Server{Config: config, Logger: logger}
	return s.Run(ctx)
}
