// Package main provides a CLI for playing story scripts.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/story-engine/internal/platform/cmd"
	"github.com/louisbranch/story-engine/internal/platform/config"

	storycmd "github.com/louisbranch/story-engine/internal/cmd/story"
)

func main() {
	cfg, err := storycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = cmd.RunWithTelemetry(ctx, cmd.ServiceStory, func(ctx context.Context) error {
		return storycmd.Run(ctx, cfg, os.Stdin, os.Stdout)
	})
	if err != nil {
		config.Exitf("Error: %v", err)
	}
}
