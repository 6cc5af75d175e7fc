// Package main implements a scripted agent fleet for exercising the broker.
// Each agent in the scenario connects over WebSocket, registers, and answers
// tasks with scripted progress and outcomes. Useful for demos and e2e tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		brokerURL = flag.String("broker", "http://localhost:8080", "broker base URL")
		key       = flag.String("key", os.Getenv("TASKHIVE_AUTH_KEY"), "shared auth key")
		scenario  = flag.String("scenario", "", "scenario YAML file (default: one completing agent)")
	)
	flag.Parse()

	sc := DefaultScenario()
	if *scenario != "" {
		loaded, err := LoadScenario(*scenario)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
		sc = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range sc.Agents {
		spec := spec
		g.Go(func() error {
			client, err := Dial(ctx, *brokerURL, *key)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.ID, err)
			}
			defer client.Close()
			return NewRunner(spec, client).Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "mock-agent: "+format+"\n", args...)
}
