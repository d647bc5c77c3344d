// Command falcon-cn is the sidecar entrypoint for a coordinator node.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"falcon-cm/internal/agent"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := agent.Run(ctx, true); err != nil && ctx.Err() == nil {
		log.Fatalf("falcon-cn exited: %v", err)
	}
}
