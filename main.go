/*
This is an example of application that will use the
streamer package to test things out
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/presto/testbed"
)

func main() {
	demo, err := testbed.NewDemoGame()
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// start shutdown goroutine
	go func() {
		// capture sigterm and other system call here
		<-sigCh
		cancel()
	}()

	// run the demo session
	if err := demo.Run(ctx); err != nil {
		_ = demo.Streamer.Shutdown()
		panic(err)
	}

	if err := demo.Streamer.Shutdown(); err != nil {
		panic(err)
	}
}
