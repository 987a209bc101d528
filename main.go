package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"shellbroker/cmd"
)

func main() {
	// Context used to issue graceful cancellation to the command tree.
	ctx, cancel := context.WithCancel(context.Background())

	// Setup signal handler for graceful + forced shutdown. Buffer 2 to catch quick double Ctrl+C.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cmd.ExecuteContext(ctx); err != nil {
			log.Println(err)
		}
		close(done)
	}()

	var first int32 // 0 = not received, 1 = received first Ctrl+C

waitLoop:
	for {
		select {
		case sig := <-sigs:
			if sig == os.Interrupt || sig == syscall.SIGTERM {
				if atomic.CompareAndSwapInt32(&first, 0, 1) {
					log.Println("interrupt received (Ctrl+C). Attempting graceful shutdown... (press Ctrl+C again to force)")
					cancel()
					select {
					case <-done:
						log.Println("broker exited cleanly")
						break waitLoop
					case sig2 := <-sigs:
						log.Printf("second signal (%v) received -> force exit\n", sig2)
						os.Exit(130)
					case <-time.After(10 * time.Second):
						log.Println("timeout waiting for broker to shut down, forcing exit")
						os.Exit(1)
					}
				} else {
					log.Println("second Ctrl+C -> immediate force exit")
					os.Exit(130)
				}
			}
		case <-done:
			log.Println("broker finished; exiting.")
			break waitLoop
		}
	}

	wg.Wait()
}
