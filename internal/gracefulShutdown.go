// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownTimeout bounds the shutdown tasks. Kubernetes sends SIGKILL 30 seconds after SIGTERM.
const ShutdownTimeout = 25 * time.Second

type GracefulShutdownHandler interface {
	Shutdown()          // Starts the shutdown as if SIGTERM was received.
	ShuttingDown() bool // Quickly checks if a shutdown is in progress.
	Done() <-chan struct{}
	Wait() // Blocks until shutdown tasks are complete.
}

type gracefulShutdown struct {
	quit         chan os.Signal
	shuttingDown atomic.Bool
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewGracefulShutdown installs a SIGINT/SIGTERM handler. onShutdown runs once
// on the first signal (or Shutdown call) with a context that expires after
// ShutdownTimeout. If the tasks do not return in time, the process exits with 1.
func NewGracefulShutdown(onShutdown func(ctx context.Context) error) GracefulShutdownHandler {
	gs := &gracefulShutdown{
		quit: make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)
	gs.wg.Add(1)

	go func() {
		defer gs.wg.Done()
		defer close(gs.done)
		sig := <-gs.quit
		signal.Stop(gs.quit)
		gs.shuttingDown.Store(true)
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())
		if onShutdown == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		watchdog := time.AfterFunc(ShutdownTimeout+time.Second, func() {
			zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", ShutdownTimeout)
			// Flush buffer
			_ = zap.S().Sync()
			os.Exit(1)
		})
		defer watchdog.Stop()

		zap.S().Infow("Waiting for shutdown tasks to complete", "timeout", ShutdownTimeout)
		if err := onShutdown(ctx); err != nil {
			zap.S().Errorw("Error during shutdown", "error", err)
			return
		}
		zap.S().Info("Shutdown tasks completed. Ready to exit.")
	}()

	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	return gs.shuttingDown.Load()
}

func (gs *gracefulShutdown) Shutdown() {
	// Only send a SIGTERM signal if we are not already shutting down.
	if gs.shuttingDown.CompareAndSwap(false, true) {
		gs.quit <- syscall.SIGTERM
	}
}

// Done is closed once the shutdown tasks have returned.
func (gs *gracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

func (gs *gracefulShutdown) Wait() {
	gs.wg.Wait()
}
