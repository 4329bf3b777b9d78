// Copyright 2026 fanjia1024
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

package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remedyci/internal/app/worker"
	"remedyci/pkg/config"
	"remedyci/pkg/log"
)

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}

	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		stdlog.Fatalf("init logger: %v", err)
	}

	app, err := worker.NewApp(cfg, logger)
	if err != nil {
		stdlog.Fatalf("init app: %v", err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(runCtx); err != nil {
		logger.Error("worker exited", "err", err.Error())
	}
	logger.Info("signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "err", err.Error())
		os.Exit(1)
	}
}
