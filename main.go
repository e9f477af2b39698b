/*
Copyright 2023 The Jupyter-Bridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/bdemchak/jupyter-bridge/pkg/api"
	"github.com/bdemchak/jupyter-bridge/pkg/bridge"
	"github.com/bdemchak/jupyter-bridge/pkg/store"
	"github.com/bdemchak/jupyter-bridge/version"
)

func main() {
	var listenAddress string
	var redisAddress string
	var redisUsername string
	var redisPassword string
	var redisDB int
	var zapDebug bool
	pflag.StringVar(&listenAddress, "listen-address", ":5000", "The address the relay endpoints bind to.")
	pflag.StringVar(&redisAddress, "redis-address", "localhost:6379", "The address of the shared redis store.")
	pflag.StringVar(&redisUsername, "redis-username", "", "The username for the shared redis store.")
	pflag.StringVar(&redisPassword, "redis-password", "", "The password for the shared redis store.")
	pflag.IntVar(&redisDB, "redis-db", 0, "The redis database index.")
	pflag.BoolVar(&zapDebug, "zap-devel", false, "Enable development-mode logging (debug level, console encoder).")
	pflag.Parse()

	zapConfig := zap.NewProductionConfig()
	if zapDebug {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapLog, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to build logger: %v\n", err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zapLog)
	setupLog := logger.WithName("setup")

	cfg, err := bridge.ConfigFromEnv()
	if err != nil {
		setupLog.Error(err, "invalid environment configuration")
		os.Exit(1)
	}

	setupLog.Info(fmt.Sprintf("Jupyter-Bridge Version: %s", version.Version))
	setupLog.Info(fmt.Sprintf("Git Commit: %s", version.GitCommit))
	setupLog.Info(fmt.Sprintf("Go Version: %s", runtime.Version()))
	setupLog.Info(fmt.Sprintf("Go OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH))
	setupLog.Info("polling configuration",
		"dequeueTimeout", cfg.DequeueTimeout,
		"fastPollInterval", cfg.FastPollInterval,
		"slowPollInterval", cfg.SlowPollInterval,
		"maxFastPolls", cfg.MaxFastPolls)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewRedisStore(ctx, store.RedisConnectionInfo{
		Address:  redisAddress,
		Username: redisUsername,
		Password: redisPassword,
		DB:       redisDB,
	})
	if err != nil {
		setupLog.Error(err, "unable to connect to redis", "address", redisAddress)
		os.Exit(1)
	}
	defer st.Close()

	engine := bridge.New(st, cfg, logger.WithName("bridge"))

	// Clear out slot keys in case a prior instance died mid-operation.
	if err := engine.Scrub(ctx); err != nil {
		setupLog.Error(err, "startup scrub failed")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    listenAddress,
		Handler: api.NewServer(engine, logger.WithName("api")).Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		setupLog.Info("starting relay", "address", listenAddress)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		setupLog.Error(err, "relay server failed")
		os.Exit(1)
	case <-ctx.Done():
	}

	// Let in-flight dequeues reach their natural timeout before closing.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DequeueTimeout+time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "shutdown did not complete cleanly")
	}
}
