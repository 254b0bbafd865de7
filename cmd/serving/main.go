/*
Copyright 2025 The Djl Serving Authors.

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
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/waicool20/djl/pkg/config"
	"github.com/waicool20/djl/pkg/loader"
	"github.com/waicool20/djl/pkg/manager"
	"github.com/waicool20/djl/pkg/server"
	"github.com/waicool20/djl/pkg/utils"
	"github.com/waicool20/djl/pkg/wlm"
)

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", utils.LoadEnv("DJL_CONFIG", ""),
		"path to the serving config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Fatalf("loading configuration: %v", err)
	}

	allocator := wlm.NewDeviceAllocator(cfg.DeviceCapacities)
	var wlmOpts []wlm.Option
	if cfg.Scaling.BacklogScaling {
		wlmOpts = append(wlmOpts, wlm.WithBacklogScaling(wlm.ScaleSpec{
			MaxScaleUpRate:   cfg.Scaling.MaxScaleUpRate,
			MaxScaleDownRate: cfg.Scaling.MaxScaleDownRate,
		}))
	}
	workload := wlm.NewWorkLoadManager(allocator, wlmOpts...)

	schemes := loader.NewSchemeLoader()
	schemes.Register("echo", loader.NewEchoLoader())

	mgr := manager.New(schemes, workload, cfg.JobQueueSize)
	registerStartupModels(mgr, cfg)

	stopCh := make(chan struct{})
	go workload.RunReconciler(stopCh, cfg.Scaling.ReconcileInterval)

	serverOpts := []server.Option{server.WithDefaultWorkers(cfg.DefaultWorkersPerModel)}
	if cfg.Redis.Addr != "" {
		redisClient, err := utils.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			klog.Fatalf("connecting to redis: %v", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				klog.Warningf("error closing redis client: %v", err)
			}
		}()
		limiter := server.NewRedisRateLimiter("predictions", redisClient, cfg.Redis.Window)
		serverOpts = append(serverOpts, server.WithRateLimiter(limiter, cfg.Redis.RateLimit))
		klog.Infof("inference rate limiting enabled: %d per %s", cfg.Redis.RateLimit, cfg.Redis.Window)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.NewHTTPServer(addr, mgr, serverOpts...)

	go func() {
		klog.Infof("serving on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	klog.Info("shutting down")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		klog.Warningf("http shutdown: %v", err)
	}
	workload.DrainAll(30 * time.Second)
}

// registerStartupModels loads every configured model and waits for the
// results so the server only starts serving with its startup set installed.
func registerStartupModels(mgr *manager.ModelManager, cfg *config.Config) {
	futures := make([]<-chan manager.RegisterResult, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		future, err := mgr.RegisterModel(context.Background(), manager.RegisterRequest{
			Name:          m.Name,
			URL:           m.URL,
			BatchSize:     m.BatchSize,
			MaxBatchDelay: m.MaxBatchDelay,
			MinWorkers:    m.MinWorkers,
			MaxWorkers:    m.MaxWorkers,
			Startup:       true,
		})
		if err != nil {
			klog.Fatalf("registering startup model %s: %v", m.URL, err)
		}
		futures = append(futures, future)
	}
	for _, future := range futures {
		if res := <-future; res.Err != nil {
			klog.Fatalf("loading startup model: %v", res.Err)
		}
	}
}
