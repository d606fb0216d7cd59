// Command dispatcher runs the DispatchEngine side of the bridge: lease-based
// claim from the DST outbox, field mapping, and delivery to the target HTTP
// API with exponential backoff (spec §4.4–§4.7). Process skeleton (env
// loading, context+signal wiring, graceful shutdown) follows the teacher's
// main.go line for line.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ats-log/hr-sync-bridge/config"
	"github.com/ats-log/hr-sync-bridge/dispatch"
	"github.com/ats-log/hr-sync-bridge/httpclient"
	"github.com/ats-log/hr-sync-bridge/metrics"
	"github.com/ats-log/hr-sync-bridge/registry"
	"github.com/ats-log/hr-sync-bridge/store"
	"github.com/ats-log/hr-sync-bridge/store/postgres"
)

var version = "dev"

func main() {
	fmt.Printf("hr-sync-bridge dispatcher %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dst, err := postgres.Open(ctx, cfg.DSTDSN())
	if err != nil {
		log.Fatalf("outbox database: %v", err)
	}
	defer dst.Close()
	if err := dst.EnsureSchema(ctx); err != nil {
		log.Fatalf("outbox schema: %v", err)
	}

	reg, err := registry.Open(cfg.ClientRegistryPath, cfg.ClientRegistrySecret)
	if err != nil {
		log.Fatalf("client registry: %v", err)
	}
	if err := reg.Watch(); err != nil {
		log.Printf("client registry: watch disabled: %v", err)
	}
	defer reg.Close()

	client := httpclient.New(httpclient.Config{
		LoginURL:       cfg.APILoginURL,
		BaseURL:        cfg.APIBaseURL,
		User:           cfg.APIUser,
		Password:       cfg.APIPass,
		Timeout:        cfg.APITimeout,
		ProbeLoginPath: len(cfg.APILoginProbePaths) > 0,
		ProbePaths:     cfg.APILoginProbePaths,
	})

	metricsReg := metrics.New()

	employeeEngine := dispatch.New(dst, client, reg, store.EventEmployeeUpsert, "motoristas", cfg.APIMotoristaEndpoint, dispatch.Config{
		BatchSize: cfg.APIBatchSizeMotoristas, MaxAttempts: cfg.MaxTentativas, LockTimeout: cfg.LockTimeout,
		RetryBaseSeconds: cfg.RetryBaseSeconds, RetryMaxSeconds: cfg.RetryMaxSeconds, Concurrency: 4,
	}).WithMetrics(&metricsReg.Dispatch)

	leaveEngine := dispatch.New(dst, client, reg, store.EventLeaveUpsert, "afastamentos", cfg.APIAfastamentoEndpoint, dispatch.Config{
		BatchSize: cfg.APIBatchSizeAfastamentos, MaxAttempts: cfg.MaxTentativas, LockTimeout: cfg.LockTimeout,
		RetryBaseSeconds: cfg.RetryBaseSeconds, RetryMaxSeconds: cfg.RetryMaxSeconds, Concurrency: 4,
	}).WithMetrics(&metricsReg.Dispatch)

	go employeeEngine.Run(ctx, cfg.APISyncInterval)
	go leaveEngine.Run(ctx, cfg.APISyncInterval)

	admin := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsReg.Handler()}
	go func() {
		log.Printf("dispatcher: metrics listening on %s", cfg.MetricsAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("dispatcher: metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("dispatcher: shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := admin.Shutdown(shutCtx); err != nil {
		log.Printf("dispatcher: metrics shutdown: %v", err)
	}
}
