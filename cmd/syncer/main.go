// Command syncer runs the SyncEngine side of the bridge: cursor-driven reads
// from SRC and change-detected event insertion into the DST outbox (spec
// §4.1–§4.3). Process skeleton (env loading, context+signal wiring, graceful
// shutdown) follows the teacher's main.go line for line.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ats-log/hr-sync-bridge/config"
	"github.com/ats-log/hr-sync-bridge/metrics"
	"github.com/ats-log/hr-sync-bridge/source"
	"github.com/ats-log/hr-sync-bridge/store/postgres"
	"github.com/ats-log/hr-sync-bridge/sync"
)

var version = "dev"

func main() {
	fmt.Printf("hr-sync-bridge syncer %s\n", version)

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

	srcPool, err := pgxpool.New(ctx, cfg.SRCDSN(cfg.SourceDatabaseName()))
	if err != nil {
		log.Fatalf("source database: %v", err)
	}
	defer srcPool.Close()

	reader := source.NewReader(srcPool, cfg.SourceSchemaName())

	reg := metrics.New()

	leaveEngine := sync.NewLeaveEngine(reader, dst, cfg.SourceDatabaseName(), cfg.AfastamentoSyncBatchSize, cfg.AfastamentoSyncDataInicio).
		WithMetrics(&reg.Sync)

	employeeTables := []source.EmployeeTable{
		{Name: cfg.EmployeeTablePrimary, DateColumn: cfg.EmployeeDateColumnPrimary, IDColumn: cfg.EmployeeIDColumnPrimary},
		{Name: cfg.EmployeeTableSecondary, DateColumn: cfg.EmployeeDateColumnSecondary, IDColumn: cfg.EmployeeIDColumnSecondary},
	}
	employeeEngine := sync.NewEmployeeEngine(reader, dst, cfg.SourceDatabaseName(), employeeTables, cfg.MotoristaSyncBatchSize).
		WithMetrics(&reg.Sync)

	go leaveEngine.Run(ctx, cfg.AfastamentoSyncInterval)
	go employeeEngine.Run(ctx, cfg.MotoristaSyncInterval)

	admin := &http.Server{Addr: cfg.MetricsAddr, Handler: reg.Handler()}
	go func() {
		log.Printf("syncer: metrics listening on %s", cfg.MetricsAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("syncer: metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("syncer: shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := admin.Shutdown(shutCtx); err != nil {
		log.Printf("syncer: metrics shutdown: %v", err)
	}
}
