package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"

	"github.com/batchsched/inferq/internal/activity"
	"github.com/batchsched/inferq/internal/auth"
	"github.com/batchsched/inferq/internal/batchqueue"
	"github.com/batchsched/inferq/internal/clock"
	"github.com/batchsched/inferq/internal/httpx"
	"github.com/batchsched/inferq/internal/ingest"
	"github.com/batchsched/inferq/internal/metrics"
	"github.com/batchsched/inferq/internal/policy"
	"github.com/batchsched/inferq/internal/runner"
	"github.com/batchsched/inferq/internal/scheduler"
	"github.com/batchsched/inferq/internal/ui"
)

func main() {
	dbPath := os.Getenv("POLICIES_DB_PATH")
	if dbPath == "" {
		dbPath = "policies.db"
	}
	policyStore, err := policy.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open policy store: %v", err)
	}
	defer policyStore.Close()

	activityLog := activity.New(300)
	authenticator := auth.NewAuthenticator(policyStore)
	waitTracker := metrics.NewEWMATracker(0.2)

	ctx := context.Background()
	defaultPolicy, perLevel, err := policy.LoadPriorityPolicies(ctx, policyStore)
	if err != nil {
		log.Fatalf("failed to load priority policies: %v", err)
	}
	priorityLevels := uint32(envOrInt("PRIORITY_LEVELS", 4))
	queuePolicies := make(map[uint32]batchqueue.ModelQueuePolicy, len(perLevel))
	for level, p := range perLevel {
		queuePolicies[level] = p.ToQueuePolicy()
	}
	queue := batchqueue.NewPriorityQueueWithPolicies(clock.NewMonotonic(), defaultPolicy.ToQueuePolicy(), priorityLevels, queuePolicies)

	pool := runner.NewPool()

	batcher := scheduler.NewBatcher(queue, pool, envOrInt("MAX_BATCH_SIZE", 8), scheduler.PeekPayloadTensor, nil)
	batcher.Activity = activityLog
	batcher.Metrics = waitTracker
	go batcher.Run(ctx)

	housekeeper := &scheduler.Housekeeper{
		Pool:     pool,
		IdleTTL:  time.Duration(envOrInt("RUNNER_IDLE_TTL_SECONDS", 15)) * time.Second,
		Interval: time.Duration(envOrInt("HOUSEKEEP_INTERVAL_SECONDS", 5)) * time.Second,
		Activity: activityLog,
	}
	go housekeeper.Run(ctx)

	// gRPC server: the runner-agents' bidirectional ExecuteBatch stream.
	grpcLis, err := net.Listen("tcp", ":9090")
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	grpcServer := grpc.NewServer()
	runner.RegisterRunnerControlServer(grpcServer, pool)
	go func() {
		log.Printf("gRPC listening on :9090")
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	// HTTP server: ingest API + admin dashboard on one port.
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusFound)
	})

	ingestHandler := ingest.NewHandler(queue, authenticator)
	ingestHandler.Activity = activityLog
	mux.Handle("/v1/infer", authenticator.Middleware(ingestHandler))

	uiHandler, err := ui.NewHandler(queue, pool, policyStore, authenticator, activityLog, waitTracker, "internal/ui/templates")
	if err != nil {
		log.Fatalf("ui init: %v", err)
	}
	uiHandler.Register(mux)

	handler := httpx.CORS{AllowOrigin: "*", PathPrefixes: []string{"/ui/"}}.Wrap(mux)

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("HTTP listening on :8080")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("http serve: %v", err)
	}
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
