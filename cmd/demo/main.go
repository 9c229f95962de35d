package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/tonebridge/internal/bootstrap"
	"github.com/ChuLiYu/tonebridge/internal/config"
	"github.com/ChuLiYu/tonebridge/internal/controller"
	"github.com/ChuLiYu/tonebridge/internal/jobmanager"
	"github.com/ChuLiYu/tonebridge/internal/pipeline"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

const demoJobs = 200

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/default.yaml", config.FindEnvFile())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Store.Driver == config.DriverMemory {
		log.Fatalf("Demo needs a durable store, got driver %q", cfg.Store.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.Ready():
	case err := <-done:
		log.Fatalf("Failed to start: %v", err)
	}
	fmt.Printf("✓ Orchestrator started (mode: %s, store: %s)\n", mode, cfg.Store.Driver)

	switch mode {
	case "start":
		start(ctx, app)
	case "recover":
		recoverAndRetry(ctx, app)
	default:
		log.Printf("Unknown mode %q", mode)
		stop()
	}

	<-ctx.Done()
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	if err := <-done; err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	fmt.Println("✓ Orchestrator stopped")
}

func start(ctx context.Context, app *bootstrap.App) {
	ctrl := app.Controller
	if total(ctx, ctrl) > 0 {
		fmt.Printf("\n⚠️  Found jobs from a previous run, use 'recover' to inspect them\n")
		printStats(ctx, ctrl, "Current Status")
		return
	}

	for _, key := range []string{"demo/ref.wav", "demo/tgt.wav"} {
		if _, err := app.Blobs.Put(key, strings.NewReader("RIFF demo input")); err != nil {
			log.Fatalf("Failed to upload %s: %v", key, err)
		}
	}

	for i := 1; i <= demoJobs; i++ {
		req := jobmanager.SubmitRequest{
			UserID: fmt.Sprintf("user-%d", i%5),
			Mode:   "PAIRED",
			RefKey: "demo/ref.wav",
			TgtKey: "demo/tgt.wav",
		}
		if i%10 == 0 {
			req.Params = map[string]interface{}{pipeline.ParamFailStage: "render"}
		}
		if _, err := ctrl.Submit(ctx, req); err != nil {
			log.Fatalf("Failed to submit job %d: %v", i, err)
		}
	}
	fmt.Printf("✓ Submitted %d jobs (every 10th fails in render)\n", demoJobs)
	fmt.Printf("💡 Press Ctrl+C while jobs are running, then run 'recover'\n\n")

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < 15; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := ctrl.Status()
			fmt.Printf("📊 Queued=%d Buffered=%d Running=%d\n", s.Queued, s.Buffered, s.Running)
		}
	}
	printStats(ctx, ctrl, "Status Snapshot")
}

func recoverAndRetry(ctx context.Context, app *bootstrap.App) {
	ctrl := app.Controller
	printStats(ctx, ctrl, "Status After Recovery")

	var retried int
	req := controller.ListRequest{
		Filter: types.ListFilter{Status: types.StatusFailed},
		Limit:  controller.DefaultMaxListLimit,
	}
	for {
		page, err := ctrl.List(ctx, req)
		if err != nil {
			log.Printf("List failed: %v", err)
			return
		}
		for _, job := range page.Items {
			if job.Error != nil && *job.Error == controller.RecoveryErrorMessage {
				if _, err := ctrl.Retry(ctx, job.ID); err == nil {
					retried++
				}
			}
		}
		if page.NextCursor == "" {
			break
		}
		req.Cursor = page.NextCursor
	}
	fmt.Printf("\n✓ Retried %d jobs interrupted by the previous shutdown\n", retried)

	fmt.Printf("\n⏳ Waiting 2 seconds for jobs to process...\n")
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}
	printStats(ctx, ctrl, "Final Status")
}

func total(ctx context.Context, ctrl *controller.Controller) int64 {
	counts, err := ctrl.Stats(ctx, types.StatsFilter{})
	if err != nil {
		return 0
	}
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}

func printStats(ctx context.Context, ctrl *controller.Controller, title string) {
	counts, err := ctrl.Stats(ctx, types.StatsFilter{})
	if err != nil {
		log.Printf("Stats failed: %v", err)
		return
	}
	fmt.Printf("\n📊 %s:\n", title)
	var n int64
	for _, s := range types.AllStatuses {
		fmt.Printf("  %-10s %d\n", s, counts[s])
		n += counts[s]
	}
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  %-10s %d\n", "TOTAL", n)
}
