// cascade-rerun recomputes derived costing fields for the given documents, the same way a
// ledger event would, then optionally drains the follow-on events.
//
// Usage (from backend directory):
//
//	go run ./cmd/cascade-rerun -stage tasks -ids t-1,t-2 -drain
//	go run ./cmd/cascade-rerun -stage all_periods -drain
//	go run ./cmd/cascade-rerun -stage tasks -ids t-1 -dry-run
//	go run ./cmd/cascade-rerun -replay <event-id>
//	go run ./cmd/cascade-rerun -dead
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/mmdatafocus/costing_backend/workflow"
)

func main() {
	stage := flag.String("stage", "", "Stage to rerun: purchase_orders | tasks | periods | all_periods | orders")
	ids := flag.String("ids", "", "Comma separated document ids (purchase orders, tasks or periods; task ids for orders)")
	drain := flag.Bool("drain", false, "Drain follow-on ledger events until nothing is due")
	dryRun := flag.Bool("dry-run", false, "With -stage tasks: print each task's cost breakdown without writing")
	replay := flag.String("replay", "", "Reset a FAILED or DEAD ledger event so the next drain retries it")
	dead := flag.Bool("dead", false, "List dead-lettered ledger events")
	limit := flag.Int("limit", 100, "Maximum events listed by -dead")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.GetLogger()
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	// Explicit DB connect (config does not connect DB in init()).
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		config.ConnectRedisWithRetry(ctx)
	}

	engine := workflow.NewDefaultEngine(settings, logger)
	ctx = utils.SystemContext(ctx, utils.TriggerManual, "cascade-rerun-"+engine.WorkerID)
	ctx = utils.SetUserNameInContext(ctx, "CascadeRerun")

	switch {
	case *dead:
		events, err := engine.DeadEvents(ctx, *limit)
		exitOnError("list dead events", err)
		for _, e := range events {
			lastError := utils.DereferencePtr(e.LastError)
			fmt.Printf("%s\t%s\tattempts=%d\tcreated=%s\t%s\n", e.ID, e.Type, e.Attempts, e.CreatedAt.Format("2006-01-02 15:04:05"), lastError)
		}
		return
	case strings.TrimSpace(*replay) != "":
		exitOnError("replay event", engine.ReplayEvent(ctx, strings.TrimSpace(*replay)))
		fmt.Printf("ledger event %s reset to PENDING\n", strings.TrimSpace(*replay))
		if !*drain {
			return
		}
	case *stage != "":
		docIds := utils.UniqueSlice(utils.SplitAndTrim(*ids))
		if *stage != "all_periods" && len(docIds) == 0 {
			fmt.Fprintln(os.Stderr, "-ids is required for stage "+*stage)
			os.Exit(2)
		}
		if *dryRun {
			if *stage != "tasks" {
				fmt.Fprintln(os.Stderr, "-dry-run is only supported for -stage tasks")
				os.Exit(2)
			}
			printBreakdowns(ctx, engine, docIds)
			return
		}
		result, err := rerun(ctx, engine, *stage, docIds)
		exitOnError("rerun "+*stage, err)
		fmt.Printf("stage=%s inputs=%d recomputed=%d written=%d skipped=%d commits=%d\n",
			result.Stage, result.Inputs, result.Recomputed, len(result.Written), len(result.Skipped), result.Commits)
		for _, id := range result.Written {
			fmt.Println("  written", id)
		}
		for _, id := range result.Skipped {
			fmt.Println("  skipped", id)
		}
	case !*drain:
		flag.Usage()
		os.Exit(2)
	}

	if *drain {
		rounds, err := engine.RunToQuiescence(ctx, 0)
		exitOnError("drain", err)
		fmt.Printf("drained in %d round(s)\n", rounds)
	}
}

func rerun(ctx context.Context, engine *workflow.Engine, stage string, ids []string) (workflow.StageResult, error) {
	switch stage {
	case "purchase_orders":
		return engine.RecalculatePurchaseOrders(ctx, ids, nil)
	case "tasks":
		return engine.RecalculateTasks(ctx, ids, nil)
	case "periods":
		return engine.RecalculatePeriods(ctx, ids, nil)
	case "all_periods":
		return engine.RecalculateAllPeriods(ctx)
	case "orders":
		return engine.RecalculateOrdersForTasks(ctx, ids, nil)
	default:
		return workflow.StageResult{}, fmt.Errorf("unknown stage %q", stage)
	}
}

func printBreakdowns(ctx context.Context, engine *workflow.Engine, taskIds []string) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, id := range taskIds {
		b, err := engine.TaskCostBreakdown(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "task %s: %v\n", id, err)
			continue
		}
		if err := enc.Encode(map[string]any{
			"task_id": id,
			"changed": b.Changed,
			"costs":   b.Costs,
			"lines":   b.Lines,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "task %s: %v\n", id, err)
		}
	}
}

func exitOnError(action string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", action, err)
		os.Exit(1)
	}
}
