// overhead-export writes the factory overhead periods, with their effective-time diagnostics,
// to an xlsx workbook. With -upload the workbook goes to GCS_BUCKET and a signed download
// link is printed.
//
// Usage (from backend directory):
//
//	go run ./cmd/overhead-export -out overhead.xlsx
//	go run ./cmd/overhead-export -from 2026-01-01 -to 2026-06-30 -upload -prefix reports/overhead
//	go run ./cmd/overhead-export -recalculate -out overhead.xlsx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/models/reports"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/mmdatafocus/costing_backend/workflow"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func main() {
	from := flag.String("from", "", "Optional: only periods ending on or after this date (YYYY-MM-DD)")
	to := flag.String("to", "", "Optional: only periods starting on or before this date (YYYY-MM-DD)")
	out := flag.String("out", "overhead.xlsx", "Local output file; empty skips the local copy")
	upload := flag.Bool("upload", false, "Upload the workbook to GCS_BUCKET")
	prefix := flag.String("prefix", "reports/overhead", "Object key prefix for -upload")
	linkTTL := flag.Duration("link-ttl", 24*time.Hour, "Lifetime of the signed download link")
	recalculate := flag.Bool("recalculate", false, "Recalculate every period before exporting")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	ctx = utils.SystemContext(ctx, utils.TriggerManual, "")
	ctx = utils.SetUserNameInContext(ctx, "OverheadExport")

	if *recalculate {
		settings, err := config.LoadSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
			os.Exit(1)
		}
		engine := workflow.NewDefaultEngine(settings, logger)
		result, err := engine.RecalculateAllPeriods(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recalculate periods failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("recalculated %d period(s), %d written\n", result.Recomputed, len(result.Written))
	}

	periods, err := store.NewGorm(db).ListOverheadPeriods(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list overhead periods: %v\n", err)
		os.Exit(1)
	}
	periods, err = filterPeriods(periods, *from, *to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	data, err := reports.OverheadWorkbookBytes(periods)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build workbook: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("exported %d period(s)\n", len(periods))

	if strings.TrimSpace(*out) != "" {
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *out, err)
			os.Exit(1)
		}
		fmt.Println("wrote", *out)
	}

	if !*upload {
		return
	}
	objectKey := utils.ReportObjectKey(*prefix, "overhead.xlsx", time.Now())
	if err := utils.UploadBytesToGCS(ctx, objectKey, data, xlsxContentType); err != nil {
		fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("uploaded", objectKey)

	link, err := utils.SignDownload(ctx, objectKey, *linkTTL)
	if err != nil {
		// the object is uploaded; only the share link is missing
		config.LogError(logger, "overhead-export", "main", "sign download", objectKey, err)
		fmt.Println("access url", utils.BuildObjectAccessURL(objectKey))
		return
	}
	fmt.Printf("download url (expires %s): %s\n", link.ExpiresAt.UTC().Format(time.RFC3339), link.DownloadURL)
}

func filterPeriods(periods []models.OverheadCostPeriod, from, to string) ([]models.OverheadCostPeriod, error) {
	var (
		start, end time.Time
		err        error
	)
	if strings.TrimSpace(from) != "" {
		if start, err = time.Parse("2006-01-02", strings.TrimSpace(from)); err != nil {
			return nil, fmt.Errorf("invalid -from: %w", err)
		}
	}
	if strings.TrimSpace(to) != "" {
		if end, err = time.Parse("2006-01-02", strings.TrimSpace(to)); err != nil {
			return nil, fmt.Errorf("invalid -to: %w", err)
		}
		end = end.Add(24*time.Hour - time.Nanosecond)
	}

	out := periods[:0]
	for _, p := range periods {
		if !start.IsZero() && p.EndDate.Before(start) {
			continue
		}
		if !end.IsZero() && p.StartDate.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
