package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/session"
	"github.com/nkhandel/soundml-server/internal/status"
	"github.com/nkhandel/soundml-server/pkg/config"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, nil))

	tenantID := flag.String("tenant", "", "tenant id (required)")
	startStr := flag.String("start", "", "window start, RFC3339 (requires -stop)")
	stopStr := flag.String("stop", "", "window stop, RFC3339 (requires -start)")
	latest := flag.Duration("latest", 0, "aggregate the most recent window of this duration (default SESSION_DURATION)")
	machineID := flag.String("machine", "", "restrict the sound summary to one machine")
	deviceID := flag.String("device", "", "restrict sensor samples to one device")
	validate := flag.Bool("validate", false, "only check whether the window holds data")
	machines := flag.Bool("machines", false, "list the tenant's profiled machine ids and exit")
	live := flag.Bool("live", false, "print the tenant's live status snapshot and exit")
	flag.Parse()

	if *tenantID == "" {
		fmt.Fprintln(os.Stderr, "usage: report -tenant <id> [-start <t> -stop <t> | -latest <dur>] [-machine <id>] [-device <id>]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Live status comes from the Redis mirror the engine maintains, no
	// database needed.
	if *live {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		snap, err := status.NewMirror(redisClient).Get(context.Background(), *tenantID)
		if err != nil {
			logger.Error("failed to read live status", "error", err)
			os.Exit(1)
		}
		printJSON(snap)
		return
	}

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *machines {
		ids, err := db.ListMachineIDs(*tenantID)
		if err != nil {
			logger.Error("failed to list machines", "error", err)
			os.Exit(1)
		}
		printJSON(ids)
		return
	}

	agg := session.NewAggregator(db)

	start, stop, err := resolveWindow(agg, cfg, *tenantID, *startStr, *stopStr, *latest)
	if err != nil {
		logger.Error("failed to resolve session window", "error", err)
		os.Exit(1)
	}

	if *validate {
		rc, err := agg.ValidateRange(*tenantID, start, stop)
		if err != nil {
			logger.Error("failed to validate range", "error", err)
			os.Exit(1)
		}
		printJSON(rc)
		return
	}

	report, err := agg.Aggregate(*tenantID, start, stop, *machineID, *deviceID)
	if err != nil {
		logger.Error("failed to aggregate session", "error", err)
		os.Exit(1)
	}
	printJSON(report)
}

// resolveWindow picks the report window: an explicit start/stop pair wins,
// otherwise the most recent window anchored at the newest stored frame. A
// tenant with no frames at all gets a window ending now, which aggregates
// to an empty report.
func resolveWindow(agg *session.Aggregator, cfg *config.Config, tenantID, startStr, stopStr string, latest time.Duration) (time.Time, time.Time, error) {
	if startStr != "" || stopStr != "" {
		if startStr == "" || stopStr == "" {
			return time.Time{}, time.Time{}, fmt.Errorf("-start and -stop must be given together")
		}
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -start: %w", err)
		}
		stop, err := time.Parse(time.RFC3339, stopStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -stop: %w", err)
		}
		if !stop.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("-stop must be after -start")
		}
		return start, stop, nil
	}

	duration := latest
	if duration <= 0 {
		duration = cfg.Session.DefaultDuration
	}

	w, err := agg.LatestWindow(tenantID, duration)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if w.Stop.IsZero() {
		stop := time.Now()
		return stop.Add(-duration), stop, nil
	}
	return w.Start, w.Stop, nil
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
