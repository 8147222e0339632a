package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"visualroad.ai/internal/benchmark/queries"
	"visualroad.ai/internal/benchmark/verify"
	"visualroad.ai/internal/scenario/driver"
	"visualroad.ai/internal/scenario/tuning"
	"visualroad.ai/internal/video"
)

func main() {
	var (
		validate   = flag.String("validate", strings.Join(verify.AllQueries, ","), "comma separated query families to validate")
		queryPath  = flag.String("queries", "", "query document produced by the queries command")
		datasetDir = flag.String("dataset", "", "dataset directory")
		resultPath = flag.String("results", "", "results YAML listing the result video of every instance")
		threshold  = flag.Float64("threshold", 0, "minimum PSNR in dB (0 uses tuning)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml")
		ffmpeg     = flag.String("ffmpeg", "ffmpeg", "ffmpeg binary used to decode encoded videos")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[verify] ", log.LstdFlags|log.Lmicroseconds)

	if *queryPath == "" || *datasetDir == "" || *resultPath == "" {
		fmt.Fprintln(flag.CommandLine.Output(), "-queries, -dataset and -results are required")
		flag.PrintDefaults()
		os.Exit(2)
	}
	dir, err := driver.ResolveOutput(*datasetDir)
	if err != nil {
		logger.Fatalf("dataset path: %v", err)
	}
	doc, err := queries.LoadFile(*queryPath)
	if err != nil {
		logger.Fatalf("load queries: %v", err)
	}
	results, err := verify.LoadResults(*resultPath)
	if err != nil {
		logger.Fatalf("load results: %v", err)
	}

	th := *threshold
	if th <= 0 {
		tune, err := tuning.Load(*tuningPath)
		if err != nil {
			logger.Fatalf("load tuning: %v", err)
		}
		th = tune.LosslessPSNRThreshold
	}

	var ids []string
	for _, id := range strings.Split(*validate, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	env := verify.Env{
		Dir:       dir,
		Source:    video.Transcoder{FFmpeg: *ffmpeg, Logger: logger},
		Threshold: th,
	}
	rep, err := verify.Run(ctx, env, ids, doc, results, logger)
	cancel()
	if err != nil {
		logger.Fatalf("verify: %v", err)
	}

	failed := 0
	for _, o := range rep.Outcomes {
		if !o.Pass {
			failed++
		}
	}
	logger.Printf("%d instances checked, %d failed, %d families skipped", len(rep.Outcomes), failed, len(rep.Skipped))
	if !rep.Passed() {
		os.Exit(1)
	}
}
