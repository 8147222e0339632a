package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"visualroad.ai/internal/benchmark/queries"
	"visualroad.ai/internal/persistence/manifest"
	"visualroad.ai/internal/scenario/driver"
	"visualroad.ai/internal/scenario/tuning"
)

func main() {
	var (
		seed       = flag.Int64("seed", 0, "random number generator seed (0: current time)")
		perTile    = flag.Int("per_tile", 0, "instances per tile and family (0 uses tuning)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml")
		platesDir  = flag.String("plates", "", "directory of licence plate textures")
		out        = flag.String("out", "", "write the query document here instead of stdout")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <dataset path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := log.New(os.Stderr, "[queries] ", log.LstdFlags|log.Lmicroseconds)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	dir, err := driver.ResolveOutput(flag.Arg(0))
	if err != nil {
		logger.Fatalf("dataset path: %v", err)
	}
	m, err := manifest.Load(dir)
	if err != nil {
		logger.Fatalf("load manifest: %v", err)
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	n := *perTile
	if n <= 0 {
		n = tune.QueriesPerTile
	}

	plates, err := queries.LoadPlates(*platesDir)
	if err != nil {
		logger.Fatalf("load plates: %v", err)
	}

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	gen, err := queries.NewGenerator(rand.New(rand.NewSource(s)), queries.FromManifest(m), plates, n)
	if err != nil {
		logger.Fatalf("query generator: %v", err)
	}
	doc := gen.Generate(filepath.Base(dir))
	b, err := queries.Encode(doc)
	if err != nil {
		logger.Fatalf("encode queries: %v", err)
	}

	if *out == "" {
		_, _ = os.Stdout.Write(b)
		return
	}
	if err := os.WriteFile(*out, b, 0o644); err != nil {
		logger.Fatalf("write %s: %v", *out, err)
	}
	logger.Printf("wrote %d families to %s (seed=%d)", len(doc.Batches), *out, s)
}
