package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"visualroad.ai/internal/scenario/driver"
	"visualroad.ai/internal/video"
)

func main() {
	var (
		ffmpeg  = flag.String("ffmpeg", "ffmpeg", "ffmpeg binary")
		codec   = flag.String("codec", "", "ffmpeg video codec (default h264)")
		keepRaw = flag.Bool("keep_raw", false, "keep raw frame streams after transcoding")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <dataset path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := log.New(os.Stdout, "[transcode] ", log.LstdFlags|log.Lmicroseconds)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	dir, err := driver.ResolveOutput(flag.Arg(0))
	if err != nil {
		logger.Fatalf("dataset path: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	t := video.Transcoder{FFmpeg: *ffmpeg, Codec: *codec, KeepRaw: *keepRaw, Logger: logger}
	videos, err := t.TranscodeDir(ctx, dir)
	cancel()
	logger.Printf("transcoded %d videos", len(videos))
	if err != nil {
		logger.Fatalf("transcode: %v", err)
	}
}
