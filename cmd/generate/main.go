package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/engine/wsclient"
	"visualroad.ai/internal/launcher"
	persistlog "visualroad.ai/internal/persistence/log"
	"visualroad.ai/internal/protocol"
	"visualroad.ai/internal/scenario/catalogs"
	"visualroad.ai/internal/scenario/driver"
	"visualroad.ai/internal/scenario/tuning"
	"visualroad.ai/internal/video"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	var (
		scale       = fs.Int("scale", 1, "dataset scale value")
		width       = fs.Int("width", 960, "camera resolution width in pixels")
		height      = fs.Int("height", 540, "camera resolution height in pixels")
		duration    = fs.Int("duration", 30, "recording duration per tile in seconds")
		seed        = fs.Int64("seed", 0, "random number generator seed")
		vehicles    = fs.Int("vehicles", -1, "force the number of vehicles per tile (-1 keeps the drawn value)")
		pedestrians = fs.Int("pedestrians", -1, "force the number of pedestrians per tile (-1 keeps the drawn value)")
		fov         = fs.Float64("fov", 0, "field of view of panoramic cameras (0 uses tuning)")
		hostname    = fs.String("hostname", "localhost", "engine hostname")
		port        = fs.Int("port", 2000, "engine port")
		timeout     = fs.Int("timeout", 150, "engine request timeout in seconds")

		configDir   = fs.String("configs", "./configs", "config directory")
		catalogPath = fs.String("catalog", "", "path to catalog.yaml (default: <configs>/catalog.yaml)")
		tuningPath  = fs.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")

		engineCmd   = fs.String("engine_cmd", "", "engine command to launch, {seed} and {port} are substituted (empty: engine is managed externally)")
		noTranscode = fs.Bool("no_transcode", false, "leave raw frame streams in place")
		keepRaw     = fs.Bool("keep_raw", false, "keep raw frame streams after transcoding")
		ffmpeg      = fs.String("ffmpeg", "ffmpeg", "ffmpeg binary")
		disableDB   = fs.Bool("disable_db", false, "disable the run index")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] <dataset path>\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.New(os.Stdout, "[generate] ", log.LstdFlags|log.Lmicroseconds)

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	dir, err := driver.ResolveOutput(fs.Arg(0))
	if err != nil {
		logger.Printf("output path: %v", err)
		return 1
	}

	cp := strings.TrimSpace(*catalogPath)
	if cp == "" {
		cp = filepath.Join(*configDir, "catalog.yaml")
	}
	cat, err := catalogs.Load(cp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Printf("load catalog: %v", err)
			return 1
		}
		logger.Printf("catalog not found (%s); using defaults", cp)
		cat = catalogs.Defaults()
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Printf("load tuning: %v", err)
			return 1
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	cfg := driver.Config{
		Dir:          dir,
		Scale:        *scale,
		Size:         video.Size{Width: *width, Height: *height},
		Duration:     *duration,
		PanoramicFOV: *fov,
		Seed:         *seed,
		Hostname:     *hostname,
		Port:         *port,
		Timeout:      *timeout,
		Catalog:      cat,
		Tuning:       tune,
	}
	if *vehicles >= 0 {
		cfg.Vehicles = vehicles
	}
	if *pedestrians >= 0 {
		cfg.Pedestrians = pedestrians
	}

	addr := net.JoinHostPort(*hostname, strconv.Itoa(*port))
	var l launcher.Launcher = launcher.External{Addr: addr, Timeout: time.Duration(*timeout) * time.Second}
	if fields := strings.Fields(*engineCmd); len(fields) > 0 {
		p, err := launcher.NewProcess(launcher.Config{
			Command: fields,
			Addr:    addr,
			Stdout:  os.Stdout,
			Stderr:  os.Stderr,
			Logger:  logger,
		})
		if err != nil {
			logger.Printf("engine launcher: %v", err)
			return 1
		}
		l = p
	}

	connect := func(ctx context.Context) (engine.Engine, error) {
		return wsclient.Dial(ctx, wsclient.Config{
			URL:     "ws://" + addr + protocol.EnginePath,
			Timeout: time.Duration(*timeout) * time.Second,
			Logger:  logger,
		})
	}

	d := driver.New(cfg, l, connect, video.FileOpener{}, logger)
	if !*noTranscode {
		d.Transcoder = video.Transcoder{FFmpeg: *ffmpeg, KeepRaw: *keepRaw, Logger: logger}
	}

	telemetry := persistlog.NewProgressLogger(dir)
	defer telemetry.Close()
	d.Telemetry = telemetry

	idx, err := openIndex(dir, *disableDB, logger)
	if err != nil {
		logger.Printf("open index backend: %v", err)
		return 1
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertConfig(cat, tune); err != nil {
			logger.Printf("index config: %v", err)
		}
		d.Index = idx
	}

	mirror, err := buildMirror(dir, logger)
	if err != nil {
		logger.Printf("mirror: %v", err)
		return 1
	}
	if mirror != nil {
		d.Mirror = mirror
	}

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := d.Run(ctx)
	defer func() {
		if idx != nil {
			st := idx.Stats()
			logger.Printf("index queue depth=%d/%d dropped=%d flush_fail=%d write_err=%d",
				st.QueueDepth, st.QueueCapacity, st.QueueDroppedTotal, st.FlushFailTotal, st.WriteErrTotal)
		}
		if mirror != nil {
			st := mirror.Stats()
			logger.Printf("mirror enqueued=%d uploaded=%d failed=%d skipped=%d",
				st.EnqueuedTotal, st.UploadSuccessTotal, st.UploadFailTotal, st.SkippedTotal)
		}
	}()
	if err != nil {
		logger.Printf("generation failed: %v", err)
		if mirror != nil {
			// Run only drains the mirror on success.
			_ = mirror.Wait()
		}
		return 1
	}
	logger.Printf("generated %d tiles into %s run=%s videos=%d", len(rep.Tiles), dir, rep.RunID, len(rep.Videos))
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
