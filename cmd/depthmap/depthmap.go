package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lucent-vision/depthmap/internal/db"
	"github.com/lucent-vision/depthmap/internal/mapper"
	"github.com/lucent-vision/depthmap/internal/mapper/adapters"
	"github.com/lucent-vision/depthmap/internal/version"
)

var (
	listen       = flag.String("listen", ":8090", "HTTP listen address")
	dbFile       = flag.String("db", "mapper.db", "Path to the SQLite database file")
	dataDir      = flag.String("data-dir", "map_sessions", "Directory for per-session output")
	framesDir    = flag.String("frames-dir", "", "Default capture directory to watch for frames")
	inferURL     = flag.String("infer-url", "http://localhost:9020", "Base URL of the depth inference sidecar")
	chunkSize    = flag.Int("chunk-size", 120, "Frames per processing window")
	overlap      = flag.Int("overlap", 60, "Frames shared between consecutive windows")
	alignMethod  = flag.String("align", "scale+se3", "Chunk alignment method (se3, scale+se3)")
	scaleMethod  = flag.String("scale-method", "median", "Depth scale estimator for scale+se3 (median, weighted_mean)")
	confCoef     = flag.Float64("conf-coef", 0.5, "Confidence filter coefficient for emitted points")
	sampleRatio  = flag.Float64("sample-ratio", 0.3, "Random subsampling ratio for emitted points")
	loopEnable   = flag.Bool("loop", false, "Enable loop detection during finalization")
	pollInterval = flag.Duration("poll-interval", 100*time.Millisecond, "Processing worker poll interval")
	debugLog     = flag.Bool("debug", false, "Enable diagnostic logging")
	traceLog     = flag.Bool("trace", false, "Enable per-frame trace logging (very verbose)")
)

func main() {
	flag.Parse()

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	var diag, trace *os.File
	if *debugLog || *traceLog {
		diag = os.Stderr
	}
	if *traceLog {
		trace = os.Stderr
	}
	mapper.SetLogWriters(os.Stderr, diag, trace)
	log.Printf("depthmap %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	cfg := mapper.DefaultConfig()
	cfg.ChunkSize = *chunkSize
	cfg.Overlap = *overlap
	cfg.AlignMethod = mapper.AlignMethod(*alignMethod)
	cfg.ScaleComputeMethod = *scaleMethod
	cfg.ConfThresholdCoef = *confCoef
	cfg.SampleRatio = *sampleRatio
	cfg.LoopEnable = *loopEnable
	cfg.PollInterval = *pollInterval

	store := mapper.NewStore(database)
	bus := mapper.NewEventBus()

	var detector mapper.LoopDetector
	if *loopEnable {
		detector = adapters.NewHTTPLoopDetector(*inferURL, nil)
	}

	manager, err := mapper.NewManager(mapper.ManagerOptions{
		Config:   cfg,
		DataDir:  *dataDir,
		Store:    store,
		Bus:      bus,
		Adapter:  adapters.NewHTTPInference(*inferURL, nil),
		Detector: detector,
	})
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}

	ws := mapper.NewWebServer(mapper.WebServerConfig{
		Address:   *listen,
		Manager:   manager,
		Store:     store,
		Bus:       bus,
		DB:        database,
		FramesDir: *framesDir,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
		log.Print("HTTP server routine terminated")
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	if err := manager.Reset(); err != nil {
		log.Printf("Failed to stop active session: %v", err)
	}
	wg.Wait()
}
