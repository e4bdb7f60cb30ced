// Command pickpoint runs the perception-to-motion control core: it turns
// detections from an external detector process into supervised robot
// positioning moves over Modbus/TCP, and serves the operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/geo/r3"

	"github.com/eidos-vision/pickpoint/internal/api"
	"github.com/eidos-vision/pickpoint/internal/calib"
	"github.com/eidos-vision/pickpoint/internal/config"
	"github.com/eidos-vision/pickpoint/internal/fieldbus"
	"github.com/eidos-vision/pickpoint/internal/motion"
	"github.com/eidos-vision/pickpoint/internal/motiondb"
	"github.com/eidos-vision/pickpoint/internal/pipeline"
	"github.com/eidos-vision/pickpoint/internal/track"
	"github.com/eidos-vision/pickpoint/internal/version"
)

var (
	configPath   = flag.String("config", config.DefaultConfigPath, "Deployment config file (JSON)")
	listen       = flag.String("listen", ":8080", "Operator API listen address")
	detectorAddr = flag.String("detector", "-", "Detection stream: '-' for stdin or host:port")
	devMode      = flag.Bool("dev", false, "Run against a simulated controller")
)

func main() {
	flag.Parse()

	log.Printf("pickpoint %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	regs, err := cfg.RequireRegisters()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	store, err := calib.NewStore(cfg.GetCalibrationPath())
	if err != nil {
		log.Fatalf("Failed to load calibration: %v", err)
	}

	db, err := motiondb.NewDB(cfg.GetDatabasePath())
	if err != nil {
		log.Fatalf("Failed to open motion database: %v", err)
	}
	defer db.Close()

	busCfg := fieldbus.Config{
		Address:        fmt.Sprintf("%s:%d", cfg.GetRobotHost(), cfg.GetRobotPort()),
		UnitID:         byte(cfg.GetRobotUnitID()),
		CallTimeout:    cfg.GetCallTimeout(),
		ReconnectDelay: cfg.GetReconnectDelay(),
		MaxReconnects:  cfg.GetMaxReconnects(),
		Registers:      regs,
		Scale:          cfg.GetMetersToRegisterScale(),
		MoveProg:       cfg.GetMoveProgramID(),
	}

	var bus *fieldbus.Client
	if *devMode {
		log.Printf("Dev mode: using simulated controller")
		sim := fieldbus.NewSimController(regs, 2*time.Second)
		bus = fieldbus.NewClientWithConn(busCfg, sim)
	} else {
		bus = fieldbus.NewClient(busCfg)
		if err := bus.Connect(); err != nil {
			log.Fatalf("Failed to connect to controller: %v", err)
		}
	}

	home := cfg.GetHomePosition()
	tracker := track.New(track.Config{
		SmoothingAlpha:    cfg.GetSmoothingAlpha(),
		JumpThresholdM:    cfg.GetJumpThresholdM(),
		ConfirmationCount: cfg.GetConfirmationCount(),
		JitterToleranceM:  cfg.GetJitterToleranceM(),
		JitterWindow:      cfg.GetJitterWindowFrames(),
		StaleAfter:        cfg.GetStaleAfter(),
	})
	commander := motion.NewCommander(motion.Config{
		WorkspaceMin:      cfg.GetWorkspaceMin(),
		WorkspaceMax:      cfg.GetWorkspaceMax(),
		MaxReachM:         cfg.GetMaxReachM(),
		AckTimeout:        cfg.GetAckTimeout(),
		MotionTimeout:     cfg.GetMotionTimeout(),
		ArrivalToleranceM: cfg.GetArrivalToleranceM(),
		Home:              r3.Vector{X: home[0], Y: home[1], Z: home[2]},
		MaxVel:            cfg.GetMaxVelocityMS(),
		MaxAccel:          cfg.GetMaxAccelerationMS(),
	}, bus, tracker, db)
	defer commander.Close()

	detector, err := openDetector(*detectorAddr)
	if err != nil {
		log.Fatalf("Failed to open detection stream: %v", err)
	}

	pipe := pipeline.New(pipeline.Config{
		PerceptionInterval: cfg.GetPerceptionInterval(),
		PollInterval:       cfg.GetPollInterval(),
		TargetClass:        cfg.GetTargetClass(),
		MinConfidence:      cfg.GetMinConfidence(),
	}, detector, store, tracker, commander)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	api.NewServer(commander, tracker, store, db).Routes(mux)

	httpServer := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}
	go func() {
		log.Printf("Operator API listening on %s", *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("Pipeline running (detector=%s, controller=%s)", *detectorAddr, busCfg.Address)
	if err := pipe.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("Pipeline stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
}

// openDetector connects the detection stream: stdin for a piped detector
// process, or a TCP endpoint the detector publishes frames on.
func openDetector(addr string) (pipeline.Detector, error) {
	if addr == "-" {
		return pipeline.NewStreamDetector(os.Stdin), nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial detector at %s: %w", addr, err)
	}
	return pipeline.NewStreamDetector(conn), nil
}
