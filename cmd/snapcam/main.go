// snapcam: camera capture service
// Opens a local camera, streams a live preview to the browser and hands
// confirmed stills to an OCR endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-snapcam/internal/config"
	"github.com/teslashibe/go-snapcam/internal/log"
	"github.com/teslashibe/go-snapcam/pkg/camera"
	"github.com/teslashibe/go-snapcam/pkg/capture"
	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/ocr"
	"github.com/teslashibe/go-snapcam/pkg/platform/mock"
	"github.com/teslashibe/go-snapcam/pkg/platform/opencv"
	"github.com/teslashibe/go-snapcam/pkg/stream"
	"github.com/teslashibe/go-snapcam/pkg/web"
)

var version = "0.3.0"

// platform is what the service needs from a camera backend.
type platform interface {
	device.Enumerator
	stream.Opener
	ApplyConfig(cfg camera.Config) error
}

func main() {
	configPath := flag.String("config", os.Getenv("SNAPCAM_CONFIG"), "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP port (overrides config and SNAPCAM_PORT)")
	mockCamera := flag.Bool("mock-camera", false, "Use in-memory cameras instead of /dev/video*")
	policy := flag.String("policy", "", "Capture policy: modal, inline, device_first")
	debug := flag.Bool("debug", false, "Enable debug logging and request logs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *mockCamera {
		cfg.Camera.Mock = true
	}
	if *policy != "" {
		cfg.Capture.Policy = *policy
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Setup(cfg.Log.Level, cfg.Log.JSON || os.Getenv("GO_ENV") == "production")
	logger := log.L()

	fmt.Println()
	fmt.Println("📷 snapcam v" + version)
	fmt.Println("   Camera capture service")
	fmt.Println()

	// Camera backend
	var plat platform
	if cfg.Camera.Mock {
		plat = mock.New(
			device.VideoDevice{ID: "mock-front", Label: "Mock Front Camera", Facing: device.FacingFront},
			device.VideoDevice{ID: "mock-back", Label: "Mock Back Camera", Facing: device.FacingBack},
		)
		fmt.Println("🧪 Using mock cameras")
	} else {
		plat = opencv.New(
			opencv.WithDirs(cfg.Camera.DevDir, cfg.Camera.SysDir),
			opencv.WithResolution(cfg.Camera.Width, cfg.Camera.Height),
			opencv.WithFramerate(cfg.Camera.Framerate),
			opencv.WithLogger(logger),
		)
	}

	// Runtime camera settings
	cam := camera.NewManager(cfg.Camera.Config)
	cam.OnConfigChange = plat.ApplyConfig
	if err := plat.ApplyConfig(cam.GetConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Camera setup failed: %v\n", err)
		os.Exit(1)
	}

	capturer := frame.NewCapturer(
		frame.WithQualityFunc(cam.Quality),
		frame.WithPreviewQualityFunc(cam.PreviewQuality),
		frame.WithCapturerLogger(logger),
	)
	mgr := capture.NewManager(plat, plat,
		capture.WithPolicy(cfg.Policy()),
		capture.WithCapturer(capturer),
		capture.WithLogger(logger),
	)

	// Downstream OCR
	ocrClient := ocr.NewClient(
		ocr.WithURL(cfg.OCR.URL),
		ocr.WithAPIKey(cfg.OCR.APIKey),
		ocr.WithLang(cfg.OCR.Lang),
		ocr.WithDPI(cfg.OCR.DPI),
		ocr.WithTimeout(cfg.OCRTimeout()),
		ocr.WithLogger(logger),
	)
	if ocrClient.Enabled() {
		fmt.Printf("🔎 OCR: %s\n", cfg.OCR.URL)
	} else {
		fmt.Println("🔎 OCR: disabled")
	}

	devices := mgr.Registry().ListDevices(context.Background())
	fmt.Printf("🎥 Cameras: %d found, policy %s\n", len(devices), mgr.Policy().Name)
	for _, d := range devices {
		fmt.Printf("   • %s (%s)\n", d.DisplayName(), d.ID)
	}

	server := web.NewServer(mgr,
		web.WithAddr(cfg.Addr()),
		web.WithCamera(cam),
		web.WithOCR(ocrClient),
		web.WithInlineFrames(cfg.OCR.Inline),
		web.WithAllowOrigins(cfg.Server.AllowOrigins),
		web.WithICEServers(cfg.Server.ICEServers),
		web.WithRequestLog(*debug),
		web.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverCtx, stopServer := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- server.Run(serverCtx) }()

	fmt.Printf("🌐 Listening on http://localhost:%d\n", cfg.Server.Port)
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()

	select {
	case err := <-errc:
		stopServer()
		fmt.Fprintf(os.Stderr, "❌ Server error: %v\n", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	fmt.Println("\n👋 Shutting down...")

	// Release the camera first so clients see the session close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("capture shutdown incomplete", "error", err)
	}

	stopServer()
	if err := <-errc; err != nil {
		logger.Warn("server shutdown", "error", err)
	}
}
