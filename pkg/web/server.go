// Package web is the host shell around the capture flow: a REST API, a
// websocket command channel, and event and live preview streams for
// browser clients. Confirmed frames land in named image slots.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	cws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-snapcam/pkg/camera"
	"github.com/teslashibe/go-snapcam/pkg/capture"
	"github.com/teslashibe/go-snapcam/pkg/hub"
	"github.com/teslashibe/go-snapcam/pkg/ocr"
	"github.com/teslashibe/go-snapcam/pkg/protocol"
	"github.com/teslashibe/go-snapcam/pkg/video"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8090"

// Server is the capture web server.
type Server struct {
	app    *fiber.App
	addr   string
	origin string
	logger *slog.Logger

	capture *capture.Manager
	camera  *camera.Manager
	ocr     *ocr.Client
	slots   *Slots
	inline  bool
	verbose bool

	// Hubs for websocket broadcast
	events  *hub.Hub
	preview *hub.Hub

	// WebRTC preview peers
	rtc        *video.Publisher
	iceServers []string

	mu      sync.Mutex
	current *sessionHost
	base    context.Context

	ocrJobs sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithCamera sets the runtime camera settings exposed at /api/camera.
func WithCamera(m *camera.Manager) Option {
	return func(s *Server) { s.camera = m }
}

// WithOCR forwards confirmed frames to an OCR endpoint.
func WithOCR(c *ocr.Client) Option {
	return func(s *Server) { s.ocr = c }
}

// WithInlineFrames includes data URIs in confirmed events.
func WithInlineFrames(inline bool) Option {
	return func(s *Server) { s.inline = inline }
}

// WithRequestLog logs every HTTP request.
func WithRequestLog(enabled bool) Option {
	return func(s *Server) { s.verbose = enabled }
}

// WithAllowOrigins sets the CORS allow list, comma separated.
func WithAllowOrigins(origins string) Option {
	return func(s *Server) { s.origin = origins }
}

// WithICEServers sets the STUN/TURN servers offered to WebRTC preview
// peers.
func WithICEServers(urls []string) Option {
	return func(s *Server) { s.iceServers = urls }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates the server over a capture manager.
func NewServer(mgr *capture.Manager, opts ...Option) *Server {
	s := &Server{
		addr:    DefaultAddr,
		origin:  "*",
		logger:  slog.Default(),
		capture: mgr,
		slots:   NewSlots(),
		base:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.camera == nil {
		s.camera = camera.NewManager(camera.DefaultConfig())
	}
	s.logger = s.logger.With("component", "web")
	s.events = hub.New("events", s.logger)
	s.preview = hub.New("preview", s.logger)
	s.rtc = video.NewPublisher(video.WithICEServers(s.iceServers...), video.WithLogger(s.logger))

	app := fiber.New(fiber.Config{
		AppName:               "snapcam",
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: s.origin,
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if s.verbose {
		app.Use(fiberlog.New())
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/devices", s.handleListDevices)
	api.Delete("/devices/selection", s.handleForgetSelection)

	api.Post("/session", s.handleStartSession)
	api.Get("/session", s.handleGetSession)
	api.Get("/session/preview", s.handlePreview)
	api.Post("/session/capture", s.handleCapture)
	api.Post("/session/retake", s.handleRetake)
	api.Post("/session/confirm", s.handleConfirm)
	api.Post("/session/cancel", s.handleCancel)
	api.Post("/session/device", s.handleSwitchDevice)
	api.Post("/session/facing", s.handleSwitchFacing)

	api.Post("/preview/offer", s.handlePreviewOffer)
	api.Delete("/preview/peers/:id", s.handleRemovePeer)

	api.Get("/slots", s.handleListSlots)
	api.Get("/slots/:slot", s.handleGetSlot)
	api.Get("/slots/:slot/info", s.handleSlotInfo)
	api.Delete("/slots/:slot", s.handleClearSlot)

	api.Get("/camera", s.handleGetCamera)
	api.Patch("/camera", s.handleUpdateCamera)
	api.Get("/camera/presets", s.handleCameraPresets)

	api.Get("/policy", s.handleGetPolicy)
	api.Put("/policy", s.handleSetPolicy)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/events", websocket.New(s.handleEventsWS))
	app.Get("/ws/preview", websocket.New(s.handlePreviewWS))
	app.Get("/ws/control", cws.New(s.handleControlWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Slots returns the image slots.
func (s *Server) Slots() *Slots {
	return s.slots
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts the app down and waits for
// in-flight OCR requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	go s.events.Run(ctx)
	go s.preview.Run(ctx)
	go s.streamPreview(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	err := s.app.ShutdownWithTimeout(5 * time.Second)
	if cerr := s.rtc.Close(); cerr != nil {
		s.logger.Debug("closing preview peers", "error", cerr)
	}
	s.ocrJobs.Wait()
	return err
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// broadcast sends msg to every /ws/events client.
func (s *Server) broadcast(msg *protocol.Message, err error) {
	if err != nil {
		s.logger.Error("failed to build event", "error", err)
		return
	}
	if err := s.events.BroadcastJSON(msg); err != nil {
		s.logger.Error("failed to broadcast event", "type", msg.Type, "error", err)
	}
}

// streamPreview pushes JPEGs of the live stream to /ws/preview clients and
// WebRTC peers at the configured preview rate.
func (s *Server) streamPreview(ctx context.Context) {
	for {
		fps := s.camera.GetConfig().PreviewFPS
		wait := time.Second
		if fps > 0 {
			wait = time.Second / time.Duration(fps)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if fps == 0 || (s.preview.ClientCount() == 0 && s.rtc.Ready() == 0) {
			continue
		}
		sess := s.capture.Active()
		if sess == nil {
			continue
		}
		data, err := sess.Preview()
		if err != nil {
			if !errors.Is(err, capture.ErrSessionClosed) {
				s.logger.Debug("preview failed", "error", err)
			}
			continue
		}
		if data != nil {
			s.preview.BroadcastBinary(data)
			s.rtc.Broadcast(data)
		}
	}
}
