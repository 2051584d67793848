// Command chatrelay runs the ticket-gated chat relay.
//
// It supports two commands:
//  1. "serve" (default) – runs the HTTP server exposing the WebSocket chat
//     endpoint, the client and status endpoints, /metrics and an /mcp endpoint
//  2. "mcp" – runs an MCP stdio server with operator tools that proxy to a
//     running relay
//
// Settings come from the environment (see package chat/config), optionally
// seeded from a .env file. Flags override the listen address, enable debug
// logging and an optional ngrok tunnel for development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/mcp-training/chatrelay/api"
	"github.com/wricardo/mcp-training/chatrelay/chat/admission"
	"github.com/wricardo/mcp-training/chatrelay/chat/config"
	"github.com/wricardo/mcp-training/chatrelay/chat/logging"
	"github.com/wricardo/mcp-training/chatrelay/chat/metrics"
	"github.com/wricardo/mcp-training/chatrelay/chat/session"
	"github.com/wricardo/mcp-training/chatrelay/chat/status"
	"github.com/wricardo/mcp-training/chatrelay/chat/store"
	"github.com/wricardo/mcp-training/chatrelay/transport/mcp"
	"github.com/wricardo/mcp-training/chatrelay/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Chat Relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "chatrelay",
		Usage:   "ticket-gated WebSocket chat relay",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides CHAT_ADDR",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "additional dotenv file to load before reading settings",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "ngrok",
				Usage: "expose the relay through an ngrok tunnel (or NGROK_ENABLED=true)",
			},
			&cli.StringFlag{
				Name:  "ngrok-domain",
				Usage: "custom ngrok domain (or NGROK_DOMAIN)",
			},
			&cli.StringFlag{
				Name:  "ngrok-auth",
				Usage: "ngrok auth token (or NGROK_AUTHTOKEN)",
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the chat relay (default)",
				Action: runServe,
			},
			{
				Name:   "mcp",
				Usage:  "run an MCP stdio server with operator tools for a running relay",
				Action: runMCP,
			},
		},
	}
}

// loadSettings reads the configuration and builds the logger, applying the
// command-line overrides.
func loadSettings(cmd *cli.Command) (config.Config, zerolog.Logger, error) {
	if err := loadEnvFile(cmd.String("env-file")); err != nil {
		return config.Config{}, zerolog.Nop(), err
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if cmd.IsSet("addr") {
		cfg.Addr = cmd.String("addr")
	}
	if cmd.Bool("debug") {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, logger, nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. An empty path or a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// relay is the wired application: the hub and the HTTP handler serving it.
type relay struct {
	hub     *websocket.Hub
	handler http.Handler
}

// newRelay wires stores, admission, status, metrics, the hub and the HTTP
// routes around rdb.
func newRelay(cfg config.Config, rdb redis.Cmdable, logger zerolog.Logger) *relay {
	m := metrics.New()

	tickets := store.NewTicketStore(rdb, cfg.Keys)
	gateway := admission.NewGateway(tickets, m, logger, cfg.StoreTimeout)
	publisher := status.NewPublisher(store.NewStatusStore(rdb, cfg.Keys.Status), cfg.SoftCap, cfg.MaxCap, m, logger, cfg.StoreTimeout)

	hub := websocket.NewHub(websocket.Options{
		Registry:              session.NewRegistry(),
		Gateway:               gateway,
		Publisher:             publisher,
		Metrics:               m,
		Logger:                logger.With().Str("component", "hub").Logger(),
		IdleTimeout:           cfg.IdleTimeout,
		SweepInterval:         cfg.SweepInterval,
		StatusRefreshInterval: cfg.StatusRefreshInterval,
		MaxMessageSize:        cfg.MaxMessageSize,
	})

	apiServer := api.NewServer(hub, publisher, m.Handler())
	mcpClient := mcp.NewClient(localURL(cfg.Addr))

	// Main router combines the API and the MCP endpoint
	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)
	mainRouter.HandleFunc("/mcp", mcpHandler(mcpClient))

	return &relay{hub: hub, handler: mainRouter}
}

// mcpHandler serves single MCP JSON-RPC messages over HTTP POST.
func mcpHandler(client *mcp.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := client.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	}
}

// localURL turns a listen address into a URL reachable from this host.
func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}

// runServe starts the relay and blocks until SIGINT/SIGTERM, then closes
// every session with 1001 going away and drains the HTTP server.
func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", Version).Str("addr", cfg.Addr).Msgf("starting %s", AppName)

	rdb, err := store.Connect(ctx, cfg.RedisURL, cfg.StoreTimeout)
	if rdb == nil {
		return err
	}
	defer rdb.Close()
	if err != nil {
		logger.Warn().Err(err).Msg("redis is not reachable yet, admissions will fail until it is")
	}

	app := newRelay(cfg, rdb, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.hub.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().
			Str("websocket", fmt.Sprintf("ws://%s/gameserver/?ticketId=<ticket>", strings.TrimPrefix(localURL(cfg.Addr), "http://"))).
			Str("mcp", localURL(cfg.Addr)+"/mcp").
			Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	if ngrokEnabled(cmd) {
		g.Go(func() error {
			runNgrok(gctx, cmd, app.handler, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func ngrokEnabled(cmd *cli.Command) bool {
	if cmd.Bool("ngrok") {
		return true
	}
	v := os.Getenv("NGROK_ENABLED")
	return v == "true" || v == "1"
}

// runNgrok serves handler through an ngrok tunnel until ctx is done.
// Tunnel failures are logged; they never stop the relay.
func runNgrok(ctx context.Context, cmd *cli.Command, handler http.Handler, logger zerolog.Logger) {
	authToken := cmd.String("ngrok-auth")
	if authToken == "" {
		authToken = os.Getenv("NGROK_AUTHTOKEN")
		if authToken == "" {
			authToken = os.Getenv("NGROK_AUTH_TOKEN")
		}
	}
	if authToken == "" {
		logger.Warn().Msg("ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN)")
		return
	}

	domain := cmd.String("ngrok-domain")
	if domain == "" {
		domain = os.Getenv("NGROK_DOMAIN")
	}

	var tunnel ngrokConfig.Tunnel
	if domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		logger.Error().Err(err).Msg("failed to start ngrok tunnel")
		return
	}
	go func() {
		<-ctx.Done()
		tun.Close()
	}()

	ngrokURL := tun.URL()
	logger.Info().
		Str("url", ngrokURL).
		Str("websocket", strings.Replace(ngrokURL, "https://", "wss://", 1)+"/gameserver/?ticketId=<ticket>").
		Msg("ngrok tunnel established")

	if err := http.Serve(tun, handler); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("ngrok server error")
	}
	logger.Info().Msg("ngrok tunnel closed")
}

// runMCP serves the operator tools over stdio against the relay at the
// configured address. Logs go to stderr so stdout stays the MCP channel.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	baseURL := localURL(cfg.Addr)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(baseURL + "/health"); err != nil {
		logger.Warn().Err(err).Str("relay", baseURL).Msg("relay not reachable, tools will report errors until it is")
	} else {
		resp.Body.Close()
		logger.Info().Str("relay", baseURL).Msg("using relay")
	}

	mcpClient := mcp.NewClient(baseURL)
	logger.Info().Msg("MCP stdio server ready")
	return server.ServeStdio(mcpClient.GetMCPServer())
}
