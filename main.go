package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/KostasNoreika/claude-studio/internal/breaker"
	"github.com/KostasNoreika/claude-studio/internal/config"
	"github.com/KostasNoreika/claude-studio/internal/console"
	"github.com/KostasNoreika/claude-studio/internal/database"
	"github.com/KostasNoreika/claude-studio/internal/duplex"
	"github.com/KostasNoreika/claude-studio/internal/handlers"
	"github.com/KostasNoreika/claude-studio/internal/logging"
	"github.com/KostasNoreika/claude-studio/internal/middleware"
	"github.com/KostasNoreika/claude-studio/internal/orchestrator"
	"github.com/KostasNoreika/claude-studio/internal/preview"
	"github.com/KostasNoreika/claude-studio/internal/protocol"
	"github.com/KostasNoreika/claude-studio/internal/ratelimit"
	"github.com/KostasNoreika/claude-studio/internal/session"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "claude-studio",
	Short: "Ephemeral sandboxed compute sessions with live preview",
	Long:  "claude-studio runs disposable container sessions with an interactive shell channel, a secure preview proxy, and console capture.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session service",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var (
	attachServer    string
	attachImage     string
	attachWorkspace string
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Open an interactive session against a running service",
	Long:  "Dials the duplex channel, creates a session, and bridges the local terminal to the sandbox shell.",
	RunE:  runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachServer, "server", "ws://localhost:8000/ws", "duplex channel URL")
	attachCmd.Flags().StringVar(&attachImage, "image", "node:20-alpine", "sandbox image")
	attachCmd.Flags().StringVar(&attachWorkspace, "workspace", "/workspace/default", "workspace directory inside the sandbox")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	brk := breaker.New(breaker.Config{
		FailureThreshold: config.Cfg.BreakerFailureThreshold,
		SuccessThreshold: config.Cfg.BreakerSuccessThreshold,
		ResetTimeout:     config.Cfg.BreakerResetTimeout,
		OnStateChange: func(from, to breaker.State) {
			log.Printf("[breaker] %s -> %s", from, to)
		},
	})

	duplex.Tune(config.Cfg.HeartbeatInterval, config.Cfg.ReconnectBaseDelay, config.Cfg.ReconnectMaxAttempts)

	gateway := orchestrator.NewDockerGateway(brk)
	ctx := context.Background()
	if err := gateway.Initialize(ctx); err != nil {
		return fmt.Errorf("docker gateway init: %w", err)
	}

	sessions := session.NewManager(gateway, session.Config{
		CapPerClient: config.Cfg.SessionCapPerClient,
		IdleTimeout:  config.Cfg.SessionIdleTimeout,
	})
	sessions.Reconcile(ctx)

	limiter := ratelimit.New(ratelimit.Config{
		Limits: map[ratelimit.Class]ratelimit.Limit{
			ratelimit.ClassGeneral:          {Rate: config.Cfg.RateGeneral, Burst: config.Cfg.RateGeneralBurst},
			ratelimit.ClassLifecycle:        {Rate: config.Cfg.RateLifecycle, Burst: config.Cfg.RateLifecycleBurst},
			ratelimit.ClassPreviewConfigure: {Rate: config.Cfg.RatePreviewCfg, Burst: config.Cfg.RatePreviewCfgBurst},
			ratelimit.ClassConnect:          {Rate: config.Cfg.RateConnect, Burst: config.Cfg.RateConnectBurst},
		},
		IdleExpiry: config.Cfg.RateBucketIdleExpiry,
	})

	policy, err := preview.LoadPolicy(config.Cfg.PreviewPortPolicyPath)
	if err != nil {
		return fmt.Errorf("preview policy: %w", err)
	}
	proxy := preview.NewProxy(sessions, policy, preview.Config{
		PublicBase:   config.Cfg.PreviewPublicBase,
		MaxBodyBytes: config.Cfg.PreviewMaxBodyBytes,
		CSPMode:      config.Cfg.PreviewCSPMode,
	})

	hub := console.NewHub(config.Cfg.ConsoleMaxQueueAge)

	handlers.Sessions = sessions
	handlers.Preview = proxy
	handlers.Console = hub
	handlers.Limiter = limiter
	handlers.Gateway = gateway
	handlers.StartTime = time.Now()

	// Background sweeps share one scheduler.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.SessionSweepSpec, func() {
		if n := sessions.Sweep(context.Background()); n > 0 {
			log.Printf("[sweep] removed %d idle sessions", n)
		}
	}); err != nil {
		return fmt.Errorf("session sweep schedule: %w", err)
	}
	scheduler.AddFunc("@every 5m", func() { limiter.Sweep() })
	scheduler.AddFunc("@every 1m", func() { hub.Sweep() })
	scheduler.Start()
	defer scheduler.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.RateLimit(limiter, ratelimit.ClassGeneral)).Get("/health", handlers.HealthCheck)

		r.Route("/containers", func(r chi.Router) {
			r.With(middleware.RateLimit(limiter, ratelimit.ClassLifecycle)).Post("/", handlers.CreateContainer)
			r.With(middleware.RateLimit(limiter, ratelimit.ClassGeneral)).Get("/", handlers.ListContainers)
			r.With(middleware.RateLimit(limiter, ratelimit.ClassGeneral)).Get("/{sessionId}", handlers.GetContainer)
			r.With(middleware.RateLimit(limiter, ratelimit.ClassLifecycle)).Delete("/{sessionId}", handlers.DeleteContainer)
		})

		r.With(middleware.RateLimit(limiter, ratelimit.ClassPreviewConfigure)).
			Post("/preview/configure", handlers.ConfigurePreview)
		r.With(middleware.RateLimit(limiter, ratelimit.ClassGeneral)).
			Post("/console", handlers.ConsolePush)
	})

	r.With(middleware.RateLimit(limiter, ratelimit.ClassGeneral)).
		Get("/preview/{sessionId}/*", handlers.PreviewForward)
	r.Get("/ws", handlers.SessionChannel)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("claude-studio %s listening on %s", version, config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	handlers.ShutdownChannels("server restarting", 2*time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	return nil
}

// runAttach drives the engine from the dialing side: create a session,
// print output frames, forward stdin lines as input frames.
func runAttach(cmd *cobra.Command, args []string) error {
	engine := duplex.NewClient(func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, attachServer, nil)
		return conn, err
	})

	done := make(chan struct{})
	var finish sync.Once
	var sessionID string
	ready := make(chan string, 1)

	engine.Subscribe(string(protocol.TypeConnected), func(event any) {
		ready <- event.(*protocol.Connected).SessionID
	})
	engine.Subscribe(string(protocol.TypeOutput), func(event any) {
		fmt.Print(event.(*protocol.Output).Data)
	})
	engine.Subscribe(string(protocol.TypeError), func(event any) {
		e := event.(*protocol.Error)
		fmt.Fprintf(os.Stderr, "error [%s]: %s (retryable=%v)\n", e.Error, e.Message, e.Retryable)
	})
	engine.Subscribe(string(protocol.TypeExit), func(event any) {
		e := event.(*protocol.Exit)
		fmt.Fprintf(os.Stderr, "shell exited (code %d)\n", e.Code)
		finish.Do(func() { close(done) })
	})
	engine.Subscribe(string(protocol.TypePreviewReady), func(event any) {
		fmt.Fprintf(os.Stderr, "preview ready: %s\n", event.(*protocol.PreviewReady).PreviewURL)
	})
	engine.Subscribe(string(protocol.TypeReconnect), func(event any) {
		r := event.(*protocol.Reconnect)
		fmt.Fprintf(os.Stderr, "server asked us to reconnect in %dms: %s\n", r.Delay, r.Reason)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer engine.Disconnect()

	if err := engine.Send(ctx, protocol.NewCreate(attachImage, attachWorkspace)); err != nil {
		return err
	}

	select {
	case sessionID = <-ready:
		fmt.Fprintf(os.Stderr, "session %s ready\n", sessionID)
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("timed out waiting for session")
	case <-done:
		return fmt.Errorf("session ended before it was ready")
	}

	// Bridge stdin to input frames.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := engine.Send(sctx, protocol.NewInput(sessionID, scanner.Text()+"\n"))
			scancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				return
			}
		}
		finish.Do(func() { close(done) })
	}()

	<-done
	return nil
}
