// Command weaved runs the agentic chat runtime server: one WebSocket
// endpoint, one Session per connection, each driving its own
// interaction loop against a configured model provider.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"weave/internal/config"
	"weave/internal/llmstream"
	"weave/internal/logging"
	"weave/internal/session"
	"weave/internal/transport"
)

var (
	configPath string
	addr       string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "weaved",
	Short: "Run the agentic chat runtime server",
	Long: `weaved serves the markdown wire protocol described in spec §6 over
WebSocket: every connection gets its own Session, interpreter, and set of
reactive registries, driven by one interaction loop per conversation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("weaved: building logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to weave.yaml (defaults are used if omitted)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Listen address, overrides the config file and WEAVE_ADDR")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("weaved: loading config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if cfg.Verbose && !verbose {
		if logger, err = logging.New(true); err != nil {
			return fmt.Errorf("weaved: building logger: %w", err)
		}
	}

	provider, closeProvider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	defer closeProvider()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	var nextSessionID atomic.Int64
	sessions := newSessionRegistry()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		id := fmt.Sprintf("sess-%d", nextSessionID.Add(1))
		handleConnection(r.Context(), id, ws, provider, cfg, sessions)
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Int("activeSessions", sessions.len()))
		// srv.Shutdown only waits out idle HTTP connections; a websocket
		// upgrade hijacks its connection, so each live session is stopped
		// directly rather than relying on the server to notice it.
		sessions.stopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// sessionRegistry tracks every connection's *session.Session for the
// shutdown path: net/http's graceful Shutdown doesn't track hijacked
// (websocket-upgraded) connections, so draining in-flight sessions has
// to be done explicitly.
type sessionRegistry struct {
	mu   sync.Mutex
	byID map[string]*session.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byID: make(map[string]*session.Session)}
}

func (r *sessionRegistry) add(id string, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = s
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *sessionRegistry) stopAll() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// deferredSink forwards log_line envelopes to a *session.Session that
// doesn't exist yet at the point the logger needs a sink: session.New
// itself takes the logger that's meant to forward through the session
// it's about to build. bind fills in the real sink once construction
// succeeds; SendLogLine is a no-op before that.
type deferredSink struct {
	sess *session.Session
}

func (d *deferredSink) bind(s *session.Session) { d.sess = s }

func (d *deferredSink) SendLogLine(p transport.LogLinePayload) {
	if d.sess != nil {
		d.sess.SendLogLine(p)
	}
}

func handleConnection(ctx context.Context, id string, ws *websocket.Conn, provider llmstream.Provider, cfg config.Config, sessions *sessionRegistry) {
	conn := transport.NewConn(ws)
	sink := &deferredSink{}
	sessLogger := logging.WithSink(logger.With(zap.String("sessionId", id)), sink)

	sess, err := session.New(id, conn, provider, defaultSystemPrompt, cfg, sessLogger, nil)
	if err != nil {
		sessLogger.Error("failed to build session", zap.Error(err))
		_ = conn.Close()
		return
	}
	sink.bind(sess)
	sessions.add(id, sess)
	defer sessions.remove(id)
	defer sess.Close()
	defer conn.Close()

	if err := sess.SendSession([]string{"markdown-v1"}); err != nil {
		sessLogger.Warn("failed to send session envelope", zap.Error(err))
		return
	}

	if err := sess.Serve(ctx); err != nil {
		sessLogger.Info("session ended", zap.Error(err))
	}
}

const defaultSystemPrompt = `You are an agentic assistant speaking in the weave markdown wire
protocol: prose streams directly to the client, and fenced blocks headered
"tsx agent.run" or "json agent.data => \"id\"" drive the client's reactive
state and UI mounts.`

func buildProvider(cfg config.Config) (llmstream.Provider, func(), error) {
	switch cfg.LLM.Provider {
	case "fake":
		return llmstream.NewFakeProvider(), func() {}, nil
	case "gemini", "genai", "":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p, err := llmstream.NewGenAIProvider(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("weaved: building genai provider: %w", err)
		}
		return p, func() { _ = p.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("weaved: unknown llm provider %q", cfg.LLM.Provider)
	}
}
