// Package relay is the single-process server side of a session: the
// two-party signaling relay and the analysis hub that turns the
// candidate's frames into insights for the interviewer.
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures a Server.
type Options struct {
	// Mode is the gin mode: "release" or "debug".
	Mode string
	// Secret signs session cookies; empty disables the check.
	Secret     string
	CookieName string
	ReadLimit  int64
}

// Server owns the router and both hubs.
type Server struct {
	engine     *gin.Engine
	signal     *signalHub
	analysis   *analysisHub
	store      InsightStore
	classifier Classifier
}

// New builds a Server. store and classifier may be nil, which selects an
// in-memory store and the StandIn classifier.
func New(opts Options, store InsightStore, classifier Classifier) *Server {
	if store == nil {
		store = NewMemoryStore(0)
	}
	if classifier == nil {
		classifier = StandIn{}
	}
	if opts.CookieName == "" {
		opts.CookieName = "session_token"
	}

	s := &Server{
		signal:     newSignalHub(opts.ReadLimit),
		analysis:   newAnalysisHub(store, classifier, opts.ReadLimit),
		store:      store,
		classifier: classifier,
	}
	s.engine = s.setupRouter(opts)
	return s
}

func (s *Server) setupRouter(opts Options) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ws := r.Group("/ws", SessionAuth(opts.Secret, opts.CookieName))
	ws.GET("/emotion/:room", s.analysis.handleFrames)
	ws.GET("/insights/:room", s.analysis.handleInsights)
	ws.GET("/:room", s.signal.handle)

	r.GET("/emotion/status", s.status)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	log.Info().Str("module", "relay").Bool("auth", opts.Secret != "").Msg("router setup")
	return r
}

// StatusResponse is served at /emotion/status.
type StatusResponse struct {
	Service                string         `json:"service"`
	Classifier             string         `json:"classifier"`
	ActiveRooms            []string       `json:"active_rooms"`
	InterviewerConnections map[string]int `json:"interviewer_connections"`
	SignalingRooms         map[string]int `json:"signaling_rooms"`
}

func (s *Server) status(c *gin.Context) {
	rooms, subs := s.analysis.status()
	c.JSON(http.StatusOK, StatusResponse{
		Service:                "sense_analysis_hub",
		Classifier:             s.classifier.Name(),
		ActiveRooms:            rooms,
		InterviewerConnections: subs,
		SignalingRooms:         s.signal.counts(),
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx is done, then closes every websocket and
// shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "relay").Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "relay").Msg("shutting down")
		s.signal.closeAll()
		s.analysis.closeAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("server forced to shutdown")
		}
		return s.store.Close()
	})
	return g.Wait()
}

// Rooms lists rooms with at least one signaling participant.
func (s *Server) Rooms() []string { return s.signal.roomNames() }
