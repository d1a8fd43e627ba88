// Package app wires every collaborator — config, database, identity,
// ICE, session registry, call arbiter, gateway — into a runnable HTTP
// server, adapted from the teacher's internal/app.App.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/urfave/negroni/v3"

	"groundlink/internal/applog"
	"groundlink/internal/callarbiter"
	"groundlink/internal/config"
	"groundlink/internal/database"
	"groundlink/internal/gateway"
	"groundlink/internal/ice"
	"groundlink/internal/identity"
	"groundlink/internal/keepalive"
	"groundlink/internal/metrics"
	"groundlink/internal/recovery"
	"groundlink/internal/session"
)

// App holds every long-lived collaborator the signaling service needs.
type App struct {
	cfg        *config.Config
	log        logging.LeveledLogger
	httpServer *http.Server
	serveMux   *http.ServeMux

	registry *session.Registry
	arbiter  *callarbiter.Arbiter
	feed     *identity.DataFeed
	gw       *gateway.Gateway

	feedCancel context.CancelFunc
}

// New builds the App from process configuration. It connects to the
// database (if DATABASE_DSN is configured) and starts the data feed poll
// loop, but does not yet bind a listening socket.
func New() (*App, error) {
	cfg := config.Load()
	log := applog.New("groundlink", cfg.LogLevel)

	if cfg.DatabaseDSN != "" {
		if err := database.Init(log, cfg.DatabaseDSN); err != nil {
			return nil, err
		}
	} else {
		log.Warnf("app: DATABASE_DSN not set, audit logging disabled")
	}

	registry := session.New(log)
	arbiter := callarbiter.New(registry, log, cfg.AutoHangupTimeout)

	verifier := &identity.HTTPIntrospector{
		IntrospectionURL: cfg.IntrospectionURL,
		ClientID:         cfg.OAuthClientID,
		ClientSecret:     cfg.OAuthSecret,
	}

	feed := identity.NewDataFeed(cfg.DataFeedURL, cfg.DataFeedInterval)
	feedCtx, feedCancel := context.WithCancel(context.Background())
	feed.Start(feedCtx)

	iceCfg := ice.NewConfig(cfg.STUNURLs, cfg.TURNURLs, cfg.TURNRealm, []byte(cfg.TURNSecret), cfg.TURNCredTTL)

	ka := keepalive.Config{
		PingInterval:  cfg.KeepalivePingInt,
		PongWaitTime:  cfg.KeepalivePongWait,
		WriteDeadline: cfg.WriteDeadline,
	}

	gw := gateway.New(registry, arbiter, verifier, feed, iceCfg, log, cfg.HandshakeTimeout, ka)

	mux := http.NewServeMux()
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		cfg:        cfg,
		log:        log,
		httpServer: httpServer,
		serveMux:   mux,
		registry:   registry,
		arbiter:    arbiter,
		feed:       feed,
		gw:         gw,
		feedCancel: feedCancel,
	}, nil
}

// Run starts the HTTP server with the negroni logging/recovery stack and
// blocks until a shutdown signal or server error, then drains gracefully.
func (a *App) Run() error {
	n := negroni.New()
	n.Use(negroni.NewLogger())
	n.Use(negroni.NewRecovery())

	a.serveMux.Handle("/ws", a.gw)
	a.serveMux.HandleFunc("/health", a.healthHandler)
	a.serveMux.HandleFunc("/metrics", a.metricsHandler)

	n.UseHandler(a.serveMux)
	a.httpServer.Handler = n

	serverErrors := make(chan error, 1)
	go func() {
		a.log.Infof("app: listening on %s", a.httpServer.Addr)
		serverErrors <- a.httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.log.Infof("app: received signal %v, shutting down", sig)
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			a.log.Errorf("app: server error: %v", err)
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.feedCancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Errorf("app: shutdown error: %v", err)
	}

	recovery.SafeCloser(a.log, database.Close, "database")

	a.log.Infof("app: shutdown complete")
	return nil
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "healthy",
		"active_sessions": metrics.Get().ActiveSessions,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"data_feed_error": feedErrString(a.feed),
	})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(metrics.Get().ToJSON())
}

func feedErrString(feed *identity.DataFeed) string {
	if err := feed.LastError(); err != nil {
		return err.Error()
	}
	return ""
}
