// Package httpd implements the Daemon described in SPEC_FULL.md §6.1: an
// HTTP front end that accepts orders over REST, exposes their status and
// task lists, and streams order/task lifecycle events over a websocket.
// It is grounded in the teacher's cmd/api-server, generalized from a
// Redis-queue transport to the dispatcher.OrderDispatcher core.
package httpd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/netops/dispatcherd/internal/api"
	"github.com/netops/dispatcherd/internal/config"
	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/events"
	"github.com/netops/dispatcherd/internal/logger"
	"github.com/netops/dispatcherd/internal/order"
	"github.com/netops/dispatcherd/internal/orderdb"
)

// name is the Daemon identity this httpd registers orders under, matching
// how the original's Exscriptd names a daemon after its transport.
const name = "httpd"

// Daemon implements dispatcher.Daemon over HTTP (SPEC_FULL.md §6.1). It
// owns the order_incoming_event bus the Daemon contract describes:
// OrderHandler.Create fires orders onto incoming, and New binds it to the
// dispatcher's PlaceOrder via dispatcher.BindDaemon, so the HTTP transport
// never calls the dispatcher directly.
type Daemon struct {
	server   *api.Server
	http     *http.Server
	incoming *events.Bus[*order.Order]
}

// New builds the HTTP daemon, wiring the dispatcher, durable order store
// and Redis event mirror into an api.Server the way cmd/api-server wires
// its RedisQueue/DLQ/publisher.
func New(cfg *config.Config, disp *dispatcher.OrderDispatcher, db orderdb.OrderDatabase, mirror *events.RedisMirror) *Daemon {
	incoming := events.New[*order.Order]()
	server := api.NewServer(cfg, disp, db, mirror, incoming)

	d := &Daemon{
		server:   server,
		incoming: incoming,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      server,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}

	disp.BindDaemon(d, incoming)

	return d
}

// Name implements dispatcher.Daemon.
func (d *Daemon) Name() string { return name }

// Run starts the websocket hub and the HTTP listener; it blocks until the
// listener stops (on Shutdown, or on a listen error).
func (d *Daemon) Run(ctx context.Context) error {
	d.server.Start(ctx)

	logger.Info().Str("addr", d.http.Addr).Msg("httpd daemon listening")

	if err := d.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpd: listen: %w", err)
	}
	return nil
}

// Shutdown stops the websocket hub and gracefully drains the HTTP server.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.server.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := d.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpd: shutdown: %w", err)
	}
	return nil
}
