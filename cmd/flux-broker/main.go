// Command flux-broker runs the signaling broker (spec.md §2 C1-C4): the
// rendezvous service pairing a sender and receiver by six-digit code,
// relaying WebRTC negotiation between them, and issuing reconnection
// locks. It never sees file bytes — those travel peer-to-peer once the
// datagram channel opens (spec.md §1).
//
// Grounded on rustyguts-bken's server/main.go: flag-based configuration,
// a self-signed TLS certificate generated at startup, graceful shutdown
// on SIGINT/SIGTERM, and a periodic stats log in place of a metrics
// endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/hyuraku/flux/internal/broker"
	"github.com/hyuraku/flux/internal/broker/ws"
	"github.com/hyuraku/flux/internal/broker/wt"
)

// version is the broker's build version string, printed by the "version"
// subcommand the way rustyguts-bken's server/cli.go does.
var version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("flux-broker %s\n", version)
		return
	}

	addr := flag.String("addr", ":8443", "WebSocket/WebTransport listen address")
	apiAddr := flag.String("api-addr", ":8080", "status/health listen address (empty to disable)")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "HTTP idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	enableWebTransport := flag.Bool("enable-webtransport", false, "also serve the WebTransport/QUIC carrier alongside WebSocket")
	statsInterval := flag.Duration("stats-interval", 30*time.Second, "interval between stats log lines (0 disables)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "flux-broker")

	hostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		hostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, hostname)
	if err != nil {
		log.Error("generate tls config", "err", err)
		os.Exit(1)
	}
	log.Info("tls certificate generated", "fingerprint", fingerprint)

	b := broker.New(nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	wsHandler := ws.NewHandler(b, log)
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	wsHandler.Register(e)

	httpSrv := &http.Server{
		Addr:        *addr,
		Handler:     e,
		TLSConfig:   tlsConfig,
		IdleTimeout: *idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Error("ws server shutdown", "err", err)
		}
	}()

	if *enableWebTransport {
		wtServer := &webtransport.Server{
			H3: http3.Server{
				Addr:      *addr,
				TLSConfig: tlsConfig,
			},
		}
		wtHandler := wt.NewHandler(b, wtServer, log)
		mux := http.NewServeMux()
		mux.HandleFunc("/wt", wtHandler.ServeHTTP)
		wtServer.H3.Handler = mux

		go func() {
			log.Info("webtransport carrier listening", "addr", *addr)
			if err := wtServer.ListenAndServe(); err != nil {
				log.Error("webtransport server error", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			wtServer.Close()
		}()
	}

	if *apiAddr != "" {
		status := newStatusServer(b, log)
		go status.Run(ctx, *apiAddr)
		log.Info("status server listening", "addr", *apiAddr)
	}

	if *statsInterval > 0 {
		go runStatsLoop(ctx, b, log, *statsInterval)
	}

	log.Info("ws carrier listening", "addr", *addr)
	if err := httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Error("ws server error", "err", err)
		os.Exit(1)
	}
}

// runStatsLoop logs broker-wide counters periodically, the way
// rustyguts-bken's metrics.go RunMetrics logs room stats.
func runStatsLoop(ctx context.Context, b *broker.Broker, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			log.Info("stats", "active_codes", stats.ActiveCodes, "active_rooms", stats.ActiveRooms)
		}
	}
}
