// Command enginesim runs a simulated core engine for local development.
// It serves framed JSON over TCP or a unix socket, and websocket links on
// /ws when -http is set.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/voxgate/internal/config"
	"github.com/seantiz/voxgate/internal/enginesim"
)

func main() {
	var (
		network  = flag.String("network", "tcp", "socket network: tcp or unix")
		addr     = flag.String("addr", "127.0.0.1:7070", "socket address or path")
		httpAddr = flag.String("http", "", "optional address for the websocket endpoint")
		delay    = flag.Duration("delay", 200*time.Millisecond, "simulated processing time per task")
		progress = flag.Int("progress", 3, "progress lines per task")
		dup      = flag.Bool("duplicate", false, "send every result twice")
		silent   = flag.Bool("silent", false, "never send results")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(*level))
	eng := enginesim.New(enginesim.Config{
		Delay:            *delay,
		ProgressLines:    *progress,
		DuplicateResults: *dup,
		Silent:           *silent,
	}, logger)

	if *network == "unix" {
		_ = os.Remove(*addr)
	}
	ln, err := net.Listen(*network, *addr)
	if err != nil {
		log.Fatalf("listen on %s %s: %v", *network, *addr, err)
	}
	defer ln.Close()

	var srv *http.Server
	if *httpAddr != "" {
		r := chi.NewRouter()
		r.Handle("/ws", eng)
		srv = &http.Server{Addr: *httpAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("enginesim: websocket listening", "addr", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("websocket server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	}()

	logger.Info("enginesim: listening", "network", *network, "addr", *addr)
	if err := eng.Serve(ln); err != nil {
		log.Fatalf("serve: %v", err)
	}
	eng.DropConnections()
	logger.Info("enginesim: stopped")
}
