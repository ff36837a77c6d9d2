// Command broker runs the central hub: it terminates dashboard client and
// gateway WebSockets at /ws and /gw, and serves a small status page at /.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodefabric/broker/internal/broker"
	"github.com/nodefabric/broker/internal/config"
	"github.com/nodefabric/broker/internal/httpstatus"
	"github.com/nodefabric/broker/internal/keyfile"
	"github.com/nodefabric/broker/internal/logger"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	lg := logger.New("broker", cfg.Debug)

	keys, err := keyfile.Load(cfg.KeyFile)
	if err != nil {
		lg.Fatalf("load key file: %s", err)
	}

	hub := broker.New(lg, []byte(keys.Keys.Secret))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ClientHandler())
	mux.HandleFunc("/gw", hub.GatewayHandler())
	mux.HandleFunc("/", httpstatus.Handler(hub.StatusCounts))

	svr := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		lg.Printf("broker: listening on %s", svr.Addr)
		if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatalf("listen: %s", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	lg.Println("broker: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svr.Shutdown(ctx); err != nil {
		lg.Printf("broker: shutdown: %s", err)
	}
}
