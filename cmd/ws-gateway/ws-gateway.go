// Command ws-gateway bridges WebSocket-speaking nodes to the broker: it
// terminates /node, and maintains a reconnecting /gw link carrying
// normalized node events.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodefabric/broker/internal/auth"
	"github.com/nodefabric/broker/internal/config"
	"github.com/nodefabric/broker/internal/gwlink"
	"github.com/nodefabric/broker/internal/keyfile"
	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/message"
	"github.com/nodefabric/broker/internal/registry"
	"github.com/nodefabric/broker/internal/wsgw"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	lg := logger.New("ws-gateway", cfg.Debug)

	keys, err := keyfile.Load(cfg.KeyFile)
	if err != nil {
		lg.Fatalf("load key file: %s", err)
	}
	token, err := auth.MintToken([]byte(keys.Keys.Secret), cfg.GatewayName)
	if err != nil {
		lg.Fatalf("mint broker token: %s", err)
	}

	brokerURL := fmt.Sprintf("ws://%s:%s/gw", cfg.BrokerHost, cfg.BrokerPort)

	var (
		reg *registry.Registry
		gw  *wsgw.Gateway
	)
	link := gwlink.New(lg, brokerURL, token, func(msg *message.Message) {
		handleBrokerFrame(lg, gw, reg, msg)
	})
	reg = registry.New("WebSocket", time.Duration(cfg.MaxTime)*time.Second, lg, link.Publish, nil)
	gw = wsgw.New(lg, reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/node", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lg.Printf("ws-gateway: /node upgrade failed: %s", err)
			return
		}
		gw.AcceptNode(ws)
	})

	svr := &http.Server{Addr: ":" + cfg.GatewayPort, Handler: mux}
	go func() {
		lg.Printf("ws-gateway: listening on %s", svr.Addr)
		if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatalf("listen: %s", err)
		}
	}()

	go link.Run(func() { reg.FetchNodesCache(message.DstAll) })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	lg.Println("ws-gateway: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svr.Shutdown(ctx); err != nil {
		lg.Printf("ws-gateway: shutdown: %s", err)
	}
	link.Close()
}

func handleBrokerFrame(lg logger.Logger, gw *wsgw.Gateway, reg *registry.Registry, msg *message.Message) {
	switch msg.Type {
	case message.New:
		reg.FetchNodesCache(msg.Src)
	case message.Update:
		if msg.IsHeartbeat() {
			return
		}
		if err := gw.UpdateNodeResource(msg.UID, msg.Endpoint, msg.Data); err != nil {
			lg.Printf("ws-gateway: update %s: %s", msg.UID, err)
		}
	}
}
