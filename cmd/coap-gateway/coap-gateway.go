// Command coap-gateway bridges CoAP nodes to the broker: it serves /alive
// and /server over UDP and maintains a reconnecting /gw link carrying
// normalized node events.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodefabric/broker/internal/auth"
	"github.com/nodefabric/broker/internal/coap"
	"github.com/nodefabric/broker/internal/coapgw"
	"github.com/nodefabric/broker/internal/config"
	"github.com/nodefabric/broker/internal/gwlink"
	"github.com/nodefabric/broker/internal/keyfile"
	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/message"
	"github.com/nodefabric/broker/internal/registry"
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	lg := logger.New("coap-gateway", cfg.Debug)

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
		gw  *coapgw.Gateway
	)
	link := gwlink.New(lg, brokerURL, token, func(msg *message.Message) {
		handleBrokerFrame(lg, gw, reg, msg)
	})
	reg = registry.New("CoAP", time.Duration(cfg.MaxTime)*time.Second, lg, link.Publish, func(n *registry.Node) {
		gw.DiscoverNode(n)
	})
	gw = coapgw.New(lg, reg, nil)

	coapSrv := coap.NewServer(lg)
	for path, fn := range gw.CoAPHandlers() {
		coapSrv.Handle(path, fn)
	}
	go func() {
		if err := coapSrv.ListenAndServe(":" + cfg.CoAPPort); err != nil {
			lg.Fatalf("coap listen: %s", err)
		}
	}()

	sweepStop := make(chan struct{})
	go gw.RunSweeper(sweepStop)

	go link.Run(func() { reg.FetchNodesCache(message.DstAll) })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	lg.Println("coap-gateway: shutting down")
	close(sweepStop)
	coapSrv.Close()
	link.Close()
}

// handleBrokerFrame dispatches a client-originated frame forwarded by the
// broker: `new` is a cache-replay request, `update` a resource write.
func handleBrokerFrame(lg logger.Logger, gw *coapgw.Gateway, reg *registry.Registry, msg *message.Message) {
	switch msg.Type {
	case message.New:
		reg.FetchNodesCache(msg.Src)
	case message.Update:
		if msg.IsHeartbeat() {
			return
		}
		if err := gw.UpdateNodeResource(msg.UID, msg.Endpoint, msg.Data); err != nil {
			lg.Printf("coap-gateway: update %s: %s", msg.UID, err)
		}
	}
}
