// Command mqtt-gateway bridges MQTT nodes to the broker: it maintains the
// node/check subscription tree and a reconnecting /gw link carrying
// normalized node events.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/nodefabric/broker/internal/auth"
	"github.com/nodefabric/broker/internal/config"
	"github.com/nodefabric/broker/internal/gwlink"
	"github.com/nodefabric/broker/internal/keyfile"
	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/message"
	"github.com/nodefabric/broker/internal/mqttgw"
	"github.com/nodefabric/broker/internal/registry"
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	lg := logger.New("mqtt-gateway", cfg.Debug)

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
		gw  *mqttgw.Gateway
	)
	link := gwlink.New(lg, brokerURL, token, func(msg *message.Message) {
		handleBrokerFrame(lg, gw, reg, msg)
	})
	reg = registry.New("MQTT", time.Duration(cfg.MaxTime)*time.Second, lg, link.Publish, nil)

	opts := MQTT.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", cfg.MQTTHost, cfg.MQTTPort)).
		SetClientID(cfg.GatewayName)

	gw, err = mqttgw.New(lg, reg, opts)
	if err != nil {
		lg.Fatalf("mqtt connect: %s", err)
	}

	sweepStop := make(chan struct{})
	go gw.RunSweeper(sweepStop)

	go link.Run(func() { reg.FetchNodesCache(message.DstAll) })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	lg.Println("mqtt-gateway: shutting down")
	close(sweepStop)
	gw.Close()
	link.Close()
}

func handleBrokerFrame(lg logger.Logger, gw *mqttgw.Gateway, reg *registry.Registry, msg *message.Message) {
	switch msg.Type {
	case message.New:
		reg.FetchNodesCache(msg.Src)
	case message.Update:
		if msg.IsHeartbeat() {
			return
		}
		if err := gw.UpdateNodeResource(msg.UID, msg.Endpoint, msg.Data); err != nil {
			lg.Printf("mqtt-gateway: update %s: %s", msg.UID, err)
		}
	}
}
