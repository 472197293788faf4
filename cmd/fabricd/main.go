// Command fabricd is a minimal wiring example for the MIDI routing
// fabric, not a CLI or REST surface (spec.md's Non-goals exclude both).
// It shows how the pieces fit together: identity, registries, transports,
// and the routing engine, assembled and left running until interrupted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/oletizi/midi-fabric/core/codec"
	"github.com/oletizi/midi-fabric/core/id"
	"github.com/oletizi/midi-fabric/core/metrics"
	corereg "github.com/oletizi/midi-fabric/core/registry"
	"github.com/oletizi/midi-fabric/device/midirouter"
	"github.com/oletizi/midi-fabric/device/pool"
	devreg "github.com/oletizi/midi-fabric/device/registry"
	"github.com/oletizi/midi-fabric/device/router"
	"github.com/oletizi/midi-fabric/device/rules"
	"github.com/oletizi/midi-fabric/transport/datagram"
	"github.com/oletizi/midi-fabric/transport/reliable"
)

func main() {
	log := slog.Default()

	identity, err := id.Default()
	if err != nil {
		log.Error("failed to load node identity", "error", err)
		os.Exit(1)
	}
	log.Info("starting fabric node", "node", identity.ID.String(), "name", identity.Name)

	metricsReg := metrics.New()

	uuidRegistry := corereg.New(corereg.Config{Logger: log})
	uuidRegistry.Register(identity.ID)

	devices := devreg.New(devreg.Config{Logger: log})
	connPool := pool.New(pool.Config{Logger: log, Metrics: metricsReg})

	dg := datagram.New(datagram.Config{Logger: log, Metrics: metricsReg})
	if err := dg.Start(0); err != nil {
		log.Error("failed to start datagram transport", "error", err)
		os.Exit(1)
	}
	defer dg.Stop()
	log.Info("datagram transport listening", "port", dg.GetPort())

	rel := reliable.New(reliable.Config{Logger: log, Metrics: metricsReg}, dg)
	defer rel.Stop()

	msgRouter := router.New(router.Config{
		Logger:   log,
		Self:     identity.ID,
		Datagram: dg,
		Reliable: rel,
	})

	rulesPath := filepath.Join(os.Getenv("HOME"), id.DefaultDir, "rules.json")
	ruleManager := rules.New(rules.Config{Logger: log, Metrics: metricsReg, Devices: devices})
	if err := ruleManager.LoadFromFile(rulesPath); err != nil {
		log.Warn("failed to load rules file", "path", rulesPath, "error", err)
	}

	mr := midirouter.New(midirouter.Config{Logger: log, Metrics: metricsReg, Self: identity.ID, Rules: ruleManager})
	mr.SetNetworkTransport(msgRouter, connPool)
	defer mr.Stop()

	rel.SetPacketHandler(func(pkt *codec.Packet, srcHost string, srcPort int) {
		srcNode, ok := uuidRegistry.Lookup(id.NodeHash(pkt.SourceNodeHash))
		if !ok {
			log.Debug("dropping packet from unknown node hash", "hash", pkt.SourceNodeHash)
			return
		}
		var inbound *codec.ForwardingContext
		if pkt.HasForwardingContext() {
			ctx, err := pkt.GetForwardingContext(uuidRegistry)
			if err != nil {
				log.Debug("dropping packet with unresolvable forwarding context", "error", err)
				return
			}
			inbound = ctx
		}
		mr.Forward(srcNode, id.DeviceId(pkt.DeviceId), pkt.MIDI, inbound)
	})

	log.Info("fabric node ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	if err := ruleManager.SaveToFile(rulesPath); err != nil {
		log.Warn("failed to persist rules file on shutdown", "path", rulesPath, "error", err)
	}
}
