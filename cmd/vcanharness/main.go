// Command vcanharness runs the same ECU roster and vehicle simulator
// as cmd/simulate but wired directly to a real (or vcan0 virtual)
// Linux SocketCAN interface through canbus.RawSocketBus instead of the
// in-process VirtualBus, so cansend/candump and real scan tools can
// exercise the simulator during integration testing. Adapted from the
// source project's root-level testing/simulator.go, which opened the
// same go-daq/canbus raw socket directly against vcan0; here that
// socket is wrapped behind canbus.Bus and driven by the full ISO-TP/
// OBD/UDS stack instead of hand-encoded frames.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-auto/obdsim/internal/bus"
	"github.com/kestrel-auto/obdsim/internal/canbus"
	"github.com/kestrel-auto/obdsim/internal/config"
	"github.com/kestrel-auto/obdsim/internal/ecu"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

var (
	configFile string
	iface      string
)

func init() {
	flag.StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&iface, "iface", "vcan0", "SocketCAN interface to bind")
	flag.Parse()
}

func main() {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("vcanharness: loading config: %v", err)
	}

	profile := vehiclesim.DefaultProfile()
	if cfg.Profile != "" {
		profile, err = vehiclesim.LoadProfile(cfg.Profile)
		if err != nil {
			log.Fatalf("vcanharness: loading vehicle profile: %v", err)
		}
	}
	sim := vehiclesim.NewSimulator(profile, cfg.Seed)

	rawLog := log.New(os.Stderr, fmt.Sprintf("[canbus:%s] ", iface), log.LstdFlags)
	wire, err := canbus.NewRawSocketBus(iface, rawLog)
	if err != nil {
		log.Fatalf("vcanharness: binding %s: %v", iface, err)
	}
	defer wire.Close()

	coordLog := log.New(os.Stderr, "[bus] ", log.LstdFlags)
	coord := bus.New(wire, coordLog)

	for _, ecfg := range cfg.ECUs {
		identity := ecu.Identity{
			Name:       ecfg.Name,
			RequestID:  ecfg.RequestID,
			ResponseID: ecfg.ResponseID,
			DTCPrefix:  ecfg.DTCPrefix,
		}
		ecuLog := log.New(os.Stderr, fmt.Sprintf("[ecu:%s] ", ecfg.Name), log.LstdFlags)
		// Every ECU shares the single raw socket as its send/receive
		// handle: unlike VirtualBus, a SocketCAN interface has no
		// per-listener endpoint concept, so the bus coordinator's
		// demultiplexing by AcceptsFrame is what keeps ECUs from
		// stepping on each other's responses.
		e := ecu.New(identity, wire, sim, ecuLog)
		coord.AddECU(e)
	}

	log.Printf("vcanharness: %d ecus bound to %s", len(cfg.ECUs), iface)
	go coord.Run()
	defer coord.Close()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(vehiclesim.MaxTickStep)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				milOn := false
				for _, e := range coord.ECUs() {
					if e.DTCManager().MIL() {
						milOn = true
						break
					}
				}
				if err := sim.Tick(vehiclesim.MaxTickStep, milOn); err != nil {
					log.Printf("vcanharness: tick: %v", err)
				}
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Println("vcanharness: shutting down")
	close(stop)
}
