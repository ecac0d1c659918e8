// Command simulate runs the OBD/UDS network simulator daemon: it loads
// a vehicle profile and ECU roster, starts the bus coordinator and one
// actor per configured ECU, ticks the vehicle simulator, and serves a
// minimal ops HTTP surface (health, debug snapshot/ECU list, and a
// telemetry websocket). Adapted from the source project's main.go:
// the mux router setup, websocket handler wiring, and signal-driven
// graceful shutdown follow the same shape, re-pointed at the
// simulator's own Coordinator/Surface instead of a live elmobd device.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/kestrel-auto/obdsim/internal/bus"
	"github.com/kestrel-auto/obdsim/internal/canbus"
	"github.com/kestrel-auto/obdsim/internal/capture"
	"github.com/kestrel-auto/obdsim/internal/config"
	"github.com/kestrel-auto/obdsim/internal/control"
	"github.com/kestrel-auto/obdsim/internal/datastore"
	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/ecu"
	"github.com/kestrel-auto/obdsim/internal/harness"
	"github.com/kestrel-auto/obdsim/internal/telemetry"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

const tickInterval = 100 * time.Millisecond

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	flag.Parse()
}

func main() {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("simulate: loading config: %v", err)
	}

	profile := vehiclesim.DefaultProfile()
	if cfg.Profile != "" {
		profile, err = vehiclesim.LoadProfile(cfg.Profile)
		if err != nil {
			log.Fatalf("simulate: loading vehicle profile: %v", err)
		}
	}

	sim := vehiclesim.NewSimulator(profile, cfg.Seed)

	virtualBus := canbus.NewVirtualBus()
	wire, err := openWire(cfg, virtualBus)
	if err != nil {
		log.Fatalf("simulate: opening bus: %v", err)
	}

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
		var ecuWire canbus.Bus = virtualBus.NewEndpoint()
		if cfg.Bus.Mode == "hardware" {
			ecuWire = wire
		}
		e := ecu.New(identity, ecuWire, sim, ecuLog)
		coord.AddECU(e)
	}
	go coord.Run()
	defer coord.Close()

	surface := control.New(coord, sim)

	var store datastore.Store
	if cfg.Datastore.SQLite.Path != "" {
		sqliteStore, err := datastore.NewSQLiteStore(cfg.Datastore.SQLite.Path)
		if err != nil {
			log.Fatalf("simulate: opening datastore: %v", err)
		}
		store = sqliteStore

		if cfg.Datastore.InfluxDB.Enabled {
			idb := cfg.Datastore.InfluxDB
			influxStore, err := datastore.NewInfluxDBStore(idb.URL, idb.Token, idb.Org, idb.Bucket)
			if err != nil {
				log.Printf("simulate: influxdb unavailable, continuing with sqlite only: %v", err)
			} else {
				store = datastore.NewMultiStore(sqliteStore, influxStore)
			}
		}
		defer store.Close()
	}

	hub := telemetry.NewHub()

	var recorder *capture.Recorder
	if cfg.Capture.Enabled {
		recorder = capture.NewRecorder(sim.VIN())
		if err := recorder.Start(); err != nil {
			log.Printf("simulate: starting capture recorder: %v", err)
			recorder = nil
		}
	}

	coord.SetObserver(func(f canbus.Frame) {
		if recorder != nil {
			recorder.Observe(f)
		}
	})

	if cfg.Harness.Serial.Enabled {
		serialLog := log.New(os.Stderr, "[harness:serial] ", log.LstdFlags)
		sb, err := harness.Open(cfg.Harness.Serial.Port, cfg.Harness.Serial.Baud, serialLog)
		if err != nil {
			log.Printf("simulate: serial harness unavailable: %v", err)
		} else {
			defer sb.Close()
			go bridgeFrames(virtualBus.NewEndpoint(), sb)
		}
	}

	stop := make(chan struct{})
	go tickLoop(sim, profile, coord, hub, store, stop)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthzHandler)
	router.HandleFunc("/debug/snapshot", debugSnapshotHandler(surface))
	router.HandleFunc("/debug/ecus", debugECUsHandler(coord))
	router.HandleFunc("/ws", hub.ServeWS)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: serverAddr, Handler: router}
	go func() {
		log.Printf("simulate: ops server listening on http://%s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("simulate: ops server: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Println("simulate: shutting down")
	close(stop)
	hub.Close()
	if recorder != nil && recorder.IsRunning() {
		if err := recorder.Stop(""); err != nil {
			log.Printf("simulate: saving capture session: %v", err)
		}
	}
}

// openWire returns the coordinator's bus endpoint per cfg.Bus.Mode.
// "virtual" (the default) attaches an in-process endpoint on
// virtualBus; "hardware" bridges to a real SocketCAN interface
// instead, replacing virtualBus entirely as the coordinator's wire.
func openWire(cfg *config.Config, virtualBus *canbus.VirtualBus) (canbus.Bus, error) {
	switch cfg.Bus.Mode {
	case "", "virtual":
		return virtualBus.NewEndpoint(), nil
	case "hardware":
		hwLog := log.New(os.Stderr, "[canbus:hw] ", log.LstdFlags)
		return canbus.NewHardwareBus(cfg.Bus.Interface, hwLog)
	default:
		return nil, fmt.Errorf("unknown bus mode %q", cfg.Bus.Mode)
	}
}

// bridgeFrames forwards frames between a virtual bus endpoint and a
// serial harness bridge in both directions, so real hardware attached
// over UART sees the same traffic a SocketCAN bridge would.
func bridgeFrames(ep canbus.Bus, sb *harness.SerialBus) {
	stop := make(chan struct{})
	go func() {
		for {
			f, ok := sb.Recv(stop)
			if !ok {
				return
			}
			if err := ep.Send(f); err != nil {
				log.Printf("simulate: forwarding serial frame to bus: %v", err)
			}
		}
	}()
	for {
		f, ok := ep.Recv(stop)
		if !ok {
			return
		}
		if err := sb.Send(f); err != nil {
			log.Printf("simulate: forwarding bus frame to serial: %v", err)
		}
	}
}

// tickLoop advances the vehicle simulator on a fixed interval,
// evaluates DTC trigger conditions against the owning ECU's DTC
// manager, and broadcasts each new snapshot to telemetry clients,
// persisting it when a store is configured. milOn reflects every
// ECU's DTC manager: the MIL is lit whenever any ECU has a confirmed
// MIL-illuminating code, matching a real vehicle's shared dash lamp.
func tickLoop(sim *vehiclesim.Simulator, profile *vehiclesim.Profile, coord *bus.Coordinator, hub *telemetry.Hub, store datastore.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
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
			if err := sim.Tick(tickInterval, milOn); err != nil {
				log.Printf("simulate: tick: %v", err)
				continue
			}
			observeDTCTriggers(sim, profile, coord)
			snap := sim.Snapshot()
			hub.Broadcast(telemetry.Update{Snapshot: snap})
			if store != nil {
				point := datastore.SnapshotPoint{
					Timestamp:   time.Now(),
					RPM:         snap.RPM,
					Speed:       snap.Speed,
					EngineLoad:  snap.EngineLoad,
					CoolantTemp: snap.CoolantTemp,
					FuelLevel:   snap.FuelLevel,
					BatteryV:    snap.BatteryV,
					MIL:         milOn,
				}
				if err := store.SaveSnapshot(sim.VIN(), point); err != nil {
					log.Printf("simulate: saving snapshot: %v", err)
				}
			}
		}
	}
}

// observeDTCTriggers evaluates the vehicle simulator's profile-declared
// fault conditions and reports each one to the DTC manager of the ECU
// whose DTCPrefix the code matches, so a triggered fault actually
// surfaces on the bus rather than only existing in the simulator's
// trigger evaluation. Within one tick, only the first newly-triggered
// code per ECU captures a freeze frame, per spec.md's
// first-pending-wins rule.
func observeDTCTriggers(sim *vehiclesim.Simulator, profile *vehiclesim.Profile, coord *bus.Coordinator) {
	triggers := sim.EvaluateDTCTriggers()
	if len(triggers) == 0 {
		return
	}
	snap := sim.Snapshot().AsMap()
	capturedFreeze := make(map[string]bool)

	for _, d := range profile.DTCs {
		triggered, ok := triggers[d.Code]
		if !ok || !triggered {
			continue
		}
		e := ecuForCode(coord, d.Code)
		if e == nil {
			continue
		}
		_, known := e.DTCManager().Get(dtc.Code(d.Code))
		captureFreeze := !known && !capturedFreeze[e.Identity.Name]
		e.DTCManager().Observe(dtc.Code(d.Code), true, d.Description, d.MILIlluminate, d.EmissionRelated, captureFreeze, snap)
		if captureFreeze {
			capturedFreeze[e.Identity.Name] = true
		}
	}
}

func ecuForCode(coord *bus.Coordinator, code string) *ecu.ECU {
	for _, e := range coord.ECUs() {
		if e.Identity.DTCPrefix != "" && strings.HasPrefix(code, e.Identity.DTCPrefix) {
			return e
		}
	}
	return nil
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func debugSnapshotHandler(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(surface.GetSnapshot())
	}
}

func debugECUsHandler(coord *bus.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := make([]string, 0)
		for _, e := range coord.ECUs() {
			names = append(names, e.Identity.Name)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(names)
	}
}
