package datastore

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxDBStore mirrors vehicle snapshots as a time series for
// long-run drive-cycle analysis, adapted from the source project's
// internal/datastore/influxdb.go. It does not implement the DTC-event
// or capture-session side of Store (those are structured, relational
// data better served by SQLiteStore); callers needing both compose a
// SQLiteStore and an InfluxDBStore rather than picking one Store.
type InfluxDBStore struct {
	client   influxdb2.Client
	org      string
	bucket   string
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
}

// NewInfluxDBStore connects to an InfluxDB instance and verifies
// reachability with a Ping.
func NewInfluxDBStore(url, token, org, bucket string) (*InfluxDBStore, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("datastore: connect to influxdb: %w", err)
	}
	return &InfluxDBStore{
		client:   client,
		org:      org,
		bucket:   bucket,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		queryAPI: client.QueryAPI(org),
	}, nil
}

// SaveSnapshot writes one vehicle_snapshot point.
func (s *InfluxDBStore) SaveSnapshot(vin string, snap SnapshotPoint) error {
	point := influxdb2.NewPoint(
		"vehicle_snapshot",
		map[string]string{"vin": vin},
		map[string]interface{}{
			"rpm":          snap.RPM,
			"speed":        snap.Speed,
			"engine_load":  snap.EngineLoad,
			"coolant_temp": snap.CoolantTemp,
			"fuel_level":   snap.FuelLevel,
			"battery_v":    snap.BatteryV,
			"mil":          snap.MIL,
		},
		snap.Timestamp,
	)
	if err := s.writeAPI.WritePoint(context.Background(), point); err != nil {
		return fmt.Errorf("datastore: write snapshot point: %w", err)
	}
	return nil
}

// LatestSnapshot queries the most recent vehicle_snapshot point for
// vin within the last hour.
func (s *InfluxDBStore) LatestSnapshot(vin string) (*SnapshotPoint, error) {
	query := fmt.Sprintf(`
		from(bucket:"%s")
			|> range(start: -1h)
			|> filter(fn: (r) => r["_measurement"] == "vehicle_snapshot" and r["vin"] == "%s")
			|> last()
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
	`, s.bucket, vin)

	result, err := s.queryAPI.Query(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("datastore: query latest snapshot: %w", err)
	}
	defer result.Close()

	if !result.Next() {
		return nil, fmt.Errorf("datastore: no snapshot points for vin %s", vin)
	}
	rec := result.Record()
	p := &SnapshotPoint{Timestamp: rec.Time()}
	if v, ok := rec.ValueByKey("rpm").(float64); ok {
		p.RPM = v
	}
	if v, ok := rec.ValueByKey("speed").(float64); ok {
		p.Speed = v
	}
	if v, ok := rec.ValueByKey("engine_load").(float64); ok {
		p.EngineLoad = v
	}
	if v, ok := rec.ValueByKey("coolant_temp").(float64); ok {
		p.CoolantTemp = v
	}
	if v, ok := rec.ValueByKey("fuel_level").(float64); ok {
		p.FuelLevel = v
	}
	if v, ok := rec.ValueByKey("battery_v").(float64); ok {
		p.BatteryV = v
	}
	if v, ok := rec.ValueByKey("mil").(bool); ok {
		p.MIL = v
	}
	return p, nil
}

// SaveDTCEvent, ListDTCEvents, SaveCaptureSession and
// ListCaptureSessions are not meaningfully time-series data; this
// store only ever participates in a composed persistence layer
// alongside SQLiteStore, which owns those. Calling them here is a
// programmer error.
func (s *InfluxDBStore) SaveDTCEvent(ecu string, event DTCEvent) error {
	panic("datastore: InfluxDBStore does not store DTC events; use SQLiteStore")
}

func (s *InfluxDBStore) ListDTCEvents(ecu string, since time.Time) ([]DTCEvent, error) {
	panic("datastore: InfluxDBStore does not store DTC events; use SQLiteStore")
}

func (s *InfluxDBStore) SaveCaptureSession(path, vin string, frameCount int, recordedAt time.Time) error {
	panic("datastore: InfluxDBStore does not index capture sessions; use SQLiteStore")
}

func (s *InfluxDBStore) ListCaptureSessions() ([]CaptureSessionRecord, error) {
	panic("datastore: InfluxDBStore does not index capture sessions; use SQLiteStore")
}

// Close shuts down the InfluxDB client.
func (s *InfluxDBStore) Close() error {
	s.client.Close()
	return nil
}

var _ Store = (*InfluxDBStore)(nil)
