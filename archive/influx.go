package archive

import (
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/aps-txm/xanesctl/scan"
)

// SinkConfig points the telemetry sink at an InfluxDB bucket.  An empty
// URL disables the sink.
type SinkConfig struct {
	URL    string `yaml:"URL"`
	Token  string `yaml:"Token"`
	Org    string `yaml:"Org"`
	Bucket string `yaml:"Bucket"`
}

// Sink forwards scan events to InfluxDB.  The zero of *Sink (nil) is a
// disabled sink; every method is safe to call on it.
type Sink struct {
	client influxdb2.Client
	api    api.WriteAPI
}

// NewSink connects the sink, or returns nil when cfg.URL is empty.
// Writes are batched and non-blocking; write failures surface in the log,
// never to the scan path.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.URL == "" {
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	wa := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range wa.Errors() {
			log.Printf("archive: influx write: %v", err)
		}
	}()
	return &Sink{client: client, api: wa}
}

// Enabled reports whether events will go anywhere.
func (s *Sink) Enabled() bool { return s != nil }

// Record forwards one scan event.  Points become xanes_point
// measurements; terminal events become xanes_run and flush the batch.
func (s *Sink) Record(runID, element string, ev scan.Event) {
	if s == nil {
		return
	}
	tags := map[string]string{"run_id": runID}
	if element != "" {
		tags["element"] = element
	}
	switch ev.Kind {
	case scan.KindPoint:
		s.api.WritePoint(influxdb2.NewPoint("xanes_point", tags,
			map[string]interface{}{
				"energy_kev": ev.Energy,
				"intensity":  ev.Signal,
			}, time.Now()))
	case scan.KindCompleted, scan.KindCancelled, scan.KindFailed:
		tags["state"] = ev.Kind.String()
		fields := map[string]interface{}{"points": ev.Completed}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		s.api.WritePoint(influxdb2.NewPoint("xanes_run", tags, fields, time.Now()))
		s.api.Flush()
	}
}

// Watch drains a subscription feed into the sink; events carry their own
// run IDs.  It returns when the feed closes; run it in its own goroutine.
func (s *Sink) Watch(element string, events <-chan scan.Event) {
	for ev := range events {
		s.Record(ev.RunID, element, ev)
	}
}

// Close flushes and tears down the connection.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.api.Flush()
	s.client.Close()
}
