package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/tarm/serial"

	"github.com/aps-txm/xanesctl/archive"
	"github.com/aps-txm/xanesctl/ca"
	"github.com/aps-txm/xanesctl/curve"
	"github.com/aps-txm/xanesctl/generichttp"
	"github.com/aps-txm/xanesctl/generichttp/middleware/locker"
	"github.com/aps-txm/xanesctl/generichttp/xanes"
	"github.com/aps-txm/xanesctl/launch"
	"github.com/aps-txm/xanesctl/scan"
	"github.com/aps-txm/xanesctl/util"
)

// RecorderSetup configures the FITS archive.
type RecorderSetup struct {
	// Root is the folder archives are written under
	Root string `yaml:"Root"`

	// Prefix is the prefix for the filenames
	Prefix string `yaml:"Prefix"`

	// Enabled turns automatic archival on
	Enabled bool `yaml:"Enabled"`
}

// Config holds the initialization parameters for the whole service.  It
// is populated from the yaml file over the built-in defaults.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Endpoint is where the calibration routes mount, e.g. txm/xanes
	Endpoint string `yaml:"Endpoint"`

	// Mock swaps the beamline for a synthetic one with an Fe edge
	Mock bool `yaml:"Mock"`

	// Gateway is the PV gateway address, host:port, or the serial device
	// when Serial is set
	Gateway string `yaml:"Gateway"`

	Serial bool `yaml:"Serial"`
	Baud   int  `yaml:"Baud"`

	Scan   scan.Config          `yaml:"Scan"`
	Launch launch.Config        `yaml:"Launch"`
	Grid   launch.GridChannels  `yaml:"Grid"`
	Safety []launch.SafetyWrite `yaml:"Safety"`

	Curves   curve.Store   `yaml:"Curves"`
	Recorder RecorderSetup `yaml:"Recorder"`

	Influx archive.SinkConfig `yaml:"Influx"`
}

// DefaultConfig is the sector 32 TXM deployment.
func DefaultConfig() Config {
	return Config{
		Addr:     ":8620",
		Endpoint: "txm/xanes",
		Gateway:  "127.0.0.1:5064",
		Baud:     115200,
		Scan:     scan.DefaultConfig(),
		Launch:   launch.DefaultConfig(),
		Grid:     launch.DefaultGridChannels(),
		Safety:   launch.DefaultSafety(),
		Curves: curve.Store{
			CalibratedDir: "/home/beams/USERTXM/curves/calibrated",
			FallbackDir:   "/home/beams/USERTXM/curves/simulated",
		},
		Recorder: RecorderSetup{Root: "xanes-archive", Prefix: "cal", Enabled: true},
	}
}

// BuildMux assembles the service behind a chi router: the calibration
// adapter mounted at the configured endpoint behind the scan interlock,
// the archive knobs injected alongside, and a route list at /endpoints.
// The returned shutdown cancels any scan, stops the script, and parks
// the beamline.
func BuildMux(c Config) (chi.Router, func()) {
	var gw scan.Gateway
	switch {
	case c.Mock:
		log.Println("mock beamline: synthetic Fe edge, no hardware touched")
		gw = ca.NewMock(ca.DefaultMockConfig())
	case c.Serial:
		gw = ca.NewClientSerial(&serial.Config{Name: c.Gateway, Baud: c.Baud})
	default:
		gw = ca.NewClient(c.Gateway)
	}

	sess := scan.NewSession(gw, c.Scan)
	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, xanes.Unprotected...)
	sess.Interlock = lock

	runner := launch.NewRunner(c.Launch)
	rec := &archive.Recorder{
		Root:    c.Recorder.Root,
		Prefix:  c.Recorder.Prefix,
		Enabled: c.Recorder.Enabled,
	}
	sink := archive.NewSink(c.Influx)
	if sink.Enabled() {
		log.Println("scan telemetry to", c.Influx.URL)
	}

	h := xanes.NewHTTPCalibrator(sess, c.Curves, runner, rec, sink)
	h.Grid = c.Grid
	h.Safety = c.Safety
	locker.Inject(h, lock)
	archive.NewHTTPWrapper(rec).Inject(h)

	root := chi.NewRouter()
	root.Use(middleware.Logger)

	mount := generichttp.SubMuxSanitize(c.Endpoint)
	routes := map[string][]string{mount: h.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(lock.Check)
	h.RT().Bind(r)
	root.Mount(mount, r)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(routes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	shutdown := func() {
		if sess.State() == scan.Running {
			sess.Cancel()
			deadline := time.Now().Add(5 * time.Second)
			for sess.State() == scan.Running && time.Now().Before(deadline) {
				time.Sleep(50 * time.Millisecond)
			}
		}
		runner.Stop()
		launch.SafetyStop(gw, h.Safety, util.SecsToDuration(c.Scan.IOTimeout))
		sink.Close()
	}
	return root, shutdown
}
