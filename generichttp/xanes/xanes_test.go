package xanes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/aps-txm/xanesctl/archive"
	"github.com/aps-txm/xanesctl/ca"
	"github.com/aps-txm/xanesctl/curve"
	"github.com/aps-txm/xanesctl/generichttp/middleware/locker"
	"github.com/aps-txm/xanesctl/launch"
	"github.com/aps-txm/xanesctl/scan"
)

type harness struct {
	h        *HTTPCalibrator
	srv      *httptest.Server
	mock     *ca.Mock
	sess     *scan.Session
	rec      *archive.Recorder
	curveDir string
	energies string
}

// newHarnessWith builds a full adapter over a mock beamline.  settle is
// the per-point dwell in seconds; keep it tiny unless the test needs a
// window to race the scan.
func newHarnessWith(t *testing.T, settle float64) *harness {
	t.Helper()
	mock := ca.NewMock(ca.MockConfig{
		MoveTime:    time.Millisecond,
		AcquireTime: time.Millisecond,
	})
	cfg := scan.DefaultConfig()
	cfg.Settle = settle
	cfg.PollInterval = 0.001
	sess := scan.NewSession(mock, cfg)

	curveDir := t.TempDir()
	energies := filepath.Join(t.TempDir(), "energies.npy")
	runner := launch.NewRunner(launch.Config{
		Python:       "sh",
		Script:       "-c 'sleep 1'",
		EnergiesPath: energies,
	})
	rec := &archive.Recorder{Root: t.TempDir(), Prefix: "cal"}
	h := NewHTTPCalibrator(sess, curve.Store{FallbackDir: curveDir}, runner, rec, nil)

	r := chi.NewRouter()
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		sess.Cancel()
		runner.Stop()
		srv.Close()
	})
	return &harness{
		h:        h,
		srv:      srv,
		mock:     mock,
		sess:     sess,
		rec:      rec,
		curveDir: curveDir,
		energies: energies,
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, 0.001)
}

func (hn *harness) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(hn.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func (hn *harness) post(t *testing.T, path string, body interface{}) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling %s body: %v", path, err)
	}
	resp, err := http.Post(hn.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func decodeInto(t *testing.T, data []byte, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
}

// awaitState polls the state route until it reports want.
func (hn *harness) awaitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := hn.get(t, "/scan/state")
		var st struct {
			State string `json:"state"`
		}
		decodeInto(t, body, &st)
		if st.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for scan state %s", want)
}

func TestEdgeRoutes(t *testing.T) {
	hn := newHarness(t)

	code, body := hn.get(t, "/edges")
	if code != http.StatusOK {
		t.Fatalf("GET /edges: %d", code)
	}
	var table []struct {
		Symbol string  `json:"symbol"`
		KeV    float64 `json:"kev"`
	}
	decodeInto(t, body, &table)
	if len(table) != 15 {
		t.Errorf("expected 15 edges, got %d", len(table))
	}
	if table[0].Symbol != "Mn" || table[len(table)-1].Symbol != "Sr" {
		t.Errorf("expected Mn..Sr ascending, got %s..%s", table[0].Symbol, table[len(table)-1].Symbol)
	}

	code, body = hn.get(t, "/edges/fe")
	if code != http.StatusOK {
		t.Fatalf("GET /edges/fe: %d", code)
	}
	var e struct {
		Symbol string  `json:"symbol"`
		KeV    float64 `json:"kev"`
	}
	decodeInto(t, body, &e)
	if e.Symbol != "Fe" || e.KeV != 7.112 {
		t.Errorf("expected Fe at 7.112, got %s at %v", e.Symbol, e.KeV)
	}

	if code, _ = hn.get(t, "/edges/Xx"); code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown element, got %d", code)
	}
}

func TestReferenceCurveRoute(t *testing.T) {
	hn := newHarness(t)
	f, err := os.Create(filepath.Join(hn.curveDir, "Fe.npy"))
	if err != nil {
		t.Fatal(err)
	}
	m := mat.NewDense(2, 3, []float64{
		7.0, 7.1, 7.2,
		10, 50, 90,
	})
	if err := npyio.Write(f, m); err != nil {
		t.Fatal(err)
	}
	f.Close()

	code, body := hn.get(t, "/edges/fe/curve")
	if code != http.StatusOK {
		t.Fatalf("GET /edges/fe/curve: %d (%s)", code, body)
	}
	var out struct {
		Symbol     string    `json:"symbol"`
		Calibrated bool      `json:"calibrated"`
		Energy     []float64 `json:"energy"`
		Signal     []float64 `json:"signal"`
	}
	decodeInto(t, body, &out)
	if out.Symbol != "Fe" || out.Calibrated {
		t.Errorf("expected an uncalibrated Fe curve, got %s calibrated=%v", out.Symbol, out.Calibrated)
	}
	if len(out.Energy) != 3 || out.Signal[1] != 50 {
		t.Errorf("curve did not survive the round trip: %+v", out)
	}

	if code, _ = hn.get(t, "/edges/cu/curve"); code != http.StatusNotFound {
		t.Errorf("expected 404 when no curve file exists, got %d", code)
	}
}

func TestPreviewRoute(t *testing.T) {
	hn := newHarness(t)
	cases := []struct {
		name        string
		body        map[string]interface{}
		status      int
		count       int
		first, last float64
		warned      bool
	}{
		{
			name:   "linear",
			body:   map[string]interface{}{"type": "linear", "start": 7.012, "end": 7.212, "step": 5},
			status: http.StatusOK, count: 41, first: 7.012, last: 7.212,
		},
		{
			name:   "element defaults",
			body:   map[string]interface{}{"type": "element", "element": "Fe"},
			status: http.StatusOK, count: 401, first: 6.912, last: 7.312,
		},
		{
			name:   "bounded keeps its upper",
			body:   map[string]interface{}{"type": "bounded", "lower": 7.0, "upper": 7.01, "step": 3},
			status: http.StatusOK, count: 5, first: 7.0, last: 7.01,
		},
		{
			name:   "explicit preserves order",
			body:   map[string]interface{}{"type": "explicit", "energies": []float64{7.2, 7.0, 7.1}},
			status: http.StatusOK, count: 3, first: 7.2, last: 7.1,
		},
		{
			name:   "sub-eV warns",
			body:   map[string]interface{}{"type": "linear", "start": 7.0, "end": 7.001, "step": 0.5},
			status: http.StatusOK, count: 3, first: 7.0, last: 7.001, warned: true,
		},
		{
			name:   "backwards range",
			body:   map[string]interface{}{"type": "linear", "start": 7.2, "end": 7.0, "step": 5},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown type",
			body:   map[string]interface{}{"type": "cubic"},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown element",
			body:   map[string]interface{}{"type": "element", "element": "Xx"},
			status: http.StatusNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := hn.post(t, "/sequence/preview", tc.body)
			if code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, code, body)
			}
			if tc.status != http.StatusOK {
				return
			}
			var out struct {
				Count   int     `json:"count"`
				First   float64 `json:"first"`
				Last    float64 `json:"last"`
				Warning string  `json:"warning"`
			}
			decodeInto(t, body, &out)
			if out.Count != tc.count || out.First != tc.first || out.Last != tc.last {
				t.Errorf("expected %d points %g..%g, got %d points %g..%g",
					tc.count, tc.first, tc.last, out.Count, out.First, out.Last)
			}
			if tc.warned != (out.Warning != "") {
				t.Errorf("warning mismatch: %q", out.Warning)
			}
		})
	}
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	hn := newHarness(t)

	code, body := hn.post(t, "/scan", map[string]interface{}{
		"type": "explicit", "energies": []float64{7.10, 7.11, 7.12},
	})
	if code != http.StatusOK {
		t.Fatalf("POST /scan: %d (%s)", code, body)
	}
	var started struct {
		RunID string `json:"run_id"`
	}
	decodeInto(t, body, &started)
	if started.RunID == "" {
		t.Fatal("expected a run_id")
	}

	hn.awaitState(t, "Completed")

	code, body = hn.get(t, "/scan/result")
	if code != http.StatusOK {
		t.Fatalf("GET /scan/result: %d", code)
	}
	var res struct {
		RunID  string `json:"runID"`
		State  string `json:"state"`
		Points []struct {
			Energy    float64 `json:"energy"`
			Intensity float64 `json:"intensity"`
		} `json:"points"`
	}
	decodeInto(t, body, &res)
	if res.RunID != started.RunID || res.State != "Completed" {
		t.Errorf("expected run %s Completed, got %s %s", started.RunID, res.RunID, res.State)
	}
	if len(res.Points) != 3 || res.Points[0].Energy != 7.10 {
		t.Errorf("unexpected points: %+v", res.Points)
	}

	_, body = hn.get(t, "/scan/progress")
	var prog struct {
		Completed int `json:"completed"`
		Total     int `json:"total"`
	}
	decodeInto(t, body, &prog)
	if prog.Completed != 3 || prog.Total != 3 {
		t.Errorf("expected progress 3/3, got %d/%d", prog.Completed, prog.Total)
	}

	code, body = hn.post(t, "/scan/analyze", map[string]interface{}{"element": "fe"})
	if code != http.StatusOK {
		t.Fatalf("POST /scan/analyze: %d (%s)", code, body)
	}
	var an struct {
		MeasuredKeV    float64 `json:"measured_kev"`
		TheoreticalKeV float64 `json:"theoretical_kev"`
		ShiftEV        float64 `json:"shift_ev"`
	}
	decodeInto(t, body, &an)
	if an.TheoreticalKeV != 7.112 {
		t.Errorf("expected theory 7.112, got %g", an.TheoreticalKeV)
	}
	if an.MeasuredKeV < 7.10 || an.MeasuredKeV > 7.12 {
		t.Errorf("measured edge %g outside the scanned range", an.MeasuredKeV)
	}
}

func TestScanConflictAndCancel(t *testing.T) {
	hn := newHarnessWith(t, 0.05)
	energies := make([]float64, 10)
	for i := range energies {
		energies[i] = 7.0 + float64(i)*0.01
	}
	code, body := hn.post(t, "/scan", map[string]interface{}{"type": "explicit", "energies": energies})
	if code != http.StatusOK {
		t.Fatalf("POST /scan: %d (%s)", code, body)
	}

	if code, _ = hn.post(t, "/scan", map[string]interface{}{"type": "explicit", "energies": []float64{7.0}}); code != http.StatusConflict {
		t.Errorf("expected 409 while a scan runs, got %d", code)
	}

	if code, _ = hn.post(t, "/scan/cancel", nil); code != http.StatusOK {
		t.Errorf("POST /scan/cancel: %d", code)
	}
	hn.awaitState(t, "Cancelled")

	_, body = hn.get(t, "/scan/result")
	var res struct {
		State  string            `json:"state"`
		Points []json.RawMessage `json:"points"`
	}
	decodeInto(t, body, &res)
	if res.State != "Cancelled" || len(res.Points) >= 10 {
		t.Errorf("expected a partial Cancelled result, got %s with %d points", res.State, len(res.Points))
	}
}

func TestResultBeforeAnyScan(t *testing.T) {
	hn := newHarness(t)
	if code, _ := hn.get(t, "/scan/result"); code != http.StatusNotFound {
		t.Errorf("expected 404 before any scan, got %d", code)
	}
	if code, _ := hn.post(t, "/scan/analyze", map[string]interface{}{"theoretical_kev": 7.112}); code != http.StatusNotFound {
		t.Errorf("expected 404 analyzing before any scan, got %d", code)
	}
}

func TestAnalyzeFlatCurveUnprocessable(t *testing.T) {
	hn := newHarness(t)
	// far above the mock's edge the sigmoid saturates and every frame is
	// identical
	code, _ := hn.post(t, "/scan", map[string]interface{}{
		"type": "explicit", "energies": []float64{9.0, 9.05, 9.1},
	})
	if code != http.StatusOK {
		t.Fatalf("POST /scan: %d", code)
	}
	hn.awaitState(t, "Completed")
	if code, _ = hn.post(t, "/scan/analyze", map[string]interface{}{"theoretical_kev": 9.05}); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a flat curve, got %d", code)
	}
}

func TestScanEventsWebsocket(t *testing.T) {
	hn := newHarness(t)
	wsURL := "ws" + strings.TrimPrefix(hn.srv.URL, "http") + "/scan/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	defer conn.Close()
	// let the server-side subscription land before events start flowing
	time.Sleep(50 * time.Millisecond)

	_, body := hn.post(t, "/scan", map[string]interface{}{
		"type": "explicit", "energies": []float64{7.10, 7.11, 7.12},
	})
	var started struct {
		RunID string `json:"run_id"`
	}
	decodeInto(t, body, &started)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var (
		lastKind string
		points   int
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("feed ended abnormally: %v", err)
			}
			break
		}
		var ev struct {
			Kind   string  `json:"kind"`
			RunID  string  `json:"runID"`
			Energy float64 `json:"energy"`
		}
		decodeInto(t, data, &ev)
		if ev.RunID != started.RunID {
			t.Errorf("event carries run %q, want %q", ev.RunID, started.RunID)
		}
		if ev.Kind == "point" {
			points++
			if ev.Energy < 7.10 || ev.Energy > 7.12 {
				t.Errorf("point energy %g outside the scan", ev.Energy)
			}
		}
		lastKind = ev.Kind
	}
	if lastKind != "completed" {
		t.Errorf("expected the feed to end with completed, got %q", lastKind)
	}
	if points != 3 {
		t.Errorf("expected 3 point events, got %d", points)
	}
}

func TestChannelRoutes(t *testing.T) {
	hn := newHarness(t)
	if code, _ := hn.post(t, "/channel/test:pv", map[string]interface{}{"f64": 3.5}); code != http.StatusOK {
		t.Fatalf("POST /channel: %d", code)
	}
	code, body := hn.get(t, "/channel/test:pv")
	if code != http.StatusOK {
		t.Fatalf("GET /channel: %d", code)
	}
	var f struct {
		F64 float64 `json:"f64"`
	}
	decodeInto(t, body, &f)
	if f.F64 != 3.5 {
		t.Errorf("expected 3.5 back, got %g", f.F64)
	}
	if code, _ = hn.get(t, "/channel/never:set"); code != http.StatusInternalServerError {
		t.Errorf("expected 500 reading an unknown channel, got %d", code)
	}
}

func TestAcquireExplicitWritesEnergies(t *testing.T) {
	hn := newHarness(t)
	code, body := hn.post(t, "/acquire", map[string]interface{}{
		"type": "explicit", "energies": []float64{7.0, 7.1},
	})
	if code != http.StatusOK {
		t.Fatalf("POST /acquire: %d (%s)", code, body)
	}

	seq, err := launch.ReadEnergies(hn.energies)
	if err != nil {
		t.Fatalf("energies file unreadable: %v", err)
	}
	if seq.Len() != 2 || seq.First() != 7.0 {
		t.Errorf("unexpected energies on disk: %v", seq)
	}
	if !launch.Fresh(hn.energies) {
		t.Error("just-written energies should be fresh")
	}

	code, body = hn.get(t, "/acquire/running")
	var b struct {
		Bool bool `json:"bool"`
	}
	decodeInto(t, body, &b)
	if code != http.StatusOK || !b.Bool {
		t.Errorf("expected the script running, got %d %v", code, b.Bool)
	}

	if code, _ = hn.post(t, "/acquire", map[string]interface{}{"type": "explicit", "energies": []float64{7.0, 7.1}}); code != http.StatusConflict {
		t.Errorf("expected 409 while the script runs, got %d", code)
	}

	if code, _ = hn.post(t, "/acquire/stop", nil); code != http.StatusOK {
		t.Errorf("POST /acquire/stop: %d", code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body = hn.get(t, "/acquire/running")
		decodeInto(t, body, &b)
		if !b.Bool {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b.Bool {
		t.Fatal("script still running after stop")
	}

	// stop forces the safety channels to their rest values
	v, err := hn.mock.GetValue("32idbSoft:epidH:on", time.Second)
	if err != nil || v != 0 {
		t.Errorf("expected the H feedback forced to 0, got %g (%v)", v, err)
	}
}

func TestAcquireGridPrimesChannels(t *testing.T) {
	hn := newHarness(t)
	code, body := hn.post(t, "/acquire", map[string]interface{}{
		"type": "linear", "start": 7.0, "end": 7.2, "step": 5,
	})
	if code != http.StatusOK {
		t.Fatalf("POST /acquire: %d (%s)", code, body)
	}
	defer hn.post(t, "/acquire/stop", nil)

	grid := hn.h.Grid
	for _, probe := range []struct {
		channel string
		want    float64
	}{
		{grid.Start, 7.0},
		{grid.End, 7.2},
		{grid.Step, 5},
	} {
		v, err := hn.mock.GetValue(probe.channel, time.Second)
		if err != nil {
			t.Fatalf("reading %s: %v", probe.channel, err)
		}
		if v != probe.want {
			t.Errorf("%s = %g, want %g", probe.channel, v, probe.want)
		}
	}

	// a grid acquisition must not overwrite the energies file
	if _, err := os.Stat(hn.energies); !os.IsNotExist(err) {
		t.Errorf("grid acquisition touched the energies file: %v", err)
	}
}

func TestAutoArchiveOnRetire(t *testing.T) {
	hn := newHarness(t)
	hn.rec.Enabled = true

	code, _ := hn.post(t, "/scan", map[string]interface{}{
		"type": "element", "element": "Fe", "half_width_kev": 0.01, "points": 5,
	})
	if code != http.StatusOK {
		t.Fatalf("POST /scan: %d", code)
	}
	hn.awaitState(t, "Completed")

	// the retire hook runs asynchronously after the terminal event
	var matches []string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		matches, _ = filepath.Glob(filepath.Join(hn.rec.Root, "*", "cal000001.fits"))
		if len(matches) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(matches) == 0 {
		t.Fatal("no FITS archive appeared after the run retired")
	}

	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	defer fits.Close()
	hdr := fits.HDU(0).Header()
	card := hdr.Get("ELEMENT")
	if card == nil || card.Value != "Fe" {
		t.Errorf("expected an ELEMENT Fe card on the archive, got %v", card)
	}
	if hdr.Get("SHIFTEV") == nil {
		t.Error("an element scan should archive with its analysis attached")
	}
}

func TestInterlockAllowlist(t *testing.T) {
	mock := ca.NewMock(ca.MockConfig{MoveTime: time.Millisecond, AcquireTime: time.Millisecond})
	cfg := scan.DefaultConfig()
	cfg.Settle = 0.05
	cfg.PollInterval = 0.001
	sess := scan.NewSession(mock, cfg)
	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, Unprotected...)
	sess.Interlock = lock

	runner := launch.NewRunner(launch.Config{Python: "sh", Script: "-c 'sleep 1'"})
	h := NewHTTPCalibrator(sess, curve.Store{}, runner, nil, nil)
	locker.Inject(h, lock)
	r := chi.NewRouter()
	r.Use(lock.Check)
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		sess.Cancel()
		srv.Close()
	})
	hn := &harness{srv: srv}

	energies := make([]float64, 10)
	for i := range energies {
		energies[i] = 7.0 + float64(i)*0.01
	}
	code, body := hn.post(t, "/scan", map[string]interface{}{"type": "explicit", "energies": energies})
	if code != http.StatusOK {
		t.Fatalf("POST /scan: %d (%s)", code, body)
	}

	// the engine owns the beamline now: pokes bounce, reads and cancel pass
	if code, _ = hn.post(t, "/channel/any:pv", map[string]interface{}{"f64": 1}); code != http.StatusLocked {
		t.Errorf("expected 423 poking a channel mid-scan, got %d", code)
	}
	if code, _ = hn.post(t, "/acquire", map[string]interface{}{"type": "explicit", "energies": []float64{7.0, 7.1}}); code != http.StatusLocked {
		t.Errorf("expected 423 launching the script mid-scan, got %d", code)
	}
	if code, _ = hn.get(t, "/scan/state"); code != http.StatusOK {
		t.Errorf("state must stay readable mid-scan, got %d", code)
	}
	if code, _ = hn.get(t, "/scan/progress"); code != http.StatusOK {
		t.Errorf("progress must stay readable mid-scan, got %d", code)
	}
	if code, _ = hn.post(t, "/scan/cancel", nil); code != http.StatusOK {
		t.Errorf("cancel must stay reachable mid-scan, got %d", code)
	}
	hn.awaitState(t, "Cancelled")

	// retired run releases the interlock
	if code, _ = hn.post(t, "/channel/any:pv", map[string]interface{}{"f64": 1}); code != http.StatusOK {
		t.Errorf("expected the lock released after cancel, got %d", code)
	}
}
