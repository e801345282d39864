// Package xanes exposes a calibration session, the reference curve store,
// and the acquisition-script runner over HTTP.
package xanes

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/aps-txm/xanesctl/archive"
	"github.com/aps-txm/xanesctl/curve"
	"github.com/aps-txm/xanesctl/edge"
	"github.com/aps-txm/xanesctl/energy"
	"github.com/aps-txm/xanesctl/generichttp"
	"github.com/aps-txm/xanesctl/launch"
	"github.com/aps-txm/xanesctl/scan"
	"github.com/aps-txm/xanesctl/util"
)

// Unprotected lists route fragments that stay reachable while the scan
// interlock is held: the read-only surface plus the paths that end a run.
// Feed it to locker.Locker.DoNotProtect.
var Unprotected = []string{
	"edges", "preview", "cancel", "state", "progress", "result",
	"analyze", "events", "stop", "running", "archive",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HTTPCalibrator exposes an HTTP interface to a calibration scan session
type HTTPCalibrator struct {
	// Grid holds the scan-range channels primed before a grid acquisition.
	Grid launch.GridChannels

	// Safety holds the channel writes made when acquisition stops.
	Safety []launch.SafetyWrite

	sess   *scan.Session
	store  curve.Store
	runner *launch.Runner
	rec    *archive.Recorder
	sink   *archive.Sink

	mu      sync.Mutex
	element string
	theoKeV float64

	// RouteTable maps methods and paths to handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPCalibrator wires a session, curve store, script runner, FITS
// recorder and telemetry sink into an HTTP adapter.  rec and sink may be
// nil (or disabled) to skip archival and telemetry.  The adapter owns the
// session's retire hook; set any interlock before calling this.
func NewHTTPCalibrator(sess *scan.Session, store curve.Store, runner *launch.Runner, rec *archive.Recorder, sink *archive.Sink) *HTTPCalibrator {
	h := &HTTPCalibrator{
		Grid:   launch.DefaultGridChannels(),
		Safety: launch.DefaultSafety(),
		sess:   sess,
		store:  store,
		runner: runner,
		rec:    rec,
		sink:   sink,
	}
	sess.OnRetire = h.retire
	if sink.Enabled() {
		go h.pointTelemetry()
	}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/edges"}] = h.GetEdges
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/edges/{symbol}"}] = h.GetEdge
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/edges/{symbol}/curve"}] = h.GetReferenceCurve
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/sequence/preview"}] = h.PreviewSequence
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/scan"}] = h.StartScan
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/scan/cancel"}] = h.CancelScan
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/state"}] = h.ScanState
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/progress"}] = h.ScanProgress
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/result"}] = h.ScanResult
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/scan/analyze"}] = h.AnalyzeScan
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/events"}] = h.ScanEvents
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acquire"}] = h.StartAcquire
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acquire/stop"}] = h.StopAcquire
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/acquire/running"}] = generichttp.GetBool(func() (bool, error) {
		return runner.Running(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/channel/{name}"}] = h.GetChannel
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/channel/{name}"}] = h.SetChannel
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPCalibrator) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPCalibrator) setElement(symbol string) {
	var kev float64
	if symbol != "" {
		if e, err := edge.Lookup(symbol); err == nil {
			kev = e.KeV
		}
	}
	h.mu.Lock()
	h.element, h.theoKeV = symbol, kev
	h.mu.Unlock()
}

func (h *HTTPCalibrator) lastElement() (string, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.element, h.theoKeV
}

// retire archives a retired run when the recorder is enabled, analyzing
// against the tabulated edge when the run was started by element.
func (h *HTTPCalibrator) retire(res scan.Result) {
	if h.rec == nil || !h.rec.Recording() || len(res.Points) == 0 {
		return
	}
	var an *curve.Analysis
	if _, kev := h.lastElement(); kev > 0 {
		if a, err := curve.Analyze(res.Curve(), kev); err == nil {
			an = &a
		}
	}
	fn, err := h.rec.Write(res, an)
	if err != nil {
		log.Printf("archiving run %s: %v", res.RunID, err)
		return
	}
	log.Printf("run %s archived to %s", res.RunID, fn)
}

// pointTelemetry feeds every scan event to the sink for the life of the
// process.  Subscriptions close as each run retires; the gap before the
// next subscribe can drop a leading event or two, which telemetry wears.
func (h *HTTPCalibrator) pointTelemetry() {
	for {
		feed, _ := h.sess.Subscribe()
		for ev := range feed {
			element, _ := h.lastElement()
			h.sink.Record(ev.RunID, element, ev)
		}
	}
}

// decodeSpec interprets the tagged-union range JSON.  The element symbol
// is non-empty only for type "element".
func decodeSpec(r io.Reader) (energy.Spec, string, error) {
	var raw struct {
		Type string `json:"type"`

		// linear
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Step  float64 `json:"step"`

		// bounded
		Lower float64 `json:"lower"`
		Upper float64 `json:"upper"`

		// explicit
		Energies []float64 `json:"energies"`

		// element
		Element   string  `json:"element"`
		HalfWidth float64 `json:"half_width_kev"`
		Points    int     `json:"points"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, "", fmt.Errorf("xanes: decoding range: %w", err)
	}
	switch strings.ToLower(raw.Type) {
	case "linear":
		return energy.LinearSpan{Start: raw.Start, End: raw.End, Step: raw.Step}, "", nil
	case "bounded":
		return energy.BoundedSpan{Lower: raw.Lower, Upper: raw.Upper, Step: int(raw.Step)}, "", nil
	case "explicit":
		return energy.Explicit(raw.Energies), "", nil
	case "element":
		e, err := edge.Lookup(raw.Element)
		if err != nil {
			return nil, "", err
		}
		return e.Window(raw.HalfWidth, raw.Points), e.Symbol, nil
	default:
		return nil, "", fmt.Errorf("xanes: unknown range type %q", raw.Type)
	}
}

// decodeSpecHTTP decodes the request body as a range spec, replying for
// the caller when it cannot.
func decodeSpecHTTP(w http.ResponseWriter, r *http.Request) (energy.Spec, string, bool) {
	defer r.Body.Close()
	sp, symbol, err := decodeSpec(r.Body)
	if err != nil {
		var unknown edge.UnknownElementError
		if errors.As(err, &unknown) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return nil, "", false
	}
	return sp, symbol, true
}

// respondErr maps domain errors onto status codes in one place.
func respondErr(w http.ResponseWriter, err error) {
	var (
		unknown      edge.UnknownElementError
		notFound     curve.CurveNotFoundError
		insufficient curve.InsufficientDataError
		degenerate   curve.DegenerateCurveError
	)
	switch {
	case errors.Is(err, scan.ErrScanActive), errors.Is(err, launch.ErrScriptActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &unknown), errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &insufficient), errors.As(err, &degenerate):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case energy.IsInvalidRange(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetEdges returns the absorption edge table as JSON
func (h *HTTPCalibrator) GetEdges(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, edge.Table())
}

// GetEdge returns one edge by element symbol
func (h *HTTPCalibrator) GetEdge(w http.ResponseWriter, r *http.Request) {
	e, err := edge.Lookup(chi.URLParam(r, "symbol"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, e)
}

// GetReferenceCurve returns the best reference curve on disk for an
// element, preferring a calibrated one over a simulated one
func (h *HTTPCalibrator) GetReferenceCurve(w http.ResponseWriter, r *http.Request) {
	e, err := edge.Lookup(chi.URLParam(r, "symbol"))
	if err != nil {
		respondErr(w, err)
		return
	}
	c, calibrated, err := h.store.LoadElement(e.Symbol)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, struct {
		Symbol     string    `json:"symbol"`
		Calibrated bool      `json:"calibrated"`
		Energy     []float64 `json:"energy"`
		Signal     []float64 `json:"signal"`
	}{e.Symbol, calibrated, c.Energy, c.Signal})
}

// PreviewSequence reports what a range spec would scan without touching
// any device
func (h *HTTPCalibrator) PreviewSequence(w http.ResponseWriter, r *http.Request) {
	sp, _, ok := decodeSpecHTTP(w, r)
	if !ok {
		return
	}
	seq, err := sp.Sequence()
	if err != nil {
		respondErr(w, err)
		return
	}
	var warning string
	if ls, linear := sp.(energy.LinearSpan); linear {
		warning = ls.Warning()
	}
	respondJSON(w, struct {
		Count   int     `json:"count"`
		First   float64 `json:"first"`
		Last    float64 `json:"last"`
		Warning string  `json:"warning,omitempty"`
	}{seq.Len(), seq.First(), seq.Last(), warning})
}

// StartScan launches a calibration scan over the posted range
func (h *HTTPCalibrator) StartScan(w http.ResponseWriter, r *http.Request) {
	sp, symbol, ok := decodeSpecHTTP(w, r)
	if !ok {
		return
	}
	id, err := h.sess.Start(sp)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.setElement(symbol)
	log.Printf("scan %s started", id)
	respondJSON(w, struct {
		RunID string `json:"run_id"`
	}{id})
}

// CancelScan asks the active scan to stop; always 200
func (h *HTTPCalibrator) CancelScan(w http.ResponseWriter, r *http.Request) {
	h.sess.Cancel()
	w.WriteHeader(http.StatusOK)
}

// ScanState reports the scan lifecycle state
func (h *HTTPCalibrator) ScanState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, struct {
		State string `json:"state"`
	}{h.sess.State().String()})
}

// ScanProgress reports points measured so far out of the point total
func (h *HTTPCalibrator) ScanProgress(w http.ResponseWriter, r *http.Request) {
	completed, total := h.sess.Progress()
	respondJSON(w, struct {
		Completed int    `json:"completed"`
		Total     int    `json:"total"`
		State     string `json:"state"`
	}{completed, total, h.sess.State().String()})
}

// ScanResult returns the last retired run, partial or complete
func (h *HTTPCalibrator) ScanResult(w http.ResponseWriter, r *http.Request) {
	res, ok := h.sess.LastResult()
	if !ok {
		http.Error(w, "no scan has finished; nothing to report", http.StatusNotFound)
		return
	}
	respondJSON(w, res)
}

// AnalyzeScan locates the edge on the last result and reports its shift
// from theory.  The body names either an element or a theoretical edge
// energy in keV.
func (h *HTTPCalibrator) AnalyzeScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Element        string  `json:"element"`
		TheoreticalKeV float64 `json:"theoretical_kev"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	kev := req.TheoreticalKeV
	if req.Element != "" {
		e, lerr := edge.Lookup(req.Element)
		if lerr != nil {
			respondErr(w, lerr)
			return
		}
		kev = e.KeV
	}
	if kev <= 0 {
		http.Error(w, "provide an element or a positive theoretical_kev", http.StatusBadRequest)
		return
	}
	if _, ok := h.sess.LastResult(); !ok {
		http.Error(w, "no scan has finished; nothing to analyze", http.StatusNotFound)
		return
	}
	an, err := h.sess.Analyze(kev)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, an)
}

// ScanEvents upgrades to a websocket and streams scan telemetry as JSON,
// one event per message, until the feed's terminal event or the client
// hangs up.
func (h *HTTPCalibrator) ScanEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		return
	}
	feed, unsub := h.sess.Subscribe()
	defer func() {
		unsub()
		conn.Close()
	}()

	gone := make(chan struct{})
	go func() {
		// the client sends nothing; reads only notice the close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(gone)
				return
			}
		}
	}()

	for {
		select {
		case ev, open := <-feed:
			if !open {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan over")
				conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// StartAcquire hands a range to the acquisition script and launches it.
// Explicit sequences travel via the energies file; grid ranges prime the
// scan-range channels and the script builds its own grid.
func (h *HTTPCalibrator) StartAcquire(w http.ResponseWriter, r *http.Request) {
	sp, _, ok := decodeSpecHTTP(w, r)
	if !ok {
		return
	}
	seq, err := sp.Sequence()
	if err != nil {
		respondErr(w, err)
		return
	}
	timeout := util.SecsToDuration(h.sess.Config().IOTimeout)
	if _, explicit := sp.(energy.Explicit); explicit {
		if err := launch.WriteEnergies(h.runner.Config().EnergiesPath, seq); err != nil {
			respondErr(w, err)
			return
		}
	} else if err := launch.PrimeGrid(h.sess.Gateway(), h.Grid, seq, timeout); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.runner.Start(); err != nil {
		respondErr(w, err)
		return
	}
	var warning string
	if ls, linear := sp.(energy.LinearSpan); linear {
		warning = ls.Warning()
	}
	respondJSON(w, struct {
		Started bool   `json:"started"`
		Points  int    `json:"points"`
		Warning string `json:"warning,omitempty"`
	}{true, seq.Len(), warning})
}

// StopAcquire stops the acquisition script and forces the safety channels
// to their rest values; always 200
func (h *HTTPCalibrator) StopAcquire(w http.ResponseWriter, r *http.Request) {
	h.runner.Stop()
	timeout := util.SecsToDuration(h.sess.Config().IOTimeout)
	launch.SafetyStop(h.sess.Gateway(), h.Safety, timeout)
	w.WriteHeader(http.StatusOK)
}

// GetChannel reads a raw channel through the gateway, for diagnostics
func (h *HTTPCalibrator) GetChannel(w http.ResponseWriter, r *http.Request) {
	timeout := util.SecsToDuration(h.sess.Config().IOTimeout)
	f, err := h.sess.Gateway().GetValue(chi.URLParam(r, "name"), timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}

// SetChannel writes a raw channel through the gateway, for diagnostics
func (h *HTTPCalibrator) SetChannel(w http.ResponseWriter, r *http.Request) {
	fT := generichttp.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&fT)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := util.SecsToDuration(h.sess.Config().IOTimeout)
	if err := h.sess.Gateway().SetValue(chi.URLParam(r, "name"), fT.F64, timeout); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
