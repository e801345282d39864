// Command xanescal runs a single energy calibration scan from the
// terminal and reports the measured edge shift.  It talks to the channel
// gateway directly and does not need xanesd.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/sbinet/npyio"
	"github.com/theckman/yacspin"
	"gonum.org/v1/gonum/mat"

	"github.com/aps-txm/xanesctl/archive"
	"github.com/aps-txm/xanesctl/ca"
	"github.com/aps-txm/xanesctl/curve"
	"github.com/aps-txm/xanesctl/edge"
	"github.com/aps-txm/xanesctl/energy"
	"github.com/aps-txm/xanesctl/scan"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		element   = flag.String("element", "", "element symbol whose K edge to scan, e.g. Fe")
		start     = flag.Float64("start", 0, "first energy in keV, alternative to -element")
		end       = flag.Float64("end", 0, "last energy, keV")
		step      = flag.Float64("step", 1, "energy step, eV")
		halfWidth = flag.Float64("halfwidth", edge.DefaultHalfWidth, "half width of the window around the edge, keV")
		points    = flag.Int("points", edge.DefaultPoints, "points across the window")
		mock      = flag.Bool("mock", false, "use the synthetic beamline (Fe edge) instead of a gateway")
		gateway   = flag.String("gateway", "127.0.0.1:5064", "channel gateway address")
		fits      = flag.String("fits", "", "write the finished run to this FITS file")
		npy       = flag.String("npy", "", "write the curve to this npy file, 2xN: energies then intensities")
		verbose   = flag.Bool("v", false, "print each point instead of the spinner")
	)
	flag.Parse()

	var (
		span energy.LinearSpan
		theo float64
	)
	switch {
	case *element != "":
		e, err := edge.Lookup(*element)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 2
		}
		span = e.Window(*halfWidth, *points)
		theo = e.KeV
	case *start != 0 || *end != 0:
		span = energy.LinearSpan{Start: *start, End: *end, Step: *step}
	default:
		fmt.Fprintln(os.Stderr, "error: -element or -start/-end/-step is required")
		flag.Usage()
		return 2
	}
	if w := span.Warning(); w != "" {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	var gw scan.Gateway
	if *mock {
		gw = ca.NewMock(ca.DefaultMockConfig())
	} else {
		gw = ca.NewClient(*gateway)
	}
	sess := scan.NewSession(gw, scan.DefaultConfig())
	feed, unsub := sess.Subscribe()
	defer unsub()

	var spin *yacspin.Spinner
	if !*verbose {
		var err error
		spin, err = newSpinner()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		spin.Start()
		spin.Message("moving to first energy")
	}

	// first ^C cancels the scan, a second one gives up on the drain
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		if spin != nil {
			spin.Message("cancelling")
		} else {
			log.Println("cancelling")
		}
		sess.Cancel()
		<-sig
		os.Exit(130)
	}()

	id, err := sess.Start(span)
	if err != nil {
		if spin != nil {
			spin.StopFail()
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		if energy.IsInvalidRange(err) {
			return 2
		}
		return 1
	}
	if *verbose {
		log.Printf("scan %s started", id)
	}

	for ev := range feed {
		if ev.Kind != scan.KindPoint {
			continue
		}
		if *verbose {
			log.Printf("%3d/%d  %.4f keV  %12.1f", ev.Completed, ev.Total, ev.Energy, ev.Signal)
		} else {
			spin.Message(fmt.Sprintf("%d/%d  %.4f keV", ev.Completed, ev.Total, ev.Energy))
		}
	}

	res, ok := sess.LastResult()
	if !ok {
		fmt.Fprintln(os.Stderr, "error: scan produced no result")
		return 1
	}
	switch res.State {
	case scan.Cancelled:
		if spin != nil {
			spin.StopFailMessage(fmt.Sprintf("cancelled after %d points", len(res.Points)))
			spin.StopFail()
		}
		return 130
	case scan.Failed:
		if spin != nil {
			spin.StopFailMessage(res.Err.Error())
			spin.StopFail()
		}
		fmt.Fprintln(os.Stderr, "error:", res.Err)
		return 1
	}
	if spin != nil {
		spin.StopMessage(fmt.Sprintf("%d points in %s", len(res.Points),
			res.Finished.Sub(res.Started).Round(time.Millisecond)))
		spin.Stop()
	}

	printTable(os.Stdout, res.Points)
	var an *curve.Analysis
	if theo > 0 {
		a, err := sess.Analyze(theo)
		if err != nil {
			fmt.Fprintln(os.Stderr, "analysis:", err)
		} else {
			an = &a
			fmt.Printf("\nedge measured %.4f keV, tabulated %.4f keV, shift %+.1f eV\n",
				a.MeasuredKeV, a.TheoreticalKeV, a.ShiftEV)
		}
	}

	if *fits != "" {
		if err := archive.WriteFile(*fits, res, an); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
	}
	if *npy != "" {
		if err := writeNpy(*npy, res.Points); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
	}
	return 0
}

func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " calibration scan",
		SuffixAutoColon:   true,
		Message:           "starting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

func printTable(w io.Writer, pts []scan.Point) {
	fmt.Fprintf(w, "%10s  %12s\n", "keV", "counts")
	for _, p := range pts {
		fmt.Fprintf(w, "%10.4f  %12.1f\n", p.EnergyKeV, p.Intensity)
	}
}

// writeNpy stores the curve in the layout curve.Store reads back, so a
// measured scan can serve as a reference curve later.
func writeNpy(fn string, pts []scan.Point) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	m := mat.NewDense(2, len(pts), nil)
	for i, p := range pts {
		m.Set(0, i, p.EnergyKeV)
		m.Set(1, i, p.Intensity)
	}
	return npyio.Write(f, m)
}
