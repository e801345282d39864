package edge_test

import (
	"errors"
	"math"
	"testing"

	"github.com/aps-txm/xanesctl/edge"
)

func TestLookupFe(t *testing.T) {
	e, err := edge.Lookup("Fe")
	if err != nil {
		t.Fatal(err)
	}
	if e.KeV != 7.112 {
		t.Errorf("expected Fe K edge at 7.112 keV, got %v", e.KeV)
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	for _, sym := range []string{"fe", "FE", " Fe "} {
		e, err := edge.Lookup(sym)
		if err != nil {
			t.Errorf("%q: %v", sym, err)
			continue
		}
		if e.Symbol != "Fe" {
			t.Errorf("%q: expected canonical symbol Fe, got %q", sym, e.Symbol)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := edge.Lookup("Xx")
	var uerr edge.UnknownElementError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownElementError, got %v", err)
	}
	if uerr.Symbol != "Xx" {
		t.Errorf("expected the offending symbol in the error, got %q", uerr.Symbol)
	}
}

func TestTableAscending(t *testing.T) {
	table := edge.Table()
	if len(table) != 15 {
		t.Fatalf("expected 15 tabulated edges, got %d", len(table))
	}
	for i := 1; i < len(table); i++ {
		if table[i].KeV <= table[i-1].KeV {
			t.Errorf("table not ascending at %d: %v then %v", i, table[i-1].KeV, table[i].KeV)
		}
	}
	if table[0].Symbol != "Mn" || table[len(table)-1].Symbol != "Sr" {
		t.Errorf("expected table to run Mn..Sr, got %s..%s", table[0].Symbol, table[len(table)-1].Symbol)
	}
}

func TestWindowDefaults(t *testing.T) {
	e, err := edge.Lookup("Fe")
	if err != nil {
		t.Fatal(err)
	}
	span := e.Window(0, 0)
	if math.Abs(span.Start-6.912) > 1e-12 {
		t.Errorf("expected window start 6.912, got %v", span.Start)
	}
	if math.Abs(span.End-7.312) > 1e-12 {
		t.Errorf("expected window end 7.312, got %v", span.End)
	}
	if span.Step != 1.0 {
		t.Errorf("expected 1 eV step, got %v", span.Step)
	}
	n, err := span.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != edge.DefaultPoints {
		t.Errorf("expected %d points, got %d", edge.DefaultPoints, n)
	}
}

func TestWindowFloorsStepAtOneEV(t *testing.T) {
	e, err := edge.Lookup("Ni")
	if err != nil {
		t.Fatal(err)
	}
	span := e.Window(0.050, 401)
	if span.Step != 1.0 {
		t.Errorf("expected the step floored at 1 eV, got %v", span.Step)
	}
}
