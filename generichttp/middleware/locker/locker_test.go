package locker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi"

	"github.com/aps-txm/xanesctl/generichttp"
)

type testHTTPer struct {
	rt generichttp.RouteTable
}

func (h testHTTPer) RT() generichttp.RouteTable { return h.rt }

func newLockedServer(t *testing.T, l *Locker) *httptest.Server {
	t.Helper()
	h := testHTTPer{rt: generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/value"}: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		},
		{Method: http.MethodPost, Path: "/value"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}}
	Inject(h, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestLockerBouncesProtectedRoutes(t *testing.T) {
	l := New()
	srv := newLockedServer(t, l)

	resp, err := http.Get(srv.URL + "/value")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unlocked GET: expected 200, got %d", resp.StatusCode)
	}

	l.Lock()
	resp, err = http.Get(srv.URL + "/value")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("locked GET: expected 423, got %d", resp.StatusCode)
	}

	// the lock routes stay reachable so the lock can be released
	resp, err = http.Get(srv.URL + "/lock")
	if err != nil {
		t.Fatal(err)
	}
	b := generichttp.BoolT{}
	json.NewDecoder(resp.Body).Decode(&b)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !b.Bool {
		t.Errorf("GET /lock while locked: expected 200 true, got %d %v", resp.StatusCode, b.Bool)
	}
}

func TestLockerHTTPRoundTrip(t *testing.T) {
	l := New()
	srv := newLockedServer(t, l)

	resp, err := http.Post(srv.URL+"/lock", "application/json", strings.NewReader(`{"bool":true}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !l.Locked() {
		t.Fatal("POST true did not lock")
	}

	resp, err = http.Post(srv.URL+"/lock", "application/json", strings.NewReader(`{"bool":false}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if l.Locked() {
		t.Fatal("POST false did not unlock")
	}

	resp, err = http.Get(srv.URL + "/value")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("after unlock: expected 200, got %d", resp.StatusCode)
	}
}

func TestLockerDoNotProtect(t *testing.T) {
	l := New()
	l.DoNotProtect = append(l.DoNotProtect, "state", "cancel")
	h := testHTTPer{rt: generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/scan/state"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		{Method: http.MethodPost, Path: "/scan/cancel"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		{Method: http.MethodPost, Path: "/scan"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}}
	r := chi.NewRouter()
	r.Use(l.Check)
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	l.Lock()
	resp, _ := http.Get(srv.URL + "/scan/state")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("allowlisted state: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = http.Post(srv.URL+"/scan/cancel", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("allowlisted cancel: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = http.Post(srv.URL+"/scan", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("protected scan start: expected 423, got %d", resp.StatusCode)
	}
}

func TestLockerConcurrentDrive(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Lock()
				l.Locked()
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if l.Locked() {
		t.Error("expected unlocked after balanced drive")
	}
}
