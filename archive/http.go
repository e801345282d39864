package archive

import (
	"encoding/json"
	"net/http"

	"github.com/aps-txm/xanesctl/generichttp"
)

// HTTPWrapper exposes a recorder's folder, prefix and enable flag over
// HTTP so they can be changed on the fly.
//
// it does not implement generichttp.HTTPer, offering an Inject method
// allowing it to be injected into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder, creating today's
// dated subfolder to prove the path is usable.
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	old := rec.Root
	rec.Root = str.Str
	if _, err = rec.mkDir(); err != nil {
		rec.Root = old
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Inject adds GET and POST routes for /archive/root, /archive/prefix and
// /archive/enabled to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rec := h.Recorder
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/archive/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/archive/root"}] = generichttp.GetString(func() (string, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.Root, nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/archive/prefix"}] = generichttp.SetString(func(s string) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.Prefix = s
		rec.counter = 0
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/archive/prefix"}] = generichttp.GetString(func() (string, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.Prefix, nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/archive/enabled"}] = generichttp.SetBool(func(b bool) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.Enabled = b
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/archive/enabled"}] = generichttp.GetBool(func() (bool, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.Enabled, nil
	})
}
