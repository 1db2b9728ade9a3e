// Package pubsubservice is the thin HTTP request/response adapter over the
// dispatcher: it maps verbs on /publish and /subscribers/* to dispatcher
// operations and enforces access-key checks.
package pubsubservice

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dreamdispatch/pubsub/internal/dispatcher"
	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
	"github.com/dreamdispatch/pubsub/internal/subscriptionset"
)

const logTag = "[PUBSUB]"

// Service adapts a dispatcher.Dispatcher over HTTP.
type Service struct {
	dispatcher   *dispatcher.Dispatcher
	router       *mux.Router
	changeStream *changeStreamHub
}

// New builds a Service wired to d, registering its routes and hooking the
// diagnostics websocket stream into the dispatcher's change notifications.
func New(d *dispatcher.Dispatcher) *Service {
	s := &Service{dispatcher: d, changeStream: newChangeStreamHub()}
	d.OnChange(s.changeStream.broadcastDocument)
	s.routes()
	return s
}

// Handler returns the http.Handler to mount, with version-disclosure
// headers scrubbed from every response.
func (s *Service) Handler() http.Handler {
	return scrubVersionHeaders(s.router)
}

func (s *Service) routes() {
	r := mux.NewRouter()
	r.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/subscribers", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/subscribers", s.handleCombined).Methods(http.MethodGet)
	r.HandleFunc("/subscribers/{location}", s.handleGetSet).Methods(http.MethodGet)
	r.HandleFunc("/subscribers/{location}", s.handleReplace).Methods(http.MethodPut)
	r.HandleFunc("/subscribers/{location}", s.handleRemove).Methods(http.MethodDelete)
	r.HandleFunc("/diagnostics/subscriptions", s.handleDiagnostics).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics/subscriptions/stream", s.handleDiagnosticsStream)
	s.router = r
}

// handlePublish handles POST /publish.
func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	ev, err := dispatchevent.Parse(body)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.Dispatch(ev, true); err != nil {
		if errors.Is(err, dispatcher.ErrForbidden) {
			log.Printf("%s rejecting publish on reserved channel %s from %s", logTag, ev.Channel, r.RemoteAddr)
			http.Error(w, "reserved channel scheme", http.StatusForbidden)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := ev.Marshal()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeXML(w, http.StatusOK, data)
}

// handleRegister handles POST /subscribers, honoring the
// X-Set-Location-Key / X-Set-Access-Key headers as well as a
// query-param/cookie access key.
func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	owner, version, subs, err := subscriptionset.ParseDocument(body)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	location := r.Header.Get("X-Set-Location-Key")
	accessKey := r.Header.Get("X-Set-Access-Key")
	if accessKey == "" {
		accessKey = accessKeyFromRequest(r)
	}

	set, existed := s.dispatcher.Register(location, accessKey, owner, version, subs)
	locationURL := fmt.Sprintf("/subscribers/%s?access-key=%s", set.Location, set.AccessKey)
	if existed {
		w.Header().Set("Content-Location", locationURL)
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.Header().Set("Location", locationURL)
	w.WriteHeader(http.StatusCreated)
}

// handleCombined handles GET /subscribers. The combined set is the one
// publicly readable resource; no access key required.
func (s *Service) handleCombined(w http.ResponseWriter, r *http.Request) {
	doc := s.dispatcher.CombinedSet().Marshal()
	data, err := xml.Marshal(doc)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeXML(w, http.StatusOK, data)
}

// handleGetSet handles GET /subscribers/{location}, which requires the
// set's access key.
func (s *Service) handleGetSet(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	set, ok := s.dispatcher.Get(location)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !set.AccessGranted(accessKeyFromRequest(r)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	data, err := xml.Marshal(set.Marshal())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeXML(w, http.StatusOK, data)
}

// handleReplace handles PUT /subscribers/{location}.
func (s *Service) handleReplace(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	_, version, subs, err := subscriptionset.ParseDocument(body)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	accessKey := r.Header.Get("X-Set-Access-Key")
	if accessKey == "" {
		accessKey = accessKeyFromRequest(r)
	}

	set, err := s.dispatcher.Replace(location, accessKey, version, subs)
	switch {
	case errors.Is(err, dispatcher.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, dispatcher.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, dispatcher.ErrNotModified):
		w.WriteHeader(http.StatusNotModified)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		data, marshalErr := xml.Marshal(set.Marshal())
		if marshalErr != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeXML(w, http.StatusOK, data)
	}
}

// handleRemove handles DELETE /subscribers/{location}. Idempotent.
func (s *Service) handleRemove(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	accessKey := accessKeyFromRequest(r)

	if err := s.dispatcher.Remove(location, accessKey); err != nil {
		if errors.Is(err, dispatcher.ErrForbidden) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// diagnosticsEntry is the debugging view of one registered set returned by
// GET /diagnostics/subscriptions. JSON, not the XML wire document, since
// this endpoint is operator tooling, not a federation interface.
type diagnosticsEntry struct {
	Location      string `json:"location"`
	Owner         string `json:"owner"`
	Version       int64  `json:"version"`
	Subscriptions int    `json:"subscriptions"`
}

func (s *Service) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	sets := s.dispatcher.GetAll()
	out := make([]diagnosticsEntry, 0, len(sets))
	for _, set := range sets {
		subs, version := set.Snapshot()
		out = append(out, diagnosticsEntry{
			Location:      set.Location,
			Owner:         set.Owner.String(),
			Version:       version,
			Subscriptions: len(subs),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// accessKeyFromRequest reads the presented access key from either
// presentation form: a query parameter or a cookie.
func accessKeyFromRequest(r *http.Request) string {
	if k := r.URL.Query().Get("access-key"); k != "" {
		return k
	}
	if c, err := r.Cookie("access-key"); err == nil {
		return c.Value
	}
	return ""
}

func writeXML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write(body)
}
