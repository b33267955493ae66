package shadow

import (
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// API is the operator-facing RESTful interface of the shadow service.
type API struct {
	service *Service
}

// APIBuilder is a builder helper for the shadow API.
type APIBuilder struct {
	// Service is the shadow service. This is mandatory.
	Service *Service
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI adds the shadow routes to the router.
func NewAPI(b *APIBuilder) *API {
	if b.Service == nil {
		panic("Service is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{service: b.Service}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	log.Println("shadow: handle route /tenants/{tenant_id}/devices/{device_id}/shadow GET")
	log.Println("shadow: handle route /tenants/{tenant_id}/devices/{device_id}/shadow/desired PATCH")
	log.Println("shadow: handle route /tenants/{tenant_id}/devices/{device_id}/shadow/reported PATCH")
	log.Println("shadow: handle route /tenants/{tenant_id}/devices/{device_id}/shadow/history GET")

	router.HandleFunc("/tenants/{tenant_id}/devices/{device_id}/shadow", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		doc, err := a.service.Get(r.Context(), params["tenant_id"], params["device_id"])
		if err == state.ErrNotFound {
			http.Error(w, "no such shadow", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, doc)
	}).Methods(http.MethodGet)

	router.HandleFunc("/tenants/{tenant_id}/devices/{device_id}/shadow/desired", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		partial, ok := readPartial(w, r)
		if !ok {
			return
		}
		clientToken := r.URL.Query().Get("client_token")
		doc, err := a.service.UpdateDesired(r.Context(), params["tenant_id"], params["device_id"], partial, clientToken)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, doc)
	}).Methods(http.MethodPatch, http.MethodPut)

	router.HandleFunc("/tenants/{tenant_id}/devices/{device_id}/shadow/reported", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		partial, ok := readPartial(w, r)
		if !ok {
			return
		}
		doc, err := a.service.UpdateReported(r.Context(), params["tenant_id"], params["device_id"], partial)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, doc)
	}).Methods(http.MethodPatch, http.MethodPut)

	router.HandleFunc("/tenants/{tenant_id}/devices/{device_id}/shadow/history", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		history, err := a.service.History(r.Context(), params["tenant_id"], params["device_id"], limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, history)
	}).Methods(http.MethodGet)
}

func readPartial(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	body, _ := io.ReadAll(r.Body)
	if !json.Valid(body) {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return nil, false
	}
	var partial map[string]json.RawMessage
	if err := json.Unmarshal(body, &partial); err != nil {
		http.Error(w, "expected a json object", http.StatusBadRequest)
		return nil, false
	}
	return partial, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
