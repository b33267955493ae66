package bootstrap

import (
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// API is the device-facing HTTP interface of the bootstrap service.
type API struct {
	service *Service
}

// APIBuilder is a builder helper for the bootstrap API.
type APIBuilder struct {
	// Service is the bootstrap service. This is mandatory.
	Service *Service
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI adds the bootstrap route to the router.
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
	log.Println("bootstrap: handle route /bootstrap POST")

	// constrained devices cannot be expected to handle http status codes,
	// hence the response is always 200 with the outcome in the envelope
	router.HandleFunc("/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			body = nil
		}
		envelope := a.service.Handle(r.Context(), body)
		w.Header().Set("Content-Type", "application/json")
		w.Write(envelope)
	}).Methods(http.MethodPost)
}
