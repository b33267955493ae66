package catalog

import (
	"io"
	"log"
	"net/http"
	"runtime/debug"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetcontrol/iot"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// API is the operator-facing RESTful interface of the catalog.
type API struct {
	service *Service
}

// APIBuilder is a builder helper for the catalog API.
type APIBuilder struct {
	// Service is the catalog service. This is mandatory.
	Service *Service
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI adds the catalog routes to the router.
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

const firmwareRoute = "/tenants/{tenant_id}/firmwares"

func (a *API) handleRoutes(router *mux.Router) {
	log.Println("catalog: handle route /tenants POST")
	log.Println("catalog: handle route /tenants/{tenant_id} GET")
	log.Println("catalog: handle route " + firmwareRoute + " GET POST")
	log.Println("catalog: handle route " + firmwareRoute + "/{firmware_id} GET")
	log.Println("catalog: handle route " + firmwareRoute + "/{firmware_id}/upload-url POST")
	log.Println("catalog: handle route " + firmwareRoute + "/{firmware_id}/publish POST")
	log.Println("catalog: handle route " + firmwareRoute + "/{firmware_id}/unpublish POST")

	router.HandleFunc("/tenants", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var tenant state.Tenant
		if err := json.Unmarshal(body, &tenant); err != nil {
			writeError(w, iot.WrapError(iot.ErrCodeValidation, err, "invalid request body"))
			return
		}
		created, err := a.service.CreateTenant(r.Context(), &tenant)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}).Methods(http.MethodPost)

	router.HandleFunc("/tenants/{tenant_id}", func(w http.ResponseWriter, r *http.Request) {
		tenant, err := a.service.GetTenant(r.Context(), mux.Vars(r)["tenant_id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tenant)
	}).Methods(http.MethodGet)

	router.HandleFunc(firmwareRoute, func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenant_id"]
		body, _ := io.ReadAll(r.Body)
		var firmware state.Firmware
		if err := json.Unmarshal(body, &firmware); err != nil {
			writeError(w, iot.WrapError(iot.ErrCodeValidation, err, "invalid request body"))
			return
		}
		firmware.TenantID = tenantID
		created, err := a.service.CreateFirmware(r.Context(), &firmware)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}).Methods(http.MethodPost)

	router.HandleFunc(firmwareRoute, func(w http.ResponseWriter, r *http.Request) {
		firmwares, err := a.service.ListFirmwares(r.Context(), mux.Vars(r)["tenant_id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, firmwares)
	}).Methods(http.MethodGet)

	router.HandleFunc(firmwareRoute+"/{firmware_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, firmwareID, ok := firmwareVars(w, r)
		if !ok {
			return
		}
		firmware, err := a.service.GetFirmware(r.Context(), tenantID, firmwareID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, firmware)
	}).Methods(http.MethodGet)

	router.HandleFunc(firmwareRoute+"/{firmware_id}/upload-url", func(w http.ResponseWriter, r *http.Request) {
		tenantID, firmwareID, ok := firmwareVars(w, r)
		if !ok {
			return
		}
		url, err := a.service.UploadURL(r.Context(), tenantID, firmwareID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"uploadUrl": url})
	}).Methods(http.MethodPost)

	publish := func(route string, op func(r *http.Request, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error)) {
		router.HandleFunc(firmwareRoute+"/{firmware_id}/"+route, func(w http.ResponseWriter, r *http.Request) {
			tenantID, firmwareID, ok := firmwareVars(w, r)
			if !ok {
				return
			}
			firmware, err := op(r, tenantID, firmwareID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, firmware)
		}).Methods(http.MethodPost)
	}
	publish("publish", func(r *http.Request, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error) {
		return a.service.Publish(r.Context(), tenantID, firmwareID)
	})
	publish("unpublish", func(r *http.Request, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error) {
		return a.service.Unpublish(r.Context(), tenantID, firmwareID)
	})
}

func firmwareVars(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	params := mux.Vars(r)
	firmwareID, err := uuid.Parse(params["firmware_id"])
	if err != nil {
		writeError(w, iot.WrapError(iot.ErrCodeValidation, err, "invalid firmware id"))
		return "", uuid.Nil, false
	}
	return params["tenant_id"], firmwareID, true
}

// apiError is the operator-facing error shape. Unlike the device
// envelope it carries a stack for diagnosis.
type apiError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := iot.CodeOf(err)
	response := apiError{ErrorCode: string(code), Message: err.Error()}
	status := http.StatusInternalServerError
	switch code {
	case iot.ErrCodeValidation:
		status = http.StatusBadRequest
	case iot.ErrCodeTenant, iot.ErrCodeNotFound:
		status = http.StatusNotFound
	case iot.ErrCodeStateConflict:
		status = http.StatusConflict
	default:
		response.Stack = string(debug.Stack())
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
