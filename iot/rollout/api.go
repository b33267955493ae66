package rollout

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

// API is the operator-facing RESTful interface of the rollout manager.
type API struct {
	manager *Manager
}

// APIBuilder is a builder helper for the rollout API.
type APIBuilder struct {
	// Manager is the rollout manager. This is mandatory.
	Manager *Manager
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI adds the rollout routes to the router.
func NewAPI(b *APIBuilder) *API {
	if b.Manager == nil {
		panic("Manager is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{manager: b.Manager}
	a.handleRoutes(b.Router)
	return a
}

const rolloutRoute = "/tenants/{tenant_id}/rollouts"

func (a *API) handleRoutes(router *mux.Router) {
	log.Println("rollout: handle route " + rolloutRoute + " POST")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id} GET")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id}/start POST")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id}/pause POST")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id}/resume POST")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id}/rollback POST")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id}/advance POST")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id}/stats GET")
	log.Println("rollout: handle route " + rolloutRoute + "/{rollout_id}/devices/{device_id}/progress PUT")

	router.HandleFunc(rolloutRoute, func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenant_id"]
		body, _ := io.ReadAll(r.Body)
		var request struct {
			FirmwareID uuid.UUID `json:"firmwareId"`
			Strategy   Strategy  `json:"strategy"`
		}
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, iot.WrapError(iot.ErrCodeValidation, err, "invalid request body"))
			return
		}
		rollout, err := a.manager.Create(r.Context(), tenantID, request.FirmwareID, &request.Strategy)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rollout)
	}).Methods(http.MethodPost)

	router.HandleFunc(rolloutRoute+"/{rollout_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, rolloutID, ok := rolloutVars(w, r)
		if !ok {
			return
		}
		rollout, err := a.manager.Get(r.Context(), tenantID, rolloutID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rollout)
	}).Methods(http.MethodGet)

	transition := func(route string, op func(r *http.Request, tenantID string, rolloutID uuid.UUID) (interface{}, error)) {
		router.HandleFunc(rolloutRoute+"/{rollout_id}/"+route, func(w http.ResponseWriter, r *http.Request) {
			tenantID, rolloutID, ok := rolloutVars(w, r)
			if !ok {
				return
			}
			rollout, err := op(r, tenantID, rolloutID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rollout)
		}).Methods(http.MethodPost)
	}
	transition("start", func(r *http.Request, tenantID string, rolloutID uuid.UUID) (interface{}, error) {
		return a.manager.Start(r.Context(), tenantID, rolloutID)
	})
	transition("pause", func(r *http.Request, tenantID string, rolloutID uuid.UUID) (interface{}, error) {
		return a.manager.Pause(r.Context(), tenantID, rolloutID)
	})
	transition("resume", func(r *http.Request, tenantID string, rolloutID uuid.UUID) (interface{}, error) {
		return a.manager.Resume(r.Context(), tenantID, rolloutID)
	})
	transition("rollback", func(r *http.Request, tenantID string, rolloutID uuid.UUID) (interface{}, error) {
		return a.manager.Rollback(r.Context(), tenantID, rolloutID)
	})
	transition("advance", func(r *http.Request, tenantID string, rolloutID uuid.UUID) (interface{}, error) {
		return a.manager.AdvanceToNextIncrement(r.Context(), tenantID, rolloutID)
	})

	router.HandleFunc(rolloutRoute+"/{rollout_id}/stats", func(w http.ResponseWriter, r *http.Request) {
		tenantID, rolloutID, ok := rolloutVars(w, r)
		if !ok {
			return
		}
		stats, err := a.manager.GetStats(r.Context(), tenantID, rolloutID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}).Methods(http.MethodGet)

	router.HandleFunc(rolloutRoute+"/{rollout_id}/devices/{device_id}/progress", func(w http.ResponseWriter, r *http.Request) {
		tenantID, rolloutID, ok := rolloutVars(w, r)
		if !ok {
			return
		}
		deviceID := mux.Vars(r)["device_id"]
		body, _ := io.ReadAll(r.Body)
		var request struct {
			Status   string `json:"status"`
			Progress int    `json:"progress"`
			Error    string `json:"error"`
		}
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, iot.WrapError(iot.ErrCodeValidation, err, "invalid request body"))
			return
		}
		rollout, err := a.manager.UpdateDeviceProgress(r.Context(), tenantID, rolloutID, deviceID,
			state.TaskStatus(request.Status), request.Progress, request.Error)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rollout)
	}).Methods(http.MethodPut)
}

func rolloutVars(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	params := mux.Vars(r)
	rolloutID, err := uuid.Parse(params["rollout_id"])
	if err != nil {
		writeError(w, iot.WrapError(iot.ErrCodeValidation, err, "invalid rollout id"))
		return "", uuid.Nil, false
	}
	return params["tenant_id"], rolloutID, true
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
	case iot.ErrCodeNotFound:
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
