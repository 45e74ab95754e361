package opshttp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"

	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
	"github.com/avhub/avhub/internal/manager"
)

var errUnknownDomain = errors.New("unknown domain")

// APIHandler handles HTTP requests for device management.
type APIHandler struct {
	managers map[devices.Domain]*manager.Manager
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(managers map[devices.Domain]*manager.Manager) *APIHandler {
	return &APIHandler{
		managers: managers,
	}
}

// RegisterRoutes registers all device API routes.
func (h *APIHandler) RegisterRoutes(api *mux.Router) {
	devicesAPI := api.PathPrefix("/devices").Subrouter()

	// Discovery (must come before /{id} routes)
	devicesAPI.HandleFunc("/scan", h.ScanDevices).Methods("GET", "POST")

	// Device management
	devicesAPI.HandleFunc("", h.ListDevices).Methods("GET")
	devicesAPI.HandleFunc("", h.AddDevice).Methods("POST")
	devicesAPI.HandleFunc("/{id}", h.GetDevice).Methods("GET")
	devicesAPI.HandleFunc("/{id}", h.UpdateDevice).Methods("PUT")
	devicesAPI.HandleFunc("/{id}", h.DeleteDevice).Methods("DELETE")
}

// ListDevices returns devices across domains, optionally filtered by
// ?domain= and ?status=.
func (h *APIHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	domainQ := r.URL.Query().Get("domain")
	statusQ := r.URL.Query().Get("status")

	list := make([]devices.Device, 0)

	for _, domain := range domainOrder {
		if domainQ != "" && string(domain) != domainQ {
			continue
		}

		m, ok := h.managers[domain]
		if !ok {
			continue
		}

		for _, d := range m.Devices() {
			if statusQ != "" && string(d.Status) != statusQ {
				continue
			}

			list = append(list, d)
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{
		"devices": list,
		"count":   len(list),
	})
}

// GetDevice returns a specific device by ID.
func (h *APIHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID := vars["id"]

	_, d, err := h.findDevice(deviceID)
	if err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, map[string]string{
			"error": err.Error(),
			"id":    deviceID,
		})

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, d)
}

// addDeviceRequest is a device spec plus the domain it belongs to.
type addDeviceRequest struct {
	Domain string `json:"domain,omitempty"`
	devices.Spec
}

// AddDevice registers a manually configured device.
func (h *APIHandler) AddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})

		return
	}

	m, err := h.managerFor(req)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": err.Error()})

		return
	}

	id, err := m.AddDevice(req.Spec)
	if err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, map[string]string{"error": err.Error()})

		return
	}

	d, err := m.Device(id)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": err.Error()})

		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, d)
}

// UpdateDevice applies a user patch to an existing device.
func (h *APIHandler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID := vars["id"]

	var p devices.Patch
	if err := render.DecodeJSON(r.Body, &p); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})

		return
	}

	m, _, err := h.findDevice(deviceID)
	if err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, map[string]string{
			"error": err.Error(),
			"id":    deviceID,
		})

		return
	}

	if err := m.UpdateDevice(deviceID, p); err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, map[string]string{
			"error": err.Error(),
			"id":    deviceID,
		})

		return
	}

	d, err := m.Device(deviceID)
	if err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, map[string]string{
			"error": err.Error(),
			"id":    deviceID,
		})

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, d)
}

// DeleteDevice removes a device.
func (h *APIHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID := vars["id"]

	m, _, err := h.findDevice(deviceID)
	if err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, map[string]string{
			"error": err.Error(),
			"id":    deviceID,
		})

		return
	}

	if err := m.RemoveDevice(deviceID); err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, map[string]string{
			"error": err.Error(),
			"id":    deviceID,
		})

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{
		"message": "device removed",
		"id":      deviceID,
	})
}

// ScanDevices runs an on-demand discovery cycle, optionally scoped by
// ?domain=.
func (h *APIHandler) ScanDevices(w http.ResponseWriter, r *http.Request) {
	domainQ := r.URL.Query().Get("domain")

	var (
		list    = make([]devices.Device, 0)
		failed  = make(map[string]string)
		scanned int
	)

	for _, domain := range domainOrder {
		if domainQ != "" && string(domain) != domainQ {
			continue
		}

		m, ok := h.managers[domain]
		if !ok {
			continue
		}

		scanned++

		found, err := m.Scan(r.Context())
		if err != nil {
			failed[string(domain)] = err.Error()

			continue
		}

		list = append(list, found...)
	}

	if scanned == 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{
			"error": fmt.Sprintf("%s: %q", errUnknownDomain, domainQ),
		})

		return
	}

	payload := map[string]any{
		"devices": list,
		"count":   len(list),
	}
	if len(failed) > 0 {
		payload["errors"] = failed
	}

	status := http.StatusOK
	if len(failed) == scanned {
		status = http.StatusBadGateway
	}

	render.Status(r, status)
	render.JSON(w, r, payload)
}

// findDevice locates the manager owning an ID. Domains keep disjoint
// ID shapes, so a linear probe is enough.
func (h *APIHandler) findDevice(id string) (*manager.Manager, *devices.Device, error) {
	for _, domain := range domainOrder {
		m, ok := h.managers[domain]
		if !ok {
			continue
		}

		d, err := m.Device(id)
		if err == nil {
			return m, d, nil
		}

		if !errors.Is(err, customerrors.ErrNotFound) {
			return nil, nil, err
		}
	}

	return nil, nil, fmt.Errorf("%w: %s", customerrors.ErrNotFound, id)
}

// managerFor picks the target manager for an add request. An explicit
// domain wins; otherwise a system path means local, an address means
// network.
func (h *APIHandler) managerFor(req addDeviceRequest) (*manager.Manager, error) {
	domain := devices.Domain(req.Domain)
	if domain == "" {
		if req.SystemPath != "" {
			domain = devices.DomainLocal
		} else {
			domain = devices.DomainNetwork
		}
	}

	m, ok := h.managers[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownDomain, req.Domain)
	}

	return m, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, customerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, customerrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, customerrors.ErrDuplicateIdentity):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}