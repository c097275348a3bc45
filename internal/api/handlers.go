package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/martinsuchenak/fleetd/internal/fleet"
	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/martinsuchenak/fleetd/internal/provider"
	"github.com/martinsuchenak/fleetd/internal/storage"
)

// Handler handles HTTP requests
type Handler struct {
	storage    storage.Storage
	deviceMgr  *fleet.DeviceManager
	proxyMgr   *fleet.ProxyManager
	reconciler *fleet.Reconciler
	power      *fleet.PowerController
}

// NewHandler creates a new API handler
func NewHandler(s storage.Storage, deviceMgr *fleet.DeviceManager, proxyMgr *fleet.ProxyManager, reconciler *fleet.Reconciler, power *fleet.PowerController) *Handler {
	return &Handler{
		storage:    s,
		deviceMgr:  deviceMgr,
		proxyMgr:   proxyMgr,
		reconciler: reconciler,
		power:      power,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Accounts
	mux.HandleFunc("GET /api/accounts", h.listAccounts)
	mux.HandleFunc("POST /api/accounts", h.createAccount)
	mux.HandleFunc("POST /api/accounts/import", h.importAccounts)
	mux.HandleFunc("POST /api/accounts/{id}/rotate-device", h.rotateDevice)
	mux.HandleFunc("POST /api/accounts/{id}/unassign-proxy", h.unassignProxy)

	// Devices
	mux.HandleFunc("GET /api/devices", h.listDevices)
	mux.HandleFunc("POST /api/devices/refresh", h.refreshDevices)
	mux.HandleFunc("POST /api/devices/auto-assign", h.autoAssignDevices)
	mux.HandleFunc("POST /api/devices/cleanup", h.cleanupDevices)
	mux.HandleFunc("POST /api/devices/{id}/assign", h.assignDevice)
	mux.HandleFunc("POST /api/devices/{id}/release", h.releaseDevice)
	mux.HandleFunc("POST /api/devices/{id}/start", h.startDevice)
	mux.HandleFunc("POST /api/devices/{id}/stop", h.stopDevice)
	mux.HandleFunc("POST /api/devices/{id}/restart", h.restartDevice)

	// Proxies
	mux.HandleFunc("GET /api/proxies", h.listProxies)
	mux.HandleFunc("POST /api/proxies", h.createProxy)
	mux.HandleFunc("POST /api/proxies/import", h.importProxies)
	mux.HandleFunc("POST /api/proxies/auto-assign", h.autoAssignProxies)
	mux.HandleFunc("POST /api/proxies/sync", h.syncProxies)
	mux.HandleFunc("GET /api/proxies/status", h.proxyStatus)
	mux.HandleFunc("POST /api/proxies/{id}/assign", h.assignProxy)

	// Sync log
	mux.HandleFunc("GET /api/sync-log", h.listSyncLog)
}

// --- Accounts ---

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.storage.ListAccounts()
	if err != nil {
		log.Error("Failed to list accounts", "error", err)
		h.internalError(w, err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var account model.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		log.Warn("Invalid account creation request body", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if account.Label == "" {
		h.writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	if account.ID == "" {
		account.ID = generateID()
	}

	if err := h.storage.CreateAccount(&account); err != nil {
		log.Error("Failed to create account", "error", err, "label", account.Label)
		h.internalError(w, err)
		return
	}

	log.Info("Account created", "id", account.ID, "label", account.Label)
	h.writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) importAccounts(w http.ResponseWriter, r *http.Request) {
	var accounts []model.Account
	if err := json.NewDecoder(r.Body).Decode(&accounts); err != nil {
		log.Warn("Invalid account import request body", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report := model.AssignReport{Errors: []model.ItemError{}}
	for i := range accounts {
		a := &accounts[i]
		if a.Label == "" {
			report.Errors = append(report.Errors, model.ItemError{Label: a.ID, Reason: "label is required"})
			continue
		}
		if a.ID == "" {
			a.ID = generateID()
		}
		if err := h.storage.CreateAccount(a); err != nil {
			report.Errors = append(report.Errors, model.ItemError{Label: a.Label, Reason: err.Error()})
			continue
		}
		report.Assigned++
	}

	log.Info("Accounts imported", "imported", report.Assigned, "errors", len(report.Errors))
	h.writeJSON(w, http.StatusOK, report)
}

// --- Devices ---

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.storage.ListDevices()
	if err != nil {
		log.Error("Failed to list devices", "error", err)
		h.internalError(w, err)
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}
	h.writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) refreshDevices(w http.ResponseWriter, r *http.Request) {
	count, err := h.deviceMgr.Refresh(r.Context())
	if err != nil {
		log.Error("Failed to refresh devices", "error", err)
		h.providerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handler) assignDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		h.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	if err := h.deviceMgr.Assign(r.Context(), req.AccountID, deviceID); err != nil {
		h.assignmentError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "device assigned"})
}

func (h *Handler) releaseDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := h.deviceMgr.Release(r.Context(), deviceID); err != nil {
		h.assignmentError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "device released"})
}

func (h *Handler) rotateDevice(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	newDeviceID, err := h.deviceMgr.Rotate(r.Context(), accountID)
	if err != nil {
		h.assignmentError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"device_id": newDeviceID})
}

func (h *Handler) autoAssignDevices(w http.ResponseWriter, r *http.Request) {
	report, err := h.deviceMgr.AutoAssign(r.Context())
	if err != nil {
		log.Error("Device auto-assign failed", "error", err)
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) cleanupDevices(w http.ResponseWriter, r *http.Request) {
	cleaned, err := h.deviceMgr.CleanupStale(r.Context())
	if err != nil {
		log.Error("Stale assignment cleanup failed", "error", err)
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"cleaned": cleaned})
}

func (h *Handler) startDevice(w http.ResponseWriter, r *http.Request) {
	h.powerOp(w, r, h.power.Start)
}

func (h *Handler) stopDevice(w http.ResponseWriter, r *http.Request) {
	h.powerOp(w, r, h.power.Stop)
}

func (h *Handler) restartDevice(w http.ResponseWriter, r *http.Request) {
	h.powerOp(w, r, h.power.Restart)
}

func (h *Handler) powerOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, deviceID string) (model.PowerOutcome, error)) {
	deviceID := r.PathValue("id")
	outcome, err := op(r.Context(), deviceID)
	if err != nil {
		h.assignmentError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

// --- Proxies ---

func (h *Handler) listProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.storage.ListProxies()
	if err != nil {
		log.Error("Failed to list proxies", "error", err)
		h.internalError(w, err)
		return
	}
	if proxies == nil {
		proxies = []model.Proxy{}
	}
	// Credentials stay server-side.
	for i := range proxies {
		proxies[i].Password = ""
	}
	h.writeJSON(w, http.StatusOK, proxies)
}

func (h *Handler) createProxy(w http.ResponseWriter, r *http.Request) {
	var proxy model.Proxy
	if err := json.NewDecoder(r.Body).Decode(&proxy); err != nil {
		log.Warn("Invalid proxy creation request body", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if proxy.Host == "" || proxy.Port <= 0 {
		h.writeError(w, http.StatusBadRequest, "host and port are required")
		return
	}
	if proxy.ID == "" {
		proxy.ID = generateID()
	}

	if err := h.storage.CreateProxy(&proxy); err != nil {
		if errors.Is(err, storage.ErrProxyExists) {
			h.writeError(w, http.StatusConflict, "proxy already exists")
			return
		}
		log.Error("Failed to create proxy", "error", err, "proxy", proxy.Addr())
		h.internalError(w, err)
		return
	}

	log.Info("Proxy created", "id", proxy.ID, "proxy", proxy.Addr())
	proxy.Password = ""
	h.writeJSON(w, http.StatusCreated, proxy)
}

// importProxies accepts a plain-text body of host:port:user:pass lines.
func (h *Handler) importProxies(w http.ResponseWriter, r *http.Request) {
	report := model.AssignReport{Errors: []model.ItemError{}}

	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		proxy, err := parseProxyLine(line)
		if err != nil {
			report.Errors = append(report.Errors, model.ItemError{Label: line, Reason: err.Error()})
			continue
		}
		proxy.ID = generateID()
		if err := h.storage.CreateProxy(proxy); err != nil {
			report.Errors = append(report.Errors, model.ItemError{Label: proxy.Addr(), Reason: err.Error()})
			continue
		}
		report.Assigned++
	}
	if err := scanner.Err(); err != nil {
		h.writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	log.Info("Proxies imported", "imported", report.Assigned, "errors", len(report.Errors))
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) assignProxy(w http.ResponseWriter, r *http.Request) {
	proxyID := r.PathValue("id")
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		h.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	if err := h.proxyMgr.Assign(r.Context(), proxyID, req.AccountID); err != nil {
		h.assignmentError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "proxy assigned"})
}

func (h *Handler) unassignProxy(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if err := h.proxyMgr.Unassign(r.Context(), accountID); err != nil {
		h.assignmentError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "proxy unassigned"})
}

func (h *Handler) autoAssignProxies(w http.ResponseWriter, r *http.Request) {
	report, err := h.proxyMgr.AutoAssign(r.Context())
	if err != nil {
		log.Error("Proxy auto-assign failed", "error", err)
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) syncProxies(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.SyncAssignedProxies(r.Context())
	if err != nil {
		log.Error("Proxy sync failed", "error", err)
		h.providerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) proxyStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.reconciler.ProxyStatus(r.Context())
	if err != nil {
		log.Error("Proxy status failed", "error", err)
		h.providerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// --- Sync log ---

func (h *Handler) listSyncLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.storage.ListSyncLog(limit)
	if err != nil {
		log.Error("Failed to list sync log", "error", err)
		h.internalError(w, err)
		return
	}
	if entries == nil {
		entries = []model.SyncLogEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

// assignmentError maps manager and provider errors to HTTP statuses
// with the named condition in the body, so callers can react to the
// specific conflict instead of a generic failure.
func (h *Handler) assignmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrAccountNotFound),
		errors.Is(err, storage.ErrDeviceNotFound),
		errors.Is(err, storage.ErrProxyNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrDeviceAlreadyAssigned),
		errors.Is(err, fleet.ErrProxyAlreadyAssigned),
		errors.Is(err, fleet.ErrPoolExhausted),
		errors.Is(err, fleet.ErrDeviceNotRunning),
		errors.Is(err, provider.ErrDeviceNotReady),
		errors.Is(err, provider.ErrDeviceTransitioning):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.providerError(w, err)
	}
}

func (h *Handler) providerError(w http.ResponseWriter, err error) {
	switch {
	case provider.IsTransport(err):
		h.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, provider.ErrAuth):
		h.writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.internalError(w, err)
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// internalError logs the error and writes a generic 500 response
func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal server error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

// generateID generates a UUIDv7 with a random fallback
func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// parseProxyLine parses host:port or host:port:user:pass.
func parseProxyLine(line string) (*model.Proxy, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return nil, errors.New("expected host:port or host:port:user:pass")
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return nil, errors.New("invalid port")
	}

	proxy := &model.Proxy{Host: parts[0], Port: port}
	if len(parts) == 4 {
		proxy.Username = parts[2]
		proxy.Password = parts[3]
	}
	return proxy, nil
}
