package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/knowledge"
	"github.com/loom-ai/loom/internal/pipeline"
	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/selector"
	"github.com/loom-ai/loom/internal/version"
)

const maxBodyBytes = 1 << 20

func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *APIServer) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var record registry.ServiceRecord
	if !s.decode(w, r, &record) {
		return
	}
	stored, err := s.store.RegisterService(record)
	if err != nil {
		if registry.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *APIServer) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var record registry.DeviceRecord
	if !s.decode(w, r, &record) {
		return
	}
	stored, err := s.store.RegisterDevice(record)
	if err != nil {
		if registry.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *APIServer) handleRegisterThing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var record registry.ThingRecord
	if !s.decode(w, r, &record) {
		return
	}
	stored, err := s.store.RegisterThing(record)
	if err != nil {
		if registry.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *APIServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.store.Heartbeat(body.Name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateRequest struct {
	DeviceID         string         `json:"deviceId,omitempty"`
	Prompt           string         `json:"prompt,omitempty"`
	ThingDescription map[string]any `json:"thingDescription,omitempty"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	Schema           map[string]any `json:"schema,omitempty"`
	Model            string         `json:"model,omitempty"`
	Broadcast        *bool          `json:"broadcast,omitempty"`
}

func (s *APIServer) handleGenerateUI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}

	dispatch := true
	if req.Broadcast != nil {
		dispatch = *req.Broadcast
	}

	resp, err := s.pipeline.Generate(r.Context(), pipeline.Request{
		DeviceID:         req.DeviceID,
		Prompt:           req.Prompt,
		ThingDescription: req.ThingDescription,
		Capabilities:     req.Capabilities,
		Schema:           req.Schema,
		Model:            req.Model,
		Dispatch:         dispatch,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"deviceId":            resp.DeviceID,
		"ui":                  resp.UI,
		"placeholder":         resp.Placeholder,
		"selection":           resp.Selection,
		"missingCapabilities": resp.MissingCapabilities,
		"connections":         resp.Connections,
	})
}

func (s *APIServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		DeviceID string `json:"deviceId,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	result := s.pipeline.Refresh(r.Context(), body.DeviceID)
	writeJSON(w, http.StatusOK, result)
}

// handleThingSubroutes serves GET /things/{id}/actions.
func (s *APIServer) handleThingSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/things/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "actions" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	thingID := parts[0]

	actions, cached := s.catalog.ThingActions(thingID)
	if !cached {
		thing := s.store.FindThing(thingID)
		if thing == nil {
			writeError(w, http.StatusNotFound, "thing not registered: "+thingID)
			return
		}
		var err error
		actions, err = s.catalog.EnsureThingActions(catalog.DiscoveryContext{
			ThingID:          thingID,
			ThingDescription: thing.Description,
			Metadata:         thing.Metadata,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thingId": thingID,
		"count":   len(actions),
		"actions": actions,
	})
}

// handleAction serves GET /actions/{id}.
func (s *APIServer) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/actions/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	action, err := s.catalog.FindAction(id)
	if err != nil {
		if errors.Is(err, catalog.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": action})
}

func (s *APIServer) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var (
			docs []knowledge.Document
			err  error
		)
		if tag := r.URL.Query().Get("tag"); tag != "" {
			docs, err = s.knowledge.ListByTag(r.Context(), tag)
		} else {
			docs, err = s.knowledge.List(r.Context())
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if docs == nil {
			docs = []knowledge.Document{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":     len(docs),
			"documents": docs,
		})

	case http.MethodPost:
		var doc knowledge.Document
		if !s.decode(w, r, &doc) {
			return
		}
		if doc.Content == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		stored, err := s.knowledge.Put(r.Context(), doc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stored)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/documents/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.knowledge.Get(r.Context(), id)
		if err != nil {
			if knowledge.IsNotFound(err) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case http.MethodDelete:
		if err := s.knowledge.Delete(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleQuery is the generation backend: full context in, UI document out,
// with provider/model/duration/usage metadata in response headers.
func (s *APIServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.pipeline.Generate(r.Context(), pipeline.Request{
		DeviceID:         req.DeviceID,
		Prompt:           req.Prompt,
		ThingDescription: req.ThingDescription,
		Capabilities:     req.Capabilities,
		Schema:           req.Schema,
		Model:            req.Model,
		Dispatch:         false,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("X-Loom-Provider", resp.Provider)
	w.Header().Set("X-Loom-Model", resp.Model)
	w.Header().Set("X-Loom-Duration-Ms", strconv.FormatInt(resp.DurationMillis, 10))
	w.Header().Set("X-Loom-Prompt-Tokens", strconv.Itoa(resp.Usage.PromptTokens))
	w.Header().Set("X-Loom-Completion-Tokens", strconv.Itoa(resp.Usage.CompletionTokens))

	writeJSON(w, http.StatusOK, map[string]any{
		"ui":                  resp.UI,
		"placeholder":         resp.Placeholder,
		"missingCapabilities": resp.MissingCapabilities,
	})
}

// handleSelectDevice is the arbitration backend: candidate feature vectors
// in, a verdict out.
func (s *APIServer) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.arbiter == nil {
		writeError(w, http.StatusServiceUnavailable, "no arbitration backend configured")
		return
	}
	var req selector.ArbitrationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, "candidates are required")
		return
	}
	result, err := s.arbiter.SelectDevice(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCapabilitySummary serves GET /capabilities/{name}.
func (s *APIServer) handleCapabilitySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/capabilities/")
	if name == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"summary": s.pipeline.CapabilitySummary(name),
	})
}

func (s *APIServer) handleRegistrySnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *APIServer) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       version.String(),
		"uptimeSeconds": time.Since(s.startTime).Seconds(),
		"services":      len(snap.Services),
		"devices":       len(snap.Devices),
		"things":        len(snap.Things),
		"connections":   s.hub.ClientCount(),
		"metrics":       s.pipeline.MetricsSnapshot(),
	})
}
