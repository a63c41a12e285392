package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"agentd/internal/fileversion"
	"agentd/internal/findings"
	"agentd/internal/lock"
	"agentd/internal/logging"
)

// maxBody bounds request bodies accepted by the API.
const maxBody = 1 << 20

// AcquireRequest is the body of POST /v1/locks.
type AcquireRequest struct {
	Path  string `json:"path"`
	Agent string `json:"agent"`
	Mode  string `json:"mode,omitempty"`
	// TimeoutMs: 0 tries once, -1 waits until the request is cancelled.
	TimeoutMs int `json:"timeout_ms"`
}

// AcquireResponse reports whether the lock was granted.
type AcquireResponse struct {
	Granted bool `json:"granted"`
}

// ReleaseRequest is the body of DELETE /v1/locks.
type ReleaseRequest struct {
	Path  string `json:"path"`
	Agent string `json:"agent"`
}

// ModificationRequest is the body of POST /v1/modifications.
type ModificationRequest struct {
	Path  string `json:"path"`
	Agent string `json:"agent"`
}

// ModificationResponse carries the recorded version and any conflict the
// write completed.
type ModificationResponse struct {
	Version  fileversion.FileVersion `json:"version"`
	Conflict *lock.Conflict          `json:"conflict,omitempty"`
}

// VersionResponse is returned by GET /v1/versions.
type VersionResponse struct {
	Changed bool                     `json:"changed"`
	Version *fileversion.FileVersion `json:"version,omitempty"`
}

// AddFindingResponse reports the tier a finding was stored in.
type AddFindingResponse struct {
	ID   string        `json:"id"`
	Tier findings.Tier `json:"tier"`
}

// ClearResponse reports how many findings were removed.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// ContextRequest is the body of PUT /v1/context.
type ContextRequest struct {
	Phase   findings.Phase `json:"phase"`
	Editing []string       `json:"editing"`
}

type apiError struct {
	Error string `json:"error"`
}

// mountAPI registers the agent-facing endpoints on mux.
func (rt *Runtime) mountAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/index", rt.handleIndex)
	mux.HandleFunc("GET /v1/findings", rt.handleFindings)
	mux.HandleFunc("POST /v1/findings", rt.handleAddFinding)
	mux.HandleFunc("DELETE /v1/findings", rt.handleClear)
	mux.HandleFunc("PUT /v1/context", rt.handleContext)
	mux.HandleFunc("GET /v1/locks", rt.handleLocks)
	mux.HandleFunc("POST /v1/locks", rt.handleAcquire)
	mux.HandleFunc("DELETE /v1/locks", rt.handleRelease)
	mux.HandleFunc("GET /v1/versions", rt.handleVersion)
	mux.HandleFunc("POST /v1/modifications", rt.handleModification)
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, code int, err error) {
	respond(w, code, apiError{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// workspacePath interprets relative paths against the workspace root rather
// than the daemon's working directory.
func (rt *Runtime) workspacePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rt.Config.Workspace.Root, p)
}

func queryTiers(r *http.Request) ([]findings.Tier, error) {
	var tiers []findings.Tier
	for _, name := range r.URL.Query()["tier"] {
		tier, err := findings.ParseTier(name)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

func (rt *Runtime) handleIndex(w http.ResponseWriter, r *http.Request) {
	ix, err := rt.Store.ReadIndex()
	if err != nil {
		fail(w, http.StatusNotFound, err)
		return
	}
	respond(w, http.StatusOK, ix)
}

func (rt *Runtime) handleFindings(w http.ResponseWriter, r *http.Request) {
	tiers, err := queryTiers(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	if len(tiers) == 0 {
		tiers = findings.Tiers
	}
	out := rt.Store.Findings(tiers...)
	if out == nil {
		out = []findings.Finding{}
	}
	respond(w, http.StatusOK, out)
}

func (rt *Runtime) handleAddFinding(w http.ResponseWriter, r *http.Request) {
	var raw findings.Finding
	if err := decode(r, &raw); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	if raw.ID == "" {
		raw.ID = findings.NewID()
	}
	if raw.Timestamp == "" {
		raw.Timestamp = findings.Now()
	}

	f, err := findings.New(raw)
	if err != nil {
		fail(w, http.StatusUnprocessableEntity, err)
		return
	}
	tier, err := rt.Store.AddFinding(r.Context(), f)
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusCreated, AddFindingResponse{ID: f.ID, Tier: tier})
}

func (rt *Runtime) handleClear(w http.ResponseWriter, r *http.Request) {
	tiers, err := queryTiers(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	n, err := rt.Store.Clear(r.Context(), tiers...)
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, ClearResponse{Removed: n})
}

func (rt *Runtime) handleContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	switch req.Phase {
	case "", findings.PhaseActiveCoding, findings.PhasePreCommit:
	default:
		fail(w, http.StatusBadRequest, fmt.Errorf("unknown phase %q", req.Phase))
		return
	}
	rt.Store.SetUserContext(findings.NewUserContext(req.Phase, req.Editing...))
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Runtime) handleLocks(w http.ResponseWriter, r *http.Request) {
	if path := r.URL.Query().Get("path"); path != "" {
		st, ok := rt.Locks.FileStatus(rt.workspacePath(path))
		if !ok {
			fail(w, http.StatusNotFound, fmt.Errorf("no lock state for %s", path))
			return
		}
		respond(w, http.StatusOK, st)
		return
	}
	out := rt.Locks.AllLocks()
	if out == nil {
		out = []lock.Status{}
	}
	respond(w, http.StatusOK, out)
}

func (rt *Runtime) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	mode, err := lock.ParseMode(req.Mode)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs < 0 {
		timeout = lock.WaitForever
	}

	granted, err := rt.Locks.Acquire(r.Context(), rt.workspacePath(req.Path), req.Agent, mode, timeout)
	if err != nil {
		code := http.StatusBadRequest
		if r.Context().Err() != nil {
			code = http.StatusRequestTimeout
		}
		fail(w, code, err)
		return
	}
	code := http.StatusOK
	if !granted {
		code = http.StatusConflict
	}
	respond(w, code, AcquireResponse{Granted: granted})
}

func (rt *Runtime) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	if err := rt.Locks.Release(rt.workspacePath(req.Path), req.Agent); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, lock.ErrLockNotHeld) {
			code = http.StatusConflict
		}
		fail(w, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Runtime) handleVersion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	changed, v, err := rt.Locks.CheckVersion(rt.workspacePath(q.Get("path")), q.Get("etag"))
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	respond(w, http.StatusOK, VersionResponse{Changed: changed, Version: v})
}

func (rt *Runtime) handleModification(w http.ResponseWriter, r *http.Request) {
	var req ModificationRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	path := rt.workspacePath(req.Path)
	v, err := rt.Locks.RecordModification(path, req.Agent, nil)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	respond(w, http.StatusOK, ModificationResponse{
		Version:  v,
		Conflict: rt.Locks.DetectConcurrentModifications(path),
	})
}

// withRequestID tags each request with an ID and logs it at debug level.
func withRequestID(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logger.NewRequestID()
		}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.WithContext(ctx).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
