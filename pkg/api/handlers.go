package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/registry"
	"github.com/cuemby/provisioner/pkg/types"
)

// decodeBody reads a JSON request body into v. It writes the 400 itself
// and returns false when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		writeBadRequest(w, "request body is required")
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   CodeInvalidRequest,
			Message: "request body too large",
		})
	default:
		writeBadRequest(w, "malformed JSON body: "+err.Error())
	}
	return false
}

func validationFailed(w http.ResponseWriter, err error) {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		writeBadRequest(w, "definition is invalid", verr.Problems...)
		return
	}
	writeBadRequest(w, err.Error())
}

// Worker types

func (s *Server) createWorkerType(w http.ResponseWriter, r *http.Request) {
	s.writeWorkerType(w, r, s.reg.WorkerTypes.Create)
}

func (s *Server) updateWorkerType(w http.ResponseWriter, r *http.Request) {
	s.writeWorkerType(w, r, s.reg.WorkerTypes.Update)
}

type workerTypeWrite func(ctx context.Context, name string, def *types.WorkerType) (*types.WorkerType, error)

func (s *Server) writeWorkerType(w http.ResponseWriter, r *http.Request, write workerTypeWrite) {
	name := r.PathValue("workerType")

	var def types.WorkerType
	if !decodeBody(w, r, &def) {
		return
	}
	def.WorkerType = name
	if err := def.Validate(); err != nil {
		validationFailed(w, err)
		return
	}

	wt, err := write(r.Context(), name, &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) getWorkerType(w http.ResponseWriter, r *http.Request) {
	wt, err := s.reg.WorkerTypes.Get(r.Context(), r.PathValue("workerType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) removeWorkerType(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.WorkerTypes.Delete(r.Context(), r.PathValue("workerType")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkerTypes(w http.ResponseWriter, r *http.Request) {
	names, err := s.reg.WorkerTypes.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) listWorkerTypeSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.reg.States.Summaries(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) getLaunchSpecs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.reg.WorkerTypes.LaunchSpecs(r.Context(), r.PathValue("workerType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

// AMI sets

func (s *Server) createAmiSet(w http.ResponseWriter, r *http.Request) {
	s.writeAmiSet(w, r, s.reg.AmiSets.Create)
}

func (s *Server) updateAmiSet(w http.ResponseWriter, r *http.Request) {
	s.writeAmiSet(w, r, s.reg.AmiSets.Update)
}

type amiSetWrite func(ctx context.Context, id string, def *types.AmiSet) (*types.AmiSet, error)

func (s *Server) writeAmiSet(w http.ResponseWriter, r *http.Request, write amiSetWrite) {
	id := r.PathValue("id")

	var def types.AmiSet
	if !decodeBody(w, r, &def) {
		return
	}
	def.ID = id
	if err := def.Validate(); err != nil {
		validationFailed(w, err)
		return
	}

	set, err := write(r.Context(), id, &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) getAmiSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.reg.AmiSets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) removeAmiSet(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.AmiSets.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAmiSets(w http.ResponseWriter, r *http.Request) {
	ids, err := s.reg.AmiSets.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// Secrets

// CreateSecretRequest is the body of PUT /secret/{token}
type CreateSecretRequest struct {
	WorkerType string         `json:"workerType"`
	Secrets    map[string]any `json:"secrets"`
	Scopes     []string       `json:"scopes"`
	Expiration time.Time      `json:"expiration"`
}

// Outcome is the body of write operations that return no entity
type Outcome struct {
	Outcome string `json:"outcome"`
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	var req CreateSecretRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var problems []string
	if req.WorkerType == "" {
		problems = append(problems, "workerType is required")
	}
	if req.Expiration.IsZero() {
		problems = append(problems, "expiration is required")
	}
	if len(problems) > 0 {
		writeBadRequest(w, "secret is invalid", problems...)
		return
	}

	err := s.reg.Secrets.Create(r.Context(), &types.Secret{
		Token:      r.PathValue("token"),
		WorkerType: req.WorkerType,
		Secrets:    req.Secrets,
		Scopes:     req.Scopes,
		Expiration: req.Expiration,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Outcome{Outcome: "success"})
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request) {
	resp, err := s.reg.Secrets.Fetch(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) removeSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Secrets.Delete(r.Context(), r.PathValue("token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) instanceStarted(w http.ResponseWriter, r *http.Request) {
	err := s.reg.Secrets.InstanceStarted(r.Context(), r.PathValue("instanceId"), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// State

// StateResponse is the stored snapshot of a worker type with its summary
type StateResponse struct {
	*types.WorkerState
	Summary *types.Summary `json:"summary"`
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("workerType")

	wt, err := s.reg.WorkerTypes.Get(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.reg.States.Read(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		WorkerState: state,
		Summary:     registry.Summarize(wt, state),
	})
}

// writeState stores the snapshot reported by the provisioning loop and
// answers with it and its summary
func (s *Server) writeState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("workerType")

	var state types.WorkerState
	if !decodeBody(w, r, &state) {
		return
	}
	if state.WorkerType != "" && state.WorkerType != name {
		writeBadRequest(w, fmt.Sprintf("workerType %q in body does not match %q", state.WorkerType, name))
		return
	}

	wt, err := s.reg.WorkerTypes.Get(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.reg.States.Write(r.Context(), name, &state); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.reg.States.Read(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		WorkerState: stored,
		Summary:     registry.Summarize(wt, stored),
	})
}

// PingResponse reports liveness
type PingResponse struct {
	Alive  bool    `json:"alive"`
	Uptime float64 `json:"uptime"`
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PingResponse{
		Alive:  true,
		Uptime: metrics.Uptime().Seconds(),
	})
}
