// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pharosfund/pharos/backend"
	"github.com/pharosfund/pharos/project"
	"github.com/pharosfund/pharos/store"
)

// maxSubmitBytes bounds a pledge submission body. A pledge with the maximum
// number of dependency transactions stays far below this.
const maxSubmitBytes = 4 << 20

// Engine is the slice of the pledge engine the status server needs.
type Engine interface {
	// Project returns a registered project by ID.
	Project(id chainhash.Hash) (*project.Project, error)

	// OpenPledges returns the project's currently open pledges.
	OpenPledges(id chainhash.Hash) []*project.Pledge

	// ProjectState returns the project's lifecycle state.
	ProjectState(id chainhash.Hash) (store.ProjectState, error)

	// SubmitPledge verifies and accepts a pledge.
	SubmitPledge(ctx context.Context, projectID chainhash.Hash,
		p *project.Pledge) error
}

// The engine actor satisfies the server's needs directly.
var _ Engine = (*backend.Backend)(nil)

// ServerConfig carries the status server's collaborators.
type ServerConfig struct {
	// Engine answers status queries and accepts submissions.
	Engine Engine

	// OwnerToken, when non-empty, lets the project owner fetch full
	// pledges by presenting the token. Everyone else receives scrubbed
	// pledges.
	OwnerToken string
}

// Server answers project status queries and accepts pledge submissions over
// HTTP.
type Server struct {
	cfg ServerConfig
}

// NewServer returns a status server from the given config.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("missing engine")
	}

	return &Server{cfg: *cfg}, nil
}

// Router returns the server's HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/projects/{projectID}/status", s.handleStatus)
	r.Post("/pledges", s.handleSubmit)

	return r
}

// handleStatus answers GET /projects/{projectID}/status. Pledge transaction
// data is scrubbed unless the requester presents the owner token, so
// contributors stay pseudonymous towards each other.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := chainhash.NewHashFromStr(chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed project id")
		return
	}

	if _, err := s.cfg.Engine.Project(*id); err != nil {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	}

	doc := StatusDoc{ProjectID: id.String()}

	state, err := s.cfg.Engine.ProjectState(*id)
	if err == nil && state.State == project.StateClaimed &&
		state.ClaimedBy != nil {

		doc.ClaimedBy = state.ClaimedBy.String()
	}

	owner := s.isOwner(r)
	for _, p := range s.cfg.Engine.OpenPledges(*id) {
		if !owner {
			p = project.NewScrubbedPledge(
				p.Hash(), p.TotalInput(), p.Timestamp(),
				p.Memo(),
			)
		}
		pledgeDoc, err := store.EncodePledge(p)
		if err != nil {
			log.Errorf("Unable to encode pledge %s: %v", p.Hash(),
				err)
			writeError(w, http.StatusInternalServerError,
				"encoding failure")
			return
		}
		doc.Pledges = append(doc.Pledges, pledgeDoc)
	}

	writeJSON(w, http.StatusOK, &doc)
}

// handleSubmit answers POST /pledges. The pledge runs through the engine's
// full verification pipeline before anything is acknowledged; the error
// taxonomy maps onto status codes so clients can distinguish a structural
// rejection from a lost race for the remaining goal amount.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var doc SubmitDoc
	body := http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed submission")
		return
	}

	id, err := chainhash.NewHashFromStr(doc.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed project id")
		return
	}
	if doc.Pledge == nil {
		writeError(w, http.StatusBadRequest, "missing pledge")
		return
	}

	pledge, err := store.DecodePledge(doc.Pledge)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Infof("Received pledge submission %s for project %s",
		pledge.Hash(), id)

	if err := s.cfg.Engine.SubmitPledge(r.Context(), *id, pledge); err != nil {
		code, msg := submissionErrorCode(err)
		writeError(w, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, &StatusDoc{ProjectID: id.String()})
}

// submissionErrorCode maps a pledge rejection onto an HTTP status code.
func submissionErrorCode(err error) (int, string) {
	var (
		goalErr *project.GoalExceededError
		dupErr  *project.DuplicatedOutPointError
	)

	switch {
	case errors.Is(err, project.ErrUnknownProject):
		return http.StatusNotFound, err.Error()

	// Losing the race for the remaining goal amount or colliding with
	// another pledge's inputs is a conflict, not a malformed request.
	case errors.As(err, &goalErr), errors.As(err, &dupErr):
		return http.StatusConflict, err.Error()

	case errors.Is(err, project.ErrScrubbedPledge),
		errors.Is(err, project.ErrPledgeTooSmall),
		errors.Is(err, project.ErrTooManyDependencies),
		errors.Is(err, project.ErrUnsignedInput),
		errors.Is(err, project.ErrNoInputs),
		errors.Is(err, project.ErrOutputMismatch):

		return http.StatusBadRequest, err.Error()

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "verification timed out"

	default:
		return http.StatusBadGateway, err.Error()
	}
}

// isOwner reports whether the request proves project ownership.
func (s *Server) isOwner(r *http.Request) bool {
	if s.cfg.OwnerToken == "" {
		return false
	}
	token := r.Header.Get("X-Owner-Token")

	return subtle.ConstantTimeCompare(
		[]byte(token), []byte(s.cfg.OwnerToken),
	) == 1
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Unable to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, &errorDoc{Error: msg})
}
