package web

import (
	"encoding/json"
	"net/http"

	"github.com/ouuan/oj/internal/apierror"
)

type postUserRequest struct {
	ID   *int32 `json:"id,omitempty"`
	Name string `json:"name"`
}

// handlePostUser creates a user when id is absent, renames one when
// present.
func (s *Server) handlePostUser(w http.ResponseWriter, r *http.Request) {
	var req postUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.New(apierror.InvalidArgument, "invalid request body"))
		return
	}

	if req.ID == nil {
		user, err := s.store.AddUser(r.Context(), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, user)
		return
	}

	user, err := s.store.SetUserName(r.Context(), *req.ID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, user)
}

func (s *Server) handleGetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id", "User")
	if err != nil {
		writeError(w, err)
		return
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, user)
}
