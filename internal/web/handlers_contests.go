package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ouuan/oj/internal/apierror"
	"github.com/ouuan/oj/internal/ranklist"
	"github.com/ouuan/oj/internal/store"
)

type postContestRequest struct {
	ID              *int32  `json:"id,omitempty"`
	Name            string  `json:"name"`
	From            string  `json:"from"`
	To              string  `json:"to"`
	ProblemIDs      []int32 `json:"problem_ids"`
	UserIDs         []int32 `json:"user_ids"`
	SubmissionLimit int32   `json:"submission_limit"`
}

// handlePostContest validates problem/user duplicates and problem
// existence at the API boundary (the store only validates user
// existence), then creates or updates the contest. The response echoes
// the input with id populated.
func (s *Server) handlePostContest(w http.ResponseWriter, r *http.Request) {
	var req postContestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.New(apierror.InvalidArgument, "invalid request body"))
		return
	}

	seenProblems := make(map[int32]bool, len(req.ProblemIDs))
	for _, pid := range req.ProblemIDs {
		if seenProblems[pid] {
			writeError(w, apierror.New(apierror.InvalidArgument, fmt.Sprintf("Duplicate problem %d.", pid)))
			return
		}
		seenProblems[pid] = true
		if _, ok := s.cfg.ProblemMap[pid]; !ok {
			writeError(w, apierror.NotFound(fmt.Sprintf("Problem %d", pid)))
			return
		}
	}
	seenUsers := make(map[int32]bool, len(req.UserIDs))
	for _, uid := range req.UserIDs {
		if seenUsers[uid] {
			writeError(w, apierror.New(apierror.InvalidArgument, fmt.Sprintf("Duplicate user %d.", uid)))
			return
		}
		seenUsers[uid] = true
	}

	contest := store.Contest{
		Name:            req.Name,
		From:            req.From,
		To:              req.To,
		ProblemIDs:      req.ProblemIDs,
		UserIDs:         req.UserIDs,
		SubmissionLimit: req.SubmissionLimit,
	}

	if req.ID == nil {
		id, err := s.store.AddContest(r.Context(), contest)
		if err != nil {
			writeError(w, err)
			return
		}
		req.ID = &id
		writeJSON(w, req)
		return
	}

	if err := s.store.UpdateContest(r.Context(), *req.ID, contest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, req)
}

func (s *Server) handleGetContests(w http.ResponseWriter, r *http.Request) {
	contests, err := s.store.ListContests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, contests)
}

func (s *Server) handleGetContest(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id", "Contest")
	if err != nil {
		writeError(w, err)
		return
	}
	contest, err := s.store.GetContest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, contest)
}

// handleRanklist computes and returns the contest's standings. contest_id
// 0 is accepted and means "global".
func (s *Server) handleRanklist(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id", "Contest")
	if err != nil {
		writeError(w, err)
		return
	}

	rule := ranklist.Latest
	switch r.URL.Query().Get("scoring_rule") {
	case "", "latest":
		rule = ranklist.Latest
	case "highest":
		rule = ranklist.Highest
	default:
		writeError(w, apierror.New(apierror.InvalidArgument, "invalid scoring_rule"))
		return
	}

	tie := ranklist.TieNone
	switch r.URL.Query().Get("tie_breaker") {
	case "":
		tie = ranklist.TieNone
	case "submission_time":
		tie = ranklist.TieSubmissionTime
	case "submission_count":
		tie = ranklist.TieSubmissionCount
	case "user_id":
		tie = ranklist.TieUserID
	default:
		writeError(w, apierror.New(apierror.InvalidArgument, "invalid tie_breaker"))
		return
	}

	rows, err := ranklist.Compute(r.Context(), s.store, s.cfg, id, rule, tie)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rows)
}
