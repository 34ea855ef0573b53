package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ouuan/oj/internal/apierror"
	"github.com/ouuan/oj/internal/store"
)

type postJobRequest struct {
	SourceCode string `json:"source_code"`
	Language   string `json:"language"`
	UserID     int32  `json:"user_id"`
	ContestID  int32  `json:"contest_id"`
	ProblemID  int32  `json:"problem_id"`
}

// handlePostJob validates the submission against the config (unknown
// language or problem id is NotFound before the store is touched) then
// creates and enqueues the job.
func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	var req postJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.New(apierror.InvalidArgument, "invalid request body"))
		return
	}

	if _, ok := s.cfg.LanguageMap[req.Language]; !ok {
		writeError(w, apierror.NotFound(fmt.Sprintf("Language %s", req.Language)))
		return
	}
	problem, ok := s.cfg.ProblemMap[req.ProblemID]
	if !ok {
		writeError(w, apierror.NotFound(fmt.Sprintf("Problem %d", req.ProblemID)))
		return
	}

	sub := store.Submission{
		SourceCode: req.SourceCode,
		Language:   req.Language,
		UserID:     req.UserID,
		ContestID:  req.ContestID,
		ProblemID:  req.ProblemID,
	}
	job, err := s.store.AddJob(r.Context(), sub, len(problem.Cases), s.queue)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Broadcast(fmt.Sprintf("job:%d", job.ID))
	writeJSON(w, job)
}

func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.store.GetJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id", "Job")
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, job)
}

func (s *Server) handleRejudgeJob(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id", "Job")
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.store.Rejudge(r.Context(), id, s.queue)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Broadcast(fmt.Sprintf("job:%d", job.ID))
	writeJSON(w, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id", "Job")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CancelJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.Broadcast(fmt.Sprintf("job:%d", id))
	w.WriteHeader(http.StatusOK)
}

func parsePathID(r *http.Request, param, name string) (int32, error) {
	raw := r.PathValue(param)
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, apierror.New(apierror.InvalidArgument, fmt.Sprintf("invalid %s id %q", name, raw))
	}
	return int32(id), nil
}

func parseJobFilter(r *http.Request) (store.JobFilter, error) {
	q := r.URL.Query()
	var filter store.JobFilter

	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return filter, apierror.New(apierror.InvalidArgument, "invalid user_id")
		}
		id32 := int32(id)
		filter.UserID = &id32
	}
	if v := q.Get("user_name"); v != "" {
		filter.UserName = &v
	}
	if v := q.Get("contest_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return filter, apierror.New(apierror.InvalidArgument, "invalid contest_id")
		}
		id32 := int32(id)
		filter.ContestID = &id32
	}
	if v := q.Get("problem_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return filter, apierror.New(apierror.InvalidArgument, "invalid problem_id")
		}
		id32 := int32(id)
		filter.ProblemID = &id32
	}
	if v := q.Get("language"); v != "" {
		filter.Language = &v
	}
	if v := q.Get("from"); v != "" {
		filter.From = &v
	}
	if v := q.Get("to"); v != "" {
		filter.To = &v
	}
	if v := q.Get("state"); v != "" {
		state := store.JobState(v)
		filter.State = &state
	}
	if v := q.Get("result"); v != "" {
		result := store.JobResult(v)
		filter.Result = &result
	}
	return filter, nil
}
