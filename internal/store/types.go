package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ouuan/oj/internal/apierror"
)

// JobState is the job lifecycle state, stored verbatim as SQLite TEXT.
type JobState string

const (
	Queueing JobState = "Queueing"
	Running  JobState = "Running"
	Finished JobState = "Finished"
	Canceled JobState = "Canceled"
)

// JobResult is the verdict of a job or of a single case. The wire and
// storage representation uses the space-separated display form
// ("Compilation Error") rather than the Go identifier (CompilationError).
type JobResult string

const (
	ResultWaiting             JobResult = "Waiting"
	ResultRunning             JobResult = "Running"
	ResultAccepted            JobResult = "Accepted"
	ResultCompilationError    JobResult = "Compilation Error"
	ResultCompilationSuccess  JobResult = "Compilation Success"
	ResultWrongAnswer         JobResult = "Wrong Answer"
	ResultRuntimeError        JobResult = "Runtime Error"
	ResultTimeLimitExceeded   JobResult = "Time Limit Exceeded"
	ResultMemoryLimitExceeded JobResult = "Memory Limit Exceeded"
	ResultSystemError         JobResult = "System Error"
	ResultSPJError            JobResult = "SPJ Error"
	ResultSkipped             JobResult = "Skipped"
)

// MarshalJSON/UnmarshalJSON are the identity mapping here since JobResult's
// underlying string already is the wire format; they exist to document that
// this type is a closed enum rather than free-form text and to give callers
// a single type to marshal instead of a bare string.
func (r JobResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

func (r *JobResult) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = JobResult(s)
	return nil
}

func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

func (s *JobState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = JobState(v)
	return nil
}

// timeFormat is the API/storage timestamp format: YYYY-MM-DDTHH:MM:SS.mmmZ, UTC.
const timeFormat = "2006-01-02T15:04:05.000Z"

// parseTimestamp validates s against timeFormat and returns the UTC
// time.Time it names. name is the field being validated, used only for
// the error message.
func parseTimestamp(s, name string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, apierror.New(apierror.InvalidArgument, fmt.Sprintf(
			"The '%s' [%s] is not a valid time. Should be of format [%s]. Error: %v.", name, s, timeFormat, err))
	}
	return t.UTC(), nil
}

// normalizeTimestamp validates s against timeFormat and returns it
// reformatted through timeFormat, so that two timestamps which parse to
// the same instant always compare equal lexicographically once stored.
func normalizeTimestamp(s, name string) (string, error) {
	t, err := parseTimestamp(s, name)
	if err != nil {
		return "", err
	}
	return t.Format(timeFormat), nil
}

// User is a judge account. Id 0 is the reserved root user, seeded by the
// migration that creates the users table.
type User struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Contest is a time-boxed group of users competing on a fixed problem set.
// Id 0 is never stored; it is accepted by the API as "no contest" / "global".
type Contest struct {
	ID              int32   `json:"id"`
	Name            string  `json:"name"`
	From            string  `json:"from"`
	To              string  `json:"to"`
	ProblemIDs      []int32 `json:"problem_ids"`
	UserIDs         []int32 `json:"user_ids"`
	SubmissionLimit int32   `json:"submission_limit"`
}

// Job is a single submission and its judging progress/outcome.
type Job struct {
	ID          int32     `json:"id"`
	CreatedTime string    `json:"created_time"`
	UpdatedTime string    `json:"updated_time"`
	Submission  Submission `json:"submission"`
	State       JobState  `json:"state"`
	Result      JobResult `json:"result"`
	Score       float64   `json:"score"`
	Cases       []Case    `json:"cases,omitempty"`
}

// Submission is the immutable request payload of a Job.
type Submission struct {
	SourceCode string `json:"source_code"`
	Language   string `json:"language"`
	UserID     int32  `json:"user_id"`
	ContestID  int32  `json:"contest_id"`
	ProblemID  int32  `json:"problem_id"`
}

// Case is one graded case row, index 0 is the compilation pseudo-case.
type Case struct {
	ID     int32     `json:"id"`
	Result JobResult `json:"result"`
	Time   int64     `json:"time"`
	Memory int64     `json:"memory"`
	Info   string    `json:"info"`
}

// JobInfo is the subset of Job fields the ranklist and judger need, without
// the per-case rows (avoids loading cases for jobs the aggregation discards).
type JobInfo struct {
	ID        int32
	UserID    int32
	ContestID int32
	ProblemID int32
	Language  string
	State     JobState
	Result    JobResult
	Score     float64
}

// JobFilter is the optional query used by GetJobs; a nil/zero field means
// "unconstrained".
type JobFilter struct {
	UserID    *int32
	UserName  *string
	ContestID *int32
	ProblemID *int32
	Language  *string
	From      *string
	To        *string
	State     *JobState
	Result    *JobResult
}

func (f JobFilter) String() string {
	return fmt.Sprintf("%+v", struct {
		UserID, ContestID, ProblemID *int32
	}{f.UserID, f.ContestID, f.ProblemID})
}
