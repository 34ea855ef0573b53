package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ouuan/oj/internal/apierror"
)

type fakeEnqueuer struct {
	enqueued []int32
}

func (f *fakeEnqueuer) Enqueue(id int32) error {
	f.enqueued = append(f.enqueued, id)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "oj.db"), false)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestAddUserAssignsDenseIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.AddUser(ctx, "alice")
	if err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	// id 0 is the seeded root user, so the first created user gets id 1.
	if first.ID != 1 {
		t.Errorf("first.ID = %d, want 1", first.ID)
	}

	second, err := s.AddUser(ctx, "bob")
	if err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	if second.ID != 2 {
		t.Errorf("second.ID = %d, want 2", second.ID)
	}
}

func TestAddUserRejectsDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.AddUser(ctx, "alice"); err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	_, err := s.AddUser(ctx, "alice")
	if err == nil {
		t.Fatal("expected an error for a duplicate user name")
	}
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.InvalidArgument {
		t.Errorf("err = %v, want an InvalidArgument ApiError", err)
	}
}

func TestSetUserNameAllowsKeepingOwnName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.AddUser(ctx, "alice")
	if err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	renamed, err := s.SetUserName(ctx, u.ID, "alice")
	if err != nil {
		t.Fatalf("SetUserName should allow renaming a user to their own current name: %v", err)
	}
	if renamed.Name != "alice" {
		t.Errorf("Name = %q, want %q", renamed.Name, "alice")
	}
}

func TestSetUserNameUnknownIDIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SetUserName(context.Background(), 999, "ghost")
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.NotFound {
		t.Errorf("err = %v, want a NotFound ApiError", err)
	}
}

func TestAddJobEnqueuesBeforeCommitSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enq := &fakeEnqueuer{}

	job, err := s.AddJob(ctx, Submission{SourceCode: "print(1)", Language: "python", UserID: 0, ProblemID: 1}, 2, enq)
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}
	if job.ID != 0 {
		t.Errorf("first job ID = %d, want 0", job.ID)
	}
	if len(job.Cases) != 3 {
		t.Errorf("len(Cases) = %d, want 3 (case 0 plus 2 test cases)", len(job.Cases))
	}
	if len(enq.enqueued) != 1 || enq.enqueued[0] != job.ID {
		t.Errorf("enqueued = %v, want [%d]", enq.enqueued, job.ID)
	}
}

func TestAddJobUnknownUserIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddJob(context.Background(), Submission{UserID: 999, ProblemID: 1}, 1, &fakeEnqueuer{})
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.NotFound {
		t.Errorf("err = %v, want a NotFound ApiError", err)
	}
}

func TestFetchJobForJudgerTransitionsToRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}

	_, ok, err := s.FetchJobForJudger(ctx, job.ID)
	if err != nil {
		t.Fatalf("FetchJobForJudger error = %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for a queueing job")
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob error = %v", err)
	}
	if got.State != Running {
		t.Errorf("State = %v, want Running", got.State)
	}
}

func TestFetchJobForJudgerSkipsCancelledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}
	if err := s.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob error = %v", err)
	}

	_, ok, err := s.FetchJobForJudger(ctx, job.ID)
	if err != nil {
		t.Fatalf("FetchJobForJudger error = %v", err)
	}
	if ok {
		t.Error("expected ok=false for a cancelled job")
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob error = %v", err)
	}
	if got.State != Canceled {
		t.Errorf("State = %v, want Canceled (unchanged)", got.State)
	}
}

func TestCancelJobRejectsNonQueueingJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}
	if err := s.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("first CancelJob error = %v", err)
	}

	err = s.CancelJob(ctx, job.ID)
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.InvalidState {
		t.Errorf("err = %v, want an InvalidState ApiError on double-cancel", err)
	}
}

func TestRejudgeRequiresFinishedState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}

	_, err = s.Rejudge(ctx, job.ID, &fakeEnqueuer{})
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.InvalidState {
		t.Errorf("err = %v, want an InvalidState ApiError for a non-finished job", err)
	}

	if err := s.FinishJob(ctx, job.ID, ResultAccepted, 100); err != nil {
		t.Fatalf("FinishJob error = %v", err)
	}
	enq := &fakeEnqueuer{}
	rejudged, err := s.Rejudge(ctx, job.ID, enq)
	if err != nil {
		t.Fatalf("Rejudge error = %v", err)
	}
	if rejudged.State != Queueing || rejudged.Score != 0 {
		t.Errorf("rejudged job = %+v, want Queueing state and score 0", rejudged)
	}
	if len(enq.enqueued) != 1 {
		t.Errorf("expected Rejudge to enqueue the job once, got %v", enq.enqueued)
	}
}

func TestUpdateCaseTracksRunningScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}

	if err := s.UpdateCase(ctx, job.ID, 1, ResultAccepted, 1234, "", 60); err != nil {
		t.Fatalf("UpdateCase error = %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob error = %v", err)
	}
	if got.Score != 60 {
		t.Errorf("Score = %v, want 60", got.Score)
	}
	if len(got.Cases) != 2 {
		t.Fatalf("len(Cases) = %d, want 2", len(got.Cases))
	}
	if got.Cases[1].Result != ResultAccepted || got.Cases[1].Time != 1234 {
		t.Errorf("Cases[1] = %+v, want Accepted/1234", got.Cases[1])
	}
}

func TestGetJobsFiltersByUserName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice, err := s.AddUser(ctx, "alice")
	if err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	if _, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{}); err != nil {
		t.Fatalf("AddJob error = %v", err)
	}
	if _, err := s.AddJob(ctx, Submission{UserID: alice.ID, ProblemID: 1}, 1, &fakeEnqueuer{}); err != nil {
		t.Fatalf("AddJob error = %v", err)
	}

	name := "alice"
	jobs, err := s.GetJobs(ctx, JobFilter{UserName: &name})
	if err != nil {
		t.Fatalf("GetJobs error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].Submission.UserID != alice.ID {
		t.Errorf("jobs = %+v, want exactly alice's one job", jobs)
	}
}

func TestGetJobsUnknownUserNameReturnsEmptyNotError(t *testing.T) {
	s := newTestStore(t)
	name := "ghost"
	jobs, err := s.GetJobs(context.Background(), JobFilter{UserName: &name})
	if err != nil {
		t.Fatalf("GetJobs error = %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs = %+v, want empty", jobs)
	}
}

func TestAddContestRejectsMalformedTimestamp(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddContest(context.Background(), Contest{Name: "c", From: "not-a-time", To: "2026-01-01T00:00:00.000Z"})
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.InvalidArgument {
		t.Errorf("err = %v, want an InvalidArgument ApiError for a malformed 'from' timestamp", err)
	}
}

func TestAddContestStoresRoundTrippedTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// "from" and "to" are parsed against timeFormat and re-formatted before
	// storage, so the stored value is the canonical form of the input.
	id, err := s.AddContest(ctx, Contest{Name: "c", From: "2026-01-01T00:00:00.000Z", To: "2026-01-01T00:00:00.000Z", UserIDs: []int32{0}})
	if err != nil {
		t.Fatalf("AddContest error = %v", err)
	}
	got, err := s.GetContest(ctx, id)
	if err != nil {
		t.Fatalf("GetContest error = %v", err)
	}
	if got.From != "2026-01-01T00:00:00.000Z" {
		t.Errorf("From = %q, want the canonical round-tripped form", got.From)
	}
}

func TestGetJobsRejectsMalformedFromFilter(t *testing.T) {
	s := newTestStore(t)
	bad := "definitely-not-a-timestamp"
	_, err := s.GetJobs(context.Background(), JobFilter{From: &bad})
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.InvalidArgument {
		t.Errorf("err = %v, want an InvalidArgument ApiError for a malformed 'from' filter", err)
	}
}

func TestNormalizeTimestampRejectsMalformedInput(t *testing.T) {
	_, err := normalizeTimestamp("2026/01/01 00:00:00", "from")
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.InvalidArgument {
		t.Errorf("err = %v, want an InvalidArgument ApiError", err)
	}
}

func TestNormalizeTimestampAcceptsCanonicalFormat(t *testing.T) {
	got, err := normalizeTimestamp("2026-01-01T00:00:00.000Z", "from")
	if err != nil {
		t.Fatalf("normalizeTimestamp error = %v", err)
	}
	if got != "2026-01-01T00:00:00.000Z" {
		t.Errorf("got = %q, want the input unchanged", got)
	}
}

func TestAddContestValidatesUserExistence(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddContest(context.Background(), Contest{Name: "c", From: "2026-01-01T00:00:00.000Z", To: "2026-01-02T00:00:00.000Z", UserIDs: []int32{999}})
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.NotFound {
		t.Errorf("err = %v, want a NotFound ApiError for an unknown contest user", err)
	}
}

func TestAddContestAssignsOneIndexedID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.AddContest(ctx, Contest{Name: "c1", From: "2026-01-01T00:00:00.000Z", To: "2026-01-02T00:00:00.000Z", UserIDs: []int32{0}, ProblemIDs: []int32{1, 2}})
	if err != nil {
		t.Fatalf("AddContest error = %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	got, err := s.GetContest(ctx, id)
	if err != nil {
		t.Fatalf("GetContest error = %v", err)
	}
	if len(got.ProblemIDs) != 2 || got.ProblemIDs[0] != 1 || got.ProblemIDs[1] != 2 {
		t.Errorf("ProblemIDs = %v, want [1 2] in contest-defined order", got.ProblemIDs)
	}
}

func TestAddJobRespectsContestSubmissionLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	contestID, err := s.AddContest(ctx, Contest{
		Name: "c1", From: "2000-01-01T00:00:00.000Z", To: "2100-01-01T00:00:00.000Z",
		UserIDs: []int32{0}, ProblemIDs: []int32{1}, SubmissionLimit: 1,
	})
	if err != nil {
		t.Fatalf("AddContest error = %v", err)
	}

	sub := Submission{UserID: 0, ContestID: contestID, ProblemID: 1}
	if _, err := s.AddJob(ctx, sub, 1, &fakeEnqueuer{}); err != nil {
		t.Fatalf("first AddJob error = %v", err)
	}
	_, err = s.AddJob(ctx, sub, 1, &fakeEnqueuer{})
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.RateLimit {
		t.Errorf("err = %v, want a RateLimit ApiError once the contest submission limit is reached", err)
	}
}

func TestAddJobRejectsSubmissionOutsideContestWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	contestID, err := s.AddContest(ctx, Contest{
		Name: "c1", From: "2000-01-01T00:00:00.000Z", To: "2000-01-02T00:00:00.000Z",
		UserIDs: []int32{0}, ProblemIDs: []int32{1}, SubmissionLimit: 10,
	})
	if err != nil {
		t.Fatalf("AddContest error = %v", err)
	}

	sub := Submission{UserID: 0, ContestID: contestID, ProblemID: 1}
	_, err = s.AddJob(ctx, sub, 1, &fakeEnqueuer{})
	apiErr, ok := err.(*apierror.ApiError)
	if !ok || apiErr.Type != apierror.InvalidArgument {
		t.Errorf("err = %v, want an InvalidArgument ApiError for a submission outside the contest window", err)
	}
}

func TestGetUnfinishedJobsExcludesFinishedAndCanceled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queueing, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}
	finished, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}
	if err := s.FinishJob(ctx, finished.ID, ResultAccepted, 100); err != nil {
		t.Fatalf("FinishJob error = %v", err)
	}
	canceled, err := s.AddJob(ctx, Submission{UserID: 0, ProblemID: 1}, 1, &fakeEnqueuer{})
	if err != nil {
		t.Fatalf("AddJob error = %v", err)
	}
	if err := s.CancelJob(ctx, canceled.ID); err != nil {
		t.Fatalf("CancelJob error = %v", err)
	}

	ids, err := s.GetUnfinishedJobs(ctx)
	if err != nil {
		t.Fatalf("GetUnfinishedJobs error = %v", err)
	}
	if len(ids) != 1 || ids[0] != queueing.ID {
		t.Errorf("ids = %v, want [%d]", ids, queueing.ID)
	}
}
