package ranklist

import (
	"context"
	"testing"

	"github.com/ouuan/oj/internal/ojconfig"
	"github.com/ouuan/oj/internal/store"
)

// fakeSource is an in-memory stand-in for *store.Store, built directly from
// fixture data rather than a real database.
type fakeSource struct {
	users        []store.User
	contestUsers map[int32][]store.User
	contestProbs map[int32][]int32
	jobs         []store.JobInfo
	caseTimes    map[int32][]int64
}

func (f *fakeSource) GetContestUsersAndProblemIDs(ctx context.Context, contestID int32) ([]store.User, []int32, error) {
	return f.contestUsers[contestID], f.contestProbs[contestID], nil
}

func (f *fakeSource) GetContestJobsInfo(ctx context.Context, contestID int32) ([]store.JobInfo, error) {
	var out []store.JobInfo
	for _, j := range f.jobs {
		if j.ContestID == contestID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeSource) GetAllJobInfo(ctx context.Context) ([]store.JobInfo, error) {
	return f.jobs, nil
}

func (f *fakeSource) ListUsers(ctx context.Context) ([]store.User, error) {
	return f.users, nil
}

func (f *fakeSource) GetCasesTime(ctx context.Context, jobID int32) ([]int64, error) {
	return f.caseTimes[jobID], nil
}

func TestComputeHighestRuleTakesBestScorePerProblem(t *testing.T) {
	cfg := &ojconfig.Config{ProblemMap: ojconfig.ProblemMap{
		1: {ID: 1, Type: ojconfig.Standard},
	}}
	src := &fakeSource{
		users: []store.User{{ID: 1, Name: "alice"}},
		jobs: []store.JobInfo{
			{ID: 10, UserID: 1, ProblemID: 1, Result: store.ResultWrongAnswer, Score: 40},
			{ID: 20, UserID: 1, ProblemID: 1, Result: store.ResultAccepted, Score: 90},
			{ID: 30, UserID: 1, ProblemID: 1, Result: store.ResultWrongAnswer, Score: 10},
		},
	}

	rows, err := Compute(context.Background(), src, cfg, 0, Highest, TieNone)
	if err != nil {
		t.Fatalf("Compute error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Scores[0] != 90 {
		t.Errorf("Scores[0] = %v, want 90 (the highest submission)", rows[0].Scores[0])
	}
}

func TestComputeLatestRuleTakesMostRecentJobRegardlessOfScore(t *testing.T) {
	cfg := &ojconfig.Config{ProblemMap: ojconfig.ProblemMap{
		1: {ID: 1, Type: ojconfig.Standard},
	}}
	src := &fakeSource{
		users: []store.User{{ID: 1, Name: "alice"}},
		jobs: []store.JobInfo{
			{ID: 10, UserID: 1, ProblemID: 1, Result: store.ResultAccepted, Score: 100},
			{ID: 20, UserID: 1, ProblemID: 1, Result: store.ResultWrongAnswer, Score: 0},
		},
	}

	rows, err := Compute(context.Background(), src, cfg, 0, Latest, TieNone)
	if err != nil {
		t.Fatalf("Compute error = %v", err)
	}
	if rows[0].Scores[0] != 0 {
		t.Errorf("Scores[0] = %v, want 0 (the latest submission, even though it scored lower)", rows[0].Scores[0])
	}
}

func TestComputeRanksByTotalScoreDescending(t *testing.T) {
	cfg := &ojconfig.Config{ProblemMap: ojconfig.ProblemMap{
		1: {ID: 1, Type: ojconfig.Standard},
	}}
	src := &fakeSource{
		users: []store.User{{ID: 1, Name: "alice"}, {ID: 2, Name: "bob"}},
		jobs: []store.JobInfo{
			{ID: 1, UserID: 1, ProblemID: 1, Result: store.ResultAccepted, Score: 50},
			{ID: 2, UserID: 2, ProblemID: 1, Result: store.ResultAccepted, Score: 100},
		},
	}

	rows, err := Compute(context.Background(), src, cfg, 0, Latest, TieNone)
	if err != nil {
		t.Fatalf("Compute error = %v", err)
	}
	if rows[0].User.ID != 2 || rows[0].Rank != 1 {
		t.Errorf("first row = %+v, want bob at rank 1", rows[0])
	}
	if rows[1].User.ID != 1 || rows[1].Rank != 2 {
		t.Errorf("second row = %+v, want alice at rank 2", rows[1])
	}
}

func TestComputeSharesRankAmongTiedScores(t *testing.T) {
	cfg := &ojconfig.Config{ProblemMap: ojconfig.ProblemMap{
		1: {ID: 1, Type: ojconfig.Standard},
	}}
	src := &fakeSource{
		users: []store.User{{ID: 1, Name: "alice"}, {ID: 2, Name: "bob"}, {ID: 3, Name: "carol"}},
		jobs: []store.JobInfo{
			{ID: 1, UserID: 1, ProblemID: 1, Result: store.ResultAccepted, Score: 100},
			{ID: 2, UserID: 2, ProblemID: 1, Result: store.ResultAccepted, Score: 100},
			{ID: 3, UserID: 3, ProblemID: 1, Result: store.ResultAccepted, Score: 50},
		},
	}

	rows, err := Compute(context.Background(), src, cfg, 0, Latest, TieNone)
	if err != nil {
		t.Fatalf("Compute error = %v", err)
	}
	if rows[0].Rank != 1 || rows[1].Rank != 1 {
		t.Errorf("tied top scores should share rank 1, got %d and %d", rows[0].Rank, rows[1].Rank)
	}
	if rows[2].Rank != 3 {
		t.Errorf("third row's rank should skip to 3, got %d", rows[2].Rank)
	}
}

func TestComputeDynamicRankingAlwaysPrefersLatestAccepted(t *testing.T) {
	ratio := 0.5
	cfg := &ojconfig.Config{ProblemMap: ojconfig.ProblemMap{
		1: {ID: 1, Type: ojconfig.DynamicRanking, DynamicRankingRatio: ratio,
			Cases: []ojconfig.TestCase{{Score: 100}}},
	}}
	src := &fakeSource{
		users: []store.User{{ID: 1, Name: "alice"}},
		jobs: []store.JobInfo{
			{ID: 10, UserID: 1, ProblemID: 1, Result: store.ResultAccepted, Score: 50},
			{ID: 20, UserID: 1, ProblemID: 1, Result: store.ResultWrongAnswer, Score: 0},
		},
		caseTimes: map[int32][]int64{10: {1000}},
	}

	rows, err := Compute(context.Background(), src, cfg, 0, Latest, TieNone)
	if err != nil {
		t.Fatalf("Compute error = %v", err)
	}
	// Job 20 scored 0 and is the latest, but DynamicRanking always prefers
	// the latest Accepted submission (job 10), so the score should reflect
	// job 10's base score plus its solo bonus (min_time == this_time, so
	// the full ratio applies).
	want := 50.0 + 100*ratio
	if rows[0].Scores[0] != want {
		t.Errorf("Scores[0] = %v, want %v", rows[0].Scores[0], want)
	}
}

func TestDynamicRankingBonusScalesWithRelativeSpeed(t *testing.T) {
	ratio := 1.0
	cfg := &ojconfig.Config{ProblemMap: ojconfig.ProblemMap{
		1: {ID: 1, Type: ojconfig.DynamicRanking, DynamicRankingRatio: ratio,
			Cases: []ojconfig.TestCase{{Score: 100}}},
	}}
	src := &fakeSource{
		users: []store.User{{ID: 1, Name: "fast"}, {ID: 2, Name: "slow"}},
		jobs: []store.JobInfo{
			{ID: 10, UserID: 1, ProblemID: 1, Result: store.ResultAccepted, Score: 0},
			{ID: 20, UserID: 2, ProblemID: 1, Result: store.ResultAccepted, Score: 0},
		},
		caseTimes: map[int32][]int64{
			10: {100},
			20: {400},
		},
	}

	rows, err := Compute(context.Background(), src, cfg, 0, Highest, TieNone)
	if err != nil {
		t.Fatalf("Compute error = %v", err)
	}
	var fastScore, slowScore float64
	for _, r := range rows {
		if r.User.ID == 1 {
			fastScore = r.Scores[0]
		} else {
			slowScore = r.Scores[0]
		}
	}
	if fastScore != 100 {
		t.Errorf("fast submission's bonus = %v, want 100 (min time == its own time)", fastScore)
	}
	if slowScore != 25 {
		t.Errorf("slow submission's bonus = %v, want 25 (100/400 * 100)", slowScore)
	}
}
