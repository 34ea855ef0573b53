// Package ranklist computes per-contest standings: for each user it picks
// one representative job per problem according to a scoring rule, applies
// the dynamic-ranking bonus, sums scores, and ranks users by total score
// and an optional tie-breaker.
package ranklist

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ouuan/oj/internal/apierror"
	"github.com/ouuan/oj/internal/ojconfig"
	"github.com/ouuan/oj/internal/store"
)

// ScoringRule picks the representative job for a (user, problem) pair.
type ScoringRule int

const (
	Latest ScoringRule = iota
	Highest
)

// TieBreaker orders rows whose total_score ties.
type TieBreaker int

const (
	TieNone TieBreaker = iota
	TieSubmissionTime
	TieSubmissionCount
	TieUserID
)

// Row is one user's standing.
type Row struct {
	User            store.User `json:"user"`
	Rank            int        `json:"rank"`
	Scores          []float64  `json:"scores"`
	SubmissionCount int        `json:"submission_count"`
}

const scoreEps = 1e-10

// Source is the read side the ranklist needs; satisfied by *store.Store.
type Source interface {
	GetContestUsersAndProblemIDs(ctx context.Context, contestID int32) ([]store.User, []int32, error)
	GetContestJobsInfo(ctx context.Context, contestID int32) ([]store.JobInfo, error)
	GetAllJobInfo(ctx context.Context) ([]store.JobInfo, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	GetCasesTime(ctx context.Context, jobID int32) ([]int64, error)
}

type pickResult struct {
	job   store.JobInfo
	found bool
}

type bonusKey struct {
	userID    int32
	problemID int32
}

// Compute builds the ranklist for contestID (0 = global: every configured
// problem, every user, every job).
func Compute(ctx context.Context, src Source, cfg *ojconfig.Config, contestID int32, rule ScoringRule, tie TieBreaker) ([]Row, error) {
	users, problemIDs, jobs, err := load(ctx, src, contestID, cfg)
	if err != nil {
		return nil, err
	}

	byUserProblem := make(map[int32]map[int32][]store.JobInfo, len(users))
	for _, u := range users {
		byUserProblem[u.ID] = make(map[int32][]store.JobInfo, len(problemIDs))
	}
	for _, j := range jobs {
		if _, ok := byUserProblem[j.UserID]; !ok {
			continue
		}
		byUserProblem[j.UserID][j.ProblemID] = append(byUserProblem[j.UserID][j.ProblemID], j)
	}

	picks := make(map[int32]map[int32]pickResult, len(users))
	for _, u := range users {
		picks[u.ID] = make(map[int32]pickResult, len(problemIDs))
		for _, pid := range problemIDs {
			candidates := byUserProblem[u.ID][pid]
			job, ok := pick(candidates, cfg.ProblemMap[pid], rule)
			picks[u.ID][pid] = pickResult{job: job, found: ok}
		}
	}

	bonuses, err := dynamicRankingBonuses(ctx, src, cfg, problemIDs, picks)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(users))
	for _, u := range users {
		scores := make([]float64, len(problemIDs))
		submissionCount := 0
		for i, pid := range problemIDs {
			c := picks[u.ID][pid]
			submissionCount += len(byUserProblem[u.ID][pid])
			if !c.found {
				continue
			}
			score := c.job.Score
			if b, ok := bonuses[bonusKey{u.ID, pid}]; ok {
				score += b
			}
			scores[i] = score
		}
		rows = append(rows, Row{User: u, Scores: scores, SubmissionCount: submissionCount})
	}

	return rank(rows, problemIDs, picks, tie), nil
}

func load(ctx context.Context, src Source, contestID int32, cfg *ojconfig.Config) ([]store.User, []int32, []store.JobInfo, error) {
	if contestID == 0 {
		users, err := src.ListUsers(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		problemIDs := make([]int32, 0, len(cfg.ProblemMap))
		for pid := range cfg.ProblemMap {
			problemIDs = append(problemIDs, pid)
		}
		sort.Slice(problemIDs, func(i, j int) bool { return problemIDs[i] < problemIDs[j] })
		jobs, err := src.GetAllJobInfo(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		return users, problemIDs, jobs, nil
	}

	users, problemIDs, err := src.GetContestUsersAndProblemIDs(ctx, contestID)
	if err != nil {
		return nil, nil, nil, err
	}
	jobs, err := src.GetContestJobsInfo(ctx, contestID)
	if err != nil {
		return nil, nil, nil, err
	}
	return users, problemIDs, jobs, nil
}

// pick selects the representative job for one (user, problem) pair.
// DynamicRanking problems always prefer the latest Accepted submission,
// falling back to the rule's ordinary behavior when none is accepted.
func pick(candidates []store.JobInfo, problem *ojconfig.Problem, rule ScoringRule) (store.JobInfo, bool) {
	if len(candidates) == 0 {
		return store.JobInfo{}, false
	}

	if problem != nil && problem.Type == ojconfig.DynamicRanking {
		var best store.JobInfo
		found := false
		for _, j := range candidates {
			if j.Result != store.ResultAccepted {
				continue
			}
			if !found || j.ID > best.ID {
				best = j
				found = true
			}
		}
		if found {
			return best, true
		}
	}

	switch rule {
	case Highest:
		best := candidates[0]
		for _, j := range candidates[1:] {
			if j.Score > best.Score || (j.Score == best.Score && j.ID < best.ID) {
				best = j
			}
		}
		return best, true
	default: // Latest
		best := candidates[0]
		for _, j := range candidates[1:] {
			if j.ID > best.ID {
				best = j
			}
		}
		return best, true
	}
}

// dynamicRankingBonuses computes, for every DynamicRanking problem, the
// per-case minimum elapsed time across all chosen Accepted submissions,
// then each chosen submission's bonus Σ (min_time_i / this_time_i) *
// case_score_i * ratio.
func dynamicRankingBonuses(ctx context.Context, src Source, cfg *ojconfig.Config, problemIDs []int32, picks map[int32]map[int32]pickResult) (map[bonusKey]float64, error) {
	bonuses := make(map[bonusKey]float64)

	for _, pid := range problemIDs {
		problem := cfg.ProblemMap[pid]
		if problem == nil || problem.Type != ojconfig.DynamicRanking {
			continue
		}

		type entry struct {
			userID int32
			jobID  int32
			times  []int64
		}
		var entries []entry

		for userID, byProblem := range picks {
			c := byProblem[pid]
			if !c.found || c.job.Result != store.ResultAccepted {
				continue
			}
			times, err := src.GetCasesTime(ctx, c.job.ID)
			if err != nil {
				return nil, err
			}
			if len(times) != len(problem.Cases) {
				return nil, apierror.New(apierror.Internal, fmt.Sprintf(
					"job %d has %d case times but problem %d has %d cases", c.job.ID, len(times), pid, len(problem.Cases)))
			}
			entries = append(entries, entry{userID: userID, jobID: c.job.ID, times: times})
		}

		if len(entries) == 0 {
			continue
		}

		caseCount := len(problem.Cases)
		minTimes := make([]int64, caseCount)
		for i := range minTimes {
			minTimes[i] = math.MaxInt64
		}
		for _, e := range entries {
			for i, t := range e.times {
				if t < minTimes[i] {
					minTimes[i] = t
				}
			}
		}

		for _, e := range entries {
			var bonus float64
			for i, t := range e.times {
				if t <= 0 {
					continue
				}
				bonus += (float64(minTimes[i]) / float64(t)) * problem.Cases[i].Score * problem.DynamicRankingRatio
			}
			bonuses[bonusKey{userID: e.userID, problemID: pid}] = bonus
		}
	}

	return bonuses, nil
}

// rank sorts rows by total score descending (within scoreEps treated
// equal) then by tie-breaker, and assigns ranks: equal rows (per the
// comparator) share the previous row's rank.
func rank(rows []Row, problemIDs []int32, picks map[int32]map[int32]pickResult, tie TieBreaker) []Row {
	total := make(map[int32]float64, len(rows))
	tieTime := make(map[int32]int32, len(rows))
	for _, r := range rows {
		sum := 0.0
		for _, s := range r.Scores {
			sum += s
		}
		total[r.User.ID] = sum

		maxJobID := int32(math.MaxInt32)
		latest := int32(-1)
		has := false
		for _, pid := range problemIDs {
			c := picks[r.User.ID][pid]
			if !c.found {
				continue
			}
			has = true
			if c.job.ID > latest {
				latest = c.job.ID
			}
		}
		if has {
			maxJobID = latest
		}
		tieTime[r.User.ID] = maxJobID
	}

	equal := func(a, b Row) bool {
		ta, tb := total[a.User.ID], total[b.User.ID]
		if diff := ta - tb; diff > scoreEps || diff < -scoreEps {
			return false
		}
		switch tie {
		case TieSubmissionTime:
			return tieTime[a.User.ID] == tieTime[b.User.ID]
		case TieSubmissionCount:
			return a.SubmissionCount == b.SubmissionCount
		case TieUserID:
			return a.User.ID == b.User.ID
		default:
			return true
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		ta, tb := total[a.User.ID], total[b.User.ID]
		if diff := ta - tb; diff > scoreEps || diff < -scoreEps {
			return ta > tb
		}
		switch tie {
		case TieSubmissionTime:
			return tieTime[a.User.ID] < tieTime[b.User.ID]
		case TieSubmissionCount:
			return a.SubmissionCount < b.SubmissionCount
		case TieUserID:
			return a.User.ID < b.User.ID
		default:
			return false
		}
	})

	for i := range rows {
		if i == 0 {
			rows[i].Rank = 1
			continue
		}
		if equal(rows[i-1], rows[i]) {
			rows[i].Rank = rows[i-1].Rank
		} else {
			rows[i].Rank = i + 1
		}
	}
	return rows
}
