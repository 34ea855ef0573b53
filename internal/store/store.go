// Package store is the durable, transactional persistence layer for users,
// contests, jobs, and per-case results. Every multi-row mutation runs under
// a SQLite "immediate" transaction (a write-intent lock acquired up front)
// so that concurrent writers never race on id allocation or on case/job
// score coherence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ouuan/oj/internal/apierror"
)

// Enqueuer is the job queue's producer side, as seen by the store. Kept as
// a small interface here (rather than importing the queue package) so that
// AddJob/Rejudge can invoke it from inside their own immediate transaction
// without an import cycle between store and queue.
type Enqueuer interface {
	Enqueue(id int32) error
}

// Store is the persistence façade used by the API surface and the worker
// pool. It never exposes *sql.DB directly.
type Store struct {
	db *DB
}

// New wraps an opened DB in a Store.
func New(db *DB) *Store {
	return &Store{db: db}
}

// immediateTx is a BEGIN IMMEDIATE/COMMIT/ROLLBACK sequence on a single
// checked-out connection. database/sql's *sql.Tx has no option to request
// SQLite's write-intent lock up front, so this bypasses that abstraction
// in favor of raw statements on a dedicated *sql.Conn.
type immediateTx struct {
	conn *sql.Conn
	ctx  context.Context
	done bool
}

func (s *Store) beginImmediate(ctx context.Context) (*immediateTx, error) {
	conn, err := s.db.conn.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, err
	}
	return &immediateTx{conn: conn, ctx: ctx}, nil
}

func (t *immediateTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.conn.Close()
	_, err := t.conn.ExecContext(t.ctx, "COMMIT")
	return err
}

// Rollback is a no-op once Commit has succeeded; call it with defer
// immediately after beginImmediate, mirroring database/sql's *sql.Tx idiom.
func (t *immediateTx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.conn.ExecContext(t.ctx, "ROLLBACK")
	t.conn.Close()
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// --- Users ---

func (s *Store) nameInUse(ctx context.Context, conn *sql.Conn, name string, exceptID *int32) (bool, error) {
	var id int32
	err := conn.QueryRowContext(ctx, "SELECT id FROM users WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if exceptID != nil && id == *exceptID {
		return false, nil
	}
	return true, nil
}

// AddUser creates a new user with the next dense id, rejecting duplicate names.
func (s *Store) AddUser(ctx context.Context, name string) (User, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	inUse, err := s.nameInUse(ctx, tx.conn, name, nil)
	if err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	if inUse {
		return User{}, apierror.New(apierror.InvalidArgument, fmt.Sprintf("User name '%s' already exists.", name))
	}

	var count int32
	if err := tx.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	id := count

	if _, err := tx.conn.ExecContext(ctx, "INSERT INTO users (id, name) VALUES (?, ?)", id, name); err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	return User{ID: id, Name: name}, nil
}

// SetUserName renames an existing user, rejecting duplicate names or an
// unknown id.
func (s *Store) SetUserName(ctx context.Context, id int32, name string) (User, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	inUse, err := s.nameInUse(ctx, tx.conn, name, &id)
	if err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	if inUse {
		return User{}, apierror.New(apierror.InvalidArgument, fmt.Sprintf("User name '%s' already exists.", name))
	}

	result, err := tx.conn.ExecContext(ctx, "UPDATE users SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	changed, _ := result.RowsAffected()
	if changed == 0 {
		return User{}, apierror.NotFound(fmt.Sprintf("User %d", id))
	}
	if err := tx.Commit(); err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	return User{ID: id, Name: name}, nil
}

// ListUsers returns every user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT id, name FROM users ORDER BY id")
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// GetUser fetches a single user by id.
func (s *Store) GetUser(ctx context.Context, id int32) (User, error) {
	var u User
	err := s.db.conn.QueryRowContext(ctx, "SELECT id, name FROM users WHERE id = ?", id).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apierror.NotFound(fmt.Sprintf("User %d", id))
	}
	if err != nil {
		return User{}, apierror.Wrap(apierror.External, err)
	}
	return u, nil
}

func (s *Store) userCount(ctx context.Context, conn *sql.Conn) (int32, error) {
	var count int32
	err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

// --- Contests ---

// AddContest validates and inserts a new contest (id assigned as
// count(contests)+1), replacing its user/problem membership rows.
// It does not check for duplicated users/problems or existence of problems;
// that validation belongs to the API layer, which knows the config.
func (s *Store) AddContest(ctx context.Context, c Contest) (int32, error) {
	from, err := normalizeTimestamp(c.From, "from")
	if err != nil {
		return 0, err
	}
	to, err := normalizeTimestamp(c.To, "to")
	if err != nil {
		return 0, err
	}
	c.From, c.To = from, to

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return 0, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	if err := s.validateContestUsers(ctx, tx.conn, c.UserIDs); err != nil {
		return 0, err
	}

	var count int32
	if err := tx.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM contests").Scan(&count); err != nil {
		return 0, apierror.Wrap(apierror.External, err)
	}
	id := count + 1

	if _, err := tx.conn.ExecContext(ctx,
		"INSERT INTO contests (id, name, from_time, to_time, submission_limit) VALUES (?, ?, ?, ?, ?)",
		id, c.Name, c.From, c.To, c.SubmissionLimit); err != nil {
		return 0, apierror.Wrap(apierror.External, err)
	}
	if err := s.insertContestMembership(ctx, tx.conn, id, c.UserIDs, c.ProblemIDs); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apierror.Wrap(apierror.External, err)
	}
	return id, nil
}

// UpdateContest validates and replaces an existing contest's fields and
// membership rows.
func (s *Store) UpdateContest(ctx context.Context, id int32, c Contest) error {
	from, err := normalizeTimestamp(c.From, "from")
	if err != nil {
		return err
	}
	to, err := normalizeTimestamp(c.To, "to")
	if err != nil {
		return err
	}
	c.From, c.To = from, to

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	if _, err := s.getContestRow(ctx, tx.conn, id); err != nil {
		return err
	}
	if err := s.validateContestUsers(ctx, tx.conn, c.UserIDs); err != nil {
		return err
	}

	if _, err := tx.conn.ExecContext(ctx,
		"UPDATE contests SET name = ?, from_time = ?, to_time = ?, submission_limit = ? WHERE id = ?",
		c.Name, c.From, c.To, c.SubmissionLimit, id); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	if _, err := tx.conn.ExecContext(ctx, "DELETE FROM contest_users WHERE contest_id = ?", id); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	if _, err := tx.conn.ExecContext(ctx, "DELETE FROM contest_problems WHERE contest_id = ?", id); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	if err := s.insertContestMembership(ctx, tx.conn, id, c.UserIDs, c.ProblemIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	return nil
}

func (s *Store) validateContestUsers(ctx context.Context, conn *sql.Conn, userIDs []int32) error {
	count, err := s.userCount(ctx, conn)
	if err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	for _, id := range userIDs {
		if id < 0 || id >= count {
			return apierror.NotFound(fmt.Sprintf("User %d", id))
		}
	}
	return nil
}

func (s *Store) insertContestMembership(ctx context.Context, conn *sql.Conn, contestID int32, userIDs, problemIDs []int32) error {
	for _, uid := range userIDs {
		if _, err := conn.ExecContext(ctx, "INSERT INTO contest_users (contest_id, user_id) VALUES (?, ?)", contestID, uid); err != nil {
			return apierror.Wrap(apierror.External, err)
		}
	}
	for i, pid := range problemIDs {
		if _, err := conn.ExecContext(ctx, "INSERT INTO contest_problems (contest_id, problem_id, ord) VALUES (?, ?, ?)", contestID, pid, i); err != nil {
			return apierror.Wrap(apierror.External, err)
		}
	}
	return nil
}

type contestRow struct {
	ID              int32
	Name            string
	From            string
	To              string
	SubmissionLimit int32
}

func (s *Store) getContestRow(ctx context.Context, conn *sql.Conn, id int32) (contestRow, error) {
	var row contestRow
	err := conn.QueryRowContext(ctx,
		"SELECT id, name, from_time, to_time, submission_limit FROM contests WHERE id = ?", id,
	).Scan(&row.ID, &row.Name, &row.From, &row.To, &row.SubmissionLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return contestRow{}, apierror.NotFound(fmt.Sprintf("Contest %d", id))
	}
	if err != nil {
		return contestRow{}, apierror.Wrap(apierror.External, err)
	}
	return row, nil
}

func contestUserIDs(ctx context.Context, conn *sql.Conn, id int32) ([]int32, error) {
	rows, err := conn.QueryContext(ctx, "SELECT user_id FROM contest_users WHERE contest_id = ? ORDER BY user_id", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int32
	for rows.Next() {
		var uid int32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		ids = append(ids, uid)
	}
	return ids, nil
}

func contestProblemIDs(ctx context.Context, conn *sql.Conn, id int32) ([]int32, error) {
	rows, err := conn.QueryContext(ctx, "SELECT problem_id FROM contest_problems WHERE contest_id = ? ORDER BY ord", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int32
	for rows.Next() {
		var pid int32
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		ids = append(ids, pid)
	}
	return ids, nil
}

// ListContests returns every contest, ordered by id, with full membership.
func (s *Store) ListContests(ctx context.Context) ([]Contest, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	rows, err := tx.conn.QueryContext(ctx, "SELECT id, name, from_time, to_time, submission_limit FROM contests ORDER BY id")
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	var contestRows []contestRow
	for rows.Next() {
		var row contestRow
		if err := rows.Scan(&row.ID, &row.Name, &row.From, &row.To, &row.SubmissionLimit); err != nil {
			rows.Close()
			return nil, apierror.Wrap(apierror.External, err)
		}
		contestRows = append(contestRows, row)
	}
	rows.Close()

	contests := make([]Contest, 0, len(contestRows))
	for _, row := range contestRows {
		userIDs, err := contestUserIDs(ctx, tx.conn, row.ID)
		if err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
		problemIDs, err := contestProblemIDs(ctx, tx.conn, row.ID)
		if err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
		contests = append(contests, Contest{
			ID: row.ID, Name: row.Name, From: row.From, To: row.To,
			SubmissionLimit: row.SubmissionLimit, UserIDs: userIDs, ProblemIDs: problemIDs,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	return contests, nil
}

// GetContest fetches a single contest with full membership.
func (s *Store) GetContest(ctx context.Context, id int32) (Contest, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return Contest{}, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	row, err := s.getContestRow(ctx, tx.conn, id)
	if err != nil {
		return Contest{}, err
	}
	userIDs, err := contestUserIDs(ctx, tx.conn, id)
	if err != nil {
		return Contest{}, apierror.Wrap(apierror.External, err)
	}
	problemIDs, err := contestProblemIDs(ctx, tx.conn, id)
	if err != nil {
		return Contest{}, apierror.Wrap(apierror.External, err)
	}
	if err := tx.Commit(); err != nil {
		return Contest{}, apierror.Wrap(apierror.External, err)
	}
	return Contest{
		ID: row.ID, Name: row.Name, From: row.From, To: row.To,
		SubmissionLimit: row.SubmissionLimit, UserIDs: userIDs, ProblemIDs: problemIDs,
	}, nil
}

// GetContestUsersAndProblemIDs returns the contest's members (sorted by id,
// so that ranklist ties are broken deterministically) and problem ids
// (in their contest-defined order).
func (s *Store) GetContestUsersAndProblemIDs(ctx context.Context, contestID int32) ([]User, []int32, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, nil, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	if _, err := s.getContestRow(ctx, tx.conn, contestID); err != nil {
		return nil, nil, err
	}
	userIDs, err := contestUserIDs(ctx, tx.conn, contestID)
	if err != nil {
		return nil, nil, apierror.Wrap(apierror.External, err)
	}
	users := make([]User, 0, len(userIDs))
	for _, uid := range userIDs {
		var u User
		if err := tx.conn.QueryRowContext(ctx, "SELECT id, name FROM users WHERE id = ?", uid).Scan(&u.ID, &u.Name); err != nil {
			return nil, nil, apierror.Wrap(apierror.External, err)
		}
		users = append(users, u)
	}
	problemIDs, err := contestProblemIDs(ctx, tx.conn, contestID)
	if err != nil {
		return nil, nil, apierror.Wrap(apierror.External, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, apierror.Wrap(apierror.External, err)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, problemIDs, nil
}

// --- Jobs ---

// AddJob validates the submission against contest membership/window/limit,
// allocates the next dense job id, inserts the job and its case_count+1
// placeholder case rows, and enqueues the id, all inside one immediate
// transaction: "every committed job is in the queue".
func (s *Store) AddJob(ctx context.Context, sub Submission, caseCount int, enqueue Enqueuer) (Job, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", sub.UserID).Scan(&exists); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	if exists == 0 {
		return Job{}, apierror.NotFound(fmt.Sprintf("User %d", sub.UserID))
	}

	nowStr := now()
	if sub.ContestID != 0 {
		if err := s.checkContestSubmission(ctx, tx.conn, sub, nowStr); err != nil {
			return Job{}, err
		}
	}

	var count int32
	if err := tx.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&count); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	id := count

	if _, err := tx.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, created_time, updated_time, source_code, language, user_id, contest_id, problem_id, state, result, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, id, nowStr, nowStr, sub.SourceCode, sub.Language, sub.UserID, sub.ContestID, sub.ProblemID, Queueing, ResultWaiting); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}

	cases, err := s.initCases(ctx, tx.conn, id, caseCount)
	if err != nil {
		return Job{}, err
	}

	if err := enqueue.Enqueue(id); err != nil {
		return Job{}, apierror.New(apierror.Internal, fmt.Sprintf("failed to add job to queue: %v", err))
	}

	if err := tx.Commit(); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}

	return Job{
		ID: id, CreatedTime: nowStr, UpdatedTime: nowStr, Submission: sub,
		State: Queueing, Result: ResultWaiting, Score: 0, Cases: cases,
	}, nil
}

// checkContestSubmission validates: user is a contest member, problem is a
// contest problem, now is within [from, to], and the user's submission
// count for (contest, user, problem) is below the contest's limit.
func (s *Store) checkContestSubmission(ctx context.Context, conn *sql.Conn, sub Submission, nowStr string) error {
	row, err := s.getContestRow(ctx, conn, sub.ContestID)
	if err != nil {
		return err
	}

	var isMember int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM contest_users WHERE contest_id = ? AND user_id = ?", sub.ContestID, sub.UserID).Scan(&isMember); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	if isMember == 0 {
		return apierror.New(apierror.InvalidArgument, fmt.Sprintf("User %d is not in contest %d.", sub.UserID, sub.ContestID))
	}

	var problemInContest int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM contest_problems WHERE contest_id = ? AND problem_id = ?", sub.ContestID, sub.ProblemID).Scan(&problemInContest); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	if problemInContest == 0 {
		return apierror.New(apierror.InvalidArgument, fmt.Sprintf("Problem %d is not in contest %d.", sub.ProblemID, sub.ContestID))
	}

	nowTime, err := parseTimestamp(nowStr, "now")
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}
	from, err := parseTimestamp(row.From, "from")
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}
	to, err := parseTimestamp(row.To, "to")
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}
	if nowTime.Before(from) || nowTime.After(to) {
		return apierror.New(apierror.InvalidArgument, fmt.Sprintf("Contest %d is not ongoing.", sub.ContestID))
	}

	var submissionCount int32
	if err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE contest_id = ? AND user_id = ? AND problem_id = ?",
		sub.ContestID, sub.UserID, sub.ProblemID).Scan(&submissionCount); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	if submissionCount >= row.SubmissionLimit {
		return apierror.New(apierror.RateLimit, fmt.Sprintf("Contest %d submission limit reached for user %d on problem %d.", sub.ContestID, sub.UserID, sub.ProblemID))
	}
	return nil
}

func (s *Store) initCases(ctx context.Context, conn *sql.Conn, jobID int32, caseCount int) ([]Case, error) {
	cases := make([]Case, caseCount+1)
	for i := 0; i <= caseCount; i++ {
		cases[i] = Case{ID: int32(i), Result: ResultWaiting}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO case_results (job_id, case_id, result, time, memory, info) VALUES (?, ?, ?, 0, 0, '')
		`, jobID, i, ResultWaiting); err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
	}
	return cases, nil
}

// FetchJobForJudger atomically moves a Queueing job to Running and returns
// its submission. Returns ok=false (no error) when the job was cancelled
// meanwhile: the worker must skip it without any state change.
func (s *Store) FetchJobForJudger(ctx context.Context, id int32) (sub Submission, ok bool, err error) {
	tx, txErr := s.beginImmediate(ctx)
	if txErr != nil {
		return Submission{}, false, apierror.Wrap(apierror.External, txErr)
	}
	defer tx.Rollback()

	var state JobState
	if scanErr := tx.conn.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", id).Scan(&state); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return Submission{}, false, apierror.NotFound(fmt.Sprintf("Job %d", id))
		}
		return Submission{}, false, apierror.Wrap(apierror.External, scanErr)
	}
	if state == Canceled {
		if commitErr := tx.Commit(); commitErr != nil {
			return Submission{}, false, apierror.Wrap(apierror.External, commitErr)
		}
		return Submission{}, false, nil
	}

	if scanErr := tx.conn.QueryRowContext(ctx,
		"SELECT source_code, language, user_id, contest_id, problem_id FROM jobs WHERE id = ?", id,
	).Scan(&sub.SourceCode, &sub.Language, &sub.UserID, &sub.ContestID, &sub.ProblemID); scanErr != nil {
		return Submission{}, false, apierror.Wrap(apierror.External, scanErr)
	}

	if _, execErr := tx.conn.ExecContext(ctx, "UPDATE jobs SET state = ?, updated_time = ? WHERE id = ?", Running, now(), id); execErr != nil {
		return Submission{}, false, apierror.Wrap(apierror.External, execErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return Submission{}, false, apierror.Wrap(apierror.External, commitErr)
	}
	return sub, true, nil
}

// UpdateCase updates a single case's judge result and the parent job's
// running total score. This is the only path that touches intermediate
// score while a job is Running.
func (s *Store) UpdateCase(ctx context.Context, jobID, caseID int32, result JobResult, elapsed int64, info string, runningScore float64) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	if _, err := tx.conn.ExecContext(ctx,
		"UPDATE case_results SET result = ?, time = ?, info = ? WHERE job_id = ? AND case_id = ?",
		result, elapsed, info, jobID, caseID); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	if _, err := tx.conn.ExecContext(ctx,
		"UPDATE jobs SET score = ?, updated_time = ? WHERE id = ?", runningScore, now(), jobID); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	return tx.Commit()
}

// FinishJob writes the terminal state, result, and score of a job.
func (s *Store) FinishJob(ctx context.Context, id int32, result JobResult, score float64) error {
	_, err := s.db.conn.ExecContext(ctx,
		"UPDATE jobs SET state = ?, result = ?, score = ?, updated_time = ? WHERE id = ?",
		Finished, result, score, now(), id)
	if err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	return nil
}

// Rejudge resets a Finished job and its cases to their pre-judge state and
// re-enqueues it, all inside one immediate transaction.
func (s *Store) Rejudge(ctx context.Context, id int32, enqueue Enqueuer) (Job, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	job, err := s.getJobRowTx(ctx, tx.conn, id)
	if err != nil {
		return Job{}, err
	}
	if job.State != Finished {
		return Job{}, apierror.New(apierror.InvalidState, fmt.Sprintf("Job %d is not finished.", id))
	}

	nowStr := now()
	if _, err := tx.conn.ExecContext(ctx,
		"UPDATE jobs SET state = ?, result = ?, score = 0, updated_time = ? WHERE id = ?",
		Queueing, ResultWaiting, nowStr, id); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	if _, err := tx.conn.ExecContext(ctx,
		"UPDATE case_results SET result = ?, time = 0, memory = 0, info = '' WHERE job_id = ?",
		ResultWaiting, id); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	if err := enqueue.Enqueue(id); err != nil {
		return Job{}, apierror.New(apierror.Internal, fmt.Sprintf("failed to add job to queue: %v", err))
	}
	if err := tx.Commit(); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}

	job.State = Queueing
	job.Result = ResultWaiting
	job.Score = 0
	job.UpdatedTime = nowStr
	return job, nil
}

// CancelJob cancels a Queueing job; any other state is rejected.
func (s *Store) CancelJob(ctx context.Context, id int32) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	job, err := s.getJobRowTx(ctx, tx.conn, id)
	if err != nil {
		return err
	}
	if job.State != Queueing {
		return apierror.New(apierror.InvalidState, fmt.Sprintf("Job %d is not queueing.", id))
	}
	if _, err := tx.conn.ExecContext(ctx, "UPDATE jobs SET state = ?, updated_time = ? WHERE id = ?", Canceled, now(), id); err != nil {
		return apierror.Wrap(apierror.External, err)
	}
	return tx.Commit()
}

func (s *Store) getJobRowTx(ctx context.Context, conn *sql.Conn, id int32) (Job, error) {
	var job Job
	err := conn.QueryRowContext(ctx, `
		SELECT id, created_time, updated_time, source_code, language, user_id, contest_id, problem_id, state, result, score
		FROM jobs WHERE id = ?
	`, id).Scan(&job.ID, &job.CreatedTime, &job.UpdatedTime, &job.Submission.SourceCode, &job.Submission.Language,
		&job.Submission.UserID, &job.Submission.ContestID, &job.Submission.ProblemID, &job.State, &job.Result, &job.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, apierror.NotFound(fmt.Sprintf("Job %d", id))
	}
	if err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	return job, nil
}

func (s *Store) getCasesTx(ctx context.Context, conn *sql.Conn, jobID int32) ([]Case, error) {
	rows, err := conn.QueryContext(ctx, "SELECT case_id, result, time, memory, info FROM case_results WHERE job_id = ? ORDER BY case_id", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cases []Case
	for rows.Next() {
		var c Case
		if err := rows.Scan(&c.ID, &c.Result, &c.Time, &c.Memory, &c.Info); err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, nil
}

// GetJob fetches a single job with its case rows.
func (s *Store) GetJob(ctx context.Context, id int32) (Job, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	job, err := s.getJobRowTx(ctx, tx.conn, id)
	if err != nil {
		return Job{}, err
	}
	cases, err := s.getCasesTx(ctx, tx.conn, id)
	if err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	job.Cases = cases
	if err := tx.Commit(); err != nil {
		return Job{}, apierror.Wrap(apierror.External, err)
	}
	return job, nil
}

// GetJobs returns jobs matching filter, ordered by id ascending. A
// user_name that resolves to no user returns an empty list, not an error.
func (s *Store) GetJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	if filter.From != nil {
		normalized, err := normalizeTimestamp(*filter.From, "from")
		if err != nil {
			return nil, err
		}
		filter.From = &normalized
	}
	if filter.To != nil {
		normalized, err := normalizeTimestamp(*filter.To, "to")
		if err != nil {
			return nil, err
		}
		filter.To = &normalized
	}

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	defer tx.Rollback()

	where := "1=1"
	var args []any

	userID := filter.UserID
	if filter.UserName != nil {
		var resolvedID int32
		err := tx.conn.QueryRowContext(ctx, "SELECT id FROM users WHERE name = ?", *filter.UserName).Scan(&resolvedID)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.Commit(); err != nil {
				return nil, apierror.Wrap(apierror.External, err)
			}
			return nil, nil
		}
		if err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
		userID = &resolvedID
	}

	if userID != nil {
		where += " AND user_id = ?"
		args = append(args, *userID)
	}
	if filter.ContestID != nil {
		where += " AND contest_id = ?"
		args = append(args, *filter.ContestID)
	}
	if filter.ProblemID != nil {
		where += " AND problem_id = ?"
		args = append(args, *filter.ProblemID)
	}
	if filter.Language != nil {
		where += " AND language = ?"
		args = append(args, *filter.Language)
	}
	if filter.From != nil {
		where += " AND created_time >= ?"
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		where += " AND created_time <= ?"
		args = append(args, *filter.To)
	}
	if filter.State != nil {
		where += " AND state = ?"
		args = append(args, *filter.State)
	}
	if filter.Result != nil {
		where += " AND result = ?"
		args = append(args, *filter.Result)
	}

	query := fmt.Sprintf(`
		SELECT id, created_time, updated_time, source_code, language, user_id, contest_id, problem_id, state, result, score
		FROM jobs WHERE %s ORDER BY id
	`, where)
	rows, err := tx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.CreatedTime, &job.UpdatedTime, &job.Submission.SourceCode, &job.Submission.Language,
			&job.Submission.UserID, &job.Submission.ContestID, &job.Submission.ProblemID, &job.State, &job.Result, &job.Score); err != nil {
			rows.Close()
			return nil, apierror.Wrap(apierror.External, err)
		}
		jobs = append(jobs, job)
	}
	rows.Close()

	for i := range jobs {
		cases, err := s.getCasesTx(ctx, tx.conn, jobs[i].ID)
		if err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
		jobs[i].Cases = cases
	}
	if err := tx.Commit(); err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	return jobs, nil
}

func scanJobInfos(rows *sql.Rows) ([]JobInfo, error) {
	var infos []JobInfo
	for rows.Next() {
		var info JobInfo
		if err := rows.Scan(&info.ID, &info.UserID, &info.ContestID, &info.ProblemID, &info.Language, &info.State, &info.Result, &info.Score); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

const jobInfoColumns = "id, user_id, contest_id, problem_id, language, state, result, score"

// GetAllJobInfo returns JobInfo for every job, ordered by id.
func (s *Store) GetAllJobInfo(ctx context.Context) ([]JobInfo, error) {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT "+jobInfoColumns+" FROM jobs ORDER BY id")
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	defer rows.Close()
	infos, err := scanJobInfos(rows)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	return infos, nil
}

// GetContestJobsInfo returns JobInfo for every job submitted to a contest.
// An unknown contest id returns an empty list, not an error (the ranklist
// treats contest_id=0 specially and never calls this for it).
func (s *Store) GetContestJobsInfo(ctx context.Context, contestID int32) ([]JobInfo, error) {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT "+jobInfoColumns+" FROM jobs WHERE contest_id = ? ORDER BY id", contestID)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	defer rows.Close()
	infos, err := scanJobInfos(rows)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	return infos, nil
}

// GetCasesTime returns the elapsed time of cases 1..n (excluding the
// compilation pseudo-case), in case-id order. Used by the ranklist's
// dynamic-ranking bonus computation.
func (s *Store) GetCasesTime(ctx context.Context, jobID int32) ([]int64, error) {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT time FROM case_results WHERE job_id = ? AND case_id > 0 ORDER BY case_id", jobID)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	defer rows.Close()
	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
		times = append(times, t)
	}
	return times, nil
}

// GetUnfinishedJobs returns the ids of every job in Queueing or Running
// state, used at startup to re-enqueue in-flight jobs idempotently.
func (s *Store) GetUnfinishedJobs(ctx context.Context) ([]int32, error) {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT id FROM jobs WHERE state = ? OR state = ? ORDER BY id", Queueing, Running)
	if err != nil {
		return nil, apierror.Wrap(apierror.External, err)
	}
	defer rows.Close()
	var ids []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.Wrap(apierror.External, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
