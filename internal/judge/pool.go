// Package judge is the worker pool and per-job grading pipeline (the
// judge's core): it pulls job ids off the queue, compiles and runs user
// code against each case's fixtures under a time budget, grades the
// output, and writes results back through the store.
package judge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ouuan/oj/internal/ojconfig"
	"github.com/ouuan/oj/internal/queue"
	"github.com/ouuan/oj/internal/store"
)

const (
	compileTimeout = 60 * time.Second
	timeLimitSlack = time.Second
)

// Pool is the set of long-running judging workers sharing one store, one
// frozen config, and one job queue.
type Pool struct {
	store      *store.Store
	cfg        *ojconfig.Config
	queue      *queue.Queue
	tmpRoot    string
	numWorkers int
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New builds a Pool with max(1, cpu_count/2) workers, per the original
// judger's sizing.
func New(st *store.Store, cfg *ojconfig.Config, q *queue.Queue, tmpRoot string, logger *slog.Logger) *Pool {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return &Pool{
		store:      st,
		cfg:        cfg,
		queue:      q,
		tmpRoot:    tmpRoot,
		numWorkers: n,
		logger:     logger,
	}
}

// Start launches the worker goroutines. Call Wait to block until they
// have all exited after the queue is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Wait blocks until every worker goroutine has exited (the queue was
// closed and drained), then signals the queue's Drained channel.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.queue.MarkDrained()
}

func (p *Pool) work(ctx context.Context, index int) {
	defer p.wg.Done()
	log := p.logger.With("worker", index)
	for id := range p.queue.Jobs() {
		p.runJob(ctx, log, id)
	}
}

// runJob executes one job's pipeline start to finish. Any fatal/internal
// error (workspace I/O, store failure) is caught here and turned into a
// SystemError finish rather than crashing the worker.
func (p *Pool) runJob(ctx context.Context, log *slog.Logger, id int32) {
	sub, ok, err := p.store.FetchJobForJudger(ctx, id)
	if err != nil {
		log.Error("failed to fetch job for judging", "job", id, "error", err)
		return
	}
	if !ok {
		log.Info("job was cancelled before judging started", "job", id)
		return
	}

	log = log.With("job", id)

	lang, okLang := p.cfg.LanguageMap[sub.Language]
	problem, okProblem := p.cfg.ProblemMap[sub.ProblemID]
	if !okLang || !okProblem {
		log.Error("job references unknown language or problem", "language", sub.Language, "problem", sub.ProblemID)
		p.finish(ctx, log, id, store.ResultSystemError, 0)
		return
	}

	workDir := filepath.Join(p.tmpRoot, uuid.NewString())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Error("failed to create workspace", "error", err)
		p.finish(ctx, log, id, store.ResultSystemError, 0)
		return
	}
	defer os.RemoveAll(workDir)

	result, score, err := p.runPipeline(ctx, log, id, sub, lang, problem, workDir)
	if err != nil {
		log.Error("pipeline failed", "error", err)
		p.finish(ctx, log, id, store.ResultSystemError, 0)
		return
	}
	p.finish(ctx, log, id, result, score)
}

func (p *Pool) finish(ctx context.Context, log *slog.Logger, id int32, result store.JobResult, score float64) {
	if err := p.store.FinishJob(ctx, id, result, score); err != nil {
		log.Error("failed to persist job result", "error", err)
	}
}

// runPipeline is steps 4-6 of the per-job pipeline: write source, compile,
// then run every subtask's cases in packing order.
func (p *Pool) runPipeline(ctx context.Context, log *slog.Logger, id int32, sub store.Submission, lang *ojconfig.Language, problem *ojconfig.Problem, workDir string) (store.JobResult, float64, error) {
	sourcePath := filepath.Join(workDir, lang.FileName)
	if err := os.WriteFile(sourcePath, []byte(sub.SourceCode), 0o644); err != nil {
		return "", 0, fmt.Errorf("write source: %w", err)
	}
	exePath := filepath.Join(workDir, fmt.Sprintf("oj-solution-%d%s", id, exeExtension()))

	if err := p.store.UpdateCase(ctx, id, 0, store.ResultRunning, 0, "", 0); err != nil {
		return "", 0, fmt.Errorf("mark case 0 running: %w", err)
	}

	compileArgv := substituteArgv(lang.Command, lang.Args, sourcePath, exePath, "")
	// compilation has no time-limit classification distinct from failure:
	// any non-zero exit, spawn failure, or timeout is CompilationError.
	elapsed, _, runErr := runProcess(ctx, compileTimeout, compileArgv[0], compileArgv[1:], nil, io.Discard)
	if runErr != nil {
		if err := p.store.UpdateCase(ctx, id, 0, store.ResultCompilationError, elapsed.Microseconds(), "", 0); err != nil {
			return "", 0, fmt.Errorf("record compilation failure: %w", err)
		}
		return store.ResultCompilationError, 0, nil
	}
	if err := p.store.UpdateCase(ctx, id, 0, store.ResultCompilationSuccess, elapsed.Microseconds(), "", 0); err != nil {
		return "", 0, fmt.Errorf("record compilation success: %w", err)
	}

	jobResult := store.ResultAccepted
	jobResultSet := false
	var totalScore float64

	for _, subtask := range problem.Packing {
		subtaskSkipped := false
		var subtaskScore float64

		for _, caseIdx := range subtask {
			caseID := int32(caseIdx) + 1
			testCase := problem.Cases[caseIdx]

			if subtaskSkipped {
				if err := p.store.UpdateCase(ctx, id, caseID, store.ResultSkipped, 0, "", totalScore); err != nil {
					return "", 0, fmt.Errorf("record skipped case: %w", err)
				}
				continue
			}

			if err := p.store.UpdateCase(ctx, id, caseID, store.ResultRunning, 0, "", totalScore+subtaskScore); err != nil {
				return "", 0, fmt.Errorf("mark case running: %w", err)
			}

			v, elapsedUs, err := p.runCase(ctx, id, caseID, exePath, problem, caseIdx, testCase, workDir)
			if err != nil {
				return "", 0, fmt.Errorf("run case %d: %w", caseID, err)
			}

			runningTotal := totalScore + subtaskScore
			if v.Result == store.ResultAccepted {
				if problem.Type == ojconfig.DynamicRanking {
					subtaskScore += testCase.Score * (1 - problem.DynamicRankingRatio)
				} else {
					subtaskScore += testCase.Score
				}
				runningTotal = totalScore + subtaskScore
			} else {
				subtaskScore = 0
				subtaskSkipped = true
				if !jobResultSet {
					jobResult = v.Result
					jobResultSet = true
				}
			}

			if err := p.store.UpdateCase(ctx, id, caseID, v.Result, elapsedUs, v.Info, runningTotal); err != nil {
				return "", 0, fmt.Errorf("record case result: %w", err)
			}
		}

		totalScore += subtaskScore
	}

	return jobResult, totalScore, nil
}

// runCase executes one compiled-solution attempt against a case's input,
// classifies timing outcomes, and (for a successful attempt) grades the
// produced output. It never returns a verdict-carrying error: I/O
// failures on the workspace propagate as Go errors (SystemError at the
// caller), but a slow or wrong solution is a normal verdict.
func (p *Pool) runCase(ctx context.Context, jobID, caseID int32, exePath string, problem *ojconfig.Problem, caseIdx int, testCase ojconfig.TestCase, workDir string) (verdict, int64, error) {
	input, err := os.Open(testCase.InputFile)
	if err != nil {
		return verdict{}, 0, fmt.Errorf("open input: %w", err)
	}
	defer input.Close()

	var stdout io.Writer
	var spjOutputPath string
	var capture *strings.Builder
	var spjFile *os.File

	if problem.Type == ojconfig.Spj {
		spjOutputPath = filepath.Join(workDir, fmt.Sprintf("%d-%d.out", jobID, caseID))
		spjFile, err = os.OpenFile(spjOutputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return verdict{}, 0, fmt.Errorf("create spj output: %w", err)
		}
		defer spjFile.Close()
		stdout = spjFile
	} else {
		capture = &strings.Builder{}
		stdout = capture
	}

	timeout := testCase.TimeLimit + timeLimitSlack
	if timeout < testCase.TimeLimit {
		// an unbounded limit would overflow when the slack is added
		timeout = testCase.TimeLimit
	}
	elapsed, timedOut, runErr := runProcess(ctx, timeout, exePath, nil, input, stdout)

	if timedOut || elapsed > testCase.TimeLimit {
		return verdict{Result: store.ResultTimeLimitExceeded}, elapsed.Microseconds(), nil
	}
	if runErr != nil {
		return verdict{Result: store.ResultRuntimeError}, elapsed.Microseconds(), nil
	}

	var output []byte
	if capture != nil {
		output = []byte(capture.String())
	}
	if spjFile != nil {
		spjFile.Close()
	}

	v := grade(ctx, problem, caseIdx, output, spjOutputPath)
	return v, elapsed.Microseconds(), nil
}

// runProcess runs one child process under a deadline, returning wall time
// elapsed and whether the deadline (not a normal non-zero exit) was the
// cause of termination.
func runProcess(parent context.Context, timeout time.Duration, command string, args []string, stdin io.Reader, stdout io.Writer) (elapsed time.Duration, timedOut bool, err error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = nil
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}

	start := time.Now()
	err = cmd.Run()
	elapsed = time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		timedOut = true
	}
	return elapsed, timedOut, err
}

// substituteArgv builds argv for a language invocation, substituting
// %INPUT%/%OUTPUT%/%ANSWER% in the command and every argument.
func substituteArgv(command string, args []string, input, output, answer string) []string {
	replace := func(s string) string {
		s = strings.ReplaceAll(s, "%INPUT%", input)
		s = strings.ReplaceAll(s, "%OUTPUT%", output)
		s = strings.ReplaceAll(s, "%ANSWER%", answer)
		return s
	}
	argv := make([]string, 0, len(args)+1)
	argv = append(argv, replace(command))
	for _, a := range args {
		argv = append(argv, replace(a))
	}
	return argv
}

func exeExtension() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// Reenqueue re-submits every job left in Queueing or Running state at
// startup, making process restarts idempotent: in-flight jobs are
// re-judged from scratch.
func Reenqueue(ctx context.Context, st *store.Store, q *queue.Queue, log *slog.Logger) error {
	ids, err := st.GetUnfinishedJobs(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, id := range ids {
		if err := q.Enqueue(id); err != nil {
			return fmt.Errorf("re-enqueue job %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		log.Info("re-enqueued unfinished jobs from previous run", "count", len(ids))
	}
	return nil
}
