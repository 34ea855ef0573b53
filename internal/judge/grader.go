package judge

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ouuan/oj/internal/ojconfig"
	"github.com/ouuan/oj/internal/store"
)

const spjTimeout = 60 * time.Second

// verdict is the result of grading one successfully-run case attempt,
// before packing/skip aggregation is applied.
type verdict struct {
	Result store.JobResult
	Info   string
}

// grade consumes the produced output of one case attempt and returns its
// verdict, dispatching on the problem's grading policy. spjOutputPath is
// only read when problem.Type == ojconfig.Spj.
func grade(ctx context.Context, problem *ojconfig.Problem, caseIdx int, output []byte, spjOutputPath string) verdict {
	answerFile := problem.Cases[caseIdx].AnswerFile

	switch problem.Type {
	case ojconfig.Strict, ojconfig.Standard, ojconfig.DynamicRanking:
		if !utf8.Valid(output) {
			return verdict{Result: store.ResultWrongAnswer}
		}
		answer, err := os.ReadFile(answerFile)
		if err != nil {
			return verdict{Result: store.ResultSystemError}
		}
		var matched bool
		if problem.Type == ojconfig.Strict {
			matched = compareStrict(output, answer)
		} else {
			matched = compareStandard(output, answer)
		}
		if matched {
			return verdict{Result: store.ResultAccepted}
		}
		return verdict{Result: store.ResultWrongAnswer}
	case ojconfig.Spj:
		return runSpj(ctx, problem, answerFile, spjOutputPath)
	default:
		return verdict{Result: store.ResultSystemError}
	}
}

// compareStrict is a byte-equal comparison.
func compareStrict(output, answer []byte) bool {
	return bytes.Equal(output, answer)
}

// compareStandard compares line-by-line after trimming trailing whitespace
// from each line and dropping trailing empty lines.
func compareStandard(output, answer []byte) bool {
	return normalizeLines(output) == normalizeLines(answer)
}

func normalizeLines(data []byte) string {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// runSpj spawns the problem's special judge with %OUTPUT%/%ANSWER%
// substituted, under a 60-second cap. Its stdout's first line is the
// verdict string ("Accepted" or anything else means WrongAnswer); an
// optional second line becomes the case's info. Any other outcome
// (non-zero exit, timeout, non-UTF-8 stdout) is SPJError.
func runSpj(ctx context.Context, problem *ojconfig.Problem, answerFile, spjOutputPath string) verdict {
	ctx, cancel := context.WithTimeout(ctx, spjTimeout)
	defer cancel()

	args := make([]string, len(problem.SpjArgs))
	for i, a := range problem.SpjArgs {
		a = strings.ReplaceAll(a, "%OUTPUT%", spjOutputPath)
		a = strings.ReplaceAll(a, "%ANSWER%", answerFile)
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, problem.SpjCommand, args...)
	cmd.Stdin = nil
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil
	cmd.Cancel = func() error { return cmd.Process.Kill() }

	if err := cmd.Run(); err != nil {
		return verdict{Result: store.ResultSPJError}
	}
	if !utf8.Valid(stdout.Bytes()) {
		return verdict{Result: store.ResultSPJError}
	}

	scanner := bufio.NewScanner(&stdout)
	var first, second string
	if scanner.Scan() {
		first = scanner.Text()
	}
	if scanner.Scan() {
		second = scanner.Text()
	}

	if strings.TrimSpace(first) == "Accepted" {
		return verdict{Result: store.ResultAccepted, Info: second}
	}
	return verdict{Result: store.ResultWrongAnswer, Info: second}
}
