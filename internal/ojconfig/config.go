// Package ojconfig parses, validates, and freezes the judge configuration:
// the server bind address, the problem set, and the language set.
package ojconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProblemType tags the grading policy of a Problem.
type ProblemType int

const (
	Standard ProblemType = iota
	Strict
	Spj
	DynamicRanking
)

// TestCase is one graded input/answer pair of a Problem.
type TestCase struct {
	Score       float64
	InputFile   string
	AnswerFile  string
	TimeLimit   time.Duration // 0 means unbounded, normalized from the wire 0
	MemoryLimit int64         // bytes, 0 means unbounded
}

// Problem is a single, read-only-at-runtime problem definition.
type Problem struct {
	ID      int32
	Name    string
	Type    ProblemType
	// SpjCommand/SpjArgs are populated only when Type == Spj.
	SpjCommand string
	SpjArgs    []string
	// DynamicRankingRatio is populated only when Type == DynamicRanking.
	DynamicRankingRatio float64
	Cases               []TestCase
	// Packing partitions [0, len(Cases)) into subtasks, each a sorted slice
	// of case indices.
	Packing [][]int32
}

// Language is a compiler/interpreter invocation template.
type Language struct {
	Name     string
	Command  string
	Args     []string
	FileName string
}

// ProblemMap and LanguageMap are the runtime lookup tables shared by
// reference across the API surface and the worker pool.
type ProblemMap map[int32]*Problem
type LanguageMap map[string]*Language

// Config is the frozen, validated configuration for one process lifetime.
type Config struct {
	Server      ServerConfig
	ProblemMap  ProblemMap
	LanguageMap LanguageMap
}

// New parses, validates, and freezes a configuration from its JSON text.
//
// Parse failures are classified the way the original judge classifies them
// (syntax / unexpected EOF / invalid content), so the caller can log which
// phase failed before exiting.
func New(data []byte) (*Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config is empty")
	}

	var wire wireConfig
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, classifyParseError(err)
	}
	if wire.Server.BindAddress == "" && wire.Server.BindPort == 0 {
		wire.Server = defaultServerConfig()
	}

	problemMap, err := buildProblemMap(wire.Problems)
	if err != nil {
		return nil, err
	}
	languageMap, err := buildLanguageMap(wire.Languages)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      wire.Server,
		ProblemMap:  problemMap,
		LanguageMap: languageMap,
	}, nil
}

func classifyParseError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("unexpected EOF when parsing the config: %w", err)
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("invalid JSON syntax in the config: %w", err)
	case errors.As(err, &typeErr):
		return fmt.Errorf("invalid content in the config: %w", err)
	default:
		return fmt.Errorf("failed to parse the config: %w", err)
	}
}

func buildProblemMap(problems []wireProblem) (ProblemMap, error) {
	problemMap := make(ProblemMap, len(problems))
	for _, p := range problems {
		if _, exists := problemMap[p.ID]; exists {
			return nil, fmt.Errorf("config contains duplicate problem id %d", p.ID)
		}

		packing, err := buildPacking(p)
		if err != nil {
			return nil, err
		}

		problem := &Problem{ID: p.ID, Name: p.Name, Packing: packing}

		switch p.Type {
		case wireStandard:
			problem.Type = Standard
		case wireStrict:
			problem.Type = Strict
		case wireSpj:
			problem.Type = Spj
			if p.Misc == nil || len(p.Misc.SpecialJudge) == 0 {
				return nil, fmt.Errorf("problem %d is of spj type but has no misc.special_judge field", p.ID)
			}
			problem.SpjCommand = p.Misc.SpecialJudge[0]
			problem.SpjArgs = append([]string{}, p.Misc.SpecialJudge[1:]...)
		case wireDynamicRanking:
			problem.Type = DynamicRanking
			if p.Misc == nil || p.Misc.DynamicRankingRatio == nil {
				return nil, fmt.Errorf("problem %d is of dynamic_ranking type but has no misc.dynamic_ranking_ratio field", p.ID)
			}
			ratio := *p.Misc.DynamicRankingRatio
			if ratio < 0 || ratio > 1 {
				return nil, fmt.Errorf("problem %d has dynamic_ranking_ratio %v out of [0,1]", p.ID, ratio)
			}
			problem.DynamicRankingRatio = ratio
		default:
			return nil, fmt.Errorf("problem %d has unknown type %q", p.ID, p.Type)
		}

		totalScore := 0.0
		cases := make([]TestCase, len(p.Cases))
		for i, c := range p.Cases {
			totalScore += c.Score
			timeLimit := time.Duration(c.TimeLimit) * time.Microsecond
			if c.TimeLimit == 0 {
				timeLimit = time.Duration(1<<63 - 1)
			}
			memoryLimit := c.MemoryLimit
			if memoryLimit == 0 {
				memoryLimit = 1<<63 - 1
			}
			cases[i] = TestCase{
				Score:       c.Score,
				InputFile:   c.InputFile,
				AnswerFile:  c.AnswerFile,
				TimeLimit:   timeLimit,
				MemoryLimit: memoryLimit,
			}
		}
		if diff := totalScore - 100.0; diff > 1e-10 || diff < -1e-10 {
			return nil, fmt.Errorf("the total score of problem %d is %v instead of 100", p.ID, totalScore)
		}
		problem.Cases = cases

		problemMap[p.ID] = problem
	}
	return problemMap, nil
}

// buildPacking normalizes a problem's packing: 1-indexed case ids in the
// wire format become 0-indexed case indices, and an absent packing becomes
// the singleton partition (one subtask per case).
func buildPacking(p wireProblem) ([][]int32, error) {
	if p.Misc == nil || p.Misc.Packing == nil {
		packing := make([][]int32, len(p.Cases))
		for i := range p.Cases {
			packing[i] = []int32{int32(i)}
		}
		return packing, nil
	}

	packing := make([][]int32, len(p.Misc.Packing))
	used := make(map[int32]bool)
	for i, subtask := range p.Misc.Packing {
		indices := make([]int32, len(subtask))
		for j, caseID := range subtask {
			index := caseID - 1
			if index < 0 || index >= int32(len(p.Cases)) {
				return nil, fmt.Errorf(
					"the packing of problem %d contains case id %d which is out of the bound of [1, %d]",
					p.ID, caseID, len(p.Cases))
			}
			if used[index] {
				return nil, fmt.Errorf("duplicated test case %d in the packing of problem %d", index, p.ID)
			}
			used[index] = true
			indices[j] = index
		}
		sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
		packing[i] = indices
	}
	sort.Slice(packing, func(a, b int) bool {
		if len(packing[a]) == 0 || len(packing[b]) == 0 {
			return len(packing[a]) < len(packing[b])
		}
		return packing[a][0] < packing[b][0]
	})
	if len(used) != len(p.Cases) {
		return nil, fmt.Errorf("missing cases in the packing of problem %d", p.ID)
	}
	return packing, nil
}

func buildLanguageMap(languages []wireLanguage) (LanguageMap, error) {
	languageMap := make(LanguageMap, len(languages))
	for _, l := range languages {
		if _, exists := languageMap[l.Name]; exists {
			return nil, fmt.Errorf("duplicate language name %s in the config", l.Name)
		}
		if len(l.Command) == 0 {
			return nil, fmt.Errorf("language %s has empty command", l.Name)
		}
		languageMap[l.Name] = &Language{
			Name:     l.Name,
			Command:  l.Command[0],
			Args:     append([]string{}, l.Command[1:]...),
			FileName: l.FileName,
		}
	}
	return languageMap, nil
}
