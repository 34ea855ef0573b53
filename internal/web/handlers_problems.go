package web

import (
	"net/http"
	"sort"

	"github.com/ouuan/oj/internal/apierror"
	"github.com/ouuan/oj/internal/ojconfig"
)

type problemView struct {
	ID      int32            `json:"id"`
	Name    string           `json:"name"`
	Type    string           `json:"type"`
	Cases   []testCaseView   `json:"cases"`
	Misc    *problemMiscView `json:"misc,omitempty"`
}

type problemMiscView struct {
	Packing             [][]int32 `json:"packing,omitempty"`
	SpecialJudge        []string  `json:"special_judge,omitempty"`
	DynamicRankingRatio *float64  `json:"dynamic_ranking_ratio,omitempty"`
}

type testCaseView struct {
	Score       float64 `json:"score"`
	InputFile   string  `json:"input_file"`
	AnswerFile  string  `json:"answer_file"`
	TimeLimit   int64   `json:"time_limit"`
	MemoryLimit int64   `json:"memory_limit"`
}

const unboundedLimit = 1<<63 - 1

func toProblemView(p *ojconfig.Problem) problemView {
	view := problemView{ID: p.ID, Name: p.Name}

	cases := make([]testCaseView, len(p.Cases))
	for i, c := range p.Cases {
		timeLimit := c.TimeLimit.Microseconds()
		if c.TimeLimit == unboundedLimit {
			timeLimit = 0
		}
		memoryLimit := c.MemoryLimit
		if memoryLimit == unboundedLimit {
			memoryLimit = 0
		}
		cases[i] = testCaseView{Score: c.Score, InputFile: c.InputFile, AnswerFile: c.AnswerFile, TimeLimit: timeLimit, MemoryLimit: memoryLimit}
	}
	view.Cases = cases

	misc := &problemMiscView{}
	hasMisc := false

	if hasNonTrivialPacking(p.Packing) {
		misc.Packing = renumberAll(p.Packing)
		hasMisc = true
	}

	switch p.Type {
	case ojconfig.Standard:
		view.Type = "standard"
	case ojconfig.Strict:
		view.Type = "strict"
	case ojconfig.Spj:
		view.Type = "spj"
		misc.SpecialJudge = append([]string{p.SpjCommand}, p.SpjArgs...)
		hasMisc = true
	case ojconfig.DynamicRanking:
		view.Type = "dynamic_ranking"
		ratio := p.DynamicRankingRatio
		misc.DynamicRankingRatio = &ratio
		hasMisc = true
	}

	if hasMisc {
		view.Misc = misc
	}

	return view
}

func hasNonTrivialPacking(packing [][]int32) bool {
	for _, subtask := range packing {
		if len(subtask) > 1 {
			return true
		}
	}
	return false
}

func renumberAll(packing [][]int32) [][]int32 {
	out := make([][]int32, len(packing))
	for i, subtask := range packing {
		out[i] = renumber(subtask)
	}
	return out
}

// renumber converts 0-indexed case indices back to the wire format's
// 1-indexed case ids.
func renumber(indices []int32) []int32 {
	out := make([]int32, len(indices))
	for i, idx := range indices {
		out[i] = idx + 1
	}
	return out
}

func (s *Server) handleGetProblems(w http.ResponseWriter, r *http.Request) {
	ids := make([]int32, 0, len(s.cfg.ProblemMap))
	for id := range s.cfg.ProblemMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	views := make([]problemView, len(ids))
	for i, id := range ids {
		views[i] = toProblemView(s.cfg.ProblemMap[id])
	}
	writeJSON(w, views)
}

func (s *Server) handleGetProblem(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id", "Problem")
	if err != nil {
		writeError(w, err)
		return
	}
	problem, ok := s.cfg.ProblemMap[id]
	if !ok {
		writeError(w, apierror.NotFound("Problem "+r.PathValue("id")))
		return
	}
	writeJSON(w, toProblemView(problem))
}

func (s *Server) handleGetLanguages(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.cfg.LanguageMap))
	for name := range s.cfg.LanguageMap {
		names = append(names, name)
	}
	sort.Strings(names)

	type languageView struct {
		Name     string   `json:"name"`
		Command  []string `json:"command"`
		FileName string   `json:"file_name"`
	}
	views := make([]languageView, len(names))
	for i, name := range names {
		l := s.cfg.LanguageMap[name]
		views[i] = languageView{Name: l.Name, Command: append([]string{l.Command}, l.Args...), FileName: l.FileName}
	}
	writeJSON(w, views)
}
