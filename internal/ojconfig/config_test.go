package ojconfig

import (
	"strings"
	"testing"
)

func validConfigJSON() string {
	return `{
		"server": {"bind_address": "0.0.0.0", "bind_port": 8080},
		"problems": [
			{
				"id": 0,
				"name": "sum",
				"type": "standard",
				"cases": [
					{"score": 50, "input_file": "a.in", "answer_file": "a.ans", "time_limit": 1000000, "memory_limit": 0},
					{"score": 50, "input_file": "b.in", "answer_file": "b.ans", "time_limit": 1000000, "memory_limit": 0}
				]
			}
		],
		"languages": [
			{"name": "go", "command": ["/usr/bin/go", "build", "-o", "%OUTPUT%", "%INPUT%"], "file_name": "main.go"}
		]
	}`
}

func TestNewAcceptsValidConfig(t *testing.T) {
	cfg, err := New([]byte(validConfigJSON()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.Server.BindPort != 8080 {
		t.Errorf("BindPort = %d, want 8080", cfg.Server.BindPort)
	}
	problem, ok := cfg.ProblemMap[0]
	if !ok {
		t.Fatal("expected problem 0 to be present")
	}
	if problem.Type != Standard {
		t.Errorf("Type = %v, want Standard", problem.Type)
	}
	if len(problem.Packing) != 2 {
		t.Errorf("Packing has %d subtasks, want 2 (no misc.packing means one per case)", len(problem.Packing))
	}
	lang, ok := cfg.LanguageMap["go"]
	if !ok {
		t.Fatal("expected language go to be present")
	}
	if lang.Command != "/usr/bin/go" || len(lang.Args) != 4 {
		t.Errorf("language command/args not split as expected: %q %v", lang.Command, lang.Args)
	}
}

func TestNewRejectsEmptyConfig(t *testing.T) {
	if _, err := New([]byte("   ")); err == nil {
		t.Error("expected an error for an empty config")
	}
}

func TestNewRejectsMalformedJSON(t *testing.T) {
	_, err := New([]byte(`{"problems": [}`))
	if err == nil {
		t.Fatal("expected a JSON syntax error")
	}
	if !strings.Contains(err.Error(), "syntax") {
		t.Errorf("error = %v, want it to mention JSON syntax", err)
	}
}

func TestNewRejectsDuplicateProblemID(t *testing.T) {
	data := `{
		"problems": [
			{"id": 1, "name": "a", "type": "standard", "cases": [{"score": 100, "input_file": "a.in", "answer_file": "a.ans", "time_limit": 0, "memory_limit": 0}]},
			{"id": 1, "name": "b", "type": "standard", "cases": [{"score": 100, "input_file": "b.in", "answer_file": "b.ans", "time_limit": 0, "memory_limit": 0}]}
		],
		"languages": []
	}`
	if _, err := New([]byte(data)); err == nil {
		t.Error("expected an error for duplicate problem ids")
	}
}

func TestNewRejectsScoreNotSummingTo100(t *testing.T) {
	data := `{
		"problems": [
			{"id": 0, "name": "a", "type": "standard", "cases": [{"score": 50, "input_file": "a.in", "answer_file": "a.ans", "time_limit": 0, "memory_limit": 0}]}
		],
		"languages": []
	}`
	if _, err := New([]byte(data)); err == nil {
		t.Error("expected an error when case scores do not sum to 100")
	}
}

func TestNewRejectsSpjWithoutSpecialJudge(t *testing.T) {
	data := `{
		"problems": [
			{"id": 0, "name": "a", "type": "spj", "cases": [{"score": 100, "input_file": "a.in", "answer_file": "a.ans", "time_limit": 0, "memory_limit": 0}]}
		],
		"languages": []
	}`
	if _, err := New([]byte(data)); err == nil {
		t.Error("expected an error for an spj problem missing misc.special_judge")
	}
}

func TestNewRejectsDynamicRankingRatioOutOfRange(t *testing.T) {
	ratio := 1.5
	data := `{
		"problems": [
			{"id": 0, "name": "a", "type": "dynamic_ranking",
			 "misc": {"dynamic_ranking_ratio": 1.5},
			 "cases": [{"score": 100, "input_file": "a.in", "answer_file": "a.ans", "time_limit": 0, "memory_limit": 0}]}
		],
		"languages": []
	}`
	_ = ratio
	if _, err := New([]byte(data)); err == nil {
		t.Error("expected an error for dynamic_ranking_ratio out of [0,1]")
	}
}

func TestBuildPackingNormalizesOneIndexedToZeroIndexed(t *testing.T) {
	data := `{
		"problems": [
			{"id": 0, "name": "a", "type": "standard",
			 "misc": {"packing": [[1, 2], [3]]},
			 "cases": [
				{"score": 40, "input_file": "1.in", "answer_file": "1.ans", "time_limit": 0, "memory_limit": 0},
				{"score": 30, "input_file": "2.in", "answer_file": "2.ans", "time_limit": 0, "memory_limit": 0},
				{"score": 30, "input_file": "3.in", "answer_file": "3.ans", "time_limit": 0, "memory_limit": 0}
			 ]}
		],
		"languages": []
	}`
	cfg, err := New([]byte(data))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	problem := cfg.ProblemMap[0]
	if len(problem.Packing) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(problem.Packing))
	}
	if problem.Packing[0][0] != 0 || problem.Packing[0][1] != 1 {
		t.Errorf("first subtask = %v, want [0 1]", problem.Packing[0])
	}
	if problem.Packing[1][0] != 2 {
		t.Errorf("second subtask = %v, want [2]", problem.Packing[1])
	}
}

func TestBuildPackingRejectsMissingCase(t *testing.T) {
	data := `{
		"problems": [
			{"id": 0, "name": "a", "type": "standard",
			 "misc": {"packing": [[1]]},
			 "cases": [
				{"score": 50, "input_file": "1.in", "answer_file": "1.ans", "time_limit": 0, "memory_limit": 0},
				{"score": 50, "input_file": "2.in", "answer_file": "2.ans", "time_limit": 0, "memory_limit": 0}
			 ]}
		],
		"languages": []
	}`
	if _, err := New([]byte(data)); err == nil {
		t.Error("expected an error when the packing omits a case")
	}
}

func TestZeroTimeAndMemoryLimitMeanUnbounded(t *testing.T) {
	data := `{
		"problems": [
			{"id": 0, "name": "a", "type": "standard",
			 "cases": [{"score": 100, "input_file": "a.in", "answer_file": "a.ans", "time_limit": 0, "memory_limit": 0}]}
		],
		"languages": []
	}`
	cfg, err := New([]byte(data))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c := cfg.ProblemMap[0].Cases[0]
	if c.TimeLimit <= 0 {
		t.Errorf("TimeLimit should normalize 0 to an effectively unbounded positive value, got %v", c.TimeLimit)
	}
	if c.MemoryLimit <= 0 {
		t.Errorf("MemoryLimit should normalize 0 to an effectively unbounded positive value, got %d", c.MemoryLimit)
	}
}
