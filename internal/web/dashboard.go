package web

import (
	"bytes"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ouuan/oj/internal/ojconfig"
	"github.com/ouuan/oj/internal/store"
)

var titleCaser = cases.Title(language.English)

// templateFuncs are the helpers available to dashboardTemplate.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"title": func(s store.JobState) string {
			return titleCaser.String(strings.ToLower(string(s)))
		},
		"resultLabel": func(r store.JobResult) string {
			return string(r)
		},
		"bytesHuman": func(n int64) string {
			if n <= 0 {
				return "unbounded"
			}
			return humanize.Bytes(uint64(n))
		},
		"microsHuman": func(us int64) string {
			return (time.Duration(us) * time.Microsecond).String()
		},
		// markdown renders a problem statement file's contents as HTML, for
		// the optional per-problem statement panel on the dashboard.
		"markdown": func(s string) template.HTML {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(s), &buf); err != nil {
				return template.HTML(template.HTMLEscapeString(s))
			}
			return template.HTML(buf.String()) //nolint:gosec // goldmark output is sanitized HTML subset
		},
	}
}

// dashboardData is what the dashboard template renders.
type dashboardData struct {
	Jobs     []store.Job
	Users    []store.User
	Contests []store.Contest
	Problems []problemStatement
}

// problemStatement pairs a problem with the raw contents of its optional
// statement.md, read from the same directory as its test data files.
type problemStatement struct {
	ID       int32
	Name     string
	Markdown string
}

// loadProblemStatements reads statement.md next to each problem's test
// data, for the problems that have one. Problems without any cases (and
// so no directory to look in) or without a statement.md are skipped.
func loadProblemStatements(cfg *ojconfig.Config) []problemStatement {
	ids := make([]int32, 0, len(cfg.ProblemMap))
	for id := range cfg.ProblemMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var statements []problemStatement
	for _, id := range ids {
		p := cfg.ProblemMap[id]
		if len(p.Cases) == 0 || p.Cases[0].InputFile == "" {
			continue
		}
		path := filepath.Join(filepath.Dir(p.Cases[0].InputFile), "statement.md")
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		statements = append(statements, problemStatement{ID: p.ID, Name: p.Name, Markdown: string(content)})
	}
	return statements
}

// handleDashboard renders a read-only snapshot of recent jobs, users, and
// contests. This is a supplemental view, not part of the JSON API
// contract: it exists for humans watching a judge run.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.GetJobs(r.Context(), store.JobFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	if len(jobs) > 50 {
		jobs = jobs[:50]
	}

	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	contests, err := s.store.ListContests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	data := dashboardData{
		Jobs:     jobs,
		Users:    users,
		Contests: contests,
		Problems: loadProblemStatements(s.cfg),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "dashboard", data); err != nil {
		s.logger.Error("dashboard render failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

const dashboardTemplate = `
<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Judge dashboard</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
th { background: #eee; }
</style>
</head>
<body>
<h1>Judge dashboard</h1>
<p>Live updates via <code>/dashboard/events</code>.</p>

<h2>Recent jobs</h2>
<table>
<tr><th>ID</th><th>User</th><th>Problem</th><th>Language</th><th>State</th><th>Result</th><th>Score</th><th>Cases</th></tr>
{{range .Jobs}}
<tr>
<td>{{.ID}}</td>
<td>{{.Submission.UserID}}</td>
<td>{{.Submission.ProblemID}}</td>
<td>{{.Submission.Language}}</td>
<td>{{title .State}}</td>
<td>{{resultLabel .Result}}</td>
<td>{{.Score}}</td>
<td>
{{range .Cases}}<div>#{{.ID}} {{resultLabel .Result}} - {{microsHuman .Time}}, {{bytesHuman .Memory}}</div>{{end}}
</td>
</tr>
{{end}}
</table>

<h2>Users</h2>
<table>
<tr><th>ID</th><th>Name</th></tr>
{{range .Users}}<tr><td>{{.ID}}</td><td>{{.Name}}</td></tr>{{end}}
</table>

<h2>Contests</h2>
<table>
<tr><th>ID</th><th>Name</th><th>From</th><th>To</th></tr>
{{range .Contests}}<tr><td>{{.ID}}</td><td>{{.Name}}</td><td>{{.From}}</td><td>{{.To}}</td></tr>{{end}}
</table>

{{if .Problems}}
<h2>Problem statements</h2>
{{range .Problems}}
<h3>{{.ID}}. {{.Name}}</h3>
<div>{{markdown .Markdown}}</div>
{{end}}
{{end}}

<script>
const events = new EventSource("/dashboard/events");
events.onmessage = () => location.reload();
</script>
</body>
</html>
`
