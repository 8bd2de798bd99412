package telemetry

import (
	"fmt"
	"sync"
)

// Report is a single call recorded by TestAPI.
type Report struct {
	Level  string
	Id     string
	Params []any
}

// TestAPI records every report so tests can assert on what a component
// reported. It is safe for concurrent use.
type TestAPI struct {
	mutex   sync.Mutex
	reports []Report
}

func NewTestAPI() *TestAPI {
	return &TestAPI{}
}

func (t *TestAPI) record(level, id string, params []any) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.reports = append(t.reports, Report{Level: level, Id: id, Params: params})
}

func (t *TestAPI) ReportBroken(id string, params ...any) {
	t.record("broken", id, params)
}

func (t *TestAPI) ReportWarning(id string, params ...any) {
	t.record("warning", id, params)
}

func (t *TestAPI) ReportDebug(msg string, params ...any) {
	t.record("debug", msg, params)
}

func (t *TestAPI) ReportCount(id string, count int64) {
	t.record("count", id, []any{count})
}

// Reports returns the recorded reports with the given level ("broken", "warning", "debug"
// or "count").
func (t *TestAPI) Reports(level string) []Report {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var out []Report
	for _, r := range t.reports {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

func (r Report) String() string {
	return fmt.Sprintf("[%s] %s %v", r.Level, r.Id, r.Params)
}
