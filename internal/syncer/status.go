package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// MaxStatusLogs caps the rolling log kept per repository.
const MaxStatusLogs = 200

// Status is the observable state of the latest sync of a repository.
type Status struct {
	Repository     string         `json:"repository"`
	Branch         string         `json:"branch"`
	IsRunning      bool           `json:"is_running"`
	IsComplete     bool           `json:"is_complete"`
	IsSuccess      bool           `json:"is_success"`
	Logs           []string       `json:"logs"`
	StartedAt      time.Time      `json:"started_at"`
	LastProgressAt time.Time      `json:"last_progress_at"`
	ElapsedSecs    float64        `json:"elapsed_secs"`
	FinalMessage   string         `json:"final_message,omitempty"`
	Progress       types.Progress `json:"progress"`
}

// StatusTable holds one Status per repository name.
type StatusTable struct {
	mu      sync.RWMutex
	entries map[string]*Status
	now     func() time.Time
}

// NewStatusTable creates an empty table.
func NewStatusTable() *StatusTable {
	return &StatusTable{entries: make(map[string]*Status), now: time.Now}
}

// Start resets the status of repo for a new sync of branch.
func (t *StatusTable) Start(repo, branch string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[repo] = &Status{
		Repository:     repo,
		Branch:         branch,
		IsRunning:      true,
		StartedAt:      now,
		LastProgressAt: now,
	}
}

func (t *StatusTable) update(repo string, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[repo]
	if !ok {
		s = &Status{Repository: repo}
		t.entries[repo] = s
	}
	fn(s)
}

// Log appends a line to the rolling log of repo.
func (t *StatusTable) Log(repo, line string) {
	now := t.now()
	t.update(repo, func(s *Status) {
		s.Logs = append(s.Logs, now.Format(time.TimeOnly)+" "+line)
		if len(s.Logs) > MaxStatusLogs {
			s.Logs = append([]string(nil), s.Logs[len(s.Logs)-MaxStatusLogs:]...)
		}
		s.LastProgressAt = now
	})
}

// Progress records a pipeline progress update.
func (t *StatusTable) Progress(repo string, p types.Progress) {
	now := t.now()
	t.update(repo, func(s *Status) {
		s.Progress = p
		s.LastProgressAt = now
	})
}

// Finish marks the sync of repo done.
func (t *StatusTable) Finish(repo string, success bool, message string) {
	now := t.now()
	t.update(repo, func(s *Status) {
		s.IsRunning = false
		s.IsComplete = true
		s.IsSuccess = success
		s.FinalMessage = message
		s.LastProgressAt = now
		if !s.StartedAt.IsZero() {
			s.ElapsedSecs = now.Sub(s.StartedAt).Seconds()
		}
	})
}

// Get returns a copy of the status of repo.
func (t *StatusTable) Get(repo string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[repo]
	if !ok {
		return Status{}, false
	}
	return s.copy(), true
}

// All returns copies of every status, ordered by repository name.
func (t *StatusTable) All() []Status {
	t.mu.RLock()
	out := make([]Status, 0, len(t.entries))
	for _, s := range t.entries {
		out = append(out, s.copy())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })
	return out
}

// Remove forgets the status of repo.
func (t *StatusTable) Remove(repo string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, repo)
}

func (s *Status) copy() Status {
	out := *s
	out.Logs = append([]string(nil), s.Logs...)
	if s.IsRunning {
		out.ElapsedSecs = time.Since(s.StartedAt).Seconds()
	}
	return out
}
