package scrape

import (
	"encoding/json"
	"time"

	"eventsync/internal/diff"
	"eventsync/internal/model"
)

// Counts are per-source or total run counters.
type Counts struct {
	Scraped   int `json:"scraped"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

func (c *Counts) add(o Counts) {
	c.Scraped += o.Scraped
	c.New += o.New
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Errors += o.Errors
}

// Summary is the result of one run. It marshals as
//
//	{"<source>": {...}, ..., "total": {...}, "inactivated": n, ...}
type Summary struct {
	Sources map[model.SourceName]*Counts
	Total   Counts

	Inactivated int64
	DryRun      bool
	StartedAt   time.Time
	FinishedAt  time.Time

	// Candidates is the merged adapter output, set on dry runs only.
	Candidates []model.Candidate
	// Changes lists the differing fields per updated natural key.
	Changes map[string]map[string]diff.FieldChange
}

func newSummary(sources []model.SourceName, dryRun bool, started time.Time) Summary {
	s := Summary{
		Sources:   make(map[model.SourceName]*Counts, len(sources)),
		DryRun:    dryRun,
		StartedAt: started,
	}
	for _, name := range sources {
		s.Sources[name] = &Counts{}
	}
	return s
}

// bump applies delta to the source's counters and the total.
func (s *Summary) bump(src model.SourceName, delta Counts) {
	c, ok := s.Sources[src]
	if !ok {
		c = &Counts{}
		s.Sources[src] = c
	}
	c.add(delta)
	s.Total.add(delta)
}

func (s *Summary) recordChanges(key model.Key, changes map[string]diff.FieldChange) {
	if len(changes) == 0 {
		return
	}
	if s.Changes == nil {
		s.Changes = make(map[string]map[string]diff.FieldChange)
	}
	s.Changes[key.String()] = changes
}

func (s Summary) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Sources)+7)
	for name, c := range s.Sources {
		out[string(name)] = c
	}
	out["total"] = s.Total
	out["inactivated"] = s.Inactivated
	out["dryRun"] = s.DryRun
	out["startedAt"] = s.StartedAt
	out["finishedAt"] = s.FinishedAt
	if s.Candidates != nil {
		out["candidates"] = s.Candidates
	}
	if len(s.Changes) > 0 {
		out["changes"] = s.Changes
	}
	return json.Marshal(out)
}
