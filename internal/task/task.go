// Package task defines the on-disk task descriptor (PRD) and story selection.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// AgentKind is a tagged variant over the closed set of supported coding agents.
type AgentKind string

const (
	AgentClaude   AgentKind = "claude"
	AgentOpencode AgentKind = "opencode"
)

// Kinds lists the closed set of agent kinds in deterministic order. Order
// matters: FailureTracker.GetAlternate and agent-availability probing both
// walk this slice, so the same input always yields the same output.
var Kinds = []AgentKind{AgentClaude, AgentOpencode}

// Valid reports whether k is one of the closed set of supported kinds.
func (k AgentKind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// Story is one user story in a task descriptor.
type Story struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Priority int       `json:"priority"`
	Passes   bool      `json:"passes"`
	Agent    AgentKind `json:"agent,omitempty"`
}

// PRD is the task descriptor read fresh before every iteration. The core
// never mutates it; coding agents mutate it indirectly by editing the file.
type PRD struct {
	BranchName   string    `json:"branchName"`
	Description  string    `json:"description"`
	UserStories  []Story   `json:"userStories"`
	Agent        AgentKind `json:"agent,omitempty"`
	MergeTarget  string    `json:"mergeTarget,omitempty"`
	AutoMerge    bool      `json:"autoMerge,omitempty"`
}

// Filename is the well-known name of the task descriptor within a task directory.
const Filename = "prd.json"

// Load reads and parses a PRD from path.
func Load(path string) (*PRD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prd: %w", err)
	}
	var p PRD
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prd: %w", err)
	}
	return &p, nil
}

// NextStory returns the lowest-priority incomplete story, ties broken by
// file order (the order the stories appear in userStories). Returns nil when
// every story passes.
func NextStory(p *PRD) *Story {
	candidates := make([]int, 0, len(p.UserStories))
	for i, s := range p.UserStories {
		if !s.Passes {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return p.UserStories[candidates[a]].Priority < p.UserStories[candidates[b]].Priority
	})
	story := p.UserStories[candidates[0]]
	return &story
}

// AllPass reports whether every story in the PRD currently passes.
func AllPass(p *PRD) bool {
	return NextStory(p) == nil
}

// ResolveAgent implements the agent-resolution precedence: CLI override >
// story.agent > prd.agent > default.
func ResolveAgent(cliOverride string, story *Story, p *PRD, def AgentKind) AgentKind {
	if cliOverride != "" {
		return AgentKind(cliOverride)
	}
	if story != nil && story.Agent != "" {
		return story.Agent
	}
	if p != nil && p.Agent != "" {
		return p.Agent
	}
	return def
}
