// Package progress implements the append-only per-task progress log and its
// size-triggered rotation.
package progress

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultRotateThreshold is the line count above which the log rotates
// before the next iteration.
const DefaultRotateThreshold = 300

// Filename is the name of the live progress log within a task directory.
const Filename = "progress.txt"

// Store is a through-flushed append-only writer. One Store per loop; it is
// not safe for concurrent use across loops because each loop owns its own
// task directory.
type Store struct {
	dir             string
	effortName      string
	effortType      string
	startedAt       time.Time
	rotateThreshold int
}

// New creates a Store rooted at dir (a task directory). effortName/effortType
// are descriptive labels written into rotation headers (e.g. the branch name
// and "loop").
func New(dir, effortName, effortType string) *Store {
	return &Store{
		dir:             dir,
		effortName:      effortName,
		effortType:      effortType,
		startedAt:       time.Now(),
		rotateThreshold: DefaultRotateThreshold,
	}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, Filename)
}

// Append writes a timestamped block to the log, creating it if absent.
func (s *Store) Append(block string) error {
	f, err := os.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "\n## %s\n%s\n", time.Now().UTC().Format(time.RFC3339), strings.TrimRight(block, "\n"))
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush progress log: %w", err)
	}
	return f.Sync()
}

// AppendFailure records a failure block.
func (s *Store) AppendFailure(agentName, msg string) error {
	return s.Append(fmt.Sprintf("FAILURE (agent=%s): %s", agentName, msg))
}

// AppendFailover records a failover transition.
func (s *Store) AppendFailover(from, to, reason string) error {
	return s.Append(fmt.Sprintf("FAILOVER: %s -> %s (%s)", from, to, reason))
}

// AppendCheckpoint records an arbitrary checkpoint note.
func (s *Store) AppendCheckpoint(note string) error {
	return s.Append(fmt.Sprintf("CHECKPOINT: %s", note))
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

var patternsHeading = regexp.MustCompile(`(?m)^## Codebase Patterns\s*$`)
var anyHeading = regexp.MustCompile(`(?m)^## .+$`)

// extractCodebasePatterns pulls the "## Codebase Patterns" section (from
// that heading up to the next "##" heading that is not Codebase Patterns),
// including the heading itself. Returns "" if the section is absent.
func extractCodebasePatterns(content string) string {
	loc := patternsHeading.FindStringIndex(content)
	if loc == nil {
		return ""
	}
	rest := content[loc[1]:]
	end := len(rest)
	for _, m := range anyHeading.FindAllStringIndex(rest, -1) {
		end = m[0]
		break
	}
	return strings.TrimSpace(content[loc[0] : loc[1]+end])
}

// RotateIfNeeded rotates the log when it exceeds the configured threshold.
// Rotation is idempotent: if the log is at or below the threshold this is a
// no-op and no progress-N.txt is created.
func (s *Store) RotateIfNeeded() error {
	n, err := countLines(s.path())
	if err != nil {
		return fmt.Errorf("count progress lines: %w", err)
	}
	if n <= s.rotateThreshold {
		return nil
	}
	return s.rotate()
}

// rotate implements the four-step rotation described in §4.4:
//  1. find the smallest N>=1 such that progress-N.txt does not exist
//  2. copy the current log to progress-N.txt
//  3. extract the "## Codebase Patterns" section
//  4. replace the current log with a fresh header + extracted patterns +
//     a "Prior Progress" pointer
func (s *Store) rotate() error {
	n := 1
	for {
		if _, err := os.Stat(s.rotatedPath(n)); os.IsNotExist(err) {
			break
		}
		n++
	}

	content, err := os.ReadFile(s.path())
	if err != nil {
		return fmt.Errorf("read progress log for rotation: %w", err)
	}
	if err := os.WriteFile(s.rotatedPath(n), content, 0o644); err != nil {
		return fmt.Errorf("write rotated progress log: %w", err)
	}

	patterns := extractCodebasePatterns(string(content))

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Progress — %s\n\n", s.effortName)
	fmt.Fprintf(&sb, "Type: %s\n", s.effortType)
	fmt.Fprintf(&sb, "Started: %s\n", s.startedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Rotation: %d\n", n)
	fmt.Fprintf(&sb, "Rotated at: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	if patterns != "" {
		sb.WriteString(patterns)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Prior Progress\n")
	fmt.Fprintf(&sb, "See %s for the full history up to this point.\n", filepath.Base(s.rotatedPath(n)))
	if n > 1 {
		fmt.Fprintf(&sb, "Previous rotation: %s\n", filepath.Base(s.rotatedPath(n-1)))
	}

	return os.WriteFile(s.path(), []byte(sb.String()), 0o644)
}

func (s *Store) rotatedPath(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("progress-%d.txt", n))
}
