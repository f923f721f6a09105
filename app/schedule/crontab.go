// Package schedule keeps persisted schedule records in sync with the system
// crontab. Each managed schedule maps to exactly one tagged crontab entry;
// foreign crontab lines are preserved untouched.
package schedule

import (
	"bytes"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// tagPrefix marks crontab entries owned by this application. The numeric
// suffix is the schedule id, e.g. "SCRIPTDASH_7".
const tagPrefix = "SCRIPTDASH"

var tagRe = regexp.MustCompile(`^` + tagPrefix + `_(\d+)$`)

// Entry is a single crontab line. Managed entries carry a tag comment and are
// rendered as "<spec> <command> # <tag>", with a leading "# " when disabled.
// Foreign lines keep their verbatim text in Raw and round-trip unchanged.
type Entry struct {
	Spec    string
	Command string
	Tag     string
	Enabled bool
	Raw     string // verbatim foreign line, set only when Tag is empty
}

// ScheduleID parses the schedule id out of the entry tag,
// returns false for foreign or malformed tags
func (e Entry) ScheduleID() (int64, bool) {
	m := tagRe.FindStringSubmatch(e.Tag)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Tag builds the tag comment for a schedule id
func Tag(scheduleID int64) string {
	return fmt.Sprintf("%s_%d", tagPrefix, scheduleID)
}

// Store abstracts the external job store. Implementations must make Save
// atomic: either the full entry list is written or nothing changes.
type Store interface {
	Load() ([]Entry, error)
	Save(entries []Entry) error
}

// SystemStore reads and writes the invoking user's crontab through the
// crontab(1) command
type SystemStore struct {
	crontabCmd string // crontab binary, default "crontab"
}

// NewSystemStore creates a store talking to the user crontab
func NewSystemStore() *SystemStore {
	return &SystemStore{crontabCmd: "crontab"}
}

// Load reads the current crontab. A missing crontab is not an error and
// returns an empty list.
func (s *SystemStore) Load() ([]Entry, error) {
	cmd := exec.Command(s.crontabCmd, "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no crontab") {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read crontab: %w, %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseTab(stdout.String()), nil
}

// Save replaces the crontab with the rendered entries
func (s *SystemStore) Save(entries []Entry) error {
	cmd := exec.Command(s.crontabCmd, "-")
	cmd.Stdin = strings.NewReader(RenderTab(entries))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to write crontab: %w, %s", err, strings.TrimSpace(stderr.String()))
	}
	log.Printf("[DEBUG] crontab saved, %d entries", len(entries))
	return nil
}

// ParseTab parses full crontab text into entries, keeping foreign lines verbatim
func ParseTab(tab string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(tab, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, parseLine(line))
	}
	return entries
}

// RenderTab renders entries back to crontab text with a trailing newline
func RenderTab(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(renderLine(e))
		b.WriteString("\n")
	}
	return b.String()
}

// parseLine recognizes managed entries (enabled or commented-out) by the tag
// suffix; anything else is a foreign line
func parseLine(line string) Entry {
	trimmed := strings.TrimSpace(line)

	enabled := true
	body := trimmed
	if strings.HasPrefix(trimmed, "#") {
		enabled = false
		body = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
	}

	// split off the inline tag comment, the command itself never contains " # "
	idx := strings.LastIndex(body, " # ")
	if idx < 0 {
		return Entry{Raw: line}
	}
	tag := strings.TrimSpace(body[idx+3:])
	if !tagRe.MatchString(tag) {
		return Entry{Raw: line}
	}

	spec, command, ok := splitSpec(body[:idx])
	if !ok {
		return Entry{Raw: line}
	}

	return Entry{
		Spec:    spec,
		Command: command,
		Tag:     tag,
		Enabled: enabled,
	}
}

// splitSpec slices the five cron spec fields off the front of the line body
// and keeps the rest verbatim, so quoting and internal spacing of the command
// survive the load-save round trip
func splitSpec(body string) (spec, command string, ok bool) {
	consumed := 0
	for i := 0; i < 5; i++ {
		rest := strings.TrimLeft(body[consumed:], " \t")
		consumed = len(body) - len(rest)
		n := strings.IndexAny(rest, " \t")
		if n < 0 {
			return "", "", false
		}
		consumed += n
	}
	command = strings.TrimLeft(body[consumed:], " \t")
	if command == "" {
		return "", "", false
	}
	return strings.Join(strings.Fields(body[:consumed]), " "), command, true
}

func renderLine(e Entry) string {
	if e.Tag == "" {
		return e.Raw
	}
	line := fmt.Sprintf("%s %s # %s", e.Spec, e.Command, e.Tag)
	if !e.Enabled {
		return "# " + line
	}
	return line
}
