package hint

import (
	"os"
	"strings"
)

// Dispenser walks a hint script file one non-blank line at a time. The file
// is re-read on every call so an edited script takes effect immediately; a
// missing file simply means no hints are available.
type Dispenser struct {
	path string
}

func NewDispenser(path string) *Dispenser {
	return &Dispenser{path: strings.TrimSpace(path)}
}

// Next scans the script starting at cursor and returns the first non-blank
// line together with the cursor value for the line after it. ok is false once
// the script is exhausted (or unreadable).
func (d *Dispenser) Next(cursor int) (text string, next int, ok bool) {
	lines, err := d.lines()
	if err != nil {
		return "", 0, false
	}
	if cursor < 0 {
		cursor = 0
	}
	for i := cursor; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line, i + 1, true
		}
	}
	return "", 0, false
}

// Available reports whether another hint exists at or after cursor.
func (d *Dispenser) Available(cursor int) bool {
	_, _, ok := d.Next(cursor)
	return ok
}

func (d *Dispenser) lines() ([]string, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}
