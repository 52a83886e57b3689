// Package memory manages the agent-office directory: a plain markdown
// workspace with topic notes, daily notes and an inbox. The layout is
// stable; the content is written by runs and read back as bounded context.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	topicsDir = "topics"
	dailyDir  = "daily"
	inboxDir  = "inbox"
)

// Office is a handle on the office directory.
type Office struct {
	root string
}

// New creates a handle. The layout is created on first use.
func New(root string) *Office {
	return &Office{root: root}
}

// Root returns the office directory path.
func (o *Office) Root() string { return o.root }

// EnsureLayout creates the directory skeleton.
func (o *Office) EnsureLayout() error {
	for _, dir := range []string{topicsDir, dailyDir, inboxDir} {
		if err := os.MkdirAll(filepath.Join(o.root, dir), 0o755); err != nil {
			return fmt.Errorf("memory: creating %s: %w", dir, err)
		}
	}
	return nil
}

// AppendTopic appends a dated entry to a topic note, creating it as needed.
func (o *Office) AppendTopic(topic, text string) error {
	if err := o.EnsureLayout(); err != nil {
		return err
	}
	path := filepath.Join(o.root, topicsDir, slug(topic)+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: opening topic %s: %w", topic, err)
	}
	defer f.Close()

	entry := fmt.Sprintf("\n## %s\n\n%s\n", time.Now().Format("2006-01-02 15:04"), strings.TrimSpace(text))
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("memory: appending topic %s: %w", topic, err)
	}
	return nil
}

// WriteDaily writes (or overwrites) a note in the daily directory named
// <date>-<name>.md.
func (o *Office) WriteDaily(name, content string) error {
	if err := o.EnsureLayout(); err != nil {
		return err
	}
	file := fmt.Sprintf("%s-%s.md", time.Now().Format("2006-01-02"), slug(name))
	return os.WriteFile(filepath.Join(o.root, dailyDir, file), []byte(content), 0o644)
}

// InboxItems lists inbox file names, oldest first.
func (o *Office) InboxItems() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(o.root, inboxDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: reading inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Snippet assembles a bounded context snippet from the most recently
// modified topic notes. Older material is dropped first.
func (o *Office) Snippet(maxChars int) (string, error) {
	if maxChars <= 0 {
		return "", nil
	}
	dir := filepath.Join(o.root, topicsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("memory: reading topics: %w", err)
	}

	type topicFile struct {
		name string
		mod  time.Time
	}
	var files []topicFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, topicFile{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	var b strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			continue
		}
		section := fmt.Sprintf("# %s\n%s\n\n", strings.TrimSuffix(f.name, ".md"), strings.TrimSpace(string(data)))
		if b.Len()+len(section) > maxChars {
			remaining := maxChars - b.Len()
			if remaining > 80 {
				b.WriteString(section[:remaining])
			}
			break
		}
		b.WriteString(section)
	}
	return strings.TrimSpace(b.String()), nil
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
