// Package prompts loads the system prompts used by each agent. Prompts are
// read from a directory of markdown files; any file that is missing falls
// back to a built-in default.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Name identifies an agent prompt.
type Name string

const (
	Router     Name = "router"
	Researcher Name = "researcher"
	Analyst    Name = "analyst"
	Critic     Name = "critic"
)

// Names lists every prompt in load order.
var Names = []Name{Router, Researcher, Analyst, Critic}

// File returns the file name the prompt is stored under.
func (n Name) File() string { return string(n) + ".md" }

// Set holds one system prompt per agent.
type Set struct {
	Router     string
	Researcher string
	Analyst    string
	Critic     string
}

// Get returns the prompt for n.
func (s Set) Get(n Name) string {
	switch n {
	case Router:
		return s.Router
	case Researcher:
		return s.Researcher
	case Analyst:
		return s.Analyst
	case Critic:
		return s.Critic
	}
	return ""
}

func (s *Set) set(n Name, text string) {
	switch n {
	case Router:
		s.Router = text
	case Researcher:
		s.Researcher = text
	case Analyst:
		s.Analyst = text
	case Critic:
		s.Critic = text
	}
}

// Defaults returns the built-in prompts.
func Defaults() Set {
	return Set{
		Router:     defaultRouter,
		Researcher: defaultResearcher,
		Analyst:    defaultAnalyst,
		Critic:     defaultCritic,
	}
}

// Loader reads prompt files from a directory.
type Loader struct {
	fs  afero.Fs
	dir string
}

// NewLoader returns a Loader reading from dir on fsys. A nil fsys means the
// OS filesystem.
func NewLoader(fsys afero.Fs, dir string) *Loader {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Loader{fs: fsys, dir: dir}
}

// Load returns the prompt n. A missing or blank file yields the default;
// any other read error is returned.
func (l *Loader) Load(n Name) (string, error) {
	def := Defaults().Get(n)
	if l.dir == "" {
		return def, nil
	}
	data, err := afero.ReadFile(l.fs, path.Join(l.dir, n.File()))
	if errors.Is(err, fs.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s prompt: %w", n, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return def, nil
	}
	return text, nil
}

// LoadSet loads every prompt.
func (l *Loader) LoadSet() (Set, error) {
	var s Set
	for _, n := range Names {
		text, err := l.Load(n)
		if err != nil {
			return Set{}, err
		}
		s.set(n, text)
	}
	return s, nil
}
