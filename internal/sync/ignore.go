package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// ControlDirName is the private directory holding the journal, logs and
// lock file. It is never synced.
const ControlDirName = ".cozy-desktop"

// IgnoreFileName is the optional pattern file users can drop at the sync
// root. Files of this name in subdirectories are not read.
const IgnoreFileName = ".cozyignore"

var defaultIgnoreLines = []string{
	// private control dir
	ControlDirName + "/",
	IgnoreFileName,
	// editors and tooling
	".vscode",
	".idea",
	"*.swp",
	"*~",
	// general excludes
	".git",
	"*.tmp",
	"*.lock",
	// OS-specific
	".DS_Store",
	".Spotlight-V100",
	".Trashes",
	"Thumbs.db",
	"desktop.ini",
	"Icon\r",
}

// IgnoreList decides which relative paths stay invisible to the sync
// engine: built-in junk patterns, the control directory, the user's
// .cozyignore rules, and patterns from the configuration.
type IgnoreList struct {
	baseDir string
	extra   []string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string, patterns []string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir, extra: patterns}
}

// Load compiles the rule set, reading the optional .cozyignore file.
func (l *IgnoreList) Load() {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(l.extra))
	lines = append(lines, defaultIgnoreLines...)
	lines = append(lines, l.extra...)

	ignorePath := filepath.Join(l.baseDir, IgnoreFileName)
	if info, err := os.Stat(ignorePath); err == nil && !info.IsDir() {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := scanner.Text()
				if line != "" {
					lines = append(lines, line)
					rules++
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore reports whether the relative path is excluded from sync.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	if l.ignore == nil {
		return false
	}
	return l.ignore.MatchesPath(relPath)
}
