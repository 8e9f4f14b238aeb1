package scanner

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ignorePattern is a single parsed .dvcsignore pattern.
type ignorePattern struct {
	pattern  string
	negated  bool
	dirOnly  bool
	anchored bool
}

// IgnoreMatcher holds the ignore rules of a working tree's root .dvcsignore
// file; .dvcsignore files in subdirectories are not read.
type IgnoreMatcher struct {
	rules  []ignoreRule
	logger *slog.Logger
}

type ignoreRule struct {
	baseDir string
	pat     ignorePattern
}

// LoadIgnoreMatcher loads the root .dvcsignore under workDir, if present.
func LoadIgnoreMatcher(workDir string, logger *slog.Logger) *IgnoreMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &IgnoreMatcher{logger: logger}
	m.loadFile(workDir, "")
	return m
}

func (m *IgnoreMatcher) loadFile(workDir, baseDir string) {
	path := filepath.Join(workDir, filepath.FromSlash(baseDir), ".dvcsignore")
	f, err := os.Open(path) //nolint:gosec // path is relative to the repository working tree
	if err != nil {
		return // ignore file is optional
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			m.logger.Warn("closing ignore file", "path", path, "error", cerr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pat, ok := parseIgnoreLine(scanner.Text())
		if !ok {
			continue
		}
		m.rules = append(m.rules, ignoreRule{baseDir: baseDir, pat: pat})
	}
}

// IsIgnored reports whether relPath (forward-slash separated, relative to
// the repository root) should be excluded from scanning.
func (m *IgnoreMatcher) IsIgnored(relPath string, isDir bool) bool {
	ignored := false
	for _, rule := range m.rules {
		if rule.pat.dirOnly && !isDir {
			continue
		}
		if matchPattern(rule, relPath) {
			ignored = !rule.pat.negated
		}
	}
	return ignored
}

func parseIgnoreLine(line string) (ignorePattern, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || line[0] == '#' {
		return ignorePattern{}, false
	}

	var pat ignorePattern
	if line[0] == '!' {
		pat.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		pat.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		pat.anchored = true
		line = line[1:]
	}
	if strings.Contains(line, "/") {
		remainder := strings.TrimPrefix(line, "**/")
		if strings.Contains(remainder, "/") {
			pat.anchored = true
		} else if !strings.HasPrefix(line, "**/") {
			pat.anchored = true
		}
	}
	pat.pattern = line
	return pat, line != ""
}

func matchPattern(rule ignoreRule, relPath string) bool {
	pat := rule.pat
	target := relPath
	if rule.baseDir != "" {
		if !strings.HasPrefix(relPath, rule.baseDir) {
			return false
		}
		target = relPath[len(rule.baseDir):]
	}

	if pat.anchored {
		return matchGlob(pat.pattern, target)
	}

	base := target
	if idx := strings.LastIndex(target, "/"); idx >= 0 {
		base = target[idx+1:]
	}
	if matchGlob(pat.pattern, base) {
		return true
	}
	return matchGlob(pat.pattern, target)
}

// matchGlob matches a gitignore-style glob pattern, with "**" matching zero
// or more path components.
func matchGlob(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		matched, _ := filepath.Match(pattern, name)
		return matched
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(patParts, nameParts []string) bool {
	pi, ni := 0, 0
	for pi < len(patParts) && ni < len(nameParts) {
		if patParts[pi] == "**" {
			pi++
			if pi >= len(patParts) {
				return true
			}
			for tryNi := ni; tryNi <= len(nameParts); tryNi++ {
				if matchSegments(patParts[pi:], nameParts[tryNi:]) {
					return true
				}
			}
			return false
		}
		matched, _ := filepath.Match(patParts[pi], nameParts[ni])
		if !matched {
			return false
		}
		pi++
		ni++
	}
	for pi < len(patParts) {
		if patParts[pi] != "**" {
			return false
		}
		pi++
	}
	return ni >= len(nameParts)
}
