package skill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IsCatalogueFile reports whether path names a catalogue document.
func IsCatalogueFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(path), ".")
}

// LoadDir parses every catalogue file in dir and keeps the latest version of
// each name. A missing directory is an empty catalogue. Invalid files are
// reported together in the returned error; valid ones are still returned.
func LoadDir(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var parsed []Skill
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !IsCatalogueFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		s, err := Parse(data, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parsed = append(parsed, s)
	}
	return Latest(parsed), errors.Join(errs...)
}

// Latest keeps the highest version of each skill name, sorted by name.
func Latest(skills []Skill) []Skill {
	best := make(map[string]Skill, len(skills))
	for _, s := range skills {
		cur, ok := best[s.Name]
		if !ok || cur.Version == nil || (s.Version != nil && s.Version.GreaterThan(cur.Version)) {
			best[s.Name] = s
		}
	}
	out := make([]Skill, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
