// Package skill loads the capability catalogue and dispatches work to
// capability handlers.
//
// A catalogue is a directory of YAML files, one capability per file:
//
//	name: weather
//	version: 1.2.0
//	description: Current conditions and forecasts for a city.
//	keywords: [weather, forecast, temperature, rain]
//	match: 'text contains "forecast"'
//	provider: weather-api
//	timeout: 10s
//	instructions: |
//	  Answer with the temperature first.
//
// When several files declare the same name, the highest version wins.
package skill

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// DefaultProvider is the breaker name for capabilities that only call the
// generation model.
const DefaultProvider = "generation"

var (
	ErrInvalidSkill = errors.New("invalid skill")
	namePattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Skill is one catalogue entry.
type Skill struct {
	Name         string
	Version      *semver.Version
	Description  string
	Keywords     []string
	Match        string
	Instructions string
	Provider     string
	Timeout      time.Duration
	Source       string

	program *vm.Program
}

type skillFile struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	Keywords     []string `yaml:"keywords"`
	Match        string   `yaml:"match"`
	Instructions string   `yaml:"instructions"`
	Provider     string   `yaml:"provider"`
	Timeout      string   `yaml:"timeout"`
}

// MatchEnv is the environment match rules are evaluated against.
type MatchEnv struct {
	Text  string   `expr:"text"`
	Words []string `expr:"words"`
}

// Parse decodes and validates one skill document.
func Parse(data []byte, source string) (Skill, error) {
	var f skillFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Skill{}, fmt.Errorf("%s: %w: %v", source, ErrInvalidSkill, err)
	}

	s := Skill{
		Name:         strings.ToLower(strings.TrimSpace(f.Name)),
		Description:  strings.TrimSpace(f.Description),
		Match:        strings.TrimSpace(f.Match),
		Instructions: strings.TrimSpace(f.Instructions),
		Provider:     strings.TrimSpace(f.Provider),
		Source:       source,
	}
	if !namePattern.MatchString(s.Name) {
		return Skill{}, fmt.Errorf("%s: %w: name %q must be lowercase letters, digits, '-' or '_'", source, ErrInvalidSkill, f.Name)
	}
	if s.Description == "" {
		return Skill{}, fmt.Errorf("%s: %w: %s has no description", source, ErrInvalidSkill, s.Name)
	}

	version := strings.TrimSpace(f.Version)
	if version == "" {
		version = "0.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return Skill{}, fmt.Errorf("%s: %w: version %q: %v", source, ErrInvalidSkill, f.Version, err)
	}
	s.Version = v

	for _, kw := range f.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			s.Keywords = append(s.Keywords, kw)
		}
	}

	if s.Provider == "" {
		s.Provider = DefaultProvider
	}
	if f.Timeout != "" {
		d, err := time.ParseDuration(f.Timeout)
		if err != nil || d < 0 {
			return Skill{}, fmt.Errorf("%s: %w: timeout %q", source, ErrInvalidSkill, f.Timeout)
		}
		s.Timeout = d
	}

	if s.Match != "" {
		program, err := expr.Compile(s.Match, expr.Env(MatchEnv{}), expr.AsBool())
		if err != nil {
			return Skill{}, fmt.Errorf("%s: %w: match rule: %v", source, ErrInvalidSkill, err)
		}
		s.program = program
	}
	return s, nil
}

// Matches evaluates the skill's match rule. Skills without a rule never
// match.
func (s Skill) Matches(env MatchEnv) (bool, error) {
	if s.program == nil {
		return false, nil
	}
	out, err := expr.Run(s.program, env)
	if err != nil {
		return false, fmt.Errorf("skill %s match rule: %w", s.Name, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// VersionString returns the version, or "" when unset.
func (s Skill) VersionString() string {
	if s.Version == nil {
		return ""
	}
	return s.Version.String()
}

// EmbeddingText is the text indexed for semantic routing.
func (s Skill) EmbeddingText() string {
	if len(s.Keywords) == 0 {
		return s.Description
	}
	return s.Description + "\n" + strings.Join(s.Keywords, " ")
}
