package logstream

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps marker substrings to a level. Matching is case-insensitive and
// substring based; the first rule whose marker appears in the line wins.
type Rule struct {
	Level   Level    `yaml:"level"`
	Markers []string `yaml:"markers"`
}

// DefaultRules returns the built-in classification order: error markers take
// precedence over warning markers, which take precedence over success markers.
// Lines matching nothing are info.
func DefaultRules() []Rule {
	return []Rule{
		{Level: LevelError, Markers: []string{"error", "fail", "traceback", "exception", "❌"}},
		{Level: LevelWarning, Markers: []string{"warn", "⚠"}},
		{Level: LevelSuccess, Markers: []string{"success", "完成", "✅"}},
	}
}

// Classifier assigns a Level to each output line using an ordered rule list.
type Classifier struct {
	rules []compiledRule
}

type compiledRule struct {
	level   Level
	markers []string
}

// NewClassifier builds a classifier from the given rules, or the defaults when
// none are provided.
func NewClassifier(rules ...Rule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		level, err := normalizeLevel(rule.Level)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		markers := make([]string, 0, len(rule.Markers))
		for _, marker := range rule.Markers {
			marker = strings.ToLower(strings.TrimSpace(marker))
			if marker == "" {
				continue
			}
			markers = append(markers, marker)
		}
		if len(markers) == 0 {
			return nil, fmt.Errorf("rule %d: at least one marker is required", i)
		}
		compiled = append(compiled, compiledRule{level: level, markers: markers})
	}

	return &Classifier{rules: compiled}, nil
}

// LoadClassifier reads an ordered rule list from a YAML file.
func LoadClassifier(path string) (*Classifier, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from local config.
	if err != nil {
		return nil, fmt.Errorf("read marker rules %q: %w", path, err)
	}

	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse marker rules %q: %w", path, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("marker rules %q: file defines no rules", path)
	}

	return NewClassifier(rules...)
}

// Classify returns the level of one output line.
func (c *Classifier) Classify(line string) Level {
	if c == nil {
		return LevelInfo
	}
	lowered := strings.ToLower(line)
	for _, rule := range c.rules {
		for _, marker := range rule.markers {
			if strings.Contains(lowered, marker) {
				return rule.level
			}
		}
	}
	return LevelInfo
}

func normalizeLevel(level Level) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(string(level)))) {
	case LevelInfo:
		return LevelInfo, nil
	case LevelWarning:
		return LevelWarning, nil
	case LevelError:
		return LevelError, nil
	case LevelSuccess:
		return LevelSuccess, nil
	case "":
		return "", errors.New("level is required")
	default:
		return "", fmt.Errorf("unsupported level %q", level)
	}
}
