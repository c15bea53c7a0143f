package classify

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/pear-sorter/internal/decision"
)

// Rule selects how a frame's labels become a Decision.
type Rule string

const (
	// RuleNormalLabels marks a frame abnormal when any detection carries a
	// label outside NormalLabels.
	RuleNormalLabels Rule = "normal_labels"
	// RuleDefectLabels marks a frame abnormal when any detection carries a
	// label listed in DefectLabels.
	RuleDefectLabels Rule = "defect_labels"
)

// Labels is the detector's label file: class names by index plus the rule
// that reduces a frame's detections to one Decision.
type Labels struct {
	Classes       []string `yaml:"classes"`
	Rule          Rule     `yaml:"rule"`
	NormalLabels  []string `yaml:"normal_labels"`
	DefectLabels  []string `yaml:"defect_labels"`
	MinConfidence float64  `yaml:"min_confidence"`
}

// LoadLabels reads and validates a YAML label file.
func LoadLabels(path string) (*Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}

	var l Labels
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse labels: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid labels: %w", err)
	}
	return &l, nil
}

// Validate fills the default rule and checks the label sets are usable.
func (l *Labels) Validate() error {
	if l.Rule == "" {
		l.Rule = RuleNormalLabels
	}
	switch l.Rule {
	case RuleNormalLabels:
		if len(l.NormalLabels) == 0 {
			return fmt.Errorf("rule %s needs at least one normal label", l.Rule)
		}
	case RuleDefectLabels:
		if len(l.DefectLabels) == 0 {
			return fmt.Errorf("rule %s needs at least one defect label", l.Rule)
		}
	default:
		return fmt.Errorf("unknown rule %q", l.Rule)
	}
	if l.MinConfidence < 0 || l.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %v", l.MinConfidence)
	}
	return nil
}

// Name resolves a detection's label, falling back to its class index.
func (l *Labels) Name(d Detection) (string, error) {
	if d.Label != "" {
		return d.Label, nil
	}
	if d.Class < 0 || d.Class >= len(l.Classes) {
		return "", fmt.Errorf("class index %d outside %d known classes", d.Class, len(l.Classes))
	}
	return l.Classes[d.Class], nil
}

// Decide applies the rule to a frame's detections. Detections below
// MinConfidence are ignored; a frame with nothing left is Normal.
func (l *Labels) Decide(dets []Detection) (decision.Decision, error) {
	for _, d := range dets {
		if d.Confidence < l.MinConfidence {
			continue
		}
		name, err := l.Name(d)
		if err != nil {
			return decision.Normal, err
		}
		switch l.Rule {
		case RuleDefectLabels:
			if contains(l.DefectLabels, name) {
				return decision.Abnormal, nil
			}
		default:
			if !contains(l.NormalLabels, name) {
				return decision.Abnormal, nil
			}
		}
	}
	return decision.Normal, nil
}

// contains reports whether set holds s, ignoring case.
func contains(set []string, s string) bool {
	return slices.ContainsFunc(set, func(v string) bool { return strings.EqualFold(v, s) })
}
