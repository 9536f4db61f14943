package escrow

import (
	"encoding/json"
	"fmt"
)

// TaskTypeImageBoxes is the only annotation type the validator scores
const TaskTypeImageBoxes = "IMAGE_BOXES"

type Label struct {
	Name string `json:"name"`
}

type AnnotationInfo struct {
	Labels  []Label `json:"labels"`
	Type    string  `json:"type"`
	JobSize int     `json:"job_size"`
}

type ValidationInfo struct {
	MinQuality float64 `json:"min_quality"`
	ValSize    int     `json:"val_size"`
	GTURL      string  `json:"gt_url"`
}

type DataInfo struct {
	DataURL string `json:"data_url"`
}

// Manifest is the task description stored off-chain and referenced by the escrow
type Manifest struct {
	Data       DataInfo       `json:"data"`
	Annotation AnnotationInfo `json:"annotation"`
	Validation ValidationInfo `json:"validation"`
	JobBounty  string         `json:"job_bounty,omitempty"`
}

// LabelNames returns the label names in manifest order; dataset label
// indexes refer to this order
func (m *Manifest) LabelNames() []string {
	out := make([]string, len(m.Annotation.Labels))
	for i, l := range m.Annotation.Labels {
		out[i] = l.Name
	}
	return out
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Annotation.Type != TaskTypeImageBoxes {
		return fmt.Errorf("unsupported task type %q", m.Annotation.Type)
	}
	if len(m.Annotation.Labels) == 0 {
		return fmt.Errorf("manifest declares no labels")
	}
	seen := make(map[string]bool, len(m.Annotation.Labels))
	for _, l := range m.Annotation.Labels {
		if l.Name == "" || seen[l.Name] {
			return fmt.Errorf("invalid or duplicate label %q", l.Name)
		}
		seen[l.Name] = true
	}
	if m.Validation.MinQuality < 0 || m.Validation.MinQuality > 1 {
		return fmt.Errorf("min_quality %v outside [0, 1]", m.Validation.MinQuality)
	}
	if m.Validation.GTURL == "" {
		return fmt.Errorf("manifest has no gt_url")
	}
	return nil
}
