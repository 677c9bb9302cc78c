// Package stage holds the static, ordered catalogue of review pipeline stages.
package stage

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lamim/ddreview/pkg/models"
)

//go:embed stages.yaml
var defaultCatalogue []byte

type catalogue struct {
	Phases []models.PhaseInfo `yaml:"phases"`
	Stages []models.Stage     `yaml:"stages"`
}

// Registry is a read-only lookup over the stage catalogue
type Registry struct {
	stages []models.Stage
	phases []models.PhaseInfo
	index  map[models.StageID]int
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry built from the embedded catalogue
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := Parse(defaultCatalogue)
		if err != nil {
			panic(fmt.Sprintf("embedded stage catalogue is invalid: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Parse builds a registry from a YAML catalogue and validates its ordering rules
func Parse(data []byte) (*Registry, error) {
	var cat catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse stage catalogue: %w", err)
	}
	return New(cat.Stages, cat.Phases)
}

// New validates stages and phases and returns a registry over them
func New(stages []models.Stage, phases []models.PhaseInfo) (*Registry, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("stage catalogue is empty")
	}

	r := &Registry{
		stages: append([]models.Stage{}, stages...),
		index:  make(map[models.StageID]int, len(stages)),
	}

	knownPhases := make(map[models.Phase]int, len(phases))
	for i, p := range phases {
		knownPhases[p.ID] = i
	}

	for i, s := range r.stages {
		if s.ID == "" {
			return nil, fmt.Errorf("stage at position %d has no id", i)
		}
		if _, dup := r.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", s.ID)
		}
		if i > 0 && s.Order <= r.stages[i-1].Order {
			return nil, fmt.Errorf("stage %q order %d is not greater than %d", s.ID, s.Order, r.stages[i-1].Order)
		}
		if _, ok := knownPhases[s.Phase]; !ok {
			return nil, fmt.Errorf("stage %q has unknown phase %q", s.ID, s.Phase)
		}
		if s.IsCheckpoint && !s.CheckpointType.Valid() {
			return nil, fmt.Errorf("checkpoint stage %q needs a valid checkpoint_type", s.ID)
		}
		if s.Terminal && i != len(r.stages)-1 {
			return nil, fmt.Errorf("terminal stage %q must be last", s.ID)
		}
		r.index[s.ID] = i
	}
	if !r.stages[len(r.stages)-1].Terminal {
		return nil, fmt.Errorf("last stage %q must be terminal", r.stages[len(r.stages)-1].ID)
	}

	for _, p := range phases {
		info := p
		info.Stages = nil
		for _, s := range r.stages {
			if s.Phase != p.ID {
				continue
			}
			if len(info.Stages) == 0 {
				info.FirstOrder = s.Order
			}
			info.LastOrder = s.Order
			info.Stages = append(info.Stages, s.ID)
		}
		r.phases = append(r.phases, info)
	}

	return r, nil
}

// List returns the ordered stage metadata
func (r *Registry) List() []models.Stage {
	return append([]models.Stage{}, r.stages...)
}

// Phases returns phase metadata with the stages each covers
func (r *Registry) Phases() []models.PhaseInfo {
	out := make([]models.PhaseInfo, len(r.phases))
	for i, p := range r.phases {
		p.Stages = append([]models.StageID{}, p.Stages...)
		out[i] = p
	}
	return out
}

// Get looks up a stage by id
func (r *Registry) Get(id models.StageID) (models.Stage, error) {
	i, ok := r.index[id]
	if !ok {
		return models.Stage{}, fmt.Errorf("%w: %q", models.ErrUnknownStage, id)
	}
	return r.stages[i], nil
}

// First returns the entry stage of every run
func (r *Registry) First() models.Stage {
	return r.stages[0]
}

// Terminal returns the final stage
func (r *Registry) Terminal() models.Stage {
	return r.stages[len(r.stages)-1]
}

// Next returns the stage following id; ok is false at the terminal stage
func (r *Registry) Next(id models.StageID) (models.Stage, bool, error) {
	i, ok := r.index[id]
	if !ok {
		return models.Stage{}, false, fmt.Errorf("%w: %q", models.ErrUnknownStage, id)
	}
	if i+1 >= len(r.stages) {
		return models.Stage{}, false, nil
	}
	return r.stages[i+1], true, nil
}

// ResumeTargets returns the earlier stages a run at current may be rewound to
func (r *Registry) ResumeTargets(current models.StageID) ([]models.Stage, error) {
	i, ok := r.index[current]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownStage, current)
	}
	var targets []models.Stage
	for _, s := range r.stages[:i] {
		if s.Resumable {
			targets = append(targets, s)
		}
	}
	return targets, nil
}

// Order returns the order of id, or an error for unknown stages
func (r *Registry) Order(id models.StageID) (int, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return s.Order, nil
}

// StageForCheckpoint returns the stage gated by checkpoints of type t
func (r *Registry) StageForCheckpoint(t models.CheckpointType) (models.Stage, bool) {
	for _, s := range r.stages {
		if s.IsCheckpoint && s.CheckpointType == t {
			return s, true
		}
	}
	return models.Stage{}, false
}

// PhaseOf returns the phase a stage belongs to
func (r *Registry) PhaseOf(id models.StageID) (models.Phase, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return s.Phase, nil
}
