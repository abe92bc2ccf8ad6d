// Package workload defines what one virtual user does per iteration.
//
// A workload is a declarative Mix of steps. Each step names a modulus: it
// runs on iterations whose per-VU counter is a multiple of Every. The Mix
// does not know about scheduling; the runner hands it (vu, iteration) pairs.
package workload

import (
	"context"
)

// Iteration identifies one workload execution. VU ids start at 1 and the
// per-VU iteration counter starts at 0.
type Iteration struct {
	VU   int
	Iter int64
}

// Step is one entry of a Mix.
type Step struct {
	Name string
	// Every is the modulus; 0 and 1 both mean every iteration.
	Every int
	Run   func(ctx context.Context, it Iteration)
}

// Due reports whether the step runs on iteration iter.
func (s Step) Due(iter int64) bool {
	if s.Every <= 1 {
		return true
	}
	return iter%int64(s.Every) == 0
}

// Mix is an ordered list of steps.
type Mix struct {
	steps []Step
}

// NewMix creates a mix. Steps run in the order given.
func NewMix(steps ...Step) *Mix {
	return &Mix{steps: steps}
}

// Steps returns the configured steps.
func (m *Mix) Steps() []Step {
	out := make([]Step, len(m.steps))
	copy(out, m.steps)
	return out
}

// Due returns the names of the steps that run on iteration iter.
func (m *Mix) Due(iter int64) []string {
	var names []string
	for _, s := range m.steps {
		if s.Due(iter) {
			names = append(names, s.Name)
		}
	}
	return names
}

// Execute runs every due step for one iteration. Step outcomes are recorded
// by the steps themselves; Execute never fails.
func (m *Mix) Execute(ctx context.Context, vu int, iter int64) {
	it := Iteration{VU: vu, Iter: iter}
	for _, s := range m.steps {
		if s.Due(iter) {
			s.Run(ctx, it)
		}
	}
}
