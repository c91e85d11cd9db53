// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package learning is the mutation-stage bandit the Fuzzer runtime (C8)
// uses to pick between havoc, splice, CmpLog-directed, and
// token-dictionary-insertion stages: an epsilon-greedy bandit whose arm
// weights track a moving average of reward, generalized from
// string-or-program arms to mutation-stage names.
package learning

import "math/rand"

// Action identifies one arm pull, returned by Bandit.Action and handed
// back to SaveReward so a reward applies to the arm it was earned by;
// SaveReward ignores an Action whose arm is no longer at its index.
type Action struct {
	Arm   string
	index int
}

// Bandit is an epsilon-greedy bandit over a small set of named arms;
// AddArm can extend the set.
type Bandit struct {
	LearningRate    float64
	ExplorationRate float64
	arms            []string
	weights         []float64
}

// NewBandit builds a Bandit over the given initial arms, all starting
// at equal weight.
func NewBandit(arms []string, learningRate, explorationRate float64) *Bandit {
	b := &Bandit{LearningRate: learningRate, ExplorationRate: explorationRate}
	for _, a := range arms {
		b.AddArm(a)
	}
	return b
}

// AddArm appends a new stage, initialized at weight 1.
func (b *Bandit) AddArm(arm string) {
	b.arms = append(b.arms, arm)
	b.weights = append(b.weights, 1.0)
}

// Action picks a stage: with probability ExplorationRate, uniformly at
// random; otherwise the highest-weighted stage.
func (b *Bandit) Action(r *rand.Rand) Action {
	var pos int
	if r.Float64() < b.ExplorationRate {
		pos = r.Intn(len(b.arms))
	} else {
		for i := 1; i < len(b.arms); i++ {
			if b.weights[i] > b.weights[pos] {
				pos = i
			}
		}
	}
	return Action{Arm: b.arms[pos], index: pos}
}

// SaveReward nudges the chosen arm's weight toward reward, which must
// be in [0, 1] (1 meaning the stage produced maximally useful output,
// e.g. new coverage or a solution).
func (b *Bandit) SaveReward(action Action, reward float64) {
	if action.index >= len(b.arms) || b.arms[action.index] != action.Arm {
		return // arm set has since changed out from under this action
	}
	delta := (reward - b.weights[action.index]) * b.LearningRate
	b.weights[action.index] += delta
}

// Weights returns a snapshot of arm -> current weight, for stats
// reporting.
func (b *Bandit) Weights() map[string]float64 {
	out := make(map[string]float64, len(b.arms))
	for i, a := range b.arms {
		out[a] = b.weights[i]
	}
	return out
}
