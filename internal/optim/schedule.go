package optim

import "math"

// StepLR decays a base learning rate by gamma every stepSize epochs.
type StepLR struct {
	base     float64
	stepSize int
	gamma    float64
	epoch    int
}

func NewStepLR(base float64, stepSize int, gamma float64) *StepLR {
	if stepSize < 1 {
		stepSize = 1
	}
	return &StepLR{base: base, stepSize: stepSize, gamma: gamma}
}

// LR is the learning rate for the current epoch.
func (s *StepLR) LR() float64 {
	return s.base * math.Pow(s.gamma, float64(s.epoch/s.stepSize))
}

// Step advances the schedule by one epoch.
func (s *StepLR) Step() { s.epoch++ }

func (s *StepLR) Epoch() int { return s.epoch }
