package consensus

import "math"

// LRPolicy is the inverse decay schedule base*(1+gamma*iter)^(-power).
type LRPolicy struct {
	Base  float64
	Gamma float64
	Power float64
}

var DefaultLRPolicy = LRPolicy{Base: 0.01, Gamma: 0.0001, Power: 0.75}

// Rate returns the learning rate of an iteration.
func (p LRPolicy) Rate(iter int) float32 {
	return float32(p.Base * math.Pow(1+p.Gamma*float64(iter), -p.Power))
}
