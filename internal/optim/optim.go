// Package optim implements first-order optimizers over a shared set of named
// float32 parameters, and the step learning-rate schedule used with them.
//
// An optimizer never owns the parameters it updates. Several optimizers may
// hold the same parameter slices and each keeps its own per-parameter state,
// so a step on one perturbs exactly the values the next step of another sees.
package optim

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrUnknownOptimizer is returned by Lookup for names outside the registry.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Gradient pairs a parameter with the gradient computed for it in one step.
// Value is updated in place.
type Gradient struct {
	Name  string
	Value []float32
	Grad  []float32
}

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	Name() string
	// Step applies one update at learning rate lr. Parameters absent from
	// grads are left alone and get no state.
	Step(grads []Gradient, lr float64) error
	// Steps is the number of completed Step calls.
	Steps() int
	// Snapshot returns a deep copy of the per-parameter state, keyed by
	// "<slot>/<parameter>".
	Snapshot() map[string][]float32
}

// Constructor builds a fresh optimizer with default coefficients.
type Constructor func() Optimizer

var registry = map[string]Constructor{
	"adam":    func() Optimizer { return NewAdam(0.9, 0.999, 1e-8, 0) },
	"adamw":   func() Optimizer { return NewAdamW(0.9, 0.999, 1e-8, 0.01) },
	"sgd":     func() Optimizer { return NewSGD(0, 0) },
	"rmsprop": func() Optimizer { return NewRMSProp(0.99, 1e-8) },
	"adagrad": func() Optimizer { return NewAdagrad(1e-10) },
}

// Lookup resolves an optimizer family by name, ignoring case.
func Lookup(name string) (Constructor, error) {
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownOptimizer, name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names lists the registered families in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkShapes(grads []Gradient) error {
	for _, g := range grads {
		if len(g.Value) != len(g.Grad) {
			return fmt.Errorf("parameter %s: %d values but %d gradients", g.Name, len(g.Value), len(g.Grad))
		}
	}
	return nil
}

// slots is per-parameter state storage, created lazily on first update.
type slots map[string][]float32

func (s slots) get(name string, n int) []float32 {
	v, ok := s[name]
	if !ok {
		v = make([]float32, n)
		s[name] = v
	}
	return v
}

func (s slots) copyInto(dst map[string][]float32, prefix string) {
	for name, v := range s {
		cp := make([]float32, len(v))
		copy(cp, v)
		dst[prefix+"/"+name] = cp
	}
}

// Adam implements Adam with bias correction. With decoupled set it applies
// weight decay directly to the parameters (AdamW); otherwise weight decay is
// added to the gradient.
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	p -= lr * (m/(1-beta1^t)) / (sqrt(v/(1-beta2^t)) + eps)
type Adam struct {
	name        string
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	decoupled   bool

	m, v slots
	t    int
}

func NewAdam(beta1, beta2, epsilon, weightDecay float64) *Adam {
	return &Adam{name: "adam", beta1: beta1, beta2: beta2, epsilon: epsilon, weightDecay: weightDecay, m: slots{}, v: slots{}}
}

func NewAdamW(beta1, beta2, epsilon, weightDecay float64) *Adam {
	a := NewAdam(beta1, beta2, epsilon, weightDecay)
	a.name = "adamw"
	a.decoupled = true
	return a
}

func (a *Adam) Name() string { return a.name }
func (a *Adam) Steps() int   { return a.t }

func (a *Adam) Step(grads []Gradient, lr float64) error {
	if err := checkShapes(grads); err != nil {
		return err
	}
	a.t++

	bias1 := 1.0 - math.Pow(a.beta1, float64(a.t))
	bias2 := 1.0 - math.Pow(a.beta2, float64(a.t))

	for _, g := range grads {
		m := a.m.get(g.Name, len(g.Value))
		v := a.v.get(g.Name, len(g.Value))
		for j, p := range g.Value {
			grad := float64(g.Grad[j])
			param := float64(p)
			if a.decoupled {
				param -= lr * a.weightDecay * param
			} else {
				grad += a.weightDecay * param
			}

			mj := a.beta1*float64(m[j]) + (1-a.beta1)*grad
			vj := a.beta2*float64(v[j]) + (1-a.beta2)*grad*grad
			m[j], v[j] = float32(mj), float32(vj)

			param -= lr * (mj / bias1) / (math.Sqrt(vj/bias2) + a.epsilon)
			g.Value[j] = float32(param)
		}
	}
	return nil
}

func (a *Adam) Snapshot() map[string][]float32 {
	out := make(map[string][]float32, len(a.m)+len(a.v))
	a.m.copyInto(out, "m")
	a.v.copyInto(out, "v")
	return out
}

// SGD is plain gradient descent with optional momentum and L2 weight decay.
type SGD struct {
	momentum    float64
	weightDecay float64

	buf slots
	t   int
}

func NewSGD(momentum, weightDecay float64) *SGD {
	return &SGD{momentum: momentum, weightDecay: weightDecay, buf: slots{}}
}

func (s *SGD) Name() string { return "sgd" }
func (s *SGD) Steps() int   { return s.t }

func (s *SGD) Step(grads []Gradient, lr float64) error {
	if err := checkShapes(grads); err != nil {
		return err
	}
	s.t++
	for _, g := range grads {
		var buf []float32
		if s.momentum != 0 {
			buf = s.buf.get(g.Name, len(g.Value))
		}
		for j, p := range g.Value {
			grad := float64(g.Grad[j]) + s.weightDecay*float64(p)
			if buf != nil {
				grad = s.momentum*float64(buf[j]) + grad
				buf[j] = float32(grad)
			}
			g.Value[j] = float32(float64(p) - lr*grad)
		}
	}
	return nil
}

func (s *SGD) Snapshot() map[string][]float32 {
	out := make(map[string][]float32, len(s.buf))
	s.buf.copyInto(out, "momentum")
	return out
}

// RMSProp scales each update by a running average of squared gradients.
type RMSProp struct {
	alpha   float64
	epsilon float64

	sq slots
	t  int
}

func NewRMSProp(alpha, epsilon float64) *RMSProp {
	return &RMSProp{alpha: alpha, epsilon: epsilon, sq: slots{}}
}

func (r *RMSProp) Name() string { return "rmsprop" }
func (r *RMSProp) Steps() int   { return r.t }

func (r *RMSProp) Step(grads []Gradient, lr float64) error {
	if err := checkShapes(grads); err != nil {
		return err
	}
	r.t++
	for _, g := range grads {
		sq := r.sq.get(g.Name, len(g.Value))
		for j, p := range g.Value {
			grad := float64(g.Grad[j])
			s := r.alpha*float64(sq[j]) + (1-r.alpha)*grad*grad
			sq[j] = float32(s)
			g.Value[j] = float32(float64(p) - lr*grad/(math.Sqrt(s)+r.epsilon))
		}
	}
	return nil
}

func (r *RMSProp) Snapshot() map[string][]float32 {
	out := make(map[string][]float32, len(r.sq))
	r.sq.copyInto(out, "square_avg")
	return out
}

// Adagrad accumulates squared gradients without decay.
type Adagrad struct {
	epsilon float64

	sum slots
	t   int
}

func NewAdagrad(epsilon float64) *Adagrad {
	return &Adagrad{epsilon: epsilon, sum: slots{}}
}

func (a *Adagrad) Name() string { return "adagrad" }
func (a *Adagrad) Steps() int   { return a.t }

func (a *Adagrad) Step(grads []Gradient, lr float64) error {
	if err := checkShapes(grads); err != nil {
		return err
	}
	a.t++
	for _, g := range grads {
		sum := a.sum.get(g.Name, len(g.Value))
		for j, p := range g.Value {
			grad := float64(g.Grad[j])
			s := float64(sum[j]) + grad*grad
			sum[j] = float32(s)
			g.Value[j] = float32(float64(p) - lr*grad/(math.Sqrt(s)+a.epsilon))
		}
	}
	return nil
}

func (a *Adagrad) Snapshot() map[string][]float32 {
	out := make(map[string][]float32, len(a.sum))
	a.sum.copyInto(out, "sum")
	return out
}
