// Package dataset supplies token-id examples to the trainer: the Dataset
// contract, an in-memory implementation, Rasa corpus loading, the train /
// validation split and a concurrent batch loader.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"dietnlu/internal/config"
)

// ErrDataContract marks examples or batches whose shape or values do not
// match the dataset description (sequence length, vocabulary, label counts).
var ErrDataContract = errors.New("data contract violation")

// Example is one utterance: L token ids, its intent and L entity tags.
type Example struct {
	Tokens   []int
	Intent   int
	Entities []int
}

// Dataset is an indexable collection of fixed-length examples.
type Dataset interface {
	Len() int
	Example(i int) (Example, error)
	VocabSize() int
	SequenceLength() int
	IntentLabelCount() int
	EntityLabelCount() int
}

// Batch holds N examples in row-major form.
type Batch struct {
	Tokens   [][]int
	Intents  []int
	Entities [][]int
}

// Size is the number of examples N.
func (b Batch) Size() int { return len(b.Tokens) }

// Validate checks b against the sequence length and vocabulary/label sizes.
func (b Batch) Validate(seqLen, vocab, intents, entities int) error {
	if len(b.Intents) != len(b.Tokens) || len(b.Entities) != len(b.Tokens) {
		return fmt.Errorf("%w: batch has %d token rows, %d intents, %d entity rows",
			ErrDataContract, len(b.Tokens), len(b.Intents), len(b.Entities))
	}
	for i := range b.Tokens {
		ex := Example{Tokens: b.Tokens[i], Intent: b.Intents[i], Entities: b.Entities[i]}
		if err := ex.validate(seqLen, vocab, intents, entities); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

func (e Example) validate(seqLen, vocab, intents, entities int) error {
	if len(e.Tokens) != seqLen || len(e.Entities) != seqLen {
		return fmt.Errorf("%w: shape mismatch: sequence length %d (entities %d), want %d",
			ErrDataContract, len(e.Tokens), len(e.Entities), seqLen)
	}
	for _, t := range e.Tokens {
		if t < 0 || t >= vocab {
			return fmt.Errorf("%w: token id %d outside vocabulary of %d", ErrDataContract, t, vocab)
		}
	}
	if e.Intent < 0 || e.Intent >= intents {
		return fmt.Errorf("%w: intent label %d outside %d classes", ErrDataContract, e.Intent, intents)
	}
	for _, t := range e.Entities {
		if t < 0 || t >= entities {
			return fmt.Errorf("%w: entity label %d outside %d classes", ErrDataContract, t, entities)
		}
	}
	return nil
}

// InMemory is a Dataset backed by a slice.
type InMemory struct {
	examples []Example
	vocab    int
	seqLen   int
	intents  int
	entities int
}

// NewInMemory validates every example against the given sizes.
func NewInMemory(examples []Example, vocab, seqLen, intents, entities int) (*InMemory, error) {
	for i, ex := range examples {
		if err := ex.validate(seqLen, vocab, intents, entities); err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
	}
	return &InMemory{examples: examples, vocab: vocab, seqLen: seqLen, intents: intents, entities: entities}, nil
}

func (d *InMemory) Len() int              { return len(d.examples) }
func (d *InMemory) VocabSize() int        { return d.vocab }
func (d *InMemory) SequenceLength() int   { return d.seqLen }
func (d *InMemory) IntentLabelCount() int { return d.intents }
func (d *InMemory) EntityLabelCount() int { return d.entities }

func (d *InMemory) Example(i int) (Example, error) {
	if i < 0 || i >= len(d.examples) {
		return Example{}, fmt.Errorf("example index %d out of range [0,%d)", i, len(d.examples))
	}
	return d.examples[i], nil
}

// Subset is a view of a parent dataset through an index list.
type Subset struct {
	Dataset
	indices []int
}

func (s *Subset) Len() int { return len(s.indices) }

func (s *Subset) Example(i int) (Example, error) {
	if i < 0 || i >= len(s.indices) {
		return Example{}, fmt.Errorf("example index %d out of range [0,%d)", i, len(s.indices))
	}
	return s.Dataset.Example(s.indices[i])
}

// Indices returns the parent indices backing the subset.
func (s *Subset) Indices() []int { return s.indices }

// Split partitions ds once into train and validation subsets using a random
// permutation from rng. The train side holds floor(len*ratio) examples.
func Split(ds Dataset, ratio float64, rng *rand.Rand) (train, val *Subset, err error) {
	n := ds.Len()
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: dataset is empty", config.ErrConfiguration)
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, fmt.Errorf("%w: train_ratio must be in (0,1), got %v", config.ErrConfiguration, ratio)
	}
	trainLen := int(float64(n) * ratio)
	if trainLen == 0 || trainLen == n {
		return nil, nil, fmt.Errorf("%w: train_ratio %v over %d examples gives an empty split (train %d, validation %d)",
			config.ErrConfiguration, ratio, n, trainLen, n-trainLen)
	}

	perm := rng.Perm(n)
	return &Subset{Dataset: ds, indices: perm[:trainLen]}, &Subset{Dataset: ds, indices: perm[trainLen:]}, nil
}
