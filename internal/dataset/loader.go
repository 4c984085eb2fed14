package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// LoaderOptions configures a Loader. Zero Workers uses runtime.NumCPU();
// zero Prefetch queues two batches per worker.
type LoaderOptions struct {
	BatchSize int
	Workers   int
	Prefetch  int
	Shuffle   bool
	Seed      int64
}

// Loader cuts a dataset into consecutive batches. Batches are assembled by a
// pool of worker goroutines into a bounded prefetch queue and handed to the
// caller strictly in order.
type Loader struct {
	ds   Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

func NewLoader(ds Dataset, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2 * opts.Workers
	}
	return &Loader{ds: ds, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}, nil
}

// Len is the number of batches per pass; the last may be short.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

func (l *Loader) Dataset() Dataset { return l.ds }

func (l *Loader) Workers() int { return l.opts.Workers }

// Iterate makes one pass over the dataset and calls fn for each batch on the
// calling goroutine. The pass stops at the first error from fn, from a
// worker, or from ctx.
func (l *Loader) Iterate(ctx context.Context, fn func(Batch) error) error {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	n := l.Len()
	if n == 0 {
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// slots deliver batch i to the consumer; capacity 1 so workers never block.
	slots := make([]chan Batch, n)
	for i := range slots {
		slots[i] = make(chan Batch, 1)
	}
	queue := make(chan struct{}, l.opts.Prefetch)
	jobs := make(chan int)

	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < n && ctx.Err() == nil; i++ {
			select {
			case queue <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < l.opts.Workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				start := i * l.opts.BatchSize
				end := min(start+l.opts.BatchSize, len(order))
				b, err := l.assemble(order[start:end])
				if err != nil {
					return fmt.Errorf("batch %d: %w", i, err)
				}
				slots[i] <- b
			}
			return nil
		})
	}

	var (
		consumeErr error
		consumed   int
	)
consume:
	for consumed < n && ctx.Err() == nil {
		select {
		case b := <-slots[consumed]:
			<-queue
			if err := fn(b); err != nil {
				consumeErr = err
				break consume
			}
			consumed++
		case <-ctx.Done():
			break consume
		}
	}
	cancel()

	werr := g.Wait()
	switch {
	case consumeErr != nil:
		return consumeErr
	case werr != nil:
		return werr
	case consumed < n:
		return parent.Err()
	}
	return nil
}

func (l *Loader) assemble(indices []int) (Batch, error) {
	b := Batch{
		Tokens:   make([][]int, len(indices)),
		Intents:  make([]int, len(indices)),
		Entities: make([][]int, len(indices)),
	}
	for j, idx := range indices {
		ex, err := l.ds.Example(idx)
		if err != nil {
			return Batch{}, err
		}
		b.Tokens[j] = ex.Tokens
		b.Intents[j] = ex.Intent
		b.Entities[j] = ex.Entities
	}
	return b, nil
}
