package model

import (
	"errors"
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"dietnlu/internal/dataset"
	"dietnlu/internal/optim"
)

// Mode selects which heads and losses a compiled graph carries.
type Mode int

const (
	// ModeIntent trains the encoder and the intent head on the intent loss.
	ModeIntent Mode = iota
	// ModeEntity trains the encoder and the entity head on the entity loss.
	ModeEntity
	// ModeEval computes both heads and both losses without gradients and
	// with dropout disabled.
	ModeEval
)

func (m Mode) String() string {
	switch m {
	case ModeIntent:
		return "intent"
	case ModeEntity:
		return "entity"
	case ModeEval:
		return "eval"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// GraphOptions fixes the batch size and mode of a compiled graph.
// IgnoreIndex is the entity label excluded from the entity loss; a value
// outside the label range disables it.
type GraphOptions struct {
	Batch       int
	Mode        Mode
	IgnoreIndex int
}

// Graph is a compiled forward (and, when training, backward) pass for one
// batch size. Its learnable nodes are bound to the model's parameter store,
// so optimizer updates to the store are seen by every graph.
type Graph struct {
	model *Model
	opts  GraphOptions
	g     *gorgonia.ExprGraph
	vm    gorgonia.VM

	params map[string]*gorgonia.Node
	order  []string

	tokens    *gorgonia.Node
	intentY   *gorgonia.Node
	entityY   *gorgonia.Node
	entityMul *gorgonia.Node

	rep          *gorgonia.Node
	intentLogits *gorgonia.Node
	entityLogits *gorgonia.Node
	intentLoss   *gorgonia.Node
	entityLoss   *gorgonia.Node
}

// NewGraph builds and compiles a graph for opts.
func (m *Model) NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Batch <= 0 {
		return nil, fmt.Errorf("graph batch size must be positive, got %d", opts.Batch)
	}
	if opts.Mode < ModeIntent || opts.Mode > ModeEval {
		return nil, fmt.Errorf("unknown graph mode %d", int(opts.Mode))
	}
	gr := &Graph{
		model:  m,
		opts:   opts,
		g:      gorgonia.NewGraph(),
		params: make(map[string]*gorgonia.Node),
	}
	if err := gr.build(); err != nil {
		return nil, fmt.Errorf("build %s graph (batch %d): %w", opts.Mode, opts.Batch, err)
	}
	return gr, nil
}

// param returns the node for a stored parameter, creating it on first use so
// a graph only holds the parameters its outputs depend on.
func (gr *Graph) param(name string) *gorgonia.Node {
	if n, ok := gr.params[name]; ok {
		return n
	}
	v := gr.model.params.Value(name)
	n := gorgonia.NewMatrix(gr.g, tensor.Float32,
		gorgonia.WithShape(v.Shape()...),
		gorgonia.WithName(name),
		gorgonia.WithValue(v))
	gr.params[name] = n
	gr.order = append(gr.order, name)
	return n
}

func (gr *Graph) build() error {
	cfg := gr.model.cfg
	n, seq := gr.opts.Batch, cfg.SeqLen
	dropout := cfg.Dropout
	if gr.opts.Mode == ModeEval {
		dropout = 0
	}

	gr.tokens = gorgonia.NewMatrix(gr.g, tensor.Float32,
		gorgonia.WithShape(n*seq, cfg.VocabSize), gorgonia.WithName("tokens"))
	positions := gorgonia.NewMatrix(gr.g, tensor.Float32,
		gorgonia.WithShape(n*seq, seq), gorgonia.WithName("positions"),
		gorgonia.WithValue(oneHot(PositionIDs(n, seq), seq, -1)))

	tok, err := gorgonia.Mul(gr.tokens, gr.param(TokenEmbedding))
	if err != nil {
		return err
	}
	pos, err := gorgonia.Mul(positions, gr.param(PositionEmbedding))
	if err != nil {
		return err
	}
	x, err := gorgonia.Add(tok, pos)
	if err != nil {
		return err
	}

	for i := 0; i < cfg.NumLayers; i++ {
		l := encoderLayer{gr: gr, prefix: layerPrefix(i)}
		if x, err = l.forward(x, n, seq, dropout); err != nil {
			return err
		}
	}
	if x, err = gr.layerNorm(x, FinalNorm); err != nil {
		return err
	}

	// (batch*seq, d) -> (seq, batch, d)
	if x, err = gorgonia.Reshape(x, tensor.Shape{n, seq, cfg.DModel}); err != nil {
		return err
	}
	if gr.rep, err = gorgonia.Transpose(x, 1, 0, 2); err != nil {
		return err
	}

	wantIntent := gr.opts.Mode != ModeEntity
	wantEntity := gr.opts.Mode != ModeIntent

	if wantIntent {
		if gr.intentLogits, err = gr.intentHead(gr.rep); err != nil {
			return fmt.Errorf("intent head: %w", err)
		}
		gr.intentY = gorgonia.NewMatrix(gr.g, tensor.Float32,
			gorgonia.WithShape(n, cfg.IntentClasses), gorgonia.WithName("intent_labels"))
		scale := gr.constant("intent_scale", float32(-1/float64(n)))
		if gr.intentLoss, err = gr.crossEntropy("intent_loss", gr.intentLogits, gr.intentY, scale); err != nil {
			return fmt.Errorf("intent loss: %w", err)
		}
	}
	if wantEntity {
		if gr.entityLogits, err = gr.entityHead(gr.rep); err != nil {
			return fmt.Errorf("entity head: %w", err)
		}
		flat, err := gorgonia.Reshape(gr.entityLogits, tensor.Shape{n * seq, cfg.EntityClasses})
		if err != nil {
			return err
		}
		gr.entityY = gorgonia.NewMatrix(gr.g, tensor.Float32,
			gorgonia.WithShape(n*seq, cfg.EntityClasses), gorgonia.WithName("entity_labels"))
		gr.entityMul = gorgonia.NewScalar(gr.g, tensor.Float32, gorgonia.WithName("entity_scale"))
		if gr.entityLoss, err = gr.crossEntropy("entity_loss", flat, gr.entityY, gr.entityMul); err != nil {
			return fmt.Errorf("entity loss: %w", err)
		}
	}

	switch gr.opts.Mode {
	case ModeIntent:
		return gr.compileTraining(gr.intentLoss)
	case ModeEntity:
		return gr.compileTraining(gr.entityLoss)
	}
	gr.vm = gorgonia.NewTapeMachine(gr.g)
	return nil
}

func (gr *Graph) compileTraining(loss *gorgonia.Node) error {
	learnables := gr.learnables()
	if _, err := gorgonia.Grad(loss, learnables...); err != nil {
		return fmt.Errorf("grad: %w", err)
	}
	gr.vm = gorgonia.NewTapeMachine(gr.g, gorgonia.BindDualValues(learnables...))
	return nil
}

func (gr *Graph) learnables() gorgonia.Nodes {
	out := make(gorgonia.Nodes, 0, len(gr.order))
	for _, name := range gr.order {
		out = append(out, gr.params[name])
	}
	return out
}

// Feed loads a batch into the graph inputs. The batch must have exactly the
// graph's batch size and match the model's sequence length and label counts.
func (gr *Graph) Feed(b dataset.Batch) error {
	cfg := gr.model.cfg
	if b.Size() != gr.opts.Batch {
		return fmt.Errorf("graph compiled for batch %d, got %d rows", gr.opts.Batch, b.Size())
	}
	if err := gr.validate(b); err != nil {
		return err
	}

	if err := gorgonia.Let(gr.tokens, oneHot(b.Tokens, cfg.VocabSize, -1)); err != nil {
		return err
	}
	if gr.intentY != nil {
		rows := make([][]int, len(b.Intents))
		for i, y := range b.Intents {
			rows[i] = []int{y}
		}
		if err := gorgonia.Let(gr.intentY, oneHot(rows, cfg.IntentClasses, -1)); err != nil {
			return err
		}
	}
	if gr.entityY != nil {
		if err := gorgonia.Let(gr.entityY, oneHot(b.Entities, cfg.EntityClasses, gr.opts.IgnoreIndex)); err != nil {
			return err
		}
		if err := gorgonia.Let(gr.entityMul, gorgonia.NewF32(entityScale(b.Entities, gr.opts.IgnoreIndex))); err != nil {
			return err
		}
	}
	return nil
}

// validate checks b against the model sizes. Entity positions carrying the
// ignore index are exempt from the label range check.
func (gr *Graph) validate(b dataset.Batch) error {
	cfg := gr.model.cfg
	ents := b.Entities
	if gr.ignoreOutOfRange() {
		ents = make([][]int, len(b.Entities))
		for i, row := range b.Entities {
			ents[i] = make([]int, len(row))
			for j, t := range row {
				if t != gr.opts.IgnoreIndex {
					ents[i][j] = t
				}
			}
		}
	}
	check := dataset.Batch{Tokens: b.Tokens, Intents: b.Intents, Entities: ents}
	return check.Validate(cfg.SeqLen, cfg.VocabSize, cfg.IntentClasses, cfg.EntityClasses)
}

func (gr *Graph) ignoreOutOfRange() bool {
	return gr.opts.IgnoreIndex < 0 || gr.opts.IgnoreIndex >= gr.model.cfg.EntityClasses
}

// Run binds the current parameter values and executes the graph once.
func (gr *Graph) Run() error {
	for _, name := range gr.order {
		if err := gorgonia.Let(gr.params[name], gr.model.params.Value(name)); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	defer gr.vm.Reset()
	if err := gr.vm.RunAll(); err != nil {
		return fmt.Errorf("run %s graph: %w", gr.opts.Mode, err)
	}
	return nil
}

// Mode reports the graph's mode.
func (gr *Graph) Mode() Mode { return gr.opts.Mode }

// Batch reports the batch size the graph was compiled for.
func (gr *Graph) Batch() int { return gr.opts.Batch }

// IntentLogits is the last (batch, intents) output, row-major. Nil for
// entity graphs.
func (gr *Graph) IntentLogits() []float32 { return nodeData(gr.intentLogits) }

// EntityLogits is the last (batch, seq, entities) output, row-major. Nil
// for intent graphs.
func (gr *Graph) EntityLogits() []float32 { return nodeData(gr.entityLogits) }

// Representation is the last encoder output with shape (seq, batch, d).
func (gr *Graph) Representation() *tensor.Dense {
	if gr.rep == nil || gr.rep.Value() == nil {
		return nil
	}
	d, _ := gr.rep.Value().(*tensor.Dense)
	return d
}

// RepresentationShape is the static shape of the encoder output.
func (gr *Graph) RepresentationShape() tensor.Shape { return gr.rep.Shape().Clone() }

// IntentLoss is the last intent loss, or 0 for entity graphs.
func (gr *Graph) IntentLoss() float64 { return nodeScalar(gr.intentLoss) }

// EntityLoss is the last entity loss.
func (gr *Graph) EntityLoss() float64 { return nodeScalar(gr.entityLoss) }

// Gradients pairs every learnable parameter with its gradient from the last
// run. Value aliases the parameter store.
func (gr *Graph) Gradients() ([]optim.Gradient, error) {
	if gr.opts.Mode == ModeEval {
		return nil, errors.New("evaluation graphs carry no gradients")
	}
	out := make([]optim.Gradient, 0, len(gr.order))
	for _, name := range gr.order {
		g, err := gr.params[name].Grad()
		if err != nil {
			return nil, fmt.Errorf("gradient of %s: %w", name, err)
		}
		out = append(out, optim.Gradient{
			Name:  name,
			Value: gr.model.params.Data(name),
			Grad:  g.Data().([]float32),
		})
	}
	return out, nil
}

// Close releases the graph's tape machine.
func (gr *Graph) Close() error {
	if gr.vm == nil {
		return nil
	}
	return gr.vm.Close()
}

// PositionIDs returns n rows of 0..seqLen-1.
func PositionIDs(n, seqLen int) [][]int {
	out := make([][]int, n)
	for i := range out {
		row := make([]int, seqLen)
		for j := range row {
			row[j] = j
		}
		out[i] = row
	}
	return out
}

// oneHot flattens rows of class ids into a (total, classes) indicator
// matrix. Entries equal to skip become all-zero rows.
func oneHot(rows [][]int, classes, skip int) *tensor.Dense {
	total := 0
	for _, r := range rows {
		total += len(r)
	}
	data := make([]float32, total*classes)
	k := 0
	for _, r := range rows {
		for _, id := range r {
			if id != skip && id >= 0 && id < classes {
				data[k*classes+id] = 1
			}
			k++
		}
	}
	return tensor.New(tensor.WithShape(total, classes), tensor.WithBacking(data))
}

func nodeData(n *gorgonia.Node) []float32 {
	if n == nil || n.Value() == nil {
		return nil
	}
	return n.Value().Data().([]float32)
}

func nodeScalar(n *gorgonia.Node) float64 {
	if n == nil || n.Value() == nil {
		return 0
	}
	switch v := n.Value().Data().(type) {
	case float32:
		return float64(v)
	case []float32:
		if len(v) > 0 {
			return float64(v[0])
		}
	}
	return 0
}
