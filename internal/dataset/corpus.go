package dataset

import (
	"fmt"
	"sort"
)

// Reserved vocabulary entries.
const (
	PadToken   = "<pad>"
	UnkToken   = "<unk>"
	ClsToken   = "<cls>"
	OutsideTag = "O"
)

// Vocabulary maps strings to dense ids. Reserved items come first, in order,
// followed by the remaining items sorted.
type Vocabulary struct {
	items []string
	index map[string]int
}

func newVocabulary(reserved []string, seen map[string]bool) *Vocabulary {
	v := &Vocabulary{index: make(map[string]int, len(reserved)+len(seen))}
	for _, r := range reserved {
		v.add(r)
	}
	rest := make([]string, 0, len(seen))
	for s := range seen {
		if _, ok := v.index[s]; !ok {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	for _, s := range rest {
		v.add(s)
	}
	return v
}

func (v *Vocabulary) add(s string) {
	v.index[s] = len(v.items)
	v.items = append(v.items, s)
}

func (v *Vocabulary) Len() int { return len(v.items) }

func (v *Vocabulary) ID(s string) (int, bool) {
	id, ok := v.index[s]
	return id, ok
}

func (v *Vocabulary) Item(id int) string {
	if id < 0 || id >= len(v.items) {
		return ""
	}
	return v.items[id]
}

func (v *Vocabulary) Items() []string { return v.items }

// CorpusOptions controls encoding. MaxSeqLen caps the sequence length,
// including the leading <cls>; zero uses the longest utterance.
type CorpusOptions struct {
	MaxSeqLen int
}

// Corpus is a Dataset built from Rasa utterances together with the
// vocabularies used to encode them.
type Corpus struct {
	*InMemory

	Tokens   *Vocabulary
	Intents  *Vocabulary
	Entities *Vocabulary

	truncated int
}

// LoadCorpus reads and encodes the Rasa training file at path.
func LoadCorpus(path string, opts CorpusOptions) (*Corpus, error) {
	utts, err := ReadRasa(path)
	if err != nil {
		return nil, fmt.Errorf("load corpus %s: %w", path, err)
	}
	return NewCorpus(utts, opts)
}

// NewCorpus builds vocabularies from utts and encodes every utterance as
// [<cls>, tokens..., <pad>...] with one entity tag per position.
func NewCorpus(utts []Utterance, opts CorpusOptions) (*Corpus, error) {
	tokenized := make([][]Token, len(utts))
	words := map[string]bool{}
	intents := map[string]bool{}
	entities := map[string]bool{}

	longest := 0
	for i, u := range utts {
		if u.Intent == "" {
			return nil, fmt.Errorf("utterance %d (%q) has no intent", i, u.Text)
		}
		intents[u.Intent] = true
		for _, e := range u.Entities {
			entities[e.Entity] = true
		}
		toks := Tokenize(u.Text)
		for _, t := range toks {
			words[t.Text] = true
		}
		tokenized[i] = toks
		longest = max(longest, len(toks))
	}

	c := &Corpus{
		Tokens:   newVocabulary([]string{PadToken, UnkToken, ClsToken}, words),
		Intents:  newVocabulary(nil, intents),
		Entities: newVocabulary([]string{OutsideTag}, entities),
	}

	seqLen := longest + 1
	if opts.MaxSeqLen > 0 && opts.MaxSeqLen < seqLen {
		seqLen = opts.MaxSeqLen
	}

	examples := make([]Example, len(utts))
	for i, u := range utts {
		if len(tokenized[i]) > seqLen-1 {
			c.truncated++
		}
		intent, _ := c.Intents.ID(u.Intent)
		examples[i] = Example{
			Tokens:   c.encodeTokens(tokenized[i], seqLen),
			Intent:   intent,
			Entities: c.encodeTags(tokenized[i], u.Entities, seqLen),
		}
	}

	ds, err := NewInMemory(examples, c.Tokens.Len(), seqLen, max(c.Intents.Len(), 1), c.Entities.Len())
	if err != nil {
		return nil, err
	}
	c.InMemory = ds
	return c, nil
}

func (c *Corpus) encodeTokens(toks []Token, seqLen int) []int {
	row := make([]int, seqLen) // zero is <pad>
	cls, _ := c.Tokens.ID(ClsToken)
	unk, _ := c.Tokens.ID(UnkToken)
	row[0] = cls
	for i, t := range toks {
		if i+1 >= seqLen {
			break
		}
		id, ok := c.Tokens.ID(t.Text)
		if !ok {
			id = unk
		}
		row[i+1] = id
	}
	return row
}

func (c *Corpus) encodeTags(toks []Token, spans []Span, seqLen int) []int {
	row := make([]int, seqLen) // zero is O
	for i, t := range toks {
		if i+1 >= seqLen {
			break
		}
		for _, s := range spans {
			if t.Start < s.End && s.Start < t.End {
				row[i+1], _ = c.Entities.ID(s.Entity)
				break
			}
		}
	}
	return row
}

// Encode converts raw text into a token row of the corpus sequence length.
// Unknown words map to <unk>.
func (c *Corpus) Encode(text string) []int {
	return c.encodeTokens(Tokenize(text), c.SequenceLength())
}

// Truncated is the number of utterances longer than the sequence length.
func (c *Corpus) Truncated() int { return c.truncated }
