package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"
)

// Span is an annotated entity over runes [Start,End) of an utterance.
type Span struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Value  string `json:"value"`
	Entity string `json:"entity"`
}

// Utterance is one raw training example before tokenisation.
type Utterance struct {
	Text     string `json:"text"`
	Intent   string `json:"intent"`
	Entities []Span `json:"entities"`
}

// ReadRasa reads Rasa NLU training data. The extension picks the format:
// .json (rasa_nlu_data.common_examples), .md (## intent: sections) or
// .yml/.yaml (nlu: entries).
func ReadRasa(path string) ([]Utterance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return parseRasaJSON(data)
	case ".md", ".markdown":
		return parseRasaMarkdown(data)
	case ".yml", ".yaml":
		return parseRasaYAML(data)
	default:
		return nil, fmt.Errorf("unsupported training data format %q", ext)
	}
}

func parseRasaJSON(data []byte) ([]Utterance, error) {
	var doc struct {
		RasaNLUData struct {
			CommonExamples []Utterance `json:"common_examples"`
		} `json:"rasa_nlu_data"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rasa json: %w", err)
	}
	out := doc.RasaNLUData.CommonExamples
	for i, u := range out {
		n := len([]rune(u.Text))
		for _, e := range u.Entities {
			if e.Start < 0 || e.End > n || e.Start >= e.End {
				return nil, fmt.Errorf("example %d: entity %q span [%d,%d) outside text of %d runes", i, e.Entity, e.Start, e.End, n)
			}
		}
	}
	return out, nil
}

func parseRasaMarkdown(data []byte) ([]Utterance, error) {
	var out []Utterance
	intent := ""
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(text, "##"):
			header := strings.TrimSpace(strings.TrimPrefix(text, "##"))
			if name, ok := strings.CutPrefix(header, "intent:"); ok {
				intent = strings.TrimSpace(name)
			} else {
				// synonym, regex and lookup sections carry no examples
				intent = ""
			}
		case strings.HasPrefix(text, "- ") && intent != "":
			u, err := parseAnnotated(strings.TrimSpace(text[2:]))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			u.Intent = intent
			out = append(out, u)
		}
	}
	return out, sc.Err()
}

func parseRasaYAML(data []byte) ([]Utterance, error) {
	var doc struct {
		NLU []struct {
			Intent   string `yaml:"intent"`
			Examples string `yaml:"examples"`
		} `yaml:"nlu"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rasa yaml: %w", err)
	}

	var out []Utterance
	for _, block := range doc.NLU {
		if block.Intent == "" {
			continue
		}
		for _, line := range strings.Split(block.Examples, "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "- ") {
				continue
			}
			u, err := parseAnnotated(strings.TrimSpace(line[2:]))
			if err != nil {
				return nil, fmt.Errorf("intent %s: %w", block.Intent, err)
			}
			u.Intent = block.Intent
			out = append(out, u)
		}
	}
	return out, nil
}

// annotation matches inline entities: [value](entity) or [value](entity:synonym).
var annotation = regexp2.MustCompile(`\[(?<value>[^\]]+)\]\((?<entity>[^)]+)\)`, regexp2.None)

// parseAnnotated strips inline entity annotations and records their spans in
// the plain text. regexp2 reports match positions in runes.
func parseAnnotated(s string) (Utterance, error) {
	runes := []rune(s)
	var (
		plain []rune
		spans []Span
		pos   int
	)

	m, err := annotation.FindStringMatch(s)
	for ; m != nil && err == nil; m, err = annotation.FindNextMatch(m) {
		plain = append(plain, runes[pos:m.Index]...)
		value := m.GroupByName("value").String()
		entity, _, _ := strings.Cut(m.GroupByName("entity").String(), ":")

		start := len(plain)
		plain = append(plain, []rune(value)...)
		spans = append(spans, Span{Start: start, End: len(plain), Value: value, Entity: strings.TrimSpace(entity)})
		pos = m.Index + m.Length
	}
	if err != nil {
		return Utterance{}, fmt.Errorf("parse annotations in %q: %w", s, err)
	}
	plain = append(plain, runes[pos:]...)

	return Utterance{Text: string(plain), Entities: spans}, nil
}
