// Package dataset loads benchmark question files. Two layouts are accepted:
// a flat mapping from question id to {question, answer}, and the nested
// benchmark form mapping task name to {question text: answer}. Both are
// flattened to an ordered question list, preserving file order.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Question is one benchmark entry.
type Question struct {
	ID             string `json:"id"`
	Task           string `json:"task,omitempty"`
	Text           string `json:"question"`
	ExpectedAnswer string `json:"answer,omitempty"`
}

type payload struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// Load reads and parses the dataset file.
func Load(path string) ([]Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read dataset")
	}
	qs, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse dataset %q", path)
	}
	return qs, nil
}

// Parse flattens the dataset document into questions in file order.
func Parse(data []byte) ([]Question, error) {
	doc := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.WithMessage(err, "dataset is not a JSON mapping")
	}
	if doc.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}

	var out []Question
	for pair := doc.Oldest(); pair != nil; pair = pair.Next() {
		var p payload
		if err := json.Unmarshal(pair.Value, &p); err == nil && p.Question != "" {
			out = append(out, Question{
				ID:             pair.Key,
				Text:           p.Question,
				ExpectedAnswer: p.Answer,
			})
			continue
		}

		// nested task form: value maps question text to expected answer
		task := orderedmap.New[string, string]()
		if err := json.Unmarshal(pair.Value, task); err != nil {
			return nil, errors.Newf("entry %q is neither a question payload nor a task mapping", pair.Key)
		}
		idx := 0
		for q := task.Oldest(); q != nil; q = q.Next() {
			out = append(out, Question{
				ID:             fmt.Sprintf("%s/%d", pair.Key, idx),
				Task:           pair.Key,
				Text:           q.Key,
				ExpectedAnswer: q.Value,
			})
			idx++
		}
	}
	return out, nil
}
