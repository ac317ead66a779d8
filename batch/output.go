package batch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// OutputPath returns the run directory `model=<m>/file=<stem>/mask=<mask>`
// under root. Path separators in the model id are flattened.
func OutputPath(root, model, inputFile, mask string) string {
	stem := strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile))
	if stem == "" || stem == "." {
		stem = "dataset"
	}
	return filepath.Join(root,
		"model="+strings.ReplaceAll(model, "/", "-"),
		"file="+stem,
		"mask="+mask,
	)
}

// Write persists the run under dir: records.json with the ordered answer
// records, metadata.json, and when a recorder was attached, per-question
// transcripts under raw_io/ plus skipped_calls.json.
func (r *Runner) Write(dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithMessage(err, "failed to create output dir")
	}
	if err := writeJSON(filepath.Join(dir, "records.json"), res.Records); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "metadata.json"), res.Metadata); err != nil {
		return err
	}
	if r.cfg.recorder == nil {
		return nil
	}

	rawDir := filepath.Join(dir, "raw_io")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return errors.WithMessage(err, "failed to create raw_io dir")
	}
	var skipped []skippedEntry
	for _, rec := range res.Records {
		audit := r.cfg.recorder.TakeAudit(rec.QuestionID)
		if audit == nil {
			continue
		}
		name := sanitizeFileName(rec.QuestionID) + ".log"
		if err := os.WriteFile(filepath.Join(rawDir, name), audit.Transcript, 0o644); err != nil {
			return errors.WithMessagef(err, "failed to write transcript for %q", rec.QuestionID)
		}
		for _, sc := range audit.Skipped {
			skipped = append(skipped, skippedEntry{
				QuestionID: rec.QuestionID,
				Tool:       sc.Tool,
				Input:      sc.Input,
			})
		}
	}
	if len(skipped) > 0 {
		if err := writeJSON(filepath.Join(dir, "skipped_calls.json"), skipped); err != nil {
			return err
		}
	}
	return nil
}

type skippedEntry struct {
	QuestionID string `json:"question_id"`
	Tool       string `json:"tool"`
	Input      string `json:"input"`
}

func writeJSON(path string, val any) error {
	data, err := json.MarshalIndent(val, "", "  ")
	if err != nil {
		return errors.WithMessagef(err, "failed to marshal %q", filepath.Base(path))
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.WithMessagef(err, "failed to write %q", path)
	}
	return nil
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
