package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout accepted by ImportYAML:
//
//	facts:
//	  - Cats sleep for around 13 to 16 hours a day.
//	  - text: A group of cats is called a clowder.
//	    author: trivia-book
type seedFile struct {
	Facts []seedFact `yaml:"facts"`
}

type seedFact struct {
	Text   string `yaml:"text"`
	Author string `yaml:"author"`
}

// UnmarshalYAML accepts either a bare string or a mapping.
func (f *seedFact) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Text = node.Value
		return nil
	}
	type plain seedFact
	return node.Decode((*plain)(f))
}

// ImportYAML inserts the facts from r as approved. Facts whose text already
// exists are skipped, so importing the same file twice is harmless. It
// returns the number of rows inserted.
func (s *Store) ImportYAML(ctx context.Context, r io.Reader) (int, error) {
	var file seedFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return 0, fmt.Errorf("decoding seed facts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin seed: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for i, f := range file.Facts {
		text, err := ValidateText(f.Text)
		if err != nil {
			return 0, fmt.Errorf("seed fact %d: %w", i+1, err)
		}
		author := strings.TrimSpace(f.Author)
		if author == "" {
			author = "seed"
		}

		res, err := tx.ExecContext(ctx, `
		INSERT INTO facts (text, author, status)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM facts WHERE text = ?)`,
			text, author, StatusApproved, text,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert seed fact %d: %w", i+1, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit seed: %w", err)
	}

	s.logger.Info().Int("inserted", inserted).Int("total", len(file.Facts)).Msg("seed facts imported")
	return inserted, nil
}

// ImportYAMLFile is ImportYAML on a file path.
func (s *Store) ImportYAMLFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()
	return s.ImportYAML(ctx, f)
}
