package retrieval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is one corpus entry.
type Document struct {
	ID     string   `json:"id" yaml:"id"`
	Title  string   `json:"title,omitempty" yaml:"title,omitempty"`
	Text   string   `json:"text" yaml:"text"`
	Source string   `json:"source,omitempty" yaml:"source,omitempty"`
	Tags   []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type corpusFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadCorpus reads documents from a YAML file (a top-level "documents"
// list) or a JSON-lines file (.jsonl, one document per line).
func LoadCorpus(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}

	var docs []Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		docs, err = parseJSONL(data)
	default:
		docs, err = parseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := validateDocuments(docs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

func parseYAML(data []byte) ([]Document, error) {
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return f.Documents, nil
}

func parseJSONL(data []byte) ([]Document, error) {
	var docs []Document
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var d Document
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return docs, nil
}

func validateDocuments(docs []Document) error {
	seen := make(map[string]bool, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("document %q has no text", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate document id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
