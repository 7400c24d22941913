package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EligibleExtensions are the file types ingested by Seed.
var EligibleExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".csv":      true,
	".json":     true,
	".yaml":     true,
	".yml":      true,
}

// KnowledgeFile is a source file read from a knowledge directory.
type KnowledgeFile struct {
	Name    string
	Path    string
	Content string
}

// EligibleFiles lists the ingestible files directly under dir, sorted by
// name. Hidden files and subdirectories are ignored.
func EligibleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read knowledge dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !EligibleExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadKnowledgeFiles reads every eligible file in dir.
func ReadKnowledgeFiles(dir string) ([]KnowledgeFile, error) {
	names, err := EligibleFiles(dir)
	if err != nil {
		return nil, err
	}
	files := make([]KnowledgeFile, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files = append(files, KnowledgeFile{Name: name, Path: path, Content: string(data)})
	}
	return files, nil
}
