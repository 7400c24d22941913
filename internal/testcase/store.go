// Package testcase stores the question set as a single JSON array file.
// Every mutation is a full read-modify-write replaced atomically on disk.
package testcase

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/haasonsaas/ragbench/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no case has the requested id.
var ErrNotFound = errors.New("test case not found")

// DefaultMaxScore is assigned to cases added without a score.
const DefaultMaxScore = 10

// Case is one question with its reference answer. Score is the maximum
// score a judged answer can reach.
type Case struct {
	ID       int     `json:"id" yaml:"id"`
	Tag      string  `json:"tag" yaml:"tag"`
	Source   string  `json:"source" yaml:"source"`
	Question string  `json:"question" yaml:"question"`
	Answer   string  `json:"answer" yaml:"answer"`
	Score    float64 `json:"score" yaml:"score"`
}

// Store reads and writes the case file at Path.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for path. The file is created on first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// List returns every case in file order.
func (s *Store) List() ([]Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Get returns the case with id.
func (s *Store) Get(id int) (Case, error) {
	cases, err := s.List()
	if err != nil {
		return Case{}, err
	}
	i := indexOf(cases, id)
	if i < 0 {
		return Case{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return cases[i], nil
}

// Add assigns the next id (max existing id + 1), appends c and returns it.
func (s *Store) Add(c Case) (Case, error) {
	if err := validate(c); err != nil {
		return Case{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.loadLocked()
	if err != nil {
		return Case{}, err
	}
	c.ID = nextID(cases)
	if c.Score <= 0 {
		c.Score = DefaultMaxScore
	}
	cases = append(cases, c)
	if err := s.writeLocked(cases); err != nil {
		return Case{}, err
	}
	return c, nil
}

// Edit replaces the case with the same id.
func (s *Store) Edit(c Case) error {
	if err := validate(c); err != nil {
		return err
	}
	return s.update(c.ID, func(existing *Case) {
		*existing = c
	})
}

// SetAnswer overwrites the reference answer of case id.
func (s *Store) SetAnswer(id int, answer string) error {
	return s.update(id, func(existing *Case) {
		existing.Answer = answer
	})
}

// Delete removes the case with id.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.loadLocked()
	if err != nil {
		return err
	}
	i := indexOf(cases, id)
	if i < 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return s.writeLocked(slices.Delete(cases, i, i+1))
}

// Import appends every case of a YAML question set, assigning fresh ids.
// It returns the number of cases added.
func (s *Store) Import(path string) (int, error) {
	set, err := LoadYAML(path)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	for _, c := range set {
		c.ID = nextID(cases)
		if c.Score <= 0 {
			c.Score = DefaultMaxScore
		}
		cases = append(cases, c)
	}
	if err := s.writeLocked(cases); err != nil {
		return 0, err
	}
	return len(set), nil
}

func (s *Store) update(id int, apply func(*Case)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.loadLocked()
	if err != nil {
		return err
	}
	i := indexOf(cases, id)
	if i < 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	apply(&cases[i])
	cases[i].ID = id
	return s.writeLocked(cases)
}

func (s *Store) loadLocked() ([]Case, error) {
	var cases []Case
	if _, err := fsutil.ReadJSON(s.path, &cases); err != nil {
		return nil, fmt.Errorf("load test cases: %w", err)
	}
	return cases, nil
}

func (s *Store) writeLocked(cases []Case) error {
	if cases == nil {
		cases = []Case{}
	}
	if err := fsutil.WriteJSON(s.path, cases); err != nil {
		return fmt.Errorf("write test cases: %w", err)
	}
	return nil
}

func indexOf(cases []Case, id int) int {
	return slices.IndexFunc(cases, func(c Case) bool { return c.ID == id })
}

func nextID(cases []Case) int {
	maxID := 0
	for _, c := range cases {
		maxID = max(maxID, c.ID)
	}
	return maxID + 1
}

func validate(c Case) error {
	if strings.TrimSpace(c.Question) == "" {
		return errors.New("test case question is required")
	}
	return nil
}

type yamlSet struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// LoadYAML reads a question set of the form {name, cases: [...]}. Ids in the
// file are ignored.
func LoadYAML(path string) ([]Case, error) {
	if path == "" {
		return nil, errors.New("question set path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question set: %w", err)
	}
	var set yamlSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse question set: %w", err)
	}
	if len(set.Cases) == 0 {
		return nil, errors.New("question set has no cases")
	}
	for i, c := range set.Cases {
		if err := validate(c); err != nil {
			return nil, fmt.Errorf("case %d: %w", i+1, err)
		}
	}
	return set.Cases, nil
}
