package testrun

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/ragbench/internal/fsutil"
	"github.com/haasonsaas/ragbench/internal/testcase"
)

// File names inside a run directory.
const (
	ResultsFile  = "results.json"
	LogFile      = "log.txt"
	ManifestFile = "run.json"

	// CaseHeaderFormat starts each case section of log.txt. Its verbs are
	// the loop number and the case id.
	CaseHeaderFormat = "==== loop %d case %d ===="

	runDirLayout = "060102_150405"
)

// ErrResultNotFound is returned by Promote when no loop holds the case.
var ErrResultNotFound = errors.New("result not found in run")

// runDir owns the on-disk layout of one run: <root>/<stamp>/<loop>/.
type runDir struct {
	path string

	mu      sync.Mutex
	results map[int][]Result
}

// createRunDir makes a fresh run directory named after now. A directory
// created in the same second gets a numeric suffix.
func createRunDir(root string, now time.Time) (*runDir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	base := filepath.Join(root, now.Format(runDirLayout))
	path := base
	for n := 2; ; n++ {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
		path = base + "_" + strconv.Itoa(n)
	}
	return &runDir{path: path, results: make(map[int][]Result)}, nil
}

func (d *runDir) loopDir(loop int) string {
	return filepath.Join(d.path, strconv.Itoa(loop))
}

// startLoop creates the loop directory with an empty results file so a
// loop interrupted before its first case still reads back as empty.
func (d *runDir) startLoop(loop int) error {
	dir := d.loopDir(loop)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create loop dir: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[loop] = []Result{}
	return fsutil.WriteJSON(filepath.Join(dir, ResultsFile), d.results[loop])
}

// appendResult rewrites the loop's results file with res added.
func (d *runDir) appendResult(loop int, res Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[loop] = append(d.results[loop], res)
	if err := fsutil.WriteJSON(filepath.Join(d.loopDir(loop), ResultsFile), d.results[loop]); err != nil {
		return fmt.Errorf("persist result %d: %w", res.ID, err)
	}
	return nil
}

// openLog opens the loop's log file for appending.
func (d *runDir) openLog(loop int) (io.WriteCloser, error) {
	f, err := os.OpenFile(filepath.Join(d.loopDir(loop), LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

func (d *runDir) writeManifest(s Summary) error {
	return fsutil.WriteJSON(filepath.Join(d.path, ManifestFile), s)
}

// LoadLoop reads the results of one loop directory.
func LoadLoop(dir string) ([]Result, error) {
	var results []Result
	found, err := fsutil.ReadJSON(filepath.Join(dir, ResultsFile), &results)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	if !found {
		return nil, fmt.Errorf("load %s: %w", dir, os.ErrNotExist)
	}
	return results, nil
}

// LoadManifest reads run.json from a run directory.
func LoadManifest(runDir string) (Summary, bool, error) {
	var s Summary
	found, err := fsutil.ReadJSON(filepath.Join(runDir, ManifestFile), &s)
	return s, found, err
}

// LoopDirs returns the numbered loop directories of a run in ascending order.
func LoopDirs(runDir string) ([]int, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, err
	}
	var loops []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n <= 0 {
			continue
		}
		loops = append(loops, n)
	}
	slices.Sort(loops)
	return loops, nil
}

// Promote copies a model answer back into the case store as the new
// reference answer and marks it with the full score. loop selects where the
// answer is taken from and which loop files are updated; 0 means the lowest
// loop holding the case for the answer and every loop for the update.
func Promote(runDir string, store *testcase.Store, id, loop int) (string, error) {
	if _, err := store.Get(id); err != nil {
		return "", err
	}
	loops, err := LoopDirs(runDir)
	if err != nil {
		return "", fmt.Errorf("list loops: %w", err)
	}
	if loop > 0 {
		if !slices.Contains(loops, loop) {
			return "", fmt.Errorf("%w: loop %d does not exist", ErrResultNotFound, loop)
		}
		loops = []int{loop}
	}

	// Every target loop is read before anything is written.
	type pending struct {
		dir     string
		results []Result
	}
	var updates []pending
	answer := ""
	for _, l := range loops {
		dir := filepath.Join(runDir, strconv.Itoa(l))
		results, err := LoadLoop(dir)
		if err != nil {
			return "", err
		}
		i := slices.IndexFunc(results, func(r Result) bool { return r.ID == id })
		if i < 0 {
			continue
		}
		if len(updates) == 0 {
			answer = results[i].ModelAnswer
		}
		results[i].Score = results[i].MaxScore
		updates = append(updates, pending{dir: dir, results: results})
	}
	if len(updates) == 0 {
		return "", fmt.Errorf("%w: id %d", ErrResultNotFound, id)
	}

	for _, u := range updates {
		if err := fsutil.WriteJSON(filepath.Join(u.dir, ResultsFile), u.results); err != nil {
			return "", fmt.Errorf("update %s: %w", u.dir, err)
		}
	}
	if err := store.SetAnswer(id, answer); err != nil {
		return "", err
	}
	return answer, nil
}
