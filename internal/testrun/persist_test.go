package testrun

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/haasonsaas/ragbench/internal/fsutil"
	"github.com/haasonsaas/ragbench/internal/testcase"
)

func writeLoop(t *testing.T, runDir string, loop int, results []Result) {
	t.Helper()
	if err := fsutil.WriteJSON(filepath.Join(runDir, strconv.Itoa(loop), ResultsFile), results); err != nil {
		t.Fatal(err)
	}
}

func promoteFixture(t *testing.T) (string, *testcase.Store) {
	t.Helper()
	store := testcase.NewStore(filepath.Join(t.TempDir(), "cases.json"))
	for i := 1; i <= 7; i++ {
		if _, err := store.Add(testcase.Case{Question: "q" + strconv.Itoa(i), Answer: "old"}); err != nil {
			t.Fatal(err)
		}
	}
	runDir := t.TempDir()
	for loop := 1; loop <= 3; loop++ {
		writeLoop(t, runDir, loop, []Result{
			{ID: 6, ModelAnswer: "six", MaxScore: 10, Score: 2},
			{ID: 7, ModelAnswer: "seven from loop " + strconv.Itoa(loop), MaxScore: 10, Score: 3},
		})
	}
	return runDir, store
}

func TestPromoteAllLoops(t *testing.T) {
	runDir, store := promoteFixture(t)

	answer, err := Promote(runDir, store, 7, 0)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if answer != "seven from loop 1" {
		t.Errorf("answer = %q", answer)
	}
	c, _ := store.Get(7)
	if c.Answer != "seven from loop 1" {
		t.Errorf("case answer = %q", c.Answer)
	}
	for loop := 1; loop <= 3; loop++ {
		results, err := LoadLoop(filepath.Join(runDir, strconv.Itoa(loop)))
		if err != nil {
			t.Fatal(err)
		}
		if results[1].Score != 10 {
			t.Errorf("loop %d id 7 score = %v, want 10", loop, results[1].Score)
		}
		if results[0].Score != 2 {
			t.Errorf("loop %d id 6 changed: %v", loop, results[0].Score)
		}
	}
}

func TestPromoteSingleLoop(t *testing.T) {
	runDir, store := promoteFixture(t)

	answer, err := Promote(runDir, store, 7, 2)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if answer != "seven from loop 2" {
		t.Errorf("answer = %q", answer)
	}
	for loop, want := range map[int]float64{1: 3, 2: 10, 3: 3} {
		results, _ := LoadLoop(filepath.Join(runDir, strconv.Itoa(loop)))
		if results[1].Score != want {
			t.Errorf("loop %d score = %v, want %v", loop, results[1].Score, want)
		}
	}
}

func TestPromoteMissing(t *testing.T) {
	runDir, store := promoteFixture(t)
	if _, err := Promote(runDir, store, 42, 0); !errors.Is(err, testcase.ErrNotFound) {
		t.Errorf("unknown case: %v", err)
	}
	if _, err := Promote(runDir, store, 5, 0); !errors.Is(err, ErrResultNotFound) {
		t.Errorf("case without results: %v", err)
	}
	if _, err := Promote(runDir, store, 7, 9); !errors.Is(err, ErrResultNotFound) {
		t.Errorf("unknown loop: %v", err)
	}
	c, _ := store.Get(7)
	if c.Answer != "old" {
		t.Errorf("answer changed to %q", c.Answer)
	}
}

func assertScores(t *testing.T, runDir string, want float64) {
	t.Helper()
	for loop := 1; loop <= 3; loop++ {
		results, err := LoadLoop(filepath.Join(runDir, strconv.Itoa(loop)))
		if err != nil {
			continue
		}
		if results[1].Score != want {
			t.Errorf("loop %d id 7 score = %v, want %v", loop, results[1].Score, want)
		}
	}
}

func TestPromoteLeavesLoopsUntouchedOnFailure(t *testing.T) {
	t.Run("case not in store", func(t *testing.T) {
		runDir, store := promoteFixture(t)
		if err := store.Delete(7); err != nil {
			t.Fatal(err)
		}
		if _, err := Promote(runDir, store, 7, 0); !errors.Is(err, testcase.ErrNotFound) {
			t.Fatalf("err = %v, want not found", err)
		}
		assertScores(t, runDir, 3)
	})

	t.Run("corrupt later loop", func(t *testing.T) {
		runDir, store := promoteFixture(t)
		if err := os.WriteFile(filepath.Join(runDir, "3", ResultsFile), []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Promote(runDir, store, 7, 0); err == nil {
			t.Fatal("expected error for corrupt loop")
		}
		assertScores(t, runDir, 3)
		c, _ := store.Get(7)
		if c.Answer != "old" {
			t.Errorf("answer changed to %q", c.Answer)
		}
	})
}

func TestCreateRunDirSuffix(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	first, err := createRunDir(root, now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := createRunDir(root, now)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first.path) != "260314_092653" || filepath.Base(second.path) != "260314_092653_2" {
		t.Errorf("dirs = %s, %s", first.path, second.path)
	}
}

func TestAppendResultRewritesLoopFile(t *testing.T) {
	d, err := createRunDir(t.TempDir(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.startLoop(1); err != nil {
		t.Fatal(err)
	}
	empty, err := LoadLoop(d.loopDir(1))
	if err != nil || len(empty) != 0 {
		t.Fatalf("fresh loop = %v, %v", empty, err)
	}
	for id := 1; id <= 3; id++ {
		if err := d.appendResult(1, Result{ID: id}); err != nil {
			t.Fatal(err)
		}
		got, err := LoadLoop(d.loopDir(1))
		if err != nil || len(got) != id {
			t.Fatalf("after %d appends: %d results, %v", id, len(got), err)
		}
	}
}
