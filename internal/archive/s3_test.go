package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = string(data)
	if in.ContentType != nil {
		f.types[*in.Key] = *in.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func writeRun(t *testing.T) string {
	t.Helper()
	runDir := filepath.Join(t.TempDir(), "260314_092653")
	files := map[string]string{
		"run.json":       `{"runId":"x"}`,
		"1/results.json": `[]`,
		"1/log.txt":      "log one",
		"2/results.json": `[{"id":1}]`,
		"2/log.txt":      "log two",
	}
	for name, content := range files {
		p := filepath.Join(runDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return runDir
}

func TestUploadRun(t *testing.T) {
	runDir := writeRun(t)
	fake := &fakePutter{objects: map[string]string{}, types: map[string]string{}}
	a := NewWithClient(fake, "bench", "/results/", nil)

	url, err := a.UploadRun(context.Background(), runDir)
	if err != nil {
		t.Fatalf("UploadRun: %v", err)
	}
	if url != "s3://bench/results/260314_092653/" {
		t.Errorf("url = %q", url)
	}

	keys := make([]string, 0, len(fake.objects))
	for k := range fake.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{
		"results/260314_092653/1/log.txt",
		"results/260314_092653/1/results.json",
		"results/260314_092653/2/log.txt",
		"results/260314_092653/2/results.json",
		"results/260314_092653/run.json",
	}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v", keys)
	}
	if fake.objects["results/260314_092653/2/log.txt"] != "log two" {
		t.Errorf("body = %q", fake.objects["results/260314_092653/2/log.txt"])
	}
	if fake.types["results/260314_092653/run.json"] != "application/json" {
		t.Errorf("content type = %q", fake.types["results/260314_092653/run.json"])
	}
}

func TestUploadRunDefaultPrefix(t *testing.T) {
	runDir := writeRun(t)
	fake := &fakePutter{objects: map[string]string{}, types: map[string]string{}}
	url, err := NewWithClient(fake, "bench", "", nil).UploadRun(context.Background(), runDir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "s3://bench/ragbench/") {
		t.Errorf("url = %q", url)
	}
}

func TestUploadRunErrors(t *testing.T) {
	fake := &fakePutter{
		objects: map[string]string{},
		types:   map[string]string{},
		err:     &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
	}
	a := NewWithClient(fake, "bench", "", nil)

	_, err := a.UploadRun(context.Background(), writeRun(t))
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("err = %v", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		t.Error("api error not preserved")
	}

	if _, err := a.UploadRun(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing dir")
	}
}
