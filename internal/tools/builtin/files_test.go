package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFileReturnsContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tool := NewReadFile(dir)
	args, _ := json.Marshal(map[string]string{"path": "a.txt"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError || result.Content[0].Text != "hello world" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReadFileRespectsOffsetAndMaxBytes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tool := NewReadFile(dir)
	args, _ := json.Marshal(map[string]any{"path": "a.txt", "offset": 2, "max_bytes": 3})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(result.Content[0].Text, "234") {
		t.Fatalf("expected content starting with 234, got %q", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "truncated") {
		t.Fatalf("expected a truncation notice, got %q", result.Content[0].Text)
	}
}

func TestReadFileRejectsEscapingWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := NewReadFile(dir)
	args, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected an error result for a path escaping the workspace")
	}
}

func TestWriteFileCreatesDirectoriesAndContent(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteFile(dir)
	args, _ := json.Marshal(map[string]string{"path": "nested/out.txt", "content": "data"})

	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}

	got, err := os.ReadFile(filepath.Join(dir, "nested", "out.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("expected %q, got %q", "data", got)
	}
}

func TestWriteFileAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tool := NewWriteFile(dir)
	args, _ := json.Marshal(map[string]any{"path": "log.txt", "content": "b", "append": true})
	if _, err := tool.Execute(context.Background(), args); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "ab" {
		t.Fatalf("expected %q, got %q", "ab", got)
	}
}

func TestWriteFileRejectsEscapingWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteFile(dir)
	args, _ := json.Marshal(map[string]string{"path": "../escape.txt", "content": "x"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected an error result for a path escaping the workspace")
	}
}
