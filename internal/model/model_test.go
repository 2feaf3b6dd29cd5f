package model

import (
	"testing"
	"time"
)

func fakeFingerprint(v any) string { return "fp" }

func TestVersionMethodsEmptyMeansUnset(t *testing.T) {
	ts := TaskState{}
	if got := ts.PyCodeVersion(fakeFingerprint); got != "" {
		t.Fatalf("PyCodeVersion on empty hashes = %q, want empty", got)
	}
	if got := ts.InputsVersion(fakeFingerprint); got != "" {
		t.Fatalf("InputsVersion on empty hashes = %q, want empty", got)
	}
}

func TestVersionMethodsNonEmptyDelegatesToFingerprint(t *testing.T) {
	ts := TaskState{
		PyCodeHashes: []FileHash{{Path: "a.py", Hash: "x"}},
		InputHashes:  map[string]string{"dep": "v1"},
	}
	if got := ts.PyCodeVersion(fakeFingerprint); got != "fp" {
		t.Fatalf("PyCodeVersion = %q, want fp", got)
	}
	if got := ts.InputsVersion(fakeFingerprint); got != "fp" {
		t.Fatalf("InputsVersion = %q, want fp", got)
	}
}

func TestSubtaskFinished(t *testing.T) {
	s := Subtask{Index: 0, Key: "k"}
	if s.Finished() {
		t.Fatalf("zero-value subtask reported finished")
	}
	now := time.Now()
	s.EndTime = &now
	if !s.Finished() {
		t.Fatalf("subtask with EndTime set reported not finished")
	}
}
