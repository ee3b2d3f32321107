package sandbox_test

import (
	"testing"

	"github.com/Frohrer/codux/internal/runner/sandbox"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

func TestParseMetadata(t *testing.T) {
	raw := "time:0.012\ntime-wall:0.250\nmax-rss:1200\ncg-mem:2048\nexitcode:3\nstatus:RE\nmessage:Exited with error status 3\n"
	meta, err := sandbox.ParseMetadata(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if meta.MemoryBytes != 2048000 {
		t.Fatalf("unexpected memory: %d", meta.MemoryBytes)
	}
	if meta.ExitCode == nil || *meta.ExitCode != 3 {
		t.Fatalf("unexpected exit code: %v", meta.ExitCode)
	}
	if meta.CPUTimeMs != 12 || meta.WallTimeMs != 250 {
		t.Fatalf("unexpected times: cpu=%v wall=%v", meta.CPUTimeMs, meta.WallTimeMs)
	}
	if meta.Status != result.StatusRuntimeError {
		t.Fatalf("unexpected status: %s", meta.Status)
	}
	if meta.Message != "Exited with error status 3" {
		t.Fatalf("unexpected message: %s", meta.Message)
	}
}

func TestParseMetadataSignal(t *testing.T) {
	meta, err := sandbox.ParseMetadata("exitsig:9\nstatus:SG\n")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if meta.Signal != "SIGKILL" {
		t.Fatalf("unexpected signal: %s", meta.Signal)
	}
	if meta.ExitCode != nil {
		t.Fatalf("exit code should be absent")
	}
}

func TestParseMetadataEmptyValue(t *testing.T) {
	meta, err := sandbox.ParseMetadata("time:0.1\nmessage:\nexitcode:0\n")
	if err != nil {
		t.Fatalf("empty value should parse: %v", err)
	}
	if meta.Message != "" || meta.ExitCode == nil || *meta.ExitCode != 0 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestParseMetadataMalformedLine(t *testing.T) {
	_, err := sandbox.ParseMetadata("time:0.1\ngarbage\n")
	if appErr.GetCode(err) != appErr.MetadataParseFailure {
		t.Fatalf("expected MetadataParseFailure, got %v", err)
	}
}

func TestParseMetadataBadNumber(t *testing.T) {
	_, err := sandbox.ParseMetadata("exitcode:abc\n")
	if appErr.GetCode(err) != appErr.MetadataParseFailure {
		t.Fatalf("expected MetadataParseFailure, got %v", err)
	}
}

func TestLookupSignal(t *testing.T) {
	if _, ok := sandbox.LookupSignal("SIGTERM"); !ok {
		t.Fatalf("SIGTERM should resolve")
	}
	if _, ok := sandbox.LookupSignal("kill"); !ok {
		t.Fatalf("kill should resolve")
	}
	if _, ok := sandbox.LookupSignal("SIGNOPE"); ok {
		t.Fatalf("SIGNOPE should not resolve")
	}
}
