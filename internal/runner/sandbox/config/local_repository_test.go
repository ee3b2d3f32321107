package config_test

import (
	"testing"

	"github.com/Frohrer/codux/internal/runner/sandbox/config"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

func newRepo(t *testing.T) *config.LocalRepository {
	t.Helper()
	repo, err := config.NewLocalRepository([]profile.Runtime{
		{Language: "python", Version: "3.10.0", Aliases: []string{"py", "python3"}, PkgDir: "/pkgs/python/3.10.0"},
		{Language: "python", Version: "3.12.1", Aliases: []string{"py", "python3"}, PkgDir: "/pkgs/python/3.12.1"},
		{Language: "javascript", Version: "18", Runtime: "node", Aliases: []string{"node", "js"}, PkgDir: "/pkgs/node/18"},
	})
	if err != nil {
		t.Fatalf("new repository failed: %v", err)
	}
	return repo
}

func TestResolveExactVersion(t *testing.T) {
	repo := newRepo(t)
	rt, err := repo.Resolve("python", "3.10.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rt.PkgDir != "/pkgs/python/3.10.0" {
		t.Fatalf("unexpected runtime: %s", rt.PkgDir)
	}
}

func TestResolveWildcardPicksNewest(t *testing.T) {
	repo := newRepo(t)
	for _, pattern := range []string{"*", "3.x", "3"} {
		rt, err := repo.Resolve("py", pattern)
		if err != nil {
			t.Fatalf("resolve %q failed: %v", pattern, err)
		}
		if rt.Version != "3.12.1" {
			t.Fatalf("pattern %q resolved to %s", pattern, rt.Version)
		}
	}
}

func TestResolvePartialVersion(t *testing.T) {
	repo := newRepo(t)
	rt, err := repo.Resolve("node", "18.0.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rt.Language != "javascript" {
		t.Fatalf("unexpected language: %s", rt.Language)
	}
}

func TestResolveUnknown(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.Resolve("cobol", "1.0.0")
	if appErr.GetCode(err) != appErr.RuntimeNotFound {
		t.Fatalf("expected RuntimeNotFound, got %v", err)
	}
	if got := appErr.GetError(err).Message; got != "cobol-1.0.0 runtime is unknown" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestNewLocalRepositoryRejectsBadVersion(t *testing.T) {
	_, err := config.NewLocalRepository([]profile.Runtime{{Language: "go", Version: "one", PkgDir: "/pkgs/go"}})
	if err == nil {
		t.Fatalf("expected error for invalid version")
	}
}
