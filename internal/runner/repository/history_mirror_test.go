package repository_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Frohrer/codux/internal/common/cache"
	"github.com/Frohrer/codux/internal/runner/repository"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMirror(t *testing.T, maxEntries int) (*repository.RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	mirror, err := repository.NewRedisMirror(redisCache, "executions", time.Hour, maxEntries)
	if err != nil {
		t.Fatalf("new mirror failed: %v", err)
	}
	return mirror, mr
}

func TestRedisMirrorRoundTrip(t *testing.T) {
	mirror, mr := newMirror(t, 10)
	ctx := context.Background()
	entry := repository.Entry{
		ID:       "job-1",
		Language: "python",
		Version:  "3.12.0",
		Status:   repository.StatusCompleted,
		Result: &result.ExecutionResult{
			Run:      &result.StageResult{Code: result.IntPtr(0), Stdout: strings.Repeat("hello\n", 200)},
			Language: "python",
			Version:  "3.12.0",
		},
		CompletedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := mirror.Save(ctx, entry); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	raw, err := mr.Get("codux:history:executions:job-1")
	if err != nil {
		t.Fatalf("key missing: %v", err)
	}
	if len(raw) >= len(entry.Result.Run.Stdout) {
		t.Fatalf("stored entry should be compressed, got %d bytes", len(raw))
	}

	got, ok, err := mirror.Load(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if got.Status != repository.StatusCompleted || got.Result.Run.Stdout != entry.Result.Run.Stdout {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if !got.CompletedAt.Equal(entry.CompletedAt) {
		t.Fatalf("completed at mismatch: %v", got.CompletedAt)
	}

	if _, ok, err := mirror.Load(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing entry should report not found: ok=%v err=%v", ok, err)
	}
}

func TestRedisMirrorIndexTrimmed(t *testing.T) {
	mirror, _ := newMirror(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := mirror.Save(ctx, repository.Entry{ID: fmt.Sprintf("job-%d", i)}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if err := mirror.Save(ctx, repository.Entry{ID: "job-3"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	recent, err := mirror.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	var ids []string
	for _, e := range recent {
		ids = append(ids, e.ID)
	}
	if strings.Join(ids, ",") != "job-3,job-4,job-2" {
		t.Fatalf("unexpected index order: %v", ids)
	}
}

func TestHistoryFallsBackToMirror(t *testing.T) {
	mirror, _ := newMirror(t, 10)
	ctx := context.Background()
	h := repository.NewHistory("executions", 1, repository.WithMirror(mirror))
	h.Add(ctx, "old", repository.Entry{Status: repository.StatusFailed})
	h.Add(ctx, "new", repository.Entry{Status: repository.StatusCompleted})

	got, ok := h.Get(ctx, "old")
	if !ok || got.Status != repository.StatusFailed {
		t.Fatalf("evicted entry should be served from the mirror: ok=%v %+v", ok, got)
	}
}
