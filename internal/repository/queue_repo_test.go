package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestQueueEnqueueDedup(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	queue := NewSQLiteQueueRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	admitted, err := queue.Enqueue(ctx, "job-1", "https://docs.example.com/a", "hash-a", 0, 50)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !admitted {
		t.Fatal("first enqueue should be admitted")
	}

	admitted, err = queue.Enqueue(ctx, "job-1", "https://docs.example.com/a", "hash-a", 1, 50)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if admitted {
		t.Error("duplicate fingerprint should not be admitted")
	}

	depth, err := queue.QueueDepth(ctx, "job-1")
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestQueueEnqueueBudget(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	queue := NewSQLiteQueueRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		admitted, err := queue.Enqueue(ctx, "job-1",
			fmt.Sprintf("https://docs.example.com/p%d", i), fmt.Sprintf("hash-%d", i), 0, 3)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if !admitted {
			t.Fatalf("enqueue %d should be admitted under budget", i)
		}
	}

	admitted, err := queue.Enqueue(ctx, "job-1", "https://docs.example.com/p3", "hash-3", 0, 3)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if admitted {
		t.Error("enqueue past budget should be rejected")
	}

	// The rejected URL's fingerprint must not linger in the seen set
	seen, err := queue.SeenSize(ctx, "job-1")
	if err != nil {
		t.Fatalf("SeenSize failed: %v", err)
	}
	if seen != 3 {
		t.Errorf("seen size = %d, want 3 (budget rejection rolls back)", seen)
	}

	job, err := jobs.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if job.PagesDiscovered != 3 {
		t.Errorf("pages_discovered = %d, want 3", job.PagesDiscovered)
	}
}

func TestQueueEnqueueConcurrent(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	queue := NewSQLiteQueueRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Many goroutines race to admit the same URL; exactly one may win.
	const racers = 10
	var wg sync.WaitGroup
	results := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := queue.Enqueue(ctx, "job-1", "https://docs.example.com/a", "hash-a", 0, 50)
			if err != nil {
				t.Errorf("Enqueue failed: %v", err)
				return
			}
			results <- admitted
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for admitted := range results {
		if admitted {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("admissions = %d, want exactly 1", wins)
	}
}

func TestQueueDequeueBatchFIFO(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	queue := NewSQLiteQueueRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	urls := []string{
		"https://docs.example.com/a",
		"https://docs.example.com/b",
		"https://docs.example.com/c",
	}
	for i, u := range urls {
		if _, err := queue.Enqueue(ctx, "job-1", u, fmt.Sprintf("h%d", i), 0, 50); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	batch, err := queue.DequeueBatch(ctx, "job-1", 2)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].URL != urls[0] || batch[1].URL != urls[1] {
		t.Errorf("batch order = [%s, %s], want FIFO", batch[0].URL, batch[1].URL)
	}

	rest, err := queue.DequeueBatch(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(rest) != 1 || rest[0].URL != urls[2] {
		t.Errorf("remaining batch = %+v, want just %s", rest, urls[2])
	}

	empty, err := queue.DequeueBatch(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty batch, got %d tasks", len(empty))
	}
}

func TestQueuePurgeJob(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	queue := NewSQLiteQueueRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := jobs.Create(ctx, newTestJob("job-2", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := queue.Enqueue(ctx, "job-1", "https://docs.example.com/a", "hash-a", 0, 50); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue(ctx, "job-1", "https://docs.example.com/b", "hash-b", 1, 50); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue(ctx, "job-2", "https://docs.example.com/a", "hash-a", 0, 50); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := queue.PurgeJob(ctx, "job-1"); err != nil {
		t.Fatalf("PurgeJob failed: %v", err)
	}
	depth, _ := queue.QueueDepth(ctx, "job-1")
	seen, _ := queue.SeenSize(ctx, "job-1")
	if depth != 0 || seen != 0 {
		t.Errorf("after purge depth=%d seen=%d, want 0/0", depth, seen)
	}

	// Other jobs keep their frontier
	depth, _ = queue.QueueDepth(ctx, "job-2")
	seen, _ = queue.SeenSize(ctx, "job-2")
	if depth != 1 || seen != 1 {
		t.Errorf("purge leaked into job-2: depth=%d seen=%d, want 1/1", depth, seen)
	}
}
