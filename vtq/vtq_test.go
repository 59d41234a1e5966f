package vtq_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/trendscrape/dbopen"
	"github.com/hazyhaar/trendscrape/vtq"
)

func newQ(t *testing.T, db *sql.DB, opts vtq.Options) *vtq.Q {
	t.Helper()
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPublishAndClaim(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	inserted, err := q.Publish(ctx, "j1", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first publish should insert")
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "j1" || string(job.Payload) != "hello" {
		t.Fatalf("got %q/%q, want j1/hello", job.ID, job.Payload)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}
	if len(job.Errors) != 0 {
		t.Fatalf("got errors %v, want none", job.Errors)
	}

	// Claimed jobs are invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	inserted, err := q.Publish(ctx, "j1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("republishing a finished job must be ignored")
	}
	n, _ := q.Pending(ctx)
	if n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestPublishAll(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{})
	ctx := context.Background()

	if _, err := q.Publish(ctx, "b", nil); err != nil {
		t.Fatal(err)
	}
	added, err := q.PublishAll(ctx, []vtq.Message{{ID: "a"}, {ID: "b"}, {ID: "c", Payload: []byte("x")}})
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	n, err := q.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{})
	ctx := context.Background()

	for i := range 5 {
		q.Publish(ctx, fmt.Sprintf("j%d", i), nil)
	}
	for i := range 5 {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("j%d", i); job == nil || job.ID != want {
			t.Fatalf("claim %d: got %v, want %s", i, job, want)
		}
	}
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Release(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("expected job after release")
	}
	if job2.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job2.Attempts)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	q.Claim(ctx)

	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should have reappeared")
	}
	if job.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job.Attempts)
	}
}

func TestRecoverReleasesDeadClaims(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	dead := newQ(t, db, vtq.Options{Visibility: time.Hour})
	dead.Publish(ctx, "j1", nil)
	dead.Publish(ctx, "j2", nil)
	dead.Claim(ctx)
	j2, _ := dead.Claim(ctx)
	dead.Ack(ctx, j2.ID)

	q := newQ(t, db, vtq.Options{Visibility: time.Hour})
	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d recovered, want 1", n)
	}
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("got %v, want j1", job)
	}
	if job.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job.Attempts)
	}
}

func TestExtend(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Extend(ctx, job.ID, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)

	if job2, _ := q.Claim(ctx); job2 != nil {
		t.Fatal("job should still be invisible after extend")
	}
}

func TestFailKeepsHistory(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 20 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)
	if err := q.RecordError(ctx, job.ID, "timeout"); err != nil {
		t.Fatal(err)
	}

	// Crash: let the window lapse, the history survives the re-claim.
	time.Sleep(40 * time.Millisecond)
	job, _ = q.Claim(ctx)
	if job == nil {
		t.Fatal("expected job to reappear")
	}
	if len(job.Errors) != 1 || job.Errors[0] != "timeout" {
		t.Fatalf("errors = %v, want [timeout]", job.Errors)
	}

	if err := q.Fail(ctx, job.ID, "rate limited"); err != nil {
		t.Fatal(err)
	}
	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != (vtq.Counts{Failed: 1}) {
		t.Fatalf("counts = %+v, want 1 failed", c)
	}
}

func TestMaxAttempts(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{Visibility: 10 * time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	for i := 0; i < 2; i++ {
		time.Sleep(15 * time.Millisecond)
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("expected job on attempt %d", i+1)
		}
	}

	time.Sleep(15 * time.Millisecond)
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("third claim should fail the job instead of returning it")
	}
	c, _ := q.Counts(ctx)
	if c.Failed != 1 || c.Pending != 0 {
		t.Fatalf("counts = %+v, want 1 failed, 0 pending", c)
	}
}

func TestMultipleQueues(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q1 := newQ(t, db, vtq.Options{Queue: "alpha"})
	q2 := newQ(t, db, vtq.Options{Queue: "beta"})
	ctx := context.Background()

	q1.Publish(ctx, "a1", []byte("alpha"))
	q2.Publish(ctx, "b1", []byte("beta"))

	j1, _ := q1.Claim(ctx)
	j2, _ := q2.Claim(ctx)
	if j1 == nil || j1.ID != "a1" {
		t.Fatal("q1 should get a1")
	}
	if j2 == nil || j2.ID != "b1" {
		t.Fatal("q2 should get b1")
	}
	if j, _ := q1.Claim(ctx); j != nil {
		t.Fatal("q1 should have no more jobs")
	}
}

func TestPurge(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	q.Publish(ctx, "j2", nil)
	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Fatalf("expected 0 after purge, got %d", n)
	}
}
