package syncstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func boardNow() time.Time {
	return time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
}

func testBoard(gate AuthGate) *TaskBoard {
	tasks := taskStore(newFakeRemote[TaskItem](), NewMemoryCacheBackend(), time.Second)
	comments := NewStore[Comment](newFakeRemote[Comment](), NewMemoryCacheBackend(), StoreOptions{
		Name:     "task_comments",
		CacheKey: func(f Filter) string { return CommentsCacheKey(f.Date) },
		Logger:   quietLogger(),
	})
	return NewTaskBoard(tasks, comments, gate, BoardOptions{
		Location: time.UTC,
		Now:      boardNow,
	})
}

// sharedBoards returns owner, other-user and admin views over the same
// task and comment stores.
func sharedBoards() (*TaskBoard, *TaskBoard, *TaskBoard) {
	owner := testBoard(NewSession(ownerPrincipal))
	other := NewTaskBoard(owner.tasks, owner.comments, NewSession(otherPrincipal), BoardOptions{
		Location: time.UTC,
		Now:      boardNow,
	})
	admin := NewTaskBoard(owner.tasks, owner.comments, NewSession(adminPrincipal), BoardOptions{
		Location: time.UTC,
		Now:      boardNow,
	})
	return owner, other, admin
}

func TestAddTaskStartsWaitingOnCurrentDate(t *testing.T) {
	board := testBoard(NewSession(ownerPrincipal))
	task, err := board.AddTask(context.Background(), "  order reagents  ", "doc_123")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task.Status != TaskWaiting {
		t.Fatalf("status = %q", task.Status)
	}
	if task.Text != "order reagents" {
		t.Fatalf("text not trimmed: %q", task.Text)
	}
	if task.Date != "2026-03-02" {
		t.Fatalf("date = %q", task.Date)
	}
	if task.OwnerID != ownerPrincipal.ID || task.WorkflowRef != "doc_123" {
		t.Fatalf("task = %+v", task)
	}

	if _, err := board.AddTask(context.Background(), "   ", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank task: %v", err)
	}
}

func TestCycleStatusWrapsAround(t *testing.T) {
	board := testBoard(NewSession(ownerPrincipal))
	task, _ := board.AddTask(context.Background(), "triage inbox", "")

	want := []TaskStatus{TaskInProgress, TaskDone, TaskWaiting}
	for _, status := range want {
		got, err := board.CycleStatus(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("CycleStatus: %v", err)
		}
		if got.Status != status {
			t.Fatalf("status = %q, want %q", got.Status, status)
		}
	}
}

func TestTaskMutationByOwnerOrAdmin(t *testing.T) {
	owner, other, admin := sharedBoards()
	ctx := context.Background()
	task, _ := owner.AddTask(ctx, "write report", "")

	if _, err := other.CycleStatus(ctx, task.ID); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-owner cycle: %v", err)
	}
	if _, err := other.UpdateMemo(ctx, task.ID, "note"); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-owner memo: %v", err)
	}
	if err := other.DeleteTask(ctx, task.ID); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-owner delete: %v", err)
	}

	// Admins may step in on anyone's task.
	if _, err := admin.UpdateMemo(ctx, task.ID, "handed over"); err != nil {
		t.Fatalf("admin memo: %v", err)
	}
	if err := admin.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestBoardDateNavigation(t *testing.T) {
	board := testBoard(NewSession(ownerPrincipal))
	if !board.IsToday() {
		t.Fatal("new board must open on today")
	}
	if got := board.PrevDate(); got != "2026-03-01" {
		t.Fatalf("PrevDate = %q", got)
	}
	if board.IsToday() {
		t.Fatal("yesterday is not today")
	}
	if got := board.NextDate(); got != "2026-03-02" {
		t.Fatalf("NextDate = %q", got)
	}
	// The board never navigates into the future.
	if got := board.NextDate(); got != "2026-03-02" {
		t.Fatalf("NextDate moved past today: %q", got)
	}

	if err := board.SetDate("2026-02-14"); err != nil {
		t.Fatalf("SetDate: %v", err)
	}
	if board.Date() != "2026-02-14" {
		t.Fatalf("Date = %q", board.Date())
	}
	if err := board.SetDate("02/14/2026"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad date format: %v", err)
	}
}

func TestTasksPartitionedByDate(t *testing.T) {
	board := testBoard(NewSession(ownerPrincipal))
	ctx := context.Background()
	if _, err := board.AddTask(ctx, "today only", ""); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	board.PrevDate()
	got, err := board.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("yesterday must be empty, got %+v", got)
	}

	board.NextDate()
	got, err = board.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(got) != 1 || got[0].Text != "today only" {
		t.Fatalf("today's slice = %+v", got)
	}
}

func TestStatsAndOwnerRollup(t *testing.T) {
	owner, other, _ := sharedBoards()
	ctx := context.Background()

	a, _ := owner.AddTask(ctx, "a", "")
	_, _ = owner.AddTask(ctx, "b", "")
	_, _ = other.AddTask(ctx, "c", "")
	_, _ = owner.CycleStatus(ctx, a.ID) // waiting -> in progress

	all, err := owner.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	stats := Stats(all)
	if stats.Total != 3 || stats.Waiting != 2 || stats.InProgress != 1 || stats.Done != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Pct(stats.Waiting) != 67 {
		t.Fatalf("Pct = %d", stats.Pct(stats.Waiting))
	}
	if (TaskStats{}).Pct(0) != 0 {
		t.Fatal("empty stats must not divide by zero")
	}

	byOwner, err := owner.StatsByOwner(ctx)
	if err != nil {
		t.Fatalf("StatsByOwner: %v", err)
	}
	if byOwner[ownerPrincipal.ID].Total != 2 || byOwner[otherPrincipal.ID].Total != 1 {
		t.Fatalf("rollup = %+v", byOwner)
	}
}

func TestCommentStream(t *testing.T) {
	owner, other, admin := sharedBoards()
	ctx := context.Background()

	comment, err := owner.AddComment(ctx, "waiting on vendor quote")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if comment.Status != CommentPending || comment.Date != "2026-03-02" {
		t.Fatalf("comment = %+v", comment)
	}
	if _, err := owner.AddComment(ctx, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank comment: %v", err)
	}

	// Anyone may toggle the shared memo.
	toggled, err := other.ToggleComment(ctx, comment.ID)
	if err != nil {
		t.Fatalf("ToggleComment: %v", err)
	}
	if toggled.Status != CommentCompleted {
		t.Fatalf("status = %q", toggled.Status)
	}
	back, _ := other.ToggleComment(ctx, comment.ID)
	if back.Status != CommentPending {
		t.Fatalf("second toggle = %q", back.Status)
	}

	// Deleting is author-or-admin only.
	if err := other.DeleteComment(ctx, comment.ID); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-author delete: %v", err)
	}
	if err := admin.DeleteComment(ctx, comment.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	left, err := owner.Comments(ctx)
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("stream not empty after delete: %+v", left)
	}
}
