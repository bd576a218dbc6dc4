package syncstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const boardDateLayout = "2006-01-02"

// TaskStats summarizes one slice of the board per status.
type TaskStats struct {
	Total      int
	Waiting    int
	InProgress int
	Done       int
}

// Pct returns count as a whole percentage of the total.
func (s TaskStats) Pct(count int) int {
	if s.Total == 0 {
		return 0
	}
	return int(float64(count)/float64(s.Total)*100 + 0.5)
}

// TaskBoard is the second instantiation of the synced-store pattern: a
// shared daily task list plus an append-only comment stream, both
// partitioned by calendar date. Task mutation is allowed to the task's
// owner or an admin; the document workflow's strict owner-only rule
// deliberately does not apply here.
type TaskBoard struct {
	tasks    *Store[TaskItem]
	comments *Store[Comment]
	gate     AuthGate
	loc      *time.Location
	now      func() time.Time

	mu      sync.Mutex
	current string
}

// BoardOptions tune the board. Location controls which wall clock
// decides "today"; the deployment this serves pins it to one zone so
// every client agrees on the partition date.
type BoardOptions struct {
	Location *time.Location
	Now      func() time.Time
}

func NewTaskBoard(tasks *Store[TaskItem], comments *Store[Comment], gate AuthGate, opts BoardOptions) *TaskBoard {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	b := &TaskBoard{
		tasks:    tasks,
		comments: comments,
		gate:     gate,
		loc:      loc,
		now:      now,
	}
	b.current = b.today()
	return b
}

func (b *TaskBoard) today() string {
	return b.now().In(b.loc).Format(boardDateLayout)
}

// Date returns the date the board is currently showing.
func (b *TaskBoard) Date() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *TaskBoard) IsToday() bool {
	return b.Date() == b.today()
}

// SetDate jumps the board to an arbitrary day.
func (b *TaskBoard) SetDate(date string) error {
	if _, err := time.ParseInLocation(boardDateLayout, date, b.loc); err != nil {
		return fmt.Errorf("%w: bad date %q", ErrInvalidInput, date)
	}
	b.mu.Lock()
	b.current = date
	b.mu.Unlock()
	return nil
}

// PrevDate steps the board one day back and returns the new date.
func (b *TaskBoard) PrevDate() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	day, err := time.ParseInLocation(boardDateLayout, b.current, b.loc)
	if err != nil {
		b.current = b.today()
		return b.current
	}
	b.current = day.AddDate(0, 0, -1).Format(boardDateLayout)
	return b.current
}

// NextDate steps one day forward, refusing to move past today.
func (b *TaskBoard) NextDate() string {
	today := b.today()
	b.mu.Lock()
	defer b.mu.Unlock()
	day, err := time.ParseInLocation(boardDateLayout, b.current, b.loc)
	if err != nil {
		b.current = today
		return b.current
	}
	next := day.AddDate(0, 0, 1).Format(boardDateLayout)
	if next > today {
		return b.current
	}
	b.current = next
	return b.current
}

func (b *TaskBoard) filter() Filter {
	return Filter{Date: b.Date()}
}

// AddTask appends a waiting task for the acting principal on the
// board's current date.
func (b *TaskBoard) AddTask(ctx context.Context, text, workflowRef string) (TaskItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TaskItem{}, fmt.Errorf("%w: task text is empty", ErrInvalidInput)
	}
	p := b.gate.CurrentPrincipal()
	task := TaskItem{
		ID:          NewTaskID(),
		Text:        text,
		Status:      TaskWaiting,
		OwnerID:     p.ID,
		WorkflowRef: workflowRef,
		Date:        b.Date(),
		CreatedAt:   b.now(),
	}
	if err := b.tasks.Save(ctx, b.filter(), task); err != nil {
		return TaskItem{}, err
	}
	return task, nil
}

// CycleStatus advances a task through waiting, in progress, done and
// back to waiting.
func (b *TaskBoard) CycleStatus(ctx context.Context, id string) (TaskItem, error) {
	p := b.gate.CurrentPrincipal()
	return b.tasks.Update(ctx, b.filter(), id, func(task *TaskItem) error {
		if err := taskEditAllowed(*task, p); err != nil {
			return err
		}
		task.Status = task.Status.Next()
		return nil
	})
}

func (b *TaskBoard) UpdateMemo(ctx context.Context, id, memo string) (TaskItem, error) {
	p := b.gate.CurrentPrincipal()
	return b.tasks.Update(ctx, b.filter(), id, func(task *TaskItem) error {
		if err := taskEditAllowed(*task, p); err != nil {
			return err
		}
		task.Memo = memo
		return nil
	})
}

func (b *TaskBoard) DeleteTask(ctx context.Context, id string) error {
	p := b.gate.CurrentPrincipal()
	return b.tasks.Delete(ctx, b.filter(), id, func(task TaskItem) error {
		return taskEditAllowed(task, p)
	})
}

func taskEditAllowed(task TaskItem, p Principal) error {
	if task.OwnerID == p.ID || p.IsAdmin() {
		return nil
	}
	return fmt.Errorf("%w: only the task owner or an admin may change it", ErrPermission)
}

// Tasks returns the board's current day, degrading to the cached
// partition when the remote is slow.
func (b *TaskBoard) Tasks(ctx context.Context) ([]TaskItem, error) {
	return b.tasks.Load(ctx, b.filter())
}

// TasksFor narrows the day to one owner.
func (b *TaskBoard) TasksFor(ctx context.Context, ownerID string) ([]TaskItem, error) {
	all, err := b.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TaskItem, 0, len(all))
	for _, task := range all {
		if task.OwnerID == ownerID {
			out = append(out, task)
		}
	}
	return out, nil
}

// Stats summarizes a task slice.
func Stats(tasks []TaskItem) TaskStats {
	s := TaskStats{Total: len(tasks)}
	for _, task := range tasks {
		switch task.Status {
		case TaskInProgress:
			s.InProgress++
		case TaskDone:
			s.Done++
		default:
			s.Waiting++
		}
	}
	return s
}

// StatsByOwner rolls up the current day per owner.
func (b *TaskBoard) StatsByOwner(ctx context.Context) (map[string]TaskStats, error) {
	all, err := b.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	byOwner := make(map[string][]TaskItem)
	for _, task := range all {
		byOwner[task.OwnerID] = append(byOwner[task.OwnerID], task)
	}
	out := make(map[string]TaskStats, len(byOwner))
	for owner, tasks := range byOwner {
		out[owner] = Stats(tasks)
	}
	return out, nil
}

// AddComment appends to the day's memo stream. Comments are never
// edited afterwards, only toggled or deleted.
func (b *TaskBoard) AddComment(ctx context.Context, content string) (Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Comment{}, fmt.Errorf("%w: comment is empty", ErrInvalidInput)
	}
	p := b.gate.CurrentPrincipal()
	comment := Comment{
		ID:        NewCommentID(),
		Date:      b.Date(),
		Content:   content,
		AuthorID:  p.ID,
		Status:    CommentPending,
		UpdatedAt: b.now(),
	}
	if err := b.comments.Save(ctx, b.filter(), comment); err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// ToggleComment flips a comment between pending and completed. Any
// principal may toggle; the stream is a shared team memo.
func (b *TaskBoard) ToggleComment(ctx context.Context, id string) (Comment, error) {
	return b.comments.Update(ctx, b.filter(), id, func(comment *Comment) error {
		if comment.Status == CommentCompleted {
			comment.Status = CommentPending
		} else {
			comment.Status = CommentCompleted
		}
		comment.UpdatedAt = b.now()
		return nil
	})
}

// DeleteComment removes a comment; author or admin only.
func (b *TaskBoard) DeleteComment(ctx context.Context, id string) error {
	p := b.gate.CurrentPrincipal()
	return b.comments.Delete(ctx, b.filter(), id, func(comment Comment) error {
		if comment.AuthorID == p.ID || p.IsAdmin() {
			return nil
		}
		return fmt.Errorf("%w: only the author or an admin may delete a comment", ErrPermission)
	})
}

// Comments returns the day's stream in insertion order.
func (b *TaskBoard) Comments(ctx context.Context) ([]Comment, error) {
	return b.comments.Load(ctx, b.filter())
}
