package syncstore

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskItemDecodesLegacyKeys(t *testing.T) {
	blob := []byte(`{
		"id": "task_1",
		"text": "check invoices",
		"status": "inProgress",
		"userid": "user01",
		"workflowid": "doc_9",
		"date": "2026-03-02",
		"createdat": "2026-03-02T09:00:00Z"
	}`)
	var task TaskItem
	if err := json.Unmarshal(blob, &task); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if task.OwnerID != "user01" {
		t.Fatalf("OwnerID = %q", task.OwnerID)
	}
	if task.WorkflowRef != "doc_9" {
		t.Fatalf("WorkflowRef = %q", task.WorkflowRef)
	}
	if task.Status != TaskInProgress {
		t.Fatalf("Status = %q", task.Status)
	}
	if task.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not decoded")
	}
}

func TestTaskItemDecodesCanonicalKeys(t *testing.T) {
	blob := []byte(`{"id":"task_1","text":"x","status":"waiting","ownerId":"user01","date":"2026-03-02","createdAt":"2026-03-02T09:00:00Z"}`)
	var task TaskItem
	if err := json.Unmarshal(blob, &task); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if task.OwnerID != "user01" {
		t.Fatalf("OwnerID = %q", task.OwnerID)
	}
}

func TestTaskItemCanonicalKeyWinsOverLegacy(t *testing.T) {
	blob := []byte(`{"id":"task_1","text":"x","status":"waiting","ownerId":"user01","userid":"stale","date":"2026-03-02"}`)
	var task TaskItem
	if err := json.Unmarshal(blob, &task); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if task.OwnerID != "user01" {
		t.Fatalf("OwnerID = %q, legacy spelling must not shadow the canonical key", task.OwnerID)
	}
}

func TestTaskItemToleratesDisplayTimestamp(t *testing.T) {
	// Early clients cached createdAt as a human-readable string.
	blob := []byte(`{"id":"task_1","text":"x","status":"done","userid":"user01","date":"2026-03-02","createdat":"오전 9:00"}`)
	var task TaskItem
	if err := json.Unmarshal(blob, &task); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if task.ID != "task_1" || task.Status != TaskDone {
		t.Fatalf("task = %+v", task)
	}
	if !task.CreatedAt.IsZero() {
		t.Fatalf("unparseable timestamp must decode as zero, got %v", task.CreatedAt)
	}
}

func TestTaskStatusNormalization(t *testing.T) {
	cases := map[string]TaskStatus{
		"waiting":     TaskWaiting,
		"inProgress":  TaskInProgress,
		"in_progress": TaskInProgress,
		"progress":    TaskInProgress,
		"done":        TaskDone,
		"completed":   TaskDone,
		"":            TaskWaiting,
		"garbage":     TaskWaiting,
	}
	for raw, want := range cases {
		if got := normalizeTaskStatus(TaskStatus(raw)); got != want {
			t.Errorf("normalizeTaskStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestTaskStatusCycle(t *testing.T) {
	if TaskWaiting.Next() != TaskInProgress || TaskInProgress.Next() != TaskDone || TaskDone.Next() != TaskWaiting {
		t.Fatal("status cycle broken")
	}
	if TaskStatus("garbage").Next() != TaskWaiting {
		t.Fatal("unknown status must reset to waiting")
	}
}

func TestCommentDecodesLegacyKeys(t *testing.T) {
	blob := []byte(`{"id":"cmt_1","date":"2026-03-02","content":"call vendor","userid":"user02","updatedat":"2026-03-02T10:00:00Z"}`)
	var comment Comment
	if err := json.Unmarshal(blob, &comment); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if comment.AuthorID != "user02" {
		t.Fatalf("AuthorID = %q", comment.AuthorID)
	}
	if comment.Status != CommentPending {
		t.Fatalf("missing status must default to pending, got %q", comment.Status)
	}
}

func TestCommentKeepsCanonicalAuthor(t *testing.T) {
	blob := []byte(`{"id":"cmt_1","date":"2026-03-02","content":"x","authorId":"user02","status":"completed"}`)
	var comment Comment
	if err := json.Unmarshal(blob, &comment); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if comment.AuthorID != "user02" || comment.Status != CommentCompleted {
		t.Fatalf("comment = %+v", comment)
	}
}

func TestDocumentDecodesLegacyKeys(t *testing.T) {
	blob := []byte(`{
		"id": "doc_1",
		"formtype": "expense",
		"fields": {"amount": 42000},
		"status": "submitted",
		"userid": "user01",
		"username": "Researcher One",
		"createdat": "2026-03-01T09:00:00Z",
		"updatedat": "2026-03-02T09:00:00Z"
	}`)
	var doc Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.OwnerID != "user01" || doc.OwnerName != "Researcher One" {
		t.Fatalf("owner = %q / %q", doc.OwnerID, doc.OwnerName)
	}
	if doc.FormType != "expense" || doc.Status != StatusSubmitted {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.CreatedAt.Format("2006-01-02") != "2026-03-01" {
		t.Fatalf("CreatedAt = %v", doc.CreatedAt)
	}
}

func TestDocumentRoundTripKeepsApproval(t *testing.T) {
	at := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	doc := Document{
		ID:       "doc_1",
		FormType: "expense",
		Status:   StatusApproved,
		OwnerID:  "user01",
		Approval: &Approval{By: "admin", At: at, Comment: "ok"},
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Document
	if err := json.Unmarshal(blob, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Approval == nil || back.Approval.By != "admin" || !back.Approval.At.Equal(at) {
		t.Fatalf("approval = %+v", back.Approval)
	}
}

func TestRecordIDPrefixes(t *testing.T) {
	ids := map[string]string{
		NewDocumentID(): "doc_",
		NewTaskID():     "task_",
		NewCommentID():  "cmt_",
	}
	seen := map[string]bool{}
	for id, prefix := range ids {
		if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
			t.Errorf("id %q lacks prefix %q", id, prefix)
		}
		if seen[id] {
			t.Errorf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
