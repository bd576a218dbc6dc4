package syncstore

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Principal is the resolved identity every permission guard consumes.
// It is always injected explicitly; nothing in this package reads
// ambient session state.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Dept string `json:"dept,omitempty"`
	Role Role   `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// AuthGate resolves the acting principal. Credential resolution lives
// outside the core; see UserDirectory for the shipped implementation.
type AuthGate interface {
	CurrentPrincipal() Principal
}

type DocStatus string

const (
	StatusDraft     DocStatus = "draft"
	StatusSubmitted DocStatus = "submitted"
	StatusApproved  DocStatus = "approved"
	StatusRejected  DocStatus = "rejected"
)

// Approval is present iff the document is approved or rejected.
type Approval struct {
	By      string    `json:"by"`
	At      time.Time `json:"at"`
	Comment string    `json:"comment"`
}

// Document is one resolution artifact. Fields content is owned by the
// form layer and never validated here.
type Document struct {
	ID        string         `json:"id"`
	FormType  string         `json:"formType"`
	Fields    map[string]any `json:"fields"`
	Status    DocStatus      `json:"status"`
	OwnerID   string         `json:"ownerId"`
	OwnerName string         `json:"ownerName,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Approval  *Approval      `json:"approval,omitempty"`
}

func (d Document) RecordID() string { return d.ID }

type TaskStatus string

const (
	TaskWaiting    TaskStatus = "waiting"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// Next advances the cyclic task status. Unknown values reset to waiting.
func (s TaskStatus) Next() TaskStatus {
	switch s {
	case TaskWaiting:
		return TaskInProgress
	case TaskInProgress:
		return TaskDone
	default:
		return TaskWaiting
	}
}

// TaskItem is one entry on the shared daily board, partitioned by date.
type TaskItem struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Status      TaskStatus `json:"status"`
	Memo        string     `json:"memo,omitempty"`
	OwnerID     string     `json:"ownerId"`
	WorkflowRef string     `json:"workflowRef,omitempty"`
	Date        string     `json:"date"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (t TaskItem) RecordID() string { return t.ID }

type CommentStatus string

const (
	CommentPending   CommentStatus = "pending"
	CommentCompleted CommentStatus = "completed"
)

// Comment belongs to the append-only per-date memo stream. Comments are
// never edited in place, only status-toggled or deleted.
type Comment struct {
	ID        string        `json:"id"`
	Date      string        `json:"date"`
	Content   string        `json:"content"`
	AuthorID  string        `json:"authorId"`
	Status    CommentStatus `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (c Comment) RecordID() string { return c.ID }

type User struct {
	ID       string `json:"id"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name"`
	Dept     string `json:"dept,omitempty"`
	Role     Role   `json:"role"`
}

func (u User) RecordID() string { return u.ID }

func NewDocumentID() string { return "doc_" + uuid.NewString() }
func NewTaskID() string     { return "task_" + uuid.NewString() }
func NewCommentID() string  { return "cmt_" + uuid.NewString() }

// The alias tables map every observed historical spelling of a field to
// its canonical JSON key. Legacy cache blobs carry a mix of lowercase
// and camelCase names (userid/userId, createdat/createdAt); these
// tables are the single place that knowledge lives.
var taskKeyAliases = map[string]string{
	"userid":        "ownerId",
	"ownerid":       "ownerId",
	"username":      "ownerName",
	"ownername":     "ownerName",
	"createdat":     "createdAt",
	"createdatfull": "createdAt",
	"workflowid":    "workflowRef",
	"workflowref":   "workflowRef",
}

var commentKeyAliases = map[string]string{
	"userid":    "authorId",
	"authorid":  "authorId",
	"updatedat": "updatedAt",
}

var documentKeyAliases = map[string]string{
	"userid":    "ownerId",
	"ownerid":   "ownerId",
	"username":  "ownerName",
	"ownername": "ownerName",
	"formtype":  "formType",
	"createdat": "createdAt",
	"updatedat": "updatedAt",
}

// normalizeRecordKeys rewrites a raw JSON object so every key uses its
// canonical spelling. A value under the exact canonical key always wins
// over a legacy spelling; unknown keys pass through untouched so a
// newer writer's fields survive a round trip.
func normalizeRecordKeys(raw map[string]json.RawMessage, aliases map[string]string) map[string]json.RawMessage {
	norm := make(map[string]json.RawMessage, len(raw))
	for key, value := range raw {
		canonical, ok := aliases[strings.ToLower(key)]
		if !ok {
			norm[key] = value
		} else if key == canonical {
			norm[canonical] = value
		}
	}
	for key, value := range raw {
		canonical, ok := aliases[strings.ToLower(key)]
		if !ok || key == canonical {
			continue
		}
		if _, exists := norm[canonical]; !exists {
			norm[canonical] = value
		}
	}
	return norm
}

func decodeNormalized(data []byte, aliases map[string]string, out any) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	merged, err := json.Marshal(normalizeRecordKeys(raw, aliases))
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, out)
}

type taskItemJSON TaskItem

// UnmarshalJSON accepts both the canonical field names and the legacy
// lowercase variants written by earlier clients into the shared cache
// keys.
func (t *TaskItem) UnmarshalJSON(data []byte) error {
	var plain taskItemJSON
	if err := decodeNormalized(data, taskKeyAliases, &plain); err != nil {
		// Legacy rows carry createdAt as a display string rather than a
		// timestamp; retry without the timestamp field.
		var raw map[string]json.RawMessage
		if rawErr := json.Unmarshal(data, &raw); rawErr != nil {
			return rawErr
		}
		norm := normalizeRecordKeys(raw, taskKeyAliases)
		delete(norm, "createdAt")
		merged, mergeErr := json.Marshal(norm)
		if mergeErr != nil {
			return mergeErr
		}
		if retryErr := json.Unmarshal(merged, &plain); retryErr != nil {
			return err
		}
	}
	*t = TaskItem(plain)
	t.Status = normalizeTaskStatus(t.Status)
	return nil
}

type commentJSON Comment

func (c *Comment) UnmarshalJSON(data []byte) error {
	var plain commentJSON
	if err := decodeNormalized(data, commentKeyAliases, &plain); err != nil {
		return err
	}
	*c = Comment(plain)
	if c.Status == "" {
		c.Status = CommentPending
	}
	return nil
}

type documentJSON Document

func (d *Document) UnmarshalJSON(data []byte) error {
	var plain documentJSON
	if err := decodeNormalized(data, documentKeyAliases, &plain); err != nil {
		return err
	}
	*d = Document(plain)
	return nil
}

// normalizeTaskStatus folds legacy status spellings onto the enum.
func normalizeTaskStatus(s TaskStatus) TaskStatus {
	switch TaskStatus(strings.ToLower(strings.TrimSpace(string(s)))) {
	case TaskWaiting, "":
		return TaskWaiting
	case TaskInProgress, "inprogress", "progress":
		return TaskInProgress
	case TaskDone, "completed":
		return TaskDone
	default:
		return TaskWaiting
	}
}
