package database

import (
	"database/sql"
	"time"
)

// Resource statuses.
const (
	ResourcePending     = "pending"
	ResourceDownloading = "downloading"
	ResourceReady       = "ready"
	ResourceTooLarge    = "too_large"
	ResourceFailed      = "failed"
	ResourceLinked      = "linked"
)

// Extraction statuses.
const (
	ExtractionProcessing = "processing"
	ExtractionDone       = "done"
	ExtractionEmpty      = "empty"
	ExtractionFailed     = "failed"
	ExtractionSkipped    = "skipped"
)

// Sync run statuses.
const (
	SyncSucceeded = "succeeded"
	SyncFailed    = "failed"
)

// UpsertResult reports what an upsert did to the row.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Message is one chat message as received from the platform.
type Message struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	TenantKey     string    `db:"tenant_key"`
	AccountID     string    `db:"account_id"`
	MessageID     string    `db:"message_id"`
	ChatID        string    `db:"chat_id"`
	ChatType      string    `db:"chat_type"`
	MessageType   string    `db:"message_type"`
	SenderUserID  string    `db:"sender_user_id"`
	SenderOpenID  string    `db:"sender_open_id"`
	SenderUnionID string    `db:"sender_union_id"`
	RawPayload    string    `db:"raw_payload"`
	Body          string    `db:"body"`
	DedupeHash    string    `db:"dedupe_hash"`
	SentAt        time.Time `db:"sent_at"`
}

// Resource is a binary attachment referenced by a message.
type Resource struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	TenantKey   string        `db:"tenant_key"`
	AccountID   string        `db:"account_id"`
	MessageID   string        `db:"message_id"`
	ChatID      string        `db:"chat_id"`
	Kind        string        `db:"kind"`
	FileKey     string        `db:"file_key"`
	Name        string        `db:"name"`
	MimeType    string        `db:"mime_type"`
	SizeBytes   sql.NullInt64 `db:"size_bytes"`
	Status      string        `db:"status"`
	StoragePath string        `db:"storage_path"`
	LastError   string        `db:"last_error"`
	Attempts    int           `db:"attempts"`
}

// Extraction is the derived text of one resource.
type Extraction struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	TenantKey  string `db:"tenant_key"`
	ResourceID int64  `db:"resource_id"`
	Language   string `db:"language"`
	Text       string `db:"text"`
	Model      string `db:"model"`
	Status     string `db:"status"`
	Error      string `db:"error"`
	Attempts   int    `db:"attempts"`
}

// ExtractionResult is the outcome written when an extraction finishes.
type ExtractionResult struct {
	Status   string
	Language string
	Text     string
	Model    string
	Error    string
	// Attempts, when positive, overrides the attempt count; a failure recorded at the
	// ceiling is never selected again.
	Attempts int
}

// Department is an org-chart node.
type Department struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	TenantKey    string `db:"tenant_key"`
	DepartmentID string `db:"department_id"`
	Name         string `db:"name"`
	ParentID     string `db:"parent_id"`
	LeaderID     string `db:"leader_id"`
	Status       string `db:"status"`
	MemberCount  int    `db:"member_count"`
}

// OrgUser is a directory member. UserKey is the first non-empty of UserID, OpenID and UnionID.
type OrgUser struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	TenantKey  string `db:"tenant_key"`
	UserKey    string `db:"user_key"`
	UserID     string `db:"user_id"`
	OpenID     string `db:"open_id"`
	UnionID    string `db:"union_id"`
	Name       string `db:"name"`
	Email      string `db:"email"`
	Mobile     string `db:"mobile"`
	JobTitle   string `db:"job_title"`
	EmployeeNo string `db:"employee_no"`
	AvatarURL  string `db:"avatar_url"`
	Status     string `db:"status"`
}

// UserDepartment links a user to a department.
type UserDepartment struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	TenantKey    string `db:"tenant_key"`
	UserKey      string `db:"user_key"`
	DepartmentID string `db:"department_id"`
	IsPrimary    bool   `db:"is_primary"`
}

// SyncRun records one directory synchronization attempt.
type SyncRun struct {
	ID         int64     `db:"id"`
	TenantKey  string    `db:"tenant_key"`
	AccountID  string    `db:"account_id"`
	Status     string    `db:"status"`
	Depts      int       `db:"departments"`
	Users      int       `db:"users"`
	Relations  int       `db:"relations"`
	Error      string    `db:"error"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

// Chat is cached chat metadata.
type Chat struct {
	ID          int64     `db:"id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	RefreshedAt time.Time `db:"refreshed_at"`

	TenantKey   string `db:"tenant_key"`
	ChatID      string `db:"chat_id"`
	Name        string `db:"name"`
	ChatMode    string `db:"chat_mode"`
	OwnerID     string `db:"owner_id"`
	MemberCount int    `db:"member_count"`
}

// ChatMember is one member of a chat snapshot.
type ChatMember struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	TenantKey    string `db:"tenant_key"`
	ChatID       string `db:"chat_id"`
	MemberID     string `db:"member_id"`
	MemberIDType string `db:"member_id_type"`
	Name         string `db:"name"`
}

// Memory is a piece of extracted knowledge recorded for a tenant.
type Memory struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	TenantKey string `db:"tenant_key"`
	Scope     string `db:"scope"`
	Content   string `db:"content"`
}
