// Package lark is a minimal client for the Lark/Feishu open platform: tenant access tokens,
// the contact directory, chat metadata and message resource downloads.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items     []T
	HasMore   bool
	PageToken string
}

// Department is a node of the contact directory.
type Department struct {
	ID          string
	OpenID      string
	ParentID    string
	Name        string
	LeaderID    string
	Status      string
	MemberCount int
}

// User is a directory member. DepartmentIDs lists the user's departments, primary first.
type User struct {
	UserID        string
	OpenID        string
	UnionID       string
	Name          string
	Email         string
	Mobile        string
	JobTitle      string
	EmployeeNo    string
	AvatarURL     string
	Status        string
	DepartmentIDs []string
}

// Chat is chat metadata.
type Chat struct {
	ChatID      string
	Name        string
	ChatMode    string
	OwnerID     string
	MemberCount int
}

// ChatMember is one member of a chat.
type ChatMember struct {
	MemberID     string
	MemberIDType string
	Name         string
}

// Download is an open resource transfer. Size is the declared length, or -1 when unknown.
type Download struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	FileName    string
}

// API is the subset of the platform the pipeline consumes.
type API interface {
	ListChildDepartments(ctx context.Context, parentID, pageToken string) (Page[Department], error)
	GetDepartment(ctx context.Context, departmentID string) (Department, error)
	ListDepartmentUsers(ctx context.Context, departmentID, pageToken string) (Page[User], error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	ListChatMembers(ctx context.Context, chatID, pageToken string) (Page[ChatMember], error)
	DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) (*Download, error)
}

// maxPages guards against an API that keeps returning has_more with a repeating token.
const maxPages = 10000

// Collect follows page tokens until the listing is exhausted.
func Collect[T any](ctx context.Context, fetch func(ctx context.Context, pageToken string) (Page[T], error)) ([]T, error) {
	var all []T
	token := ""
	seen := map[string]bool{}

	for i := 0; i < maxPages; i++ {
		page, err := fetch(ctx, token)
		if err != nil {
			return all, err
		}
		all = append(all, page.Items...)

		if !page.HasMore || page.PageToken == "" {
			return all, nil
		}
		if seen[page.PageToken] {
			return all, fmt.Errorf("pagination loop: page token %q repeated", page.PageToken)
		}
		seen[page.PageToken] = true
		token = page.PageToken
	}
	return all, fmt.Errorf("pagination exceeded %d pages", maxPages)
}

// flexInt decodes integers the platform sometimes sends as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type pageData[T any] struct {
	HasMore   bool   `json:"has_more"`
	PageToken string `json:"page_token"`
	Items     []T    `json:"items"`
}

type departmentDTO struct {
	Name               string  `json:"name"`
	DepartmentID       string  `json:"department_id"`
	OpenDepartmentID   string  `json:"open_department_id"`
	ParentDepartmentID string  `json:"parent_department_id"`
	LeaderUserID       string  `json:"leader_user_id"`
	MemberCount        flexInt `json:"member_count"`
	Status             *struct {
		IsDeleted bool `json:"is_deleted"`
	} `json:"status"`
}

func (d departmentDTO) toDepartment() Department {
	status := "active"
	if d.Status != nil && d.Status.IsDeleted {
		status = "deleted"
	}
	id := d.DepartmentID
	if id == "" {
		id = d.OpenDepartmentID
	}
	return Department{
		ID:          id,
		OpenID:      d.OpenDepartmentID,
		ParentID:    d.ParentDepartmentID,
		Name:        d.Name,
		LeaderID:    d.LeaderUserID,
		Status:      status,
		MemberCount: int(d.MemberCount),
	}
}

type userDTO struct {
	UserID        string   `json:"user_id"`
	OpenID        string   `json:"open_id"`
	UnionID       string   `json:"union_id"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Mobile        string   `json:"mobile"`
	JobTitle      string   `json:"job_title"`
	EmployeeNo    string   `json:"employee_no"`
	DepartmentIDs []string `json:"department_ids"`
	Avatar        *struct {
		Avatar240    string `json:"avatar_240"`
		AvatarOrigin string `json:"avatar_origin"`
	} `json:"avatar"`
	Status *struct {
		IsActivated bool `json:"is_activated"`
		IsResigned  bool `json:"is_resigned"`
		IsFrozen    bool `json:"is_frozen"`
	} `json:"status"`
}

func (u userDTO) toUser() User {
	user := User{
		UserID:        u.UserID,
		OpenID:        u.OpenID,
		UnionID:       u.UnionID,
		Name:          u.Name,
		Email:         u.Email,
		Mobile:        u.Mobile,
		JobTitle:      u.JobTitle,
		EmployeeNo:    u.EmployeeNo,
		DepartmentIDs: u.DepartmentIDs,
	}
	if u.Avatar != nil {
		user.AvatarURL = u.Avatar.Avatar240
		if user.AvatarURL == "" {
			user.AvatarURL = u.Avatar.AvatarOrigin
		}
	}
	switch {
	case u.Status == nil:
	case u.Status.IsResigned:
		user.Status = "resigned"
	case u.Status.IsFrozen:
		user.Status = "frozen"
	case u.Status.IsActivated:
		user.Status = "active"
	default:
		user.Status = "inactive"
	}
	return user
}

type chatDTO struct {
	Name      string  `json:"name"`
	ChatMode  string  `json:"chat_mode"`
	OwnerID   string  `json:"owner_id"`
	UserCount flexInt `json:"user_count"`
}

type chatMemberDTO struct {
	MemberID     string `json:"member_id"`
	MemberIDType string `json:"member_id_type"`
	Name         string `json:"name"`
}
