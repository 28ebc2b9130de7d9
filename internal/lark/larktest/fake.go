// Package larktest provides an in-memory lark.API for tests.
package larktest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/edgard/chatmirror/internal/lark"
)

// File is a downloadable attachment. DeclaredSize overrides the reported length;
// use -1 for an unknown length and 0 for len(Data).
type File struct {
	Data         []byte
	DeclaredSize int64
	ContentType  string
	Name         string
}

// Fake serves fixed directory, chat and attachment data. Listings are paginated by PageSize.
type Fake struct {
	PageSize int

	Children    map[string][]lark.Department
	ChildErrors map[string]error
	Departments map[string]lark.Department
	Users       map[string][]lark.User
	UserErrors  map[string]error
	Chats       map[string]lark.Chat
	Members     map[string][]lark.ChatMember
	Files       map[string]File
	// DownloadErr, when set, fails DownloadResource for the file key.
	DownloadErr func(fileKey string) error

	mu        sync.Mutex
	calls     map[string]int
	bytesRead map[string]int64
}

// New returns an empty fake paginating two items per page.
func New() *Fake {
	return &Fake{
		PageSize:    2,
		Children:    map[string][]lark.Department{},
		ChildErrors: map[string]error{},
		Departments: map[string]lark.Department{},
		Users:       map[string][]lark.User{},
		UserErrors:  map[string]error{},
		Chats:       map[string]lark.Chat{},
		Members:     map[string][]lark.ChatMember{},
		Files:       map[string]File{},
	}
}

// Calls returns how often method was called for id.
func (f *Fake) Calls(method, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+":"+id]
}

// BytesRead returns how many body bytes were read from downloads of fileKey.
func (f *Fake) BytesRead(fileKey string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesRead[fileKey]
}

func (f *Fake) record(method, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[method+":"+id]++
}

func page[T any](items []T, pageSize int, token string) (lark.Page[T], error) {
	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return lark.Page[T]{}, fmt.Errorf("bad page token %q", token)
		}
		start = n
	}
	if pageSize <= 0 {
		pageSize = len(items)
	}
	end := min(start+pageSize, len(items))
	if start > end {
		start = end
	}

	p := lark.Page[T]{Items: items[start:end]}
	if end < len(items) {
		p.HasMore = true
		p.PageToken = strconv.Itoa(end)
	}
	return p, nil
}

func (f *Fake) ListChildDepartments(_ context.Context, parentID, pageToken string) (lark.Page[lark.Department], error) {
	f.record("ListChildDepartments", parentID)
	if err := f.ChildErrors[parentID]; err != nil {
		return lark.Page[lark.Department]{}, err
	}
	return page(f.Children[parentID], f.PageSize, pageToken)
}

func (f *Fake) GetDepartment(_ context.Context, departmentID string) (lark.Department, error) {
	f.record("GetDepartment", departmentID)
	d, ok := f.Departments[departmentID]
	if !ok {
		return lark.Department{}, &lark.APIError{HTTPStatus: 404, Code: 40004, Msg: "department not found"}
	}
	return d, nil
}

func (f *Fake) ListDepartmentUsers(_ context.Context, departmentID, pageToken string) (lark.Page[lark.User], error) {
	f.record("ListDepartmentUsers", departmentID)
	if err := f.UserErrors[departmentID]; err != nil {
		return lark.Page[lark.User]{}, err
	}
	return page(f.Users[departmentID], f.PageSize, pageToken)
}

func (f *Fake) GetChat(_ context.Context, chatID string) (lark.Chat, error) {
	f.record("GetChat", chatID)
	c, ok := f.Chats[chatID]
	if !ok {
		return lark.Chat{}, &lark.APIError{HTTPStatus: 404, Code: 232011, Msg: "chat not found"}
	}
	return c, nil
}

func (f *Fake) ListChatMembers(_ context.Context, chatID, pageToken string) (lark.Page[lark.ChatMember], error) {
	f.record("ListChatMembers", chatID)
	return page(f.Members[chatID], f.PageSize, pageToken)
}

func (f *Fake) DownloadResource(_ context.Context, _, fileKey, _ string) (*lark.Download, error) {
	f.record("DownloadResource", fileKey)
	if f.DownloadErr != nil {
		if err := f.DownloadErr(fileKey); err != nil {
			return nil, err
		}
	}
	file, ok := f.Files[fileKey]
	if !ok {
		return nil, &lark.APIError{HTTPStatus: 404, Code: 234003, Msg: "file not found"}
	}

	size := file.DeclaredSize
	if size == 0 {
		size = int64(len(file.Data))
	}
	return &lark.Download{
		Body:        &countingBody{r: bytes.NewReader(file.Data), fake: f, key: fileKey},
		Size:        size,
		ContentType: file.ContentType,
		FileName:    file.Name,
	}, nil
}

type countingBody struct {
	r    io.Reader
	fake *Fake
	key  string
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.fake.mu.Lock()
	if b.fake.bytesRead == nil {
		b.fake.bytesRead = map[string]int64{}
	}
	b.fake.bytesRead[b.key] += int64(n)
	b.fake.mu.Unlock()
	return n, err
}

func (b *countingBody) Close() error { return nil }

var _ lark.API = (*Fake)(nil)
