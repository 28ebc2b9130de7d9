// Package directory mirrors an account's org chart into its tenant store.
package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/coordinator"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/lark"
	"github.com/edgard/chatmirror/internal/payload"
)

// RootPlaceholderName names the root department when the platform cannot return it.
const RootPlaceholderName = "Root Department"

// Accounts resolves account runtimes by id.
type Accounts interface {
	Get(id string) (*account.Runtime, bool)
}

// Result summarizes a successful sync.
type Result struct {
	Departments int
	Users       int
	Relations   int
}

// Synchronizer crawls the department tree and replaces the tenant's membership snapshot.
type Synchronizer struct {
	accounts Accounts
	guards   *coordinator.Guards
	logger   *slog.Logger
	now      func() time.Time
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(accounts Accounts, guards *coordinator.Guards, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Synchronizer{
		accounts: accounts,
		guards:   guards,
		logger:   logger.With("component", "directory_sync"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Trigger starts a sync for the account unless one is running.
func (s *Synchronizer) Trigger(accountID string) bool {
	return s.guards.Trigger(coordinator.SubsystemDirectory, accountID, func(ctx context.Context) error {
		rt, ok := s.accounts.Get(accountID)
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		_, err := s.Sync(ctx, rt)
		return err
	})
}

// Sync crawls the account's department tree from the configured root, fetches every
// department's direct members and replaces the tenant's directory snapshot in one
// transaction. Each attempt is recorded as a sync run. Callers must not run two syncs
// for the same account concurrently.
func (s *Synchronizer) Sync(ctx context.Context, rt *account.Runtime) (Result, error) {
	store, err := rt.Store(ctx)
	if err != nil {
		return Result{}, err
	}

	started := s.now()
	log := s.logger.With("account", rt.ID, "tenant_key", rt.TenantKey)
	log.InfoContext(ctx, "Starting directory sync")

	res, err := s.sync(ctx, rt, store, log)

	run := &database.SyncRun{
		TenantKey:  rt.TenantKey,
		AccountID:  rt.ID,
		Status:     database.SyncSucceeded,
		Depts:      res.Departments,
		Users:      res.Users,
		Relations:  res.Relations,
		StartedAt:  started,
		FinishedAt: s.now(),
	}
	if err != nil {
		run.Status = database.SyncFailed
		run.Error = err.Error()
	}
	if recErr := store.RecordSyncRun(ctx, run); recErr != nil {
		log.ErrorContext(ctx, "Error recording sync run", "error", recErr)
	}

	if err != nil {
		log.ErrorContext(ctx, "Directory sync failed", "error", err)
		return Result{}, err
	}
	log.InfoContext(ctx, "Directory sync finished",
		"departments", res.Departments,
		"users", res.Users,
		"relations", res.Relations,
		"duration_ms", run.FinishedAt.Sub(started).Milliseconds())
	return res, nil
}

func (s *Synchronizer) sync(ctx context.Context, rt *account.Runtime, store database.Store, log *slog.Logger) (Result, error) {
	root := rt.Settings.Directory.RootDepartmentID
	if root == "" {
		root = "0"
	}

	depts, err := s.traverse(ctx, rt.Platform, root, log)
	if err != nil {
		return Result{}, err
	}
	users, relations := s.members(ctx, rt.Platform, depts, log)

	deptRows := make([]database.Department, 0, len(depts))
	for _, d := range depts {
		deptRows = append(deptRows, database.Department{
			TenantKey:    rt.TenantKey,
			DepartmentID: d.ID,
			Name:         d.Name,
			ParentID:     d.ParentID,
			LeaderID:     d.LeaderID,
			Status:       d.Status,
			MemberCount:  d.MemberCount,
		})
	}
	for i := range users {
		users[i].TenantKey = rt.TenantKey
	}
	for i := range relations {
		relations[i].TenantKey = rt.TenantKey
	}

	res := Result{Departments: len(deptRows), Users: len(users), Relations: len(relations)}
	if err := store.ReplaceDirectory(ctx, rt.TenantKey, deptRows, users, relations); err != nil {
		return res, err
	}
	return res, nil
}

// traverse lists the department tree breadth-first. The root is always part of the result:
// fetched directly when no listing returned it, or a placeholder when that fails too.
func (s *Synchronizer) traverse(ctx context.Context, api lark.API, root string, log *slog.Logger) ([]lark.Department, error) {
	visited := map[string]bool{root: true}
	queue := []string{root}
	var result []lark.Department
	rootSeen := false

	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		children, err := lark.Collect(ctx, func(ctx context.Context, token string) (lark.Page[lark.Department], error) {
			return api.ListChildDepartments(ctx, parent, token)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list children of department %s: %w", parent, err)
		}

		for _, child := range children {
			if child.ID == "" {
				continue
			}
			if child.ID == root {
				if !rootSeen {
					rootSeen = true
					result = append(result, child)
				}
				continue
			}
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			queue = append(queue, child.ID)
			result = append(result, child)
		}
	}

	if !rootSeen {
		dept, err := api.GetDepartment(ctx, root)
		if err != nil || dept.ID == "" {
			log.WarnContext(ctx, "Root department unavailable, using placeholder", "root", root, "error", err)
			dept = lark.Department{ID: root, Name: RootPlaceholderName}
		}
		result = append([]lark.Department{dept}, result...)
	}
	return result, nil
}

// members fetches the direct members of every department. A department whose listing fails
// contributes no members.
func (s *Synchronizer) members(ctx context.Context, api lark.API, depts []lark.Department, log *slog.Logger) ([]database.OrgUser, []database.UserDepartment) {
	users := make(map[string]int)
	var userRows []database.OrgUser
	var relations []database.UserDepartment
	related := make(map[string]bool)

	for _, d := range depts {
		members, err := lark.Collect(ctx, func(ctx context.Context, token string) (lark.Page[lark.User], error) {
			return api.ListDepartmentUsers(ctx, d.ID, token)
		})
		if err != nil {
			log.WarnContext(ctx, "Error listing department members, skipping", "department_id", d.ID, "error", err)
			continue
		}

		for _, u := range members {
			key := payload.FirstNonEmpty(u.UserID, u.OpenID, u.UnionID)
			if key == "" {
				continue
			}

			row := database.OrgUser{
				UserKey:    key,
				UserID:     u.UserID,
				OpenID:     u.OpenID,
				UnionID:    u.UnionID,
				Name:       u.Name,
				Email:      u.Email,
				Mobile:     u.Mobile,
				JobTitle:   u.JobTitle,
				EmployeeNo: u.EmployeeNo,
				AvatarURL:  u.AvatarURL,
				Status:     u.Status,
			}
			if i, ok := users[key]; ok {
				userRows[i] = row
			} else {
				users[key] = len(userRows)
				userRows = append(userRows, row)
			}

			pair := key + "\x00" + d.ID
			if related[pair] {
				continue
			}
			related[pair] = true
			relations = append(relations, database.UserDepartment{
				UserKey:      key,
				DepartmentID: d.ID,
				IsPrimary:    len(u.DepartmentIDs) > 0 && u.DepartmentIDs[0] == d.ID,
			})
		}
	}
	return userRows, relations
}
