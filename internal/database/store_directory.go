package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var (
	departmentColumns = []string{
		"id", "tenant_key", "department_id", "name", "parent_id", "leader_id", "status",
		"member_count", "created_at", "updated_at",
	}
	orgUserColumns = []string{
		"id", "tenant_key", "user_key", "user_id", "open_id", "union_id", "name", "email", "mobile",
		"job_title", "employee_no", "avatar_url", "status", "created_at", "updated_at",
	}
	userDepartmentColumns = []string{
		"id", "tenant_key", "user_key", "department_id", "is_primary", "created_at",
	}
)

// ReplaceDirectory writes a directory snapshot in one transaction: departments and users are
// upserted, the tenant's relations are deleted and re-inserted. Any failure rolls everything
// back and the previous snapshot stays visible.
func (s *sqlxStore) ReplaceDirectory(ctx context.Context, tenantKey string, departments []Department, users []OrgUser, relations []UserDepartment) error {
	now := s.now()

	deptRows := make([][]any, 0, len(departments))
	seenDept := make(map[string]bool, len(departments))
	for _, d := range departments {
		if seenDept[d.DepartmentID] {
			continue
		}
		seenDept[d.DepartmentID] = true
		deptRows = append(deptRows, []any{
			tenantKey, d.DepartmentID, d.Name, d.ParentID, d.LeaderID, d.Status, d.MemberCount, now, now,
		})
	}

	userRows := make([][]any, 0, len(users))
	seenUser := make(map[string]bool, len(users))
	for _, u := range users {
		if u.UserKey == "" || seenUser[u.UserKey] {
			continue
		}
		seenUser[u.UserKey] = true
		userRows = append(userRows, []any{
			tenantKey, u.UserKey, u.UserID, u.OpenID, u.UnionID, u.Name, u.Email, u.Mobile,
			u.JobTitle, u.EmployeeNo, u.AvatarURL, u.Status, now, now,
		})
	}

	// One row per (user, department); a pair reported twice keeps the primary flag if either had it.
	relIndex := make(map[string]int, len(relations))
	relRows := make([][]any, 0, len(relations))
	for _, r := range relations {
		key := r.UserKey + "\x00" + r.DepartmentID
		if i, ok := relIndex[key]; ok {
			if r.IsPrimary {
				relRows[i][3] = true
			}
			continue
		}
		relIndex[key] = len(relRows)
		relRows = append(relRows, []any{tenantKey, r.UserKey, r.DepartmentID, r.IsPrimary, now})
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := s.insertRows(ctx, tx, s.table("org_departments"),
			[]string{"tenant_key", "department_id", "name", "parent_id", "leader_id", "status", "member_count", "created_at", "updated_at"},
			deptRows,
			s.dialect.upsertClause([]string{"tenant_key", "department_id"},
				[]string{"name", "parent_id", "leader_id", "status", "member_count", "updated_at"}))
		if err != nil {
			return err
		}

		err = s.insertRows(ctx, tx, s.table("org_users"),
			[]string{"tenant_key", "user_key", "user_id", "open_id", "union_id", "name", "email", "mobile",
				"job_title", "employee_no", "avatar_url", "status", "created_at", "updated_at"},
			userRows,
			s.dialect.upsertClause([]string{"tenant_key", "user_key"},
				[]string{"user_id", "open_id", "union_id", "name", "email", "mobile", "job_title",
					"employee_no", "avatar_url", "status", "updated_at"}))
		if err != nil {
			return err
		}

		deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE tenant_key = ?`, s.table("org_user_departments"))
		if _, err := tx.ExecContext(ctx, tx.Rebind(deleteQuery), tenantKey); err != nil {
			return fmt.Errorf("failed to clear relations: %w", err)
		}

		return s.insertRows(ctx, tx, s.table("org_user_departments"),
			[]string{"tenant_key", "user_key", "department_id", "is_primary", "created_at"},
			relRows, "")
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error replacing directory snapshot", "tenant_key", tenantKey, "error", err)
		return fmt.Errorf("failed to replace directory of tenant %s: %w", tenantKey, err)
	}

	s.logger.InfoContext(ctx, "Directory snapshot replaced",
		"tenant_key", tenantKey,
		"departments", len(deptRows),
		"users", len(userRows),
		"relations", len(relRows))
	return nil
}

// ListDepartments returns every stored department of the tenant.
func (s *sqlxStore) ListDepartments(ctx context.Context, tenantKey string) ([]Department, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? ORDER BY department_id`,
		columnList("", departmentColumns), s.table("org_departments"))

	var departments []Department
	if err := s.db.SelectContext(ctx, &departments, s.db.Rebind(query), tenantKey); err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	return departments, nil
}

// GetDepartment returns a department, or nil if it is unknown.
func (s *sqlxStore) GetDepartment(ctx context.Context, tenantKey, departmentID string) (*Department, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND department_id = ?`,
		columnList("", departmentColumns), s.table("org_departments"))
	dept, err := getOne[Department](ctx, s.db, query, tenantKey, departmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get department %s: %w", departmentID, err)
	}
	return dept, nil
}

// GetOrgUser returns a directory user, or nil if it is unknown.
func (s *sqlxStore) GetOrgUser(ctx context.Context, tenantKey, userKey string) (*OrgUser, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND user_key = ?`,
		columnList("", orgUserColumns), s.table("org_users"))
	user, err := getOne[OrgUser](ctx, s.db, query, tenantKey, userKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userKey, err)
	}
	return user, nil
}

// ListUserDepartments returns the user's current memberships, primary first.
func (s *sqlxStore) ListUserDepartments(ctx context.Context, tenantKey, userKey string) ([]UserDepartment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND user_key = ? ORDER BY is_primary DESC, department_id`,
		columnList("", userDepartmentColumns), s.table("org_user_departments"))

	var relations []UserDepartment
	if err := s.db.SelectContext(ctx, &relations, s.db.Rebind(query), tenantKey, userKey); err != nil {
		return nil, fmt.Errorf("failed to list departments of user %s: %w", userKey, err)
	}
	return relations, nil
}

// RecordSyncRun stores the outcome of a directory sync attempt.
func (s *sqlxStore) RecordSyncRun(ctx context.Context, run *SyncRun) error {
	if run == nil {
		return fmt.Errorf("cannot save nil sync run")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_key, account_id, status, departments, users, relations, error, started_at, finished_at)
		VALUES (:tenant_key, :account_id, :status, :departments, :users, :relations, :error, :started_at, :finished_at)`,
		s.table("directory_sync_runs"))

	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// LatestSyncRun returns the most recent sync run of the account, or nil if there is none.
func (s *sqlxStore) LatestSyncRun(ctx context.Context, accountID string) (*SyncRun, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_key, account_id, status, departments, users, relations, error, started_at, finished_at
		FROM %s WHERE account_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, s.table("directory_sync_runs"))
	run, err := getOne[SyncRun](ctx, s.db, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}
	return run, nil
}
