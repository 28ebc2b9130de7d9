package directory

import (
	"context"

	"github.com/edgard/chatmirror/internal/database"
)

// maxChainDepth stops chain resolution on corrupted parent links.
const maxChainDepth = 64

// Membership is one department of a user with its ancestors, nearest first.
type Membership struct {
	DepartmentID string
	Primary      bool
	Chain        []database.Department
}

// Profile is a directory user with resolved memberships.
type Profile struct {
	User        database.OrgUser
	Memberships []Membership
}

// Profile returns the stored directory profile of a user, or nil if the user is unknown.
// Chains end at the root or at the first department missing from the store.
func Profile(ctx context.Context, store database.Store, tenantKey, userKey string) (*Profile, error) {
	user, err := store.GetOrgUser(ctx, tenantKey, userKey)
	if err != nil || user == nil {
		return nil, err
	}

	relations, err := store.ListUserDepartments(ctx, tenantKey, userKey)
	if err != nil {
		return nil, err
	}

	p := &Profile{User: *user}
	for _, rel := range relations {
		chain, err := departmentChain(ctx, store, tenantKey, rel.DepartmentID)
		if err != nil {
			return nil, err
		}
		p.Memberships = append(p.Memberships, Membership{
			DepartmentID: rel.DepartmentID,
			Primary:      rel.IsPrimary,
			Chain:        chain,
		})
	}
	return p, nil
}

func departmentChain(ctx context.Context, store database.Store, tenantKey, departmentID string) ([]database.Department, error) {
	var chain []database.Department
	seen := map[string]bool{}

	for id := departmentID; id != "" && !seen[id] && len(chain) < maxChainDepth; {
		seen[id] = true
		dept, err := store.GetDepartment(ctx, tenantKey, id)
		if err != nil {
			return nil, err
		}
		if dept == nil {
			break
		}
		chain = append(chain, *dept)
		id = dept.ParentID
	}
	return chain, nil
}

// Names returns the department names of the chain, nearest first.
func (m Membership) Names() []string {
	names := make([]string, len(m.Chain))
	for i, d := range m.Chain {
		names[i] = d.Name
	}
	return names
}
