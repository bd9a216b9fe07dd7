package auth

import (
	"fmt"
	"sort"
	"strings"

	"claimline/internal/config"
	"claimline/internal/domain"
)

const (
	PermClaimSubmit  = "claim.submit"
	PermClaimRead    = "claim.read"
	PermPolicyRead   = "policy.read"
	PermPolicyWrite  = "policy.write"
	PermReviewRead   = "review.read"
	PermEventRead    = "event.read"
	PermAPIKeyManage = "apikey.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Actor is an authenticated caller and the roles it holds.
type Actor struct {
	ID    string
	Roles []string
}

// ReviewClosePermission is the permission needed to close tasks in the
// queue of role.
func ReviewClosePermission(role domain.ReviewRole) string {
	return "review.close." + string(role)
}

// Authorizer resolves permissions from the roles declared in config.
type Authorizer struct {
	Roles map[string]config.RBACRole
}

func New(cfg *config.Config) Authorizer {
	if cfg == nil {
		return Authorizer{}
	}
	return Authorizer{Roles: cfg.RBAC.Roles}
}

// Permissions lists the distinct permissions granted by roles.
func (a Authorizer) Permissions(roles []string) []string {
	seen := map[string]bool{}
	var perms []string
	for _, r := range roles {
		for _, p := range a.Roles[r].Permissions {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	sort.Strings(perms)
	return perms
}

// Allowed reports whether roles grant perm. A permission ending in ".*"
// grants everything under its prefix and "*" grants everything.
func (a Authorizer) Allowed(roles []string, perm string) bool {
	for _, p := range a.Permissions(roles) {
		if p == "*" || p == perm {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(perm, prefix) {
			return true
		}
	}
	return false
}

func (a Authorizer) Require(actor Actor, perm string) error {
	if actor.ID == "" {
		return fmt.Errorf("actor_id required")
	}
	if !a.Allowed(actor.Roles, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// KnownRole reports whether role is declared in config.
func (a Authorizer) KnownRole(role string) bool {
	_, ok := a.Roles[role]
	return ok
}
