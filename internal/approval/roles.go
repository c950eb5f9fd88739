package approval

import "context"

// StaticRoleLevels is the default, configuration-driven RoleLevels: a
// fixed map of principal to role level loaded once at process startup,
// mirroring internal/workflow.MapStepTemplates's treatment of step
// composition as configuration rather than code.
type StaticRoleLevels map[string]int

// RoleLevel satisfies RoleLevels. An unknown principal reports level 0,
// the lowest privilege, rather than an error: delegation to an unknown
// principal should fail the equal-or-higher-role check, not the lookup.
func (m StaticRoleLevels) RoleLevel(_ context.Context, principal string) (int, error) {
	return m[principal], nil
}
