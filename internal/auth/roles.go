package auth

import "github.com/argus-siem/argus/internal/store"

// roleRank orders roles by privilege. Device tokens rank below every human
// role and only pass device-scoped checks.
func roleRank(role string) int {
	switch role {
	case store.RoleOwner:
		return 3
	case store.RoleAdmin:
		return 2
	case store.RoleAnalyst:
		return 1
	case store.RoleDevice:
		return 0
	}
	return -1
}

// Allow reports whether callerRole meets the minimum role for an action.
// Total over all (caller, minimum) pairs; unknown roles never pass.
func Allow(callerRole, minRole string) bool {
	cr, mr := roleRank(callerRole), roleRank(minRole)
	if cr < 0 || mr < 0 {
		return false
	}
	if minRole == store.RoleDevice {
		// Device-scoped actions are open to devices and any human role;
		// handler-level subject checks bind the device to its own data.
		return true
	}
	return cr >= mr
}

// ValidRole reports whether role is one of the four recognized roles.
func ValidRole(role string) bool {
	return roleRank(role) >= 0
}
