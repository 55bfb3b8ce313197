package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the governance pause switches consulted by every mutating
// engine entry point.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the named module is administratively
// halted. A nil view means no pause configuration is wired and all flows run.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// RoleCheck is consulted for liquidator and governance gated entry points.
type RoleCheck interface {
	HasRole(account [20]byte, role string) bool
}

// Roles recognised by the lending engines.
const (
	RoleLiquidator = "liquidator"
	RoleTreasury   = "treasury"
)

// ErrMissingRole is returned when a caller lacks the role an entry point
// requires.
var ErrMissingRole = errors.New("caller missing required role")

// RequireRole verifies the account holds the role. A nil checker denies all
// gated flows rather than silently allowing them.
func RequireRole(rc RoleCheck, account [20]byte, role string) error {
	if rc == nil || !rc.HasRole(account, role) {
		return ErrMissingRole
	}
	return nil
}
