// Package states implements the idempotent states of archstate:
//
//	appimage.installed, appimage.removed
//	aurpkg.installed, aurpkg.check_installed (aliased as aur.*)
//	makepkg.installed
//
// Each state checks the current system, reports what it would do in test
// mode, and otherwise calls into the execution modules in pkg/modules.
// Errors never escape a state; they become a False result with a comment.
package states
