// Package modules implements the execution modules that states call into:
// pacman_build runs commands as the build user, appimage installs and removes
// AppImages, and makepkg builds packages from PKGBUILDs.
//
// Modules report bad arguments as invocation errors and failed operations as
// execution errors (see engine.NewInvocationError and
// engine.NewExecutionError). They never produce state results themselves.
package modules
