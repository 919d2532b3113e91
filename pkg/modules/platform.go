package modules

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/openfroyo/archstate/pkg/engine"
)

// Platform describes the host the modules run on.
type Platform struct {
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformFamily  string `json:"platform_family"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	KernelArch      string `json:"kernel_arch"`
	Hostname        string `json:"hostname"`
}

// IsArch reports whether the host is Arch Linux or a derivative.
func (p Platform) IsArch() bool {
	return p.PlatformFamily == "arch" || p.Platform == "arch"
}

// DetectPlatform reads host information. It falls back to runtime.GOOS when
// the host cannot be inspected.
func DetectPlatform(ctx context.Context) Platform {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		return Platform{OS: runtime.GOOS, KernelArch: runtime.GOARCH}
	}
	return Platform{
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformFamily:  info.PlatformFamily,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		KernelArch:      info.KernelArch,
		Hostname:        info.Hostname,
	}
}

// Checks builds module availability checks against a platform.
type Checks struct {
	platform func() Platform
	lookPath func(string) (string, error)
}

// NewChecks detects the platform lazily, once per check.
func NewChecks() *Checks {
	return &Checks{
		platform: func() Platform { return DetectPlatform(context.Background()) },
		lookPath: exec.LookPath,
	}
}

// NewStaticChecks checks against a fixed platform and binary lookup.
func NewStaticChecks(p Platform, lookPath func(string) (string, error)) *Checks {
	return &Checks{
		platform: func() Platform { return p },
		lookPath: lookPath,
	}
}

// Linux requires a Linux host.
func (c *Checks) Linux() engine.AvailabilityCheck {
	return func() (bool, string) {
		if goos := c.platform().OS; goos != "linux" {
			return false, fmt.Sprintf("requires linux, running on %s", goos)
		}
		return true, ""
	}
}

// Binaries requires a Linux host with every binary on PATH.
func (c *Checks) Binaries(bins ...string) engine.AvailabilityCheck {
	linux := c.Linux()
	return func() (bool, string) {
		if ok, reason := linux(); !ok {
			return false, reason
		}
		var missing []string
		for _, bin := range bins {
			if _, err := c.lookPath(bin); err != nil {
				missing = append(missing, bin)
			}
		}
		if len(missing) > 0 {
			return false, "missing " + strings.Join(missing, ", ") + " on PATH"
		}
		return true, ""
	}
}

// Pacman requires an Arch-based host with every binary on PATH. A host whose
// distribution could not be detected is given the benefit of the doubt.
func (c *Checks) Pacman(bins ...string) engine.AvailabilityCheck {
	binaries := c.Binaries(bins...)
	return func() (bool, string) {
		p := c.platform()
		if p.OS == "linux" && p.Platform != "" && !p.IsArch() {
			return false, fmt.Sprintf("requires an Arch-based distribution, running on %s", p.Platform)
		}
		return binaries()
	}
}

// Register registers the availability checks of every module.
func (c *Checks) Register(reg *engine.Registry) {
	reg.RegisterModule("appimage", c.Linux())
	reg.RegisterModule("pacman_build", c.Pacman())
	reg.RegisterModule("aurpkg", c.Pacman("yay"))
	reg.RegisterModule("aur", c.Pacman("yay"))
	reg.RegisterModule("makepkg", c.Pacman("makepkg", "pacman", "patch"))
}
