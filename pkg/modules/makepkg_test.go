package modules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/fetch"
	"github.com/openfroyo/archstate/pkg/runner"
	"github.com/openfroyo/archstate/pkg/runner/runnertest"
)

const testPkgbuild = `# Maintainer: nobody
pkgname=foo
pkgver=1.0
pkgrel=1
arch=('x86_64')
`

func newTestFetcher(t *testing.T, roots ...string) *fetch.Fetcher {
	t.Helper()
	cfg := fetch.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.FileRoots = roots
	cfg.Progress = false
	cfg.Retries = 0
	return fetch.New(cfg, zerolog.Nop())
}

func newTestMakepkg(t *testing.T, fake *runnertest.Fake, roots ...string) *Makepkg {
	t.Helper()
	m := NewMakepkg(newTestFetcher(t, roots...), NewPacmanBuild(fake), zerolog.Nop())
	m.tempDir = t.TempDir()
	m.lookupIDs = func(string) (int, int, error) { return os.Getuid(), os.Getgid(), nil }
	return m
}

func writeRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return root
}

func TestParsePkgbuildName(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "plain", content: "pkgname=foo\n", want: "foo"},
		{name: "spaces", content: "pkgname = foo-bin\n", want: "foo-bin"},
		{name: "double quoted", content: "pkgname=\"foo-git\"\n", want: "foo-git"},
		{name: "single quoted", content: "pkgname='foo'\n", want: "foo"},
		{name: "not first line", content: testPkgbuild, want: "foo"},
		{name: "array takes the opening paren", content: "pkgname=(foo bar)\n", want: "(foo"},
		{name: "indented", content: "  pkgname=foo\n", want: ""},
		{name: "missing", content: "pkgver=1\n", want: ""},
		{name: "first wins", content: "pkgname=a\npkgname=b\n", want: "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParsePkgbuildName(tt.content); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMakepkg_GetPkgname(t *testing.T) {
	root := writeRoot(t, map[string]string{
		"pkgs/PKGBUILD":      testPkgbuild,
		"pkgs/PKGBUILD.tmpl": "pkgname={{ .name }}\n",
		"pkgs/empty":         "pkgver=1\n",
	})
	m := newTestMakepkg(t, runnertest.New(), root)
	ctx := context.Background()

	name, err := m.GetPkgname(ctx, "froyo://pkgs/PKGBUILD", fetch.FileManagedArgs{})
	if err != nil || name != "foo" {
		t.Errorf("expected foo, got %q (%v)", name, err)
	}

	name, err = m.GetPkgname(ctx, "froyo://pkgs/PKGBUILD.tmpl", fetch.FileManagedArgs{
		Template: "jinja",
		Context:  map[string]interface{}{"name": "templated"},
	})
	if err != nil || name != "templated" {
		t.Errorf("expected templated, got %q (%v)", name, err)
	}

	name, err = m.GetPkgname(ctx, "froyo://pkgs/empty", fetch.FileManagedArgs{})
	if err != nil || name != "" {
		t.Errorf("expected no name, got %q (%v)", name, err)
	}

	if _, err := m.GetPkgname(ctx, "froyo://pkgs/missing", fetch.FileManagedArgs{}); err == nil {
		t.Error("expected error for missing PKGBUILD")
	}
}

func TestMakepkg_IsInstalled(t *testing.T) {
	fake := runnertest.New().
		On("pacman --query --info foo", runnertest.Response{Stdout: "Name : foo\n"}).
		On("pacman --query --info bar", runnertest.Response{ExitCode: 1, Stderr: "error: package 'bar' was not found"})
	fake.User = "builder"
	m := newTestMakepkg(t, fake)

	if !m.IsInstalled(context.Background(), "foo") {
		t.Error("expected foo to be installed")
	}
	if m.IsInstalled(context.Background(), "bar") {
		t.Error("expected bar not to be installed")
	}
	if fake.CallOpts(0).Privileged {
		t.Error("expected pacman query to run as the build user")
	}
}

func TestMakepkg_InstalledArguments(t *testing.T) {
	m := newTestMakepkg(t, runnertest.New())
	ctx := context.Background()

	tests := []struct {
		name string
		opts BuildOptions
		want string
	}{
		{
			name: "both sources",
			opts: BuildOptions{Source: "froyo://x", UpstreamSource: "yay"},
			want: "Cannot specify both 'source' and 'upstream_source'",
		},
		{
			name: "no source",
			opts: BuildOptions{},
			want: "Must specify either 'source' or 'upstream_source'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Installed(ctx, tt.opts)
			if engine.Comment(err) != tt.want {
				t.Errorf("expected %q, got %v", tt.want, err)
			}
			if engine.CodeOf(err) != engine.ErrCodeInvalidArgument {
				t.Errorf("expected invocation error, got %s", engine.CodeOf(err))
			}
		})
	}
}

func TestMakepkg_Installed(t *testing.T) {
	root := writeRoot(t, map[string]string{
		"pkgs/foo/PKGBUILD":   testPkgbuild,
		"pkgs/noname":         "pkgver=1\n",
		"pkgs/foo/fix.patch":  "--- PKGBUILD\n+++ PKGBUILD\n",
		"pkgs/foo/bad.patch":  "garbage",
		"pkgs/foo/tmpl.patch": "pkgrel={{ .pkgrel }}\n",
	})

	notInstalled := runnertest.Response{ExitCode: 1, Stderr: "error: package was not found"}
	var patchContent string

	tests := []struct {
		name        string
		opts        BuildOptions
		setup       func(f *runnertest.Fake)
		wantErr     string
		wantKind    BuildKind
		wantMessage string
		check       func(t *testing.T, f *runnertest.Fake)
	}{
		{
			name: "already installed",
			opts: BuildOptions{Source: "froyo://pkgs/foo/PKGBUILD", InstallDeps: true, Check: true},
			setup: func(f *runnertest.Fake) {
				f.On("pacman --query --info foo", runnertest.Response{Stdout: "Name : foo"})
			},
			wantKind:    BuildAlreadyInstalled,
			wantMessage: "Package foo is already installed",
			check: func(t *testing.T, f *runnertest.Fake) {
				for _, c := range f.Calls() {
					if strings.HasPrefix(c, "makepkg") {
						t.Errorf("expected no build, got %s", c)
					}
				}
			},
		},
		{
			name: "newly installed",
			opts: BuildOptions{Source: "froyo://pkgs/foo/PKGBUILD", InstallDeps: true, Check: true},
			setup: func(f *runnertest.Fake) {
				f.On("pacman --query", notInstalled)
			},
			wantKind:    BuildNewlyInstalled,
			wantMessage: "Successfully built and installed foo",
			check: func(t *testing.T, f *runnertest.Fake) {
				calls := f.Calls()
				last := calls[len(calls)-1]
				if last != "makepkg --noconfirm --install --syncdeps" {
					t.Errorf("unexpected makepkg command %q", last)
				}
				opts := f.CallOpts(len(calls) - 1)
				if opts.Privileged || opts.Cwd == "" {
					t.Errorf("expected makepkg to run as build user in the build dir, got %+v", opts)
				}
			},
		},
		{
			name: "no deps no check",
			opts: BuildOptions{Source: "froyo://pkgs/foo/PKGBUILD"},
			setup: func(f *runnertest.Fake) {
				f.On("pacman --query", notInstalled)
			},
			wantKind:    BuildNewlyInstalled,
			wantMessage: "Successfully built and installed foo",
			check: func(t *testing.T, f *runnertest.Fake) {
				calls := f.Calls()
				if last := calls[len(calls)-1]; last != "makepkg --noconfirm --install --nocheck" {
					t.Errorf("unexpected makepkg command %q", last)
				}
			},
		},
		{
			name: "build failure",
			opts: BuildOptions{Source: "froyo://pkgs/foo/PKGBUILD", InstallDeps: true, Check: true},
			setup: func(f *runnertest.Fake) {
				f.On("pacman --query", notInstalled)
				f.On("makepkg", runnertest.Response{ExitCode: 4, Stderr: "==> ERROR: A failure occurred in build()."})
			},
			wantKind:    BuildFailed,
			wantMessage: "Failed to build foo: ",
		},
		{
			name: "upstream source",
			opts: BuildOptions{UpstreamSource: "foo", InstallDeps: true, Check: true},
			setup: func(f *runnertest.Fake) {
				f.On("yay -Gp foo", runnertest.Response{Stdout: testPkgbuild})
				f.On("pacman --query", notInstalled)
			},
			wantKind:    BuildNewlyInstalled,
			wantMessage: "Successfully built and installed foo",
		},
		{
			name: "upstream download fails",
			opts: BuildOptions{UpstreamSource: "nope"},
			setup: func(f *runnertest.Fake) {
				f.On("yay -Gp nope", runnertest.Response{ExitCode: 1, Stderr: "no such package"})
			},
			wantErr: "Failed to download PKGBUILD for nope: ",
		},
		{
			name:    "no pkgname",
			opts:    BuildOptions{Source: "froyo://pkgs/noname"},
			wantErr: "Could not parse package name from PKGBUILD",
		},
		{
			name:    "missing source",
			opts:    BuildOptions{Source: "froyo://pkgs/missing"},
			wantErr: "Error retrieving/rendering froyo://pkgs/missing",
		},
		{
			name: "patches",
			opts: BuildOptions{
				Source:  "froyo://pkgs/foo/PKGBUILD",
				Patches: []string{"froyo://pkgs/foo/fix.patch", "froyo://pkgs/foo/fix.patch"},
			},
			setup: func(f *runnertest.Fake) {
				f.On("pacman --query --info", notInstalled)
				f.On("pacman --query --info bar", runnertest.Response{ExitCode: 1})
				f.On("patch -p0", runnertest.Response{Do: func(cmd string, opts runner.Options) {
					fields := strings.Fields(cmd)
					_ = os.WriteFile(fields[2], []byte("pkgname=bar\n"), 0644)
				}})
			},
			wantKind:    BuildNewlyInstalled,
			wantMessage: "Successfully built and installed bar",
			check: func(t *testing.T, f *runnertest.Fake) {
				var patches []string
				for i, c := range f.Calls() {
					if strings.HasPrefix(c, "patch -p0") {
						patches = append(patches, c)
						if !f.CallOpts(i).Privileged {
							t.Errorf("expected patch to run privileged")
						}
					}
				}
				if len(patches) != 2 {
					t.Fatalf("expected 2 patch runs, got %v", patches)
				}
				if !strings.HasSuffix(patches[0], "patch_0.patch") || !strings.HasSuffix(patches[1], "patch_1.patch") {
					t.Errorf("expected patches to be numbered by index, got %v", patches)
				}
			},
		},
		{
			name: "templated patch",
			opts: BuildOptions{
				Source:  "froyo://pkgs/foo/PKGBUILD",
				Patches: []string{"froyo://pkgs/foo/tmpl.patch"},
				File:    fetch.FileManagedArgs{Template: "go", Context: map[string]interface{}{"pkgrel": 2}},
			},
			setup: func(f *runnertest.Fake) {
				f.On("patch -p0", runnertest.Response{Do: func(cmd string, opts runner.Options) {
					data, _ := os.ReadFile(strings.Fields(cmd)[4])
					patchContent = string(data)
				}})
			},
			wantKind:    BuildAlreadyInstalled,
			wantMessage: "Package foo is already installed",
			check: func(t *testing.T, f *runnertest.Fake) {
				if patchContent != "pkgrel=2\n" {
					t.Errorf("expected rendered patch, got %q", patchContent)
				}
			},
		},
		{
			name: "patch fails",
			opts: BuildOptions{
				Source:  "froyo://pkgs/foo/PKGBUILD",
				Patches: []string{"froyo://pkgs/foo/bad.patch"},
			},
			setup: func(f *runnertest.Fake) {
				f.On("patch -p0", runnertest.Response{ExitCode: 1, Stderr: "malformed patch"})
			},
			wantErr: "Failed to apply patch froyo://pkgs/foo/bad.patch: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runnertest.New()
			if tt.setup != nil {
				tt.setup(fake)
			}
			m := newTestMakepkg(t, fake, root)

			outcome, err := m.Installed(context.Background(), tt.opts)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error, got %+v", outcome)
				}
				if !strings.HasPrefix(engine.Comment(err), tt.wantErr) {
					t.Errorf("expected error starting with %q, got %q", tt.wantErr, engine.Comment(err))
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if outcome.Kind != tt.wantKind {
					t.Errorf("expected kind %s, got %s", tt.wantKind, outcome.Kind)
				}
				if outcome.Success != (tt.wantKind != BuildFailed) {
					t.Errorf("unexpected success %v for %s", outcome.Success, outcome.Kind)
				}
				if !strings.HasPrefix(outcome.Message, tt.wantMessage) {
					t.Errorf("expected message starting with %q, got %q", tt.wantMessage, outcome.Message)
				}
			}
			if tt.check != nil {
				tt.check(t, fake)
			}

			entries, _ := os.ReadDir(m.tempDir)
			if len(entries) != 0 {
				t.Errorf("expected build directory to be removed, found %d entries", len(entries))
			}
		})
	}
}

func TestMakepkg_BuildUser(t *testing.T) {
	root := writeRoot(t, map[string]string{"PKGBUILD": testPkgbuild})
	fake := runnertest.New().On("pacman --query", runnertest.Response{ExitCode: 1})
	fake.User = "builder"
	m := newTestMakepkg(t, fake, root)

	var chowned []string
	m.chown = func(path string, uid, gid int) error {
		chowned = append(chowned, path)
		return nil
	}

	outcome, err := m.Installed(context.Background(), BuildOptions{Source: "froyo://PKGBUILD", InstallDeps: true, Check: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != BuildNewlyInstalled {
		t.Fatalf("expected newly installed, got %+v", outcome)
	}
	if len(chowned) != 1 || !strings.HasPrefix(filepath.Base(chowned[0]), "makepkg-") {
		t.Errorf("expected build dir to be chowned, got %v", chowned)
	}

	var recursive string
	for i, c := range fake.Calls() {
		if strings.HasPrefix(c, "chown -R") {
			recursive = c
			if !fake.CallOpts(i).Privileged {
				t.Error("expected chown to run privileged")
			}
		}
	}
	if recursive != "chown -R builder:builder "+chowned[0] {
		t.Errorf("unexpected recursive chown %q", recursive)
	}
}
