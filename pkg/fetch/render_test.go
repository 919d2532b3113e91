package fetch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/archstate/pkg/engine"
)

func TestExtractFileManagedArgs(t *testing.T) {
	args := ExtractFileManagedArgs(map[string]interface{}{
		"source":         "froyo://pkgs/PKGBUILD",
		"template":       "jinja",
		"context":        map[string]interface{}{"pkgver": "1.2"},
		"defaults":       map[string]interface{}{"pkgrel": 1},
		"env":            "dev",
		"context_script": "arch = 'x86_64'",
		"user":           "builder",
		"template_extra": 3,
	})

	if args.Source != "froyo://pkgs/PKGBUILD" || args.Template != "jinja" || args.Env != "dev" {
		t.Errorf("unexpected args %+v", args)
	}
	if args.Context["pkgver"] != "1.2" || args.Defaults["pkgrel"] != 1 {
		t.Errorf("unexpected context/defaults %+v", args)
	}
	if args.ContextScript != "arch = 'x86_64'" {
		t.Errorf("unexpected context script %q", args.ContextScript)
	}

	empty := ExtractFileManagedArgs(map[string]interface{}{"context": "not a map"})
	if empty.Context != nil || empty.Source != "" {
		t.Errorf("expected wrong types to be ignored, got %+v", empty)
	}
}

func TestGetManagedFileContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkgs", "PKGBUILD"),
		[]byte("pkgname={{ .name }}\npkgver={{ .version }}\narch=({{ .arch }})\n"))
	writeFile(t, filepath.Join(root, "pkgs", "raw"), []byte("pkgname={{ .name }}\n"))
	writeFile(t, filepath.Join(root, "pkgs", "funcs"),
		[]byte(`depends=({{ join (list .deps) " " }}) {{ upper .name }} {{ default "none" .empty }}`))

	f := newTestFetcher(t, root)
	ctx := context.Background()

	tests := []struct {
		name    string
		source  string
		args    FileManagedArgs
		want    string
		wantErr string
	}{
		{
			name:   "raw content",
			source: "froyo://pkgs/raw",
			want:   "pkgname={{ .name }}\n",
		},
		{
			name:   "context overrides script overrides defaults",
			source: "froyo://pkgs/PKGBUILD",
			args: FileManagedArgs{
				Template:      "go",
				Defaults:      map[string]interface{}{"name": "default-name", "version": "0.1", "arch": "any"},
				ContextScript: "arch = 'x86_64'\nversion = 'from-script'\n",
				Context:       map[string]interface{}{"version": "1.2"},
			},
			want: "pkgname=default-name\npkgver=1.2\narch=(x86_64)\n",
		},
		{
			name:   "script sees context",
			source: "froyo://pkgs/PKGBUILD",
			args: FileManagedArgs{
				Template:      "jinja",
				Context:       map[string]interface{}{"name": "foo", "version": "2"},
				ContextScript: "arch = name + '-arch'\n",
			},
			want: "pkgname=foo\npkgver=2\narch=(foo-arch)\n",
		},
		{
			name:   "template funcs",
			source: "froyo://pkgs/funcs",
			args: FileManagedArgs{
				Template: "go",
				Context: map[string]interface{}{
					"deps":  []interface{}{"glibc", "zlib"},
					"name":  "foo",
					"empty": "",
				},
			},
			want: "depends=(glibc zlib) FOO none",
		},
		{
			name:    "unsupported engine",
			source:  "froyo://pkgs/PKGBUILD",
			args:    FileManagedArgs{Template: "mako"},
			wantErr: "Error retrieving/rendering froyo://pkgs/PKGBUILD: Unsupported template engine: mako",
		},
		{
			name:    "missing key",
			source:  "froyo://pkgs/PKGBUILD",
			args:    FileManagedArgs{Template: "go", Context: map[string]interface{}{"name": "foo"}},
			wantErr: "Error retrieving/rendering froyo://pkgs/PKGBUILD: failed to render template",
		},
		{
			name:    "missing source file",
			source:  "froyo://pkgs/missing",
			wantErr: "Error retrieving/rendering froyo://pkgs/missing: froyo://pkgs/missing not found in file_roots",
		},
		{
			name:    "bad context script",
			source:  "froyo://pkgs/PKGBUILD",
			args:    FileManagedArgs{Template: "go", ContextScript: "x = ("},
			wantErr: "Error retrieving/rendering froyo://pkgs/PKGBUILD: context_script",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.GetManagedFileContent(ctx, tt.source, tt.args)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if !strings.HasPrefix(engine.Comment(err), tt.wantErr) {
					t.Errorf("expected comment starting with %q, got %q", tt.wantErr, engine.Comment(err))
				}
				if engine.CodeOf(err) != engine.ErrCodeInvalidArgument {
					t.Errorf("expected invocation error, got %s", engine.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRender(t *testing.T) {
	got, err := Render("t", `{{ replace "-" "_" .name }} {{ quote .n }} {{ lower "ABC" }} {{ trimSpace "  x " }}`,
		map[string]interface{}{"name": "a-b", "n": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `a_b "3" abc x` {
		t.Errorf("unexpected render %q", got)
	}

	if _, err := Render("t", "{{ .x ", nil); err == nil || !strings.Contains(err.Error(), "failed to parse template") {
		t.Errorf("expected parse error, got %v", err)
	}
}
