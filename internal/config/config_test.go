package config

import (
	"errors"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/ptysession/ptysession"
)

func newConfigPathForSaveTest(t *testing.T, elems ...string) string {
	t.Helper()
	localAppData := t.TempDir()
	t.Setenv("LOCALAPPDATA", localAppData)
	t.Setenv("APPDATA", "")

	defaultPath := DefaultPath()

	return filepath.Join(filepath.Dir(defaultPath), filepath.Join(elems...))
}

func TestPathWithinDir(t *testing.T) {
	baseDir := t.TempDir()
	configDir := filepath.Join(baseDir, "config")

	tests := []struct {
		name string
		path string
		dir  string
		want bool
	}{
		{name: "same path", path: configDir, dir: configDir, want: true},
		{name: "subdirectory path", path: filepath.Join(configDir, "sub", "config.yaml"), dir: configDir, want: true},
		{name: "traversal path", path: filepath.Join(configDir, "..", "outside.yaml"), dir: configDir, want: false},
		{name: "different path", path: filepath.Join(baseDir, "other", "config.yaml"), dir: configDir, want: false},
	}
	if runtime.GOOS == "windows" {
		tests = append(tests, struct {
			name string
			path string
			dir  string
			want bool
		}{name: "different drive", path: `D:\outside\config.yaml`, dir: `C:\inside`, want: false})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pathWithinDir(tt.path, tt.dir)
			if got != tt.want {
				t.Fatalf("pathWithinDir(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultDefaults()) {
		t.Fatalf("Load on missing file = %+v, want defaults %+v", cfg, DefaultDefaults())
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	want := Defaults{
		Cols:         120,
		Rows:         30,
		Backend:      "winpty",
		MouseMode:    "force",
		AgentTimeout: "5s",
		AgentFlags:   []string{"color-escapes"},
	}

	saved, err := Save(path, want)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Cols != want.Cols || saved.Backend != want.Backend {
		t.Fatalf("Save returned %+v, want %+v", saved, want)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Cols != want.Cols || got.Rows != want.Rows || got.Backend != want.Backend ||
		got.MouseMode != want.MouseMode || got.AgentTimeout != want.AgentTimeout {
		t.Fatalf("Load after Save = %+v, want %+v", got, want)
	}
}

func TestSaveRejectsPathOutsideConfigDir(t *testing.T) {
	newConfigPathForSaveTest(t) // establishes LOCALAPPDATA/APPDATA env seam
	outside := filepath.Join(t.TempDir(), "elsewhere.yaml")

	if _, err := Save(outside, DefaultDefaults()); err == nil {
		t.Fatal("expected error saving outside config directory")
	}
}

func TestEnsureFileWritesDefaultsOnce(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")

	first, err := EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	if !reflect.DeepEqual(first, DefaultDefaults()) {
		t.Fatalf("EnsureFile first call = %+v, want defaults", first)
	}

	edited := first
	edited.Cols = 200
	if _, err := Save(path, edited); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second, err := EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	if second.Cols != 200 {
		t.Fatalf("EnsureFile second call did not preserve on-disk edit, got cols=%d", second.Cols)
	}
}

func TestToOptionsValidatesBackendAndMouseMode(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Defaults
		wantErr bool
	}{
		{name: "valid conpty", cfg: Defaults{Cols: 80, Rows: 40, Backend: "conpty", MouseMode: "none", AgentTimeout: "3s"}},
		{name: "valid winpty with flags", cfg: Defaults{Cols: 80, Rows: 40, Backend: "winpty", MouseMode: "auto", AgentTimeout: "3s", AgentFlags: []string{"allow-desktop-creation"}}},
		{name: "unknown backend", cfg: Defaults{Cols: 80, Rows: 40, Backend: "bogus", MouseMode: "none", AgentTimeout: "3s"}, wantErr: true},
		{name: "unknown mouse mode", cfg: Defaults{Cols: 80, Rows: 40, Backend: "conpty", MouseMode: "bogus", AgentTimeout: "3s"}, wantErr: true},
		{name: "unknown agent flag", cfg: Defaults{Cols: 80, Rows: 40, Backend: "winpty", MouseMode: "none", AgentTimeout: "3s", AgentFlags: []string{"bogus"}}, wantErr: true},
		{name: "bad duration", cfg: Defaults{Cols: 80, Rows: 40, Backend: "conpty", MouseMode: "none", AgentTimeout: "not-a-duration"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToOptions(tt.cfg)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestToOptionsMatchesLibraryDefaults(t *testing.T) {
	opts, err := ToOptions(DefaultDefaults())
	if err != nil {
		t.Fatalf("ToOptions: %v", err)
	}
	want := ptysession.DefaultOptions()
	if opts.Cols != want.Cols || opts.Rows != want.Rows || opts.Backend != want.Backend {
		t.Fatalf("ToOptions(DefaultDefaults()) = %+v, want geometry/backend matching %+v", opts, want)
	}
}

func TestValidateConfigPathRejectsEmpty(t *testing.T) {
	if _, err := validateConfigPath("   "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestValidateConfigPathPropagatesDirResolutionFailure(t *testing.T) {
	prev := defaultConfigDirFn
	t.Cleanup(func() { defaultConfigDirFn = prev })
	defaultConfigDirFn = func() (string, error) { return "", errors.New("boom") }

	if _, err := validateConfigPath(filepath.Join(t.TempDir(), "config.yaml")); err == nil {
		t.Fatal("expected error propagated from defaultConfigDirFn")
	}
}
