package paths

import (
	"path/filepath"
	"testing"
)

func TestDataDirDefaultsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvDataDir, "")
	if got := DataDir(); got != filepath.Join(home, ".sparkbridge") {
		t.Fatalf("unexpected data dir: %q", got)
	}
}

func TestDataDirExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvDataDir, "~/spark/data")
	want := filepath.Join(home, "spark", "data")
	if got := DataDir(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestLogsDirFollowsDataDir(t *testing.T) {
	data := t.TempDir()
	t.Setenv(EnvDataDir, data)
	t.Setenv(EnvLogDir, "")
	if got := LogsDir(); got != filepath.Join(data, "logs") {
		t.Fatalf("unexpected logs dir: %q", got)
	}
}

func TestLogsDirOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvLogDir, "~")
	if got := LogsDir(); got != home {
		t.Fatalf("expected %q, got %q", home, got)
	}
}

func TestProfileDir(t *testing.T) {
	data := t.TempDir()
	t.Setenv(EnvDataDir, data)
	if got := ProfileDir("spark-ai-chat"); got != filepath.Join(data, "profiles", "spark-ai-chat") {
		t.Fatalf("unexpected profile dir: %q", got)
	}
	if got := ProfileDir(" "); got != filepath.Join(data, "profiles", "default") {
		t.Fatalf("unexpected blank profile dir: %q", got)
	}
}
