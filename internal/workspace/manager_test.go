package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOutputName(t *testing.T) {
	tests := []struct {
		url  string
		name string
		want string
	}{
		{"https://cdn.example.com/video/master.m3u8", "", "master.mp4"},
		{"https://cdn.example.com/video/master.m3u8?token=1", "", "master.mp4"},
		{"https://cdn.example.com/video/stream", "", "stream.mp4"},
		{"https://cdn.example.com/video/master.m3u8", "episode 1", "episode 1.mp4"},
		{"https://cdn.example.com/video/master.m3u8", "episode.mkv", "episode.mkv"},
		{"https://cdn.example.com/video/master.m3u8", "../../etc/evil.mp4", "evil.mp4"},
	}

	for _, tt := range tests {
		if got := OutputName(tt.url, tt.name); got != tt.want {
			t.Errorf("OutputName(%q, %q) = %q, want %q", tt.url, tt.name, got, tt.want)
		}
	}
}

func TestWorkspace_Layout(t *testing.T) {
	root := t.TempDir()
	ws, err := New(filepath.Join(root, "videos"), filepath.Join(root, "tmp_files"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	dir, err := ws.EnsureJobDir("show.mp4")
	if err != nil {
		t.Fatalf("EnsureJobDir() error: %v", err)
	}
	if dir != filepath.Join(root, "tmp_files", "show.mp4") {
		t.Errorf("job dir = %q", dir)
	}
	if ws.OutputPath("show.mp4") != filepath.Join(root, "videos", "show.mp4") {
		t.Errorf("output path = %q", ws.OutputPath("show.mp4"))
	}

	seg := filepath.Join(dir, "seg.ts")
	if FileExists(seg) {
		t.Error("FileExists() true before write")
	}
	if err := os.WriteFile(seg, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !FileExists(seg) {
		t.Error("FileExists() false after write")
	}
	if FileExists(dir) {
		t.Error("FileExists() true for a directory")
	}

	if err := ws.RemoveJobDir("show.mp4"); err != nil {
		t.Fatalf("RemoveJobDir() error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("job dir still exists: %v", err)
	}
}
