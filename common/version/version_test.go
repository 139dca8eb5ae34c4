package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	want := Version + " (" + GitCommit + ") built at " + BuildTime
	if got := Info(); got != want {
		t.Errorf("Info: got %q, want %q", got, want)
	}
}

func TestBanner(t *testing.T) {
	got := Banner("kotoba")
	for _, part := range []string{"kotoba\n", "Version: " + Version, "Commit: " + GitCommit, "Build Time: " + BuildTime} {
		if !strings.Contains(got, part) {
			t.Errorf("Banner: %q missing %q", got, part)
		}
	}
}
