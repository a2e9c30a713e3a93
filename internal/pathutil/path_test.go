package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeResourceCollidesEquivalentSpellings(t *testing.T) {
	spellings := []string{
		"docs/Guide.md",
		"/docs/guide.md",
		"\\docs\\GUIDE.md",
		"./docs//guide.md",
		"docs/./Guide.MD",
	}
	want := "docs/guide.md"
	for _, raw := range spellings {
		got, err := NormalizeResource(raw)
		if err != nil {
			t.Fatalf("NormalizeResource(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("NormalizeResource(%q) = %q want %q", raw, got, want)
		}
	}
}

func TestNormalizeResourceFoldsUnicode(t *testing.T) {
	a, err := NormalizeResource("DOCS/ÄRGER.md")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NormalizeResource("docs/ärger.md")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected unicode case folding to collide, got %q and %q", a, b)
	}
}

func TestCleanResourceRejectsEscapesAndEmpty(t *testing.T) {
	for _, raw := range []string{"", "/", "../etc/passwd", "docs/../../x.md", "  "} {
		if _, err := CleanResource(raw); !errors.Is(err, ErrInvalidResource) {
			t.Fatalf("CleanResource(%q) err=%v want ErrInvalidResource", raw, err)
		}
	}
	got, err := CleanResource("/Docs/Guide.md")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Docs/Guide.md" {
		t.Fatalf("expected case preserved, got %q", got)
	}
}

func TestNormalizePage(t *testing.T) {
	cases := map[string]string{
		"/docs/x":   "/docs/x",
		"docs/x/":   "/docs/x",
		"//docs//x": "/docs/x",
		"":          "/",
		"/Docs/X":   "/Docs/X",
	}
	for in, want := range cases {
		if got := NormalizePage(in); got != want {
			t.Fatalf("NormalizePage(%q) = %q want %q", in, got, want)
		}
	}
}

func TestExpandUserAndEnv(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := ExpandUserAndEnv("~/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "repo") {
		t.Fatalf("unexpected expansion %q", got)
	}
	t.Setenv("SCRIBED_TEST_DIR", "/srv/docs")
	got, err = ExpandUserAndEnv("$SCRIBED_TEST_DIR/site")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/srv/docs/site" {
		t.Fatalf("unexpected env expansion %q", got)
	}
}
