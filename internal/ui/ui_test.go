package ui

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/steveyegge/ghsync/internal/schema"
)

func TestUsers_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Users([]schema.Record{
		{ID: 1, Login: "mojombo", Kind: schema.KindIndividual},
		{ID: 44, Login: "errfree", Kind: schema.KindOrganization, Viewed: true, Note: "org"},
	})

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Errorf("Expected no escape codes for a non-terminal writer: %q", out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "mojombo") || !strings.Contains(lines[0], "individual") {
		t.Errorf("Unexpected first line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "organization") || !strings.Contains(lines[1], "●✎") {
		t.Errorf("Expected viewed and note markers: %q", lines[1])
	}
}

func TestUsers_Empty(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).Users(nil)

	if !strings.Contains(buf.String(), "no users") {
		t.Errorf("Expected empty marker, got %q", buf.String())
	}
}

func TestUser_Card(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.User(&schema.Record{ID: 2, Login: "defunkt", Kind: schema.KindIndividual})
	if !strings.Contains(buf.String(), "details not fetched yet") {
		t.Errorf("Expected unfetched hint, got %q", buf.String())
	}

	buf.Reset()
	p.User(&schema.Record{ID: 2, Login: "defunkt", Name: "Chris", PublicRepos: 107, Viewed: true, Note: "hi"})
	out := buf.String()
	for _, want := range []string{"Chris", "107", "hi"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in card: %q", want, out)
		}
	}
}

func TestMessages(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Success("saved %d", 1)
	p.Warn("showing cached data")
	p.Error("no internet connection")
	p.KeyValue([2]string{"users", "30"}, [2]string{"viewed", "2"})

	out := buf.String()
	for _, want := range []string{"✓ saved 1", "! showing cached data", "✗ no internet connection", "users   30"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output: %q", want, out)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:             "0 B",
		1023:          "1023 B",
		1024:          "1.0 KiB",
		32 << 20:      "32.0 MiB",
		3 * (1 << 30): "3.0 GiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestIsInteractive_File(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp() failed: %v", err)
	}
	defer f.Close()

	if IsInteractive(f) {
		t.Error("A regular file is not a terminal")
	}
}
