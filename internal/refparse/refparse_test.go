package refparse_test

import (
	"strings"
	"testing"

	"github.com/gitmirror/smart-proxy/internal/refparse"
)

const sample = "ref: refs/heads/main\tHEAD\n" +
	"abc1230000000000000000000000000000000000\tHEAD\n" +
	"abc1230000000000000000000000000000000000\trefs/heads/main\n" +
	"def4560000000000000000000000000000000000\trefs/heads/dev\n"

func TestParseSplitsSymrefsAndResolved(t *testing.T) {
	syms, resolved, err := refparse.Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(syms) != 1 {
		t.Fatalf("expected 1 symref, got %d", len(syms))
	}
	if syms[0].Target != "refs/heads/main" || syms[0].Source != "HEAD" {
		t.Fatalf("unexpected symref: %+v", syms[0])
	}
	if len(resolved) != 3 {
		t.Fatalf("expected 3 resolved refs, got %d", len(resolved))
	}
	wantOrder := []string{"HEAD", "refs/heads/main", "refs/heads/dev"}
	for i, want := range wantOrder {
		if resolved[i].RefName != want {
			t.Fatalf("resolved[%d] = %q, want %q", i, resolved[i].RefName, want)
		}
	}
}

func TestParseEveryLineYieldsExactlyOneRecord(t *testing.T) {
	syms, resolved, err := refparse.Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	lines := strings.Count(sample, "\n")
	if len(syms)+len(resolved) != lines {
		t.Fatalf("expected %d total records, got %d", lines, len(syms)+len(resolved))
	}
}

func TestParseRejectsMissingTab(t *testing.T) {
	_, _, err := refparse.Parse(strings.NewReader("not-a-valid-line\n"))
	if err == nil {
		t.Fatal("expected error for line without a tab separator")
	}
}
