package advertisement_test

import (
	"bytes"
	"testing"

	"github.com/gitmirror/smart-proxy/internal/advertisement"
	"github.com/gitmirror/smart-proxy/internal/pktline"
	"github.com/gitmirror/smart-proxy/internal/refparse"
)

func TestBuildLayoutMatchesProtocolV0(t *testing.T) {
	syms := []refparse.SymRef{{Target: "refs/heads/main", Source: "HEAD"}}
	resolved := []refparse.ResolvedRef{
		{ObjectID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", RefName: "HEAD"},
		{ObjectID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", RefName: "refs/heads/main"},
	}

	body, refs := advertisement.Build(syms, resolved)

	pkts, remainder, err := pktline.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(remainder) != 0 {
		t.Fatalf("expected no remainder, got %d bytes", len(remainder))
	}

	if len(pkts) != 5 {
		t.Fatalf("expected 5 pkts (service, flush, 2 refs, flush), got %d", len(pkts))
	}
	if pkts[0].Kind != pktline.KindData || string(pkts[0].Payload) != "# service=git-upload-pack\n" {
		t.Fatalf("unexpected service pkt: %+v", pkts[0])
	}
	if pkts[1].Kind != pktline.KindFlush {
		t.Fatalf("expected flush after service announce")
	}

	first := string(pkts[2].Payload)
	wantPrefix := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa HEAD\x00" + advertisement.Capabilities
	if !bytes.HasPrefix([]byte(first), []byte(wantPrefix)) {
		t.Fatalf("first ref line missing capabilities: %q", first)
	}
	if !bytes.Contains([]byte(first), []byte("symref=HEAD:refs/heads/main")) {
		t.Fatalf("first ref line missing symref clause: %q", first)
	}

	second := string(pkts[3].Payload)
	if second != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa refs/heads/main\n" {
		t.Fatalf("unexpected second ref line: %q", second)
	}

	if pkts[4].Kind != pktline.KindFlush {
		t.Fatalf("expected trailing flush")
	}

	if refs["aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"] != "refs/heads/main" {
		t.Fatalf("expected refmap to retain the last ref for a shared objid, got %q", refs["aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"])
	}
}

func TestBuildEmptyRepoHasNoRefLines(t *testing.T) {
	body, refs := advertisement.Build(nil, nil)
	pkts, _, err := pktline.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pkts) != 3 {
		t.Fatalf("expected service + 2 flushes, got %d", len(pkts))
	}
	if len(refs) != 0 {
		t.Fatalf("expected empty refmap, got %d entries", len(refs))
	}
}
