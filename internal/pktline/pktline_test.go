package pktline_test

import (
	"bytes"
	"testing"

	"github.com/gitmirror/smart-proxy/internal/pktline"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []pktline.Pkt{
		pktline.Data([]byte("hello\n")),
		pktline.Flush,
		pktline.Delimiter,
		pktline.ResponseEnd,
		pktline.Data([]byte("")),
	}
	for _, p := range cases {
		wire := pktline.Encode(p)
		pkts, remainder, err := pktline.Decode(wire)
		if err != nil {
			t.Fatalf("decode(%q): %v", wire, err)
		}
		if len(remainder) != 0 {
			t.Fatalf("expected empty remainder, got %q", remainder)
		}
		if len(pkts) != 1 || pkts[0].Kind != p.Kind || !bytes.Equal(pkts[0].Payload, p.Payload) {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", pkts, p)
		}
	}
}

func TestDecodeResumable(t *testing.T) {
	full := pktline.EncodeAll([]pktline.Pkt{
		pktline.Data([]byte("command=ls-refs\n")),
		pktline.Data([]byte("ref-prefix refs/heads/\n")),
		pktline.Flush,
	})
	for split := 0; split <= len(full); split++ {
		b1, b2 := full[:split], full[split:]
		ps1, t1, err := pktline.Decode(b1)
		if err != nil {
			t.Fatalf("split %d: decode b1: %v", split, err)
		}
		ps2, t2, err := pktline.Decode(append(append([]byte{}, t1...), b2...))
		if err != nil {
			t.Fatalf("split %d: decode b2: %v", split, err)
		}
		all := append(append([]pktline.Pkt{}, ps1...), ps2...)
		wantPkts, wantTail, err := pktline.Decode(full)
		if err != nil {
			t.Fatalf("decode full: %v", err)
		}
		if len(all) != len(wantPkts) {
			t.Fatalf("split %d: got %d pkts, want %d", split, len(all), len(wantPkts))
		}
		for i := range all {
			if all[i].Kind != wantPkts[i].Kind || !bytes.Equal(all[i].Payload, wantPkts[i].Payload) {
				t.Fatalf("split %d: pkt %d mismatch: got %+v, want %+v", split, i, all[i], wantPkts[i])
			}
		}
		if !bytes.Equal(t2, wantTail) {
			t.Fatalf("split %d: tail mismatch: got %q, want %q", split, t2, wantTail)
		}
	}
}

func TestDecodeTruncatedFrameIsRemainder(t *testing.T) {
	payload := pktline.Encode(pktline.Data([]byte("abcdef")))
	truncated := payload[:len(payload)-2]
	pkts, remainder, err := pktline.Decode(truncated)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pkts) != 0 {
		t.Fatalf("expected no complete pkts, got %d", len(pkts))
	}
	if !bytes.Equal(remainder, truncated) {
		t.Fatalf("expected remainder to equal input, got %q", remainder)
	}
}

func TestDecodeMalformedLengthPrefix(t *testing.T) {
	_, _, err := pktline.Decode([]byte("zzzzhello"))
	if err == nil {
		t.Fatal("expected error for malformed hex length prefix")
	}
}

func TestEncodeLengthPrefixExact(t *testing.T) {
	p := pktline.Data([]byte("# service=git-upload-pack\n"))
	wire := pktline.Encode(p)
	if string(wire[:4]) != "001e" {
		t.Fatalf("expected length prefix 001e, got %q", wire[:4])
	}
}

func TestEncodeOverlongPayloadPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for overlong payload")
		}
	}()
	pktline.Encode(pktline.Data(make([]byte, pktline.MaxPayload+1)))
}

func TestDecodeConcatThenEncodeEqualsOriginal(t *testing.T) {
	full := pktline.EncodeAll([]pktline.Pkt{
		pktline.Data([]byte("a")),
		pktline.Data([]byte("bb")),
		pktline.Flush,
	})
	pkts, remainder, err := pktline.Decode(full)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reencoded := append(pktline.EncodeAll(pkts), remainder...)
	if !bytes.Equal(reencoded, full) {
		t.Fatalf("re-encoded mismatch: got %q, want %q", reencoded, full)
	}
}
