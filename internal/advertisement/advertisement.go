// Package advertisement synthesizes a protocol-v0 reference advertisement
// pkt-line stream from the resolved/symbolic refs parsed out of
// `git ls-remote --symref`, for the legacy v0/v1 frontend.
package advertisement

import (
	"fmt"

	"github.com/gitmirror/smart-proxy/internal/pktline"
	"github.com/gitmirror/smart-proxy/internal/refparse"
)

// Capabilities is the fixed capability string advertised on the first ref
// line, per spec §4.6.
const Capabilities = "multi_ack thin-pack side-band side-band-64k ofs-delta shallow deepen-since deepen-not deepen-relative no-progress include-tag multi_ack_detailed no-done object-format=sha1 agent=git/2.30.2"

// RefMap maps an advertised object-id to the ref-name that earned that
// object-id its place on the wire; used by the legacy POST handler to
// resolve `want <objid>` lines back to ref names.
type RefMap map[string]string

// Build renders the v0 advertisement for git-upload-pack from parsed
// symbolic and resolved refs, and returns the objid→refname map to cache
// alongside it.
//
// Layout (spec §4.6, §8):
//  1. Data pkt "# service=git-upload-pack\n"
//  2. Flush
//  3. for each resolved ref in order: "<objid> <ref>", with the first ref
//     additionally carrying a NUL byte, the capability string, and a
//     " symref=<source>:<target>" clause per sym-ref, then "\n"
//  4. Flush
func Build(syms []refparse.SymRef, resolved []refparse.ResolvedRef) (body []byte, refs RefMap) {
	pkts := []pktline.Pkt{
		pktline.Data([]byte("# service=git-upload-pack\n")),
		pktline.Flush,
	}
	refs = make(RefMap, len(resolved))

	for i, ref := range resolved {
		line := ref.ObjectID + " " + ref.RefName
		if i == 0 {
			line += "\x00" + Capabilities
			for _, s := range syms {
				line += fmt.Sprintf(" symref=%s:%s", s.Source, s.Target)
			}
		}
		line += "\n"
		pkts = append(pkts, pktline.Data([]byte(line)))
		refs[ref.ObjectID] = ref.RefName
	}
	pkts = append(pkts, pktline.Flush)

	return pktline.EncodeAll(pkts), refs
}
