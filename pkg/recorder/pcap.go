package recorder

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"github.com/cuemby/miel/pkg/types"
)

// pcapSnapLen is the snapshot length written into the pcap file header;
// session payload chunks are rarely larger than this. EncodePCAP does not
// truncate: a larger chunk is still written whole, so its record exceeds
// the header's snapshot length.
const pcapSnapLen = 65536

// EncodePCAP renders chunks as a standard pcap byte stream, one packet per
// chunk, using the raw-link DLT so each packet's payload is exactly the
// chunk's bytes with no synthetic Ethernet/IP framing — miel captures at
// the PTY/pipe byte-stream layer, not the wire, so there is no L2/L3 to
// reconstruct. This is the same pcapgo.NewWriter/WriteFileHeader/
// WritePacket sequence sandia-minimega's bridge capture uses for live
// traffic, retargeted at already-buffered session chunks.
func EncodePCAP(chunks []types.Chunk) ([]byte, error) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(pcapSnapLen, gopacket.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap file header: %w", err)
	}

	for _, c := range chunks {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(0, c.TimestampNS).UTC(),
			CaptureLength: len(c.Data),
			Length:        len(c.Data),
		}
		if err := w.WritePacket(ci, c.Data); err != nil {
			return nil, fmt.Errorf("write pcap packet: %w", err)
		}
	}
	return buf.Bytes(), nil
}
