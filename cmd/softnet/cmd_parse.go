package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/qxcheng/softnet/protocol/header"
)

var jsonOutput bool

func newParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <hex>...",
		Short: "Decode an IPv4 header",
		Long: `Decode an IPv4 packet given as hex. Spaces and colons are ignored,
so several arguments are joined.

  softnet parse 4500001400014000400600 00c0a80101c0a80102
  softnet parse --json "45 00 00 14 ..."`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := decodeHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			pkt, err := header.ParseIPv4(b)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(packetJSON(pkt))
			}
			printPacket(cmd.OutOrStdout(), pkt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}

func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding hex")
	}
	return b, nil
}

type packetView struct {
	Version        uint8  `json:"version"`
	IHL            uint8  `json:"ihl"`
	Precedence     uint8  `json:"precedence"`
	Delay          bool   `json:"delay"`
	Throughput     bool   `json:"throughput"`
	Reliability    bool   `json:"reliability"`
	TotalLength    uint16 `json:"total_length"`
	ID             uint16 `json:"id"`
	DontFragment   bool   `json:"df"`
	MoreFragments  bool   `json:"mf"`
	FragmentOffset uint16 `json:"offset"`
	TTL            uint8  `json:"ttl"`
	Protocol       uint32 `json:"protocol"`
	Checksum       string `json:"checksum"`
	Src            string `json:"src"`
	Dst            string `json:"dst"`
	Options        string `json:"options,omitempty"`
	Payload        string `json:"payload,omitempty"`
}

func packetJSON(p *header.IPv4Packet) packetView {
	return packetView{
		Version:        p.Version,
		IHL:            p.IHL,
		Precedence:     p.Precedence,
		Delay:          p.Delay,
		Throughput:     p.Throughput,
		Reliability:    p.Reliability,
		TotalLength:    p.TotalLength,
		ID:             p.ID,
		DontFragment:   p.DontFragment,
		MoreFragments:  p.MoreFragments,
		FragmentOffset: p.FragmentOffset,
		TTL:            p.TTL,
		Protocol:       uint32(p.Protocol),
		Checksum:       fmt.Sprintf("0x%04x", p.Checksum),
		Src:            p.SrcAddr.String(),
		Dst:            p.DstAddr.String(),
		Options:        hex.EncodeToString(p.Options),
		Payload:        hex.EncodeToString(p.Payload),
	}
}

func protocolName(n uint32) string {
	switch n {
	case uint32(header.ICMPv4ProtocolNumber):
		return "icmp"
	case uint32(header.TCPProtocolNumber):
		return "tcp"
	case uint32(header.UDPProtocolNumber):
		return "udp"
	}
	return "unknown"
}

func printPacket(w io.Writer, p *header.IPv4Packet) {
	v := packetJSON(p)
	fmt.Fprintf(w, "version:     %d\n", v.Version)
	fmt.Fprintf(w, "ihl:         %d (%d bytes)\n", v.IHL, int(v.IHL)*4)
	fmt.Fprintf(w, "tos:         precedence=%d delay=%t throughput=%t reliability=%t\n",
		v.Precedence, v.Delay, v.Throughput, v.Reliability)
	fmt.Fprintf(w, "total len:   %d\n", v.TotalLength)
	fmt.Fprintf(w, "id:          %d\n", v.ID)
	fmt.Fprintf(w, "flags:       df=%t mf=%t offset=%d\n", v.DontFragment, v.MoreFragments, v.FragmentOffset)
	fmt.Fprintf(w, "ttl:         %d\n", v.TTL)
	fmt.Fprintf(w, "protocol:    %d (%s)\n", v.Protocol, protocolName(v.Protocol))
	fmt.Fprintf(w, "checksum:    %s\n", v.Checksum)
	fmt.Fprintf(w, "src:         %s\n", v.Src)
	fmt.Fprintf(w, "dst:         %s\n", v.Dst)
	if v.Options != "" {
		fmt.Fprintf(w, "options:     %s\n", v.Options)
	}
	fmt.Fprintf(w, "payload:     %d bytes\n", len(p.Payload))
}
