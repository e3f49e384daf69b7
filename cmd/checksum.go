package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"firestige.xyz/pktforge/internal/core"
	"firestige.xyz/pktforge/internal/ipv4"
	"firestige.xyz/pktforge/internal/packet"
	"firestige.xyz/pktforge/internal/pipeline"
	tcpproto "firestige.xyz/pktforge/internal/protocol/tcp"
)

var (
	checksumInput   string
	checksumOutput  string
	checksumVerbose bool
)

var checksumCmd = &cobra.Command{
	Use:   "checksum",
	Short: "Verify IPv4 and TCP checksums in a capture file",
	Long: `Verify the IPv4 header and TCP checksums of every frame in a capture
file. With -o the frames are written out with bad checksums recomputed.

Examples:
  pktforge checksum -i in.pcap
  pktforge checksum -i in.pcap -o fixed.pcap -v`,
	Run: func(cmd *cobra.Command, args []string) {
		src, err := pipeline.OpenFile(checksumInput)
		if err != nil {
			exitWithError("failed to open input", err)
		}
		defer src.Close()

		var sink *pipeline.FileSink
		if checksumOutput != "" {
			sink, err = pipeline.CreateFile(checksumOutput, src.LinkType(), 262144)
			if err != nil {
				exitWithError("failed to create output", err)
			}
		}

		var report checksumReport
		if sink != nil {
			report, err = runChecksum(os.Stdout, src, sink, checksumVerbose)
			if cerr := sink.Close(); err == nil {
				err = cerr
			}
		} else {
			report, err = runChecksum(os.Stdout, src, nil, checksumVerbose)
		}
		if err != nil {
			exitWithError("checksum failed", err)
		}
		fmt.Println(report)
		if report.BadIP+report.BadTCP > 0 && sink == nil {
			os.Exit(2)
		}
	},
}

func init() {
	checksumCmd.Flags().StringVarP(&checksumInput, "input", "i", "", "capture file to check")
	checksumCmd.Flags().StringVarP(&checksumOutput, "output", "o", "", "write frames with fixed checksums")
	checksumCmd.Flags().BoolVarP(&checksumVerbose, "verbose", "v", false, "print every bad frame")
	checksumCmd.MarkFlagRequired("input")
}

type checksumReport struct {
	Frames int
	IPv4   int
	TCP    int
	BadIP  int
	BadTCP int
	Fixed  int
}

func (r checksumReport) String() string {
	return fmt.Sprintf("frames=%d ipv4=%d tcp=%d bad_ip=%d bad_tcp=%d fixed=%d",
		r.Frames, r.IPv4, r.TCP, r.BadIP, r.BadTCP, r.Fixed)
}

// runChecksum checks every frame of src. When sink is not nil each frame
// is written to it, with bad checksums recomputed.
func runChecksum(w io.Writer, src pipeline.Source, sink pipeline.Sink, verbose bool) (checksumReport, error) {
	var report checksumReport
	link := src.LinkType()

	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return report, nil
		}
		if err != nil {
			return report, err
		}
		report.Frames++

		pkt := packet.New(core.RawPacket{
			Data:       data,
			Timestamp:  ci.Timestamp,
			CaptureLen: uint32(ci.CaptureLength),
			OrigLen:    uint32(ci.Length),
			Seq:        uint64(report.Frames),
		})
		if err := checkFrame(w, link, pkt, &report, sink != nil, verbose); err != nil {
			return report, fmt.Errorf("frame %d: %w", report.Frames, err)
		}
		if sink != nil {
			if err := sink.WritePacket(ci, pkt.Data()); err != nil {
				return report, err
			}
		}
		pkt.Close()
	}
}

func checkFrame(w io.Writer, link layers.LinkType, pkt *packet.Packet, report *checksumReport, fix, verbose bool) error {
	off, err := pipeline.IPv4Offset(link, pkt.Data())
	if err != nil {
		return nil
	}
	ip, err := ipv4.Parse(pkt, off)
	if err != nil {
		return nil
	}
	report.IPv4++

	ipOK := ip.VerifyChecksum()
	tcpOK := true
	var seg *tcpproto.View
	if ip.Protocol() == tcpproto.ProtocolNumber && !ip.IsFragment() {
		if seg, err = tcpproto.Dissect(ip); err == nil {
			report.TCP++
			tcpOK = seg.VerifyChecksum()
			defer seg.Release()
		}
	}
	if ipOK && tcpOK {
		return nil
	}

	if !ipOK {
		report.BadIP++
	}
	if !tcpOK {
		report.BadTCP++
	}
	if verbose {
		fmt.Fprintf(w, "#%d %s > %s ip=%s tcp=%s\n", pkt.Seq(), ip.Src(), ip.Dst(), okString(ipOK), okString(tcpOK))
	}
	if !fix {
		return nil
	}

	if !tcpOK {
		if err := seg.ComputeChecksum(); err != nil {
			return err
		}
	}
	if !ipOK {
		if err := ip.ComputeChecksum(); err != nil {
			return err
		}
	}
	report.Fixed++
	return nil
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "bad"
}
