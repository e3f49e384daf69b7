package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Source yields captured frames.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Sink receives frames that left the pipeline.
type Sink interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// FileSource reads a pcap or pcapng file.
type FileSource struct {
	Source
	f *os.File
}

// OpenFile opens a capture file. The format is detected from its magic.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	src, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture file %s: %w", path, err)
	}
	return &FileSource{Source: src, f: f}, nil
}

// NewReader wraps a pcap or pcapng stream.
func NewReader(r io.Reader) (Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		return ng, nil
	}
	rd, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, err
	}
	return rd, nil
}

// Close closes the file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// FileSink writes a pcap file.
type FileSink struct {
	w *pcapgo.Writer
	b *bufio.Writer
	f *os.File
}

// CreateFile creates a pcap file with the given link type and snap length.
func CreateFile(path string, link layers.LinkType, snapLen uint32) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	b := bufio.NewWriter(f)
	w := pcapgo.NewWriter(b)
	if err := w.WriteFileHeader(snapLen, link); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &FileSink{w: w, b: b, f: f}, nil
}

// WritePacket implements Sink.
func (s *FileSink) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	ci.CaptureLength = len(data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	return s.w.WritePacket(ci, data)
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	if err := s.b.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to flush capture file: %w", err)
	}
	return s.f.Close()
}
