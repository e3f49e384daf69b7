package pipeline

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/pktforge/internal/config"
)

// Filter runs a classic BPF program over each frame in user space.
// Frames the program rejects bypass the packet modules.
type Filter struct {
	vm   *bpf.VM
	size int
}

// NewFilter assembles raw instructions into a VM. An empty program yields
// a nil Filter, which matches everything.
func NewFilter(program []config.BPFInstruction) (*Filter, error) {
	if len(program) == 0 {
		return nil, nil
	}

	raw := make([]bpf.RawInstruction, len(program))
	for i, ins := range program {
		raw[i] = bpf.RawInstruction{Op: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}

	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf program contains instructions that cannot be decoded")
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF filter: %w", err)
	}
	return &Filter{vm: vm, size: len(insns)}, nil
}

// Match reports whether the program accepts the frame.
func (f *Filter) Match(data []byte) bool {
	if f == nil {
		return true
	}
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

// Len returns the number of instructions.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return f.size
}
