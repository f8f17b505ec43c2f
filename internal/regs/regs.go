// Package regs defines the guest register file the snapshot loader
// populates and the reset engine restores every fuzz case.
package regs

// Register names one guest register the Device (Vm) get/set interface
// accepts. The ordering mirrors the snapshot register blob's on-disk
// layout, except that Cr8 is grouped with the other control registers
// here while the blob stores CR8 after KernelGsBase.
type Register int

const (
	Rax Register = iota
	Rbx
	Rcx
	Rdx
	Rsi
	Rdi
	Rsp
	Rbp
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	Rip
	Rflags

	Cs
	CsLimit
	CsAccessRights
	CsBase
	Ds
	DsLimit
	DsAccessRights
	DsBase
	Es
	EsLimit
	EsAccessRights
	EsBase
	Fs
	FsLimit
	FsAccessRights
	FsBase
	Gs
	GsLimit
	GsAccessRights
	GsBase
	Ss
	SsLimit
	SsAccessRights
	SsBase
	Ldtr
	LdtrLimit
	LdtrAccessRights
	LdtrBase
	Tr
	TrLimit
	TrAccessRights
	TrBase

	GdtrLimit
	GdtrBase
	IdtrLimit
	IdtrBase

	Cr0
	Cr2
	Cr3
	Cr4
	Cr8

	KernelGsBase
	CStar
	LStar
	FMask
	Star
	SysenterCs
	SysenterEsp
	SysenterEip
	Efer
	Dr7

	NumRegisters
)

// GprByIndex returns the Register for a VM-exit-reported GPR index
// 0..15 in the standard RAX..R15 order used by CR-access exits.
func GprByIndex(i int) Register {
	return Register(int(Rax) + i)
}

// FxSave is the 512-byte extended-state save area the snapshot format
// carries verbatim.
type FxSave [512]byte

// File is the full guest register file, stored as a flat array
// indexed by Register rather than individual named fields: the
// Device/Vm get/set interface (internal/vmexit) is keyed by Register,
// and an array lets the snapshot loader and the reset engine share one
// assignment/copy path without 70 repetitive field copies.
type File struct {
	values [NumRegisters]uint64
	FxSave FxSave
}

// Get returns the value of reg.
func (f *File) Get(reg Register) uint64 {
	return f.values[reg]
}

// Set assigns val to reg.
func (f *File) Set(reg Register, val uint64) {
	f.values[reg] = val
}

// CopyFrom overwrites f with a full copy of src — the guest register
// restoration the reset engine performs every fuzz case.
func (f *File) CopyFrom(src *File) {
	f.values = src.values
	f.FxSave = src.FxSave
}

// Clone returns an independent copy of f.
func (f *File) Clone() *File {
	c := &File{}
	c.CopyFrom(f)
	return c
}
