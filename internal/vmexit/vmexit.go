// Package vmexit defines the VM-exit tagged union and the Device
// contract: the virtualization primitive that launches a guest and
// returns on VM exit, exposing register get/set, an EPT, a PML
// buffer, and run(). ScriptedDevice is this package's concrete,
// in-process reference implementation of that contract so the rest of
// the module — translator, dispatcher, reset engine, fuzz loop — can
// be built and tested without a real VMX/SVM backend.
package vmexit

import (
	"context"
	"errors"

	"github.com/falklabs/snapfuzz/internal/ept"
	"github.com/falklabs/snapfuzz/internal/regs"
)

// Kind tags the variant of an Exit.
type Kind int

const (
	KindEptViolation Kind = iota
	KindPmlFull
	KindRdtsc
	KindReadMsr
	KindWriteMsr
	KindReadCr
	KindWriteCr
	KindExternalInterrupt
	KindExceptionNMI
	KindPreemptionTimer
	KindOther
)

// MSR identifiers the dispatcher's allow-list recognizes.
const (
	MsrFsBase       = 0xC0000100
	MsrGsBase       = 0xC0000101
	MsrKernelGsBase = 0xC0000102
)

// Exit is the tagged VM-exit value the dispatcher switches on. Only
// the fields relevant to Kind are meaningful; one flat struct keeps
// the tagged-union shape without needing a dozen Go types.
type Exit struct {
	Kind Kind

	// EptViolation
	Addr              uint64
	Read, Write, Exec bool

	// Rdtsc / ReadMsr / WriteMsr / ReadCr / WriteCr: instruction length
	// to advance RIP by once emulated.
	InstLen uint64

	// ReadCr / WriteCr
	Cr  int // 0, 3, or 4
	Gpr int // GPR index 0..15 (RAX..R15)

	// Other: the raw exit code/name, surfaced unhandled to the caller.
	Name string
}

// Device is the opaque guest-launching primitive the fuzzer core is
// built on top of.
type Device interface {
	Reg(r regs.Register) uint64
	SetReg(r regs.Register, v uint64)
	FxSave() regs.FxSave
	SetFxSave(f regs.FxSave)

	// EPT returns this device's private extended page table.
	EPT() *ept.Table

	// Run drives the guest until one VM exit and returns it along
	// with the number of cycles spent inside the guest.
	Run(ctx context.Context) (Exit, uint64, error)

	// Reset reloads VMCS-resident state after the reset engine has
	// restored registers and EPT pages; this also invalidates any TLB
	// state left over from CoW remapping.
	Reset()
}

// ErrNoExit is returned by a ScriptedDevice whose exit queue has run
// dry — a test authoring mistake, not a runtime error.
var ErrNoExit = errors.New("vmexit: scripted device exhausted its exit queue")

// ScriptedDevice is a Device whose Run() replays a pre-programmed
// sequence of exits, standing in for a real VMX guest in tests:
// nothing in this package or its callers can tell the difference
// between a ScriptedDevice and a real one, which is the point of the
// Device abstraction.
type ScriptedDevice struct {
	regs   regs.File
	fxsave regs.FxSave
	ept    *ept.Table

	// Script is consumed in order by Run(). Each entry optionally
	// mutates the register file before being returned, so a test can
	// express "rdtsc happens with RIP=0x1000" naturally.
	Script []ScriptedExit

	pos int
	// Cycles charged per Run() call; defaults to 1 for deterministic
	// statistics tests.
	CyclesPerExit uint64
}

// ScriptedExit is one canned step of a ScriptedDevice's run.
type ScriptedExit struct {
	Exit   Exit
	Before func(r *regs.File)
}

// NewScriptedDevice returns an empty scripted device with a fresh EPT.
func NewScriptedDevice() *ScriptedDevice {
	return &ScriptedDevice{ept: ept.NewTable(), CyclesPerExit: 1}
}

func (d *ScriptedDevice) Reg(r regs.Register) uint64       { return d.regs.Get(r) }
func (d *ScriptedDevice) SetReg(r regs.Register, v uint64) { d.regs.Set(r, v) }
func (d *ScriptedDevice) FxSave() regs.FxSave              { return d.fxsave }
func (d *ScriptedDevice) SetFxSave(f regs.FxSave)          { d.fxsave = f }
func (d *ScriptedDevice) EPT() *ept.Table                  { return d.ept }
func (d *ScriptedDevice) Reset()                           {}

// RegFile exposes the backing register file directly, for tests.
func (d *ScriptedDevice) RegFile() *regs.File { return &d.regs }

// Run returns the next scripted exit.
func (d *ScriptedDevice) Run(ctx context.Context) (Exit, uint64, error) {
	if ctx.Err() != nil {
		return Exit{}, 0, ctx.Err()
	}
	if d.pos >= len(d.Script) {
		return Exit{}, 0, ErrNoExit
	}
	step := d.Script[d.pos]
	d.pos++
	if step.Before != nil {
		step.Before(&d.regs)
	}
	return step.Exit, d.CyclesPerExit, nil
}
