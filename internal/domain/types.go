// Package domain contains the data model shared by the scheduler core:
// machine, VM and task descriptors, the enumerations of the substrate,
// and the compatibility rules between VM families and CPU architectures.
package domain

import "math"

// Time is a point in simulated time, in microseconds since the start of
// the run.
type Time int64

// Seconds converts a simulated timestamp to seconds.
func (t Time) Seconds() float64 {
	return float64(t) / 1e6
}

// MachineID identifies a physical machine. Machines are numbered
// 0..MachineGetTotal()-1 by the substrate.
type MachineID uint32

// VMID is an opaque virtual machine handle issued by the substrate.
type VMID string

// TaskID identifies a task for the lifetime of a run.
type TaskID uint64

// CPUType represents a CPU architecture.
type CPUType string

const (
	CPUX86   CPUType = "X86"
	CPUARM   CPUType = "ARM"
	CPUPower CPUType = "POWER"
	CPURiscv CPUType = "RISCV"
)

// VMType represents a guest OS family.
type VMType string

const (
	VMLinux   VMType = "LINUX"
	VMLinuxRT VMType = "LINUX_RT"
	VMWin     VMType = "WIN"
	VMAix     VMType = "AIX"
)

// SState is an ACPI-style sleep state. S0 is active, S5 is soft-off,
// the intermediate states are sleep states.
type SState int

const (
	S0 SState = iota
	S1
	S2
	S3
	S4
	S5
)

func (s SState) String() string {
	return [...]string{"S0", "S1", "S2", "S3", "S4", "S5"}[s]
}

// PState is a per-core performance state. P0 is maximum frequency and
// power, P3 is minimum.
type PState int

const (
	P0 PState = iota
	P1
	P2
	P3
)

// NumPStates is the number of performance states a machine exposes.
const NumPStates = 4

func (p PState) String() string {
	return [...]string{"P0", "P1", "P2", "P3"}[p]
}

// SLA is a service-level class. Lower values are stricter: SLA0 expects
// roughly 95% of tasks within a tight deadline multiplier, SLA3 is
// best-effort.
type SLA int

const (
	SLA0 SLA = iota
	SLA1
	SLA2
	SLA3
)

func (s SLA) String() string {
	return [...]string{"SLA0", "SLA1", "SLA2", "SLA3"}[s]
}

// Priority is the scheduling priority of a task on its VM.
type Priority string

const (
	PriorityLow  Priority = "LOW"
	PriorityMid  Priority = "MID"
	PriorityHigh Priority = "HIGH"
)

// TaskClass is the workload class derived from a task's resource shape.
type TaskClass string

const (
	ClassAITraining TaskClass = "AI_TRAINING"
	ClassCrypto     TaskClass = "CRYPTO"
	ClassScientific TaskClass = "SCIENTIFIC"
	ClassStreaming  TaskClass = "STREAMING"
	ClassWebRequest TaskClass = "WEB_REQUEST"
)

// MachineInfo is a snapshot of a physical machine as reported by the
// substrate.
type MachineInfo struct {
	ID          MachineID
	CPU         CPUType
	NumCPUs     int
	MemorySize  int64 // MiB
	MemoryUsed  int64 // MiB
	GPUs        bool
	SState      SState
	PState      PState
	Performance [NumPStates]int64 // MIPS per P-state
	ActiveTasks int
	ActiveVMs   int
}

// Load returns the task load of the machine relative to its core count.
func (m MachineInfo) Load() float64 {
	if m.NumCPUs == 0 {
		return 0
	}
	return float64(m.ActiveTasks) / float64(m.NumCPUs)
}

// MIPS returns the instruction rate at the machine's current P-state,
// in millions of instructions per second.
func (m MachineInfo) MIPS() int64 {
	return m.Performance[m.PState]
}

// VMInfo is a snapshot of a virtual machine as reported by the substrate.
type VMInfo struct {
	ID          VMID
	Type        VMType
	CPU         CPUType
	MachineID   MachineID
	Attached    bool
	ActiveTasks []TaskID
}

// TaskInfo is a snapshot of a task as reported by the substrate.
type TaskInfo struct {
	ID                    TaskID
	RequiredCPU           CPUType
	RequiredVM            VMType
	RequiredMemory        int64 // MiB
	GPUCapable            bool
	RequiredSLA           SLA
	TotalInstructions     int64
	RemainingInstructions int64
	TargetCompletion      Time
}

// Urgency is the pacing ratio of the task: remaining instructions over
// microseconds to deadline. A task whose deadline has passed has
// infinite urgency.
func (t TaskInfo) Urgency(now Time) float64 {
	remaining := t.TargetCompletion - now
	if remaining <= 0 {
		return math.Inf(1)
	}
	return float64(t.RemainingInstructions) / float64(remaining)
}

// RequiredMIPS is the instruction rate needed to finish the task by its
// deadline. Infinite when the deadline has already passed.
func (t TaskInfo) RequiredMIPS(now Time) float64 {
	remaining := t.TargetCompletion - now
	if remaining <= 0 {
		return math.Inf(1)
	}
	// Instructions per microsecond equals millions of instructions per
	// second, so the ratio is directly comparable to Performance[].
	return float64(t.RemainingInstructions) / float64(remaining)
}

// Compatible reports whether a guest OS family can run on the given CPU
// architecture: LINUX and LINUX_RT run anywhere, WIN on X86 and ARM,
// AIX only on POWER.
func Compatible(vt VMType, cpu CPUType) bool {
	switch vt {
	case VMLinux, VMLinuxRT:
		return true
	case VMWin:
		return cpu == CPUX86 || cpu == CPUARM
	case VMAix:
		return cpu == CPUPower
	default:
		return false
	}
}

// CoerceVMType returns vt unchanged when it is compatible with cpu, and
// the closest compatible family otherwise. LINUX is the universal
// fallback.
func CoerceVMType(vt VMType, cpu CPUType) VMType {
	if Compatible(vt, cpu) {
		return vt
	}
	return VMLinux
}
