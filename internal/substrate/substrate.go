// Package substrate defines the client interface to the host simulator.
// The substrate owns the actual machines, VMs and tasks; the scheduler
// core reads their state through this interface and requests mutations
// through it. Power transitions and migrations are asynchronous in
// simulated time: the call returns immediately and a later callback
// (StateChangeComplete, MigrationComplete) reports completion.
package substrate

import "github.com/voltsched/voltsched/internal/domain"

// Client is the full surface the scheduler core consumes from the host
// simulator.
type Client interface {
	MachineClient
	VMClient
	TaskClient

	// SLAReport returns the percentage of completed tasks of the given
	// class that met their deadline.
	SLAReport(sla domain.SLA) float64
}

// MachineClient exposes physical machine state and control.
type MachineClient interface {
	// MachineGetTotal returns the number of machines in the cluster.
	// Machines are identified by 0..total-1.
	MachineGetTotal() int

	// MachineGetInfo returns a snapshot of a machine.
	MachineGetInfo(id domain.MachineID) (domain.MachineInfo, error)

	// MachineSetState requests a sleep-state transition. The transition
	// is asynchronous and completes via a StateChangeComplete callback.
	MachineSetState(id domain.MachineID, s domain.SState) error

	// MachineSetCorePerformance sets the P-state of one core. Takes
	// effect synchronously.
	MachineSetCorePerformance(id domain.MachineID, core int, p domain.PState) error

	// MachineGetEnergy returns the energy consumed by one machine so
	// far, in kWh.
	MachineGetEnergy(id domain.MachineID) (float64, error)

	// MachineGetClusterEnergy returns the energy consumed by the whole
	// cluster so far, in kWh.
	MachineGetClusterEnergy() float64
}

// VMClient exposes virtual machine state and control.
type VMClient interface {
	// VmCreate creates a detached VM of the given family and
	// architecture and returns its handle.
	VmCreate(vt domain.VMType, cpu domain.CPUType) (domain.VMID, error)

	// VmAttach places a detached VM on a machine.
	VmAttach(vm domain.VMID, m domain.MachineID) error

	// VmShutdown destroys a VM. Its tasks are lost.
	VmShutdown(vm domain.VMID) error

	// VmMigrate live-migrates a VM to another machine. Asynchronous;
	// completes via a MigrationComplete callback.
	VmMigrate(vm domain.VMID, target domain.MachineID) error

	// VmGetInfo returns a snapshot of a VM.
	VmGetInfo(vm domain.VMID) (domain.VMInfo, error)

	// VmIsPendingMigration reports the substrate's view of whether a
	// migration is in flight. The core's own pending set is
	// authoritative for policy; this predicate is only a defensive
	// check before VmMigrate.
	VmIsPendingMigration(vm domain.VMID) bool

	// VmAddTask assigns a task to a VM at the given priority.
	VmAddTask(vm domain.VMID, task domain.TaskID, p domain.Priority) error

	// VmRemoveTask removes a task from a VM without completing it.
	VmRemoveTask(vm domain.VMID, task domain.TaskID) error
}

// TaskClient exposes task state and control.
type TaskClient interface {
	// TaskGetInfo returns a snapshot of a task.
	TaskGetInfo(task domain.TaskID) (domain.TaskInfo, error)

	// TaskSetPriority changes a task's scheduling priority.
	TaskSetPriority(task domain.TaskID, p domain.Priority) error

	// TaskGetPriority returns a task's current scheduling priority.
	TaskGetPriority(task domain.TaskID) (domain.Priority, error)
}
