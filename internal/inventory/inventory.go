// Package inventory is the authoritative in-memory model of the
// machine/VM/task relationships the scheduler core maintains. All
// mappings are owned here; the placer, DVFS controller and power
// manager read them and request mutations through this package, never
// directly. Bookkeeping is write-through: observable state matches what
// the substrate reports at the next read.
package inventory

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/domain"
)

// Inventory tracks every binding the core has made plus the pending
// power transitions and migrations that make parts of the cluster
// temporarily immutable.
type Inventory struct {
	mu sync.RWMutex

	taskVM     map[domain.TaskID]domain.VMID
	vmMachine  map[domain.VMID]domain.MachineID
	machineVMs map[domain.MachineID][]domain.VMID
	taskCount  map[domain.MachineID]int

	pendingState     map[domain.MachineID]bool
	pendingMigration map[domain.VMID]domain.MachineID // vm -> migration target

	memoryPressure map[domain.MachineID]bool
	poweredOnAt    map[domain.MachineID]domain.Time

	logger *zap.Logger
}

// New creates an empty inventory.
func New(logger *zap.Logger) *Inventory {
	return &Inventory{
		taskVM:           make(map[domain.TaskID]domain.VMID),
		vmMachine:        make(map[domain.VMID]domain.MachineID),
		machineVMs:       make(map[domain.MachineID][]domain.VMID),
		taskCount:        make(map[domain.MachineID]int),
		pendingState:     make(map[domain.MachineID]bool),
		pendingMigration: make(map[domain.VMID]domain.MachineID),
		memoryPressure:   make(map[domain.MachineID]bool),
		poweredOnAt:      make(map[domain.MachineID]domain.Time),
		logger:           logger.With(zap.String("component", "inventory")),
	}
}

// AttachVM records that a VM lives on a machine.
func (inv *Inventory) AttachVM(vm domain.VMID, m domain.MachineID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if prev, ok := inv.vmMachine[vm]; ok {
		inv.removeFromMachine(vm, prev)
	}
	inv.vmMachine[vm] = m
	inv.machineVMs[m] = append(inv.machineVMs[m], vm)
}

// DetachVM forgets a VM entirely. Tasks still bound to it are unbound
// and returned so the caller can re-handle them.
func (inv *Inventory) DetachVM(vm domain.VMID) []domain.TaskID {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	m, attached := inv.vmMachine[vm]
	if attached {
		inv.removeFromMachine(vm, m)
		delete(inv.vmMachine, vm)
	}
	delete(inv.pendingMigration, vm)

	var orphans []domain.TaskID
	for task, owner := range inv.taskVM {
		if owner == vm {
			orphans = append(orphans, task)
			delete(inv.taskVM, task)
			if attached && inv.taskCount[m] > 0 {
				inv.taskCount[m]--
			}
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	return orphans
}

// BindTask records a task→VM assignment and bumps the hosting machine's
// task count.
func (inv *Inventory) BindTask(task domain.TaskID, vm domain.VMID) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.taskVM[task]; ok {
		return domain.ErrAlreadyExists
	}
	m, ok := inv.vmMachine[vm]
	if !ok {
		return domain.ErrNotFound
	}
	inv.taskVM[task] = vm
	inv.taskCount[m]++
	return nil
}

// UnbindTask clears a task→VM assignment. Returns the VM and machine the
// task was on, or ok=false when the task was unknown.
func (inv *Inventory) UnbindTask(task domain.TaskID) (domain.VMID, domain.MachineID, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	vm, ok := inv.taskVM[task]
	if !ok {
		return "", 0, false
	}
	delete(inv.taskVM, task)
	m := inv.vmMachine[vm]
	if inv.taskCount[m] > 0 {
		inv.taskCount[m]--
	}
	return vm, m, true
}

// VMOf returns the VM a task is bound to.
func (inv *Inventory) VMOf(task domain.TaskID) (domain.VMID, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	vm, ok := inv.taskVM[task]
	return vm, ok
}

// MachineOf returns the machine a VM is attached to.
func (inv *Inventory) MachineOf(vm domain.VMID) (domain.MachineID, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	m, ok := inv.vmMachine[vm]
	return m, ok
}

// VMsOn returns the VMs attached to a machine, in attach order.
func (inv *Inventory) VMsOn(m domain.MachineID) []domain.VMID {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]domain.VMID, len(inv.machineVMs[m]))
	copy(out, inv.machineVMs[m])
	return out
}

// TasksOn returns the tasks bound to a VM, ascending by id.
func (inv *Inventory) TasksOn(vm domain.VMID) []domain.TaskID {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var out []domain.TaskID
	for task, owner := range inv.taskVM {
		if owner == vm {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TaskCount returns the core's own count of tasks on a machine.
func (inv *Inventory) TaskCount(m domain.MachineID) int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.taskCount[m]
}

// TaskTotal returns the number of tasks currently bound to any VM.
func (inv *Inventory) TaskTotal() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.taskVM)
}

// MarkPendingState flags a machine as having an outstanding power
// transition. While flagged, the machine is excluded from every
// scheduling decision.
func (inv *Inventory) MarkPendingState(m domain.MachineID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.pendingState[m] = true
}

// ClearPendingState clears the pending power transition flag.
func (inv *Inventory) ClearPendingState(m domain.MachineID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.pendingState, m)
}

// IsPendingState reports whether a machine has an outstanding power
// transition.
func (inv *Inventory) IsPendingState(m domain.MachineID) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pendingState[m]
}

// PendingStateCount returns the number of machines with an outstanding
// power transition.
func (inv *Inventory) PendingStateCount() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.pendingState)
}

// MarkMigrating records an in-flight migration and its target. Returns
// ErrPendingTransition when the VM already has one outstanding; a VM
// has at most one in-flight migration.
func (inv *Inventory) MarkMigrating(vm domain.VMID, target domain.MachineID) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.pendingMigration[vm]; ok {
		return domain.ErrPendingTransition
	}
	inv.pendingMigration[vm] = target
	return nil
}

// ClearMigrating drops the pending-migration flag without relocating
// the VM. Used when a VmMigrate request fails synchronously.
func (inv *Inventory) ClearMigrating(vm domain.VMID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.pendingMigration, vm)
}

// CompleteMigration clears the pending flag and moves the VM and its
// task count to the recorded target machine.
func (inv *Inventory) CompleteMigration(vm domain.VMID) (domain.MachineID, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	target, ok := inv.pendingMigration[vm]
	if !ok {
		return 0, false
	}
	delete(inv.pendingMigration, vm)

	source, attached := inv.vmMachine[vm]
	if !attached {
		return 0, false
	}

	moved := 0
	for _, owner := range inv.taskVM {
		if owner == vm {
			moved++
		}
	}

	inv.removeFromMachine(vm, source)
	inv.vmMachine[vm] = target
	inv.machineVMs[target] = append(inv.machineVMs[target], vm)
	inv.taskCount[source] -= moved
	if inv.taskCount[source] < 0 {
		inv.taskCount[source] = 0
	}
	inv.taskCount[target] += moved
	return target, true
}

// IsMigrating reports whether a VM has an in-flight migration.
func (inv *Inventory) IsMigrating(vm domain.VMID) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.pendingMigration[vm]
	return ok
}

// MigrationsInFlight returns the number of outstanding migrations.
func (inv *Inventory) MigrationsInFlight() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.pendingMigration)
}

// HasMigratingVM reports whether any VM on the machine has an in-flight
// migration, which makes the whole machine immutable for scheduling.
func (inv *Inventory) HasMigratingVM(m domain.MachineID) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, vm := range inv.machineVMs[m] {
		if _, ok := inv.pendingMigration[vm]; ok {
			return true
		}
	}
	return false
}

// SetMemoryPressure flags or clears memory pressure on a machine.
func (inv *Inventory) SetMemoryPressure(m domain.MachineID, under bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if under {
		inv.memoryPressure[m] = true
	} else {
		delete(inv.memoryPressure, m)
	}
}

// UnderMemoryPressure reports whether a machine had a memory warning
// that has not cleared yet.
func (inv *Inventory) UnderMemoryPressure(m domain.MachineID) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.memoryPressure[m]
}

// MachinesUnderPressure lists machines with an uncleared memory
// warning, ascending by id.
func (inv *Inventory) MachinesUnderPressure() []domain.MachineID {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var out []domain.MachineID
	for m := range inv.memoryPressure {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecordPowerOn stores the time a machine finished powering on, for the
// power-off dwell guard.
func (inv *Inventory) RecordPowerOn(m domain.MachineID, at domain.Time) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.poweredOnAt[m] = at
}

// PoweredOnAt returns when the machine last finished powering on.
func (inv *Inventory) PoweredOnAt(m domain.MachineID) (domain.Time, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	at, ok := inv.poweredOnAt[m]
	return at, ok
}

// ForgetMachine drops per-machine bookkeeping after a power-off
// completes. The VM list must already be empty.
func (inv *Inventory) ForgetMachine(m domain.MachineID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.machineVMs[m]) > 0 {
		inv.logger.Warn("forgetting machine that still has VMs",
			zap.Uint32("machine_id", uint32(m)),
			zap.Int("vms", len(inv.machineVMs[m])))
	}
	delete(inv.machineVMs, m)
	delete(inv.taskCount, m)
	delete(inv.poweredOnAt, m)
	delete(inv.memoryPressure, m)
}

func (inv *Inventory) removeFromMachine(vm domain.VMID, m domain.MachineID) {
	vms := inv.machineVMs[m]
	for i, id := range vms {
		if id == vm {
			inv.machineVMs[m] = append(vms[:i], vms[i+1:]...)
			return
		}
	}
}
