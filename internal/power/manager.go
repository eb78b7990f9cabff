// Package power drives machine power transitions, VM live migration and
// consolidation sweeps.
package power

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/inventory"
	"github.com/voltsched/voltsched/internal/metrics"
	"github.com/voltsched/voltsched/internal/substrate"
)

// MigrationRecord documents one requested migration, for operator
// inspection and logs.
type MigrationRecord struct {
	ID        string
	VM        domain.VMID
	Source    domain.MachineID
	Target    domain.MachineID
	Reason    string
	Requested domain.Time
	CreatedAt time.Time
}

// maxRecentMigrations bounds the in-memory migration history.
const maxRecentMigrations = 64

// Manager owns power-state and migration decisions. It mutates cluster
// state only through the substrate and records every pending transition
// in the inventory before issuing it.
type Manager struct {
	sub     substrate.Client
	inv     *inventory.Inventory
	sched   config.SchedulerConfig
	cfg     config.PowerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	lastSweep domain.Time
	recent    []MigrationRecord
}

// NewManager creates a power and migration manager.
func NewManager(sub substrate.Client, inv *inventory.Inventory, sched config.SchedulerConfig, cfg config.PowerConfig, mx *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		sub:       sub,
		inv:       inv,
		sched:     sched,
		cfg:       cfg,
		metrics:   mx,
		logger:    logger.With(zap.String("component", "power")),
		lastSweep: -1,
	}
}

// UsableMachines counts machines in S0 with no pending transition.
func (p *Manager) UsableMachines() int {
	count := 0
	for i := 0; i < p.sub.MachineGetTotal(); i++ {
		id := domain.MachineID(i)
		if p.inv.IsPendingState(id) {
			continue
		}
		info, err := p.sub.MachineGetInfo(id)
		if err != nil {
			continue
		}
		if info.SState == domain.S0 {
			count++
		}
	}
	return count
}

// PowerOnMatching wakes the lowest-id S5 machine that could host the
// given task once active. The machine enters a pending transition and
// is unusable until StateChangeComplete fires.
func (p *Manager) PowerOnMatching(task domain.TaskInfo) (domain.MachineID, bool) {
	return p.powerOn(func(info domain.MachineInfo) bool {
		if info.CPU != task.RequiredCPU {
			return false
		}
		if task.GPUCapable && !info.GPUs {
			return false
		}
		return task.RequiredMemory+p.sched.VMMemoryOverheadMiB <= info.MemorySize
	})
}

// PowerOnForVM wakes the lowest-id S5 machine that could receive the
// given VM and its working set.
func (p *Manager) PowerOnForVM(vm domain.VMInfo) (domain.MachineID, bool) {
	workingSet := p.vmWorkingSet(vm)
	needsGPU := p.vmNeedsGPU(vm)
	return p.powerOn(func(info domain.MachineInfo) bool {
		if info.CPU != vm.CPU {
			return false
		}
		if needsGPU && !info.GPUs {
			return false
		}
		return workingSet+p.sched.VMMemoryOverheadMiB <= info.MemorySize
	})
}

// PowerOnAny wakes the lowest-id S5 machine regardless of shape. Used
// by the cluster-load sweep.
func (p *Manager) PowerOnAny() (domain.MachineID, bool) {
	return p.powerOn(func(domain.MachineInfo) bool { return true })
}

func (p *Manager) powerOn(fits func(domain.MachineInfo) bool) (domain.MachineID, bool) {
	for i := 0; i < p.sub.MachineGetTotal(); i++ {
		id := domain.MachineID(i)
		if p.inv.IsPendingState(id) {
			continue
		}
		info, err := p.sub.MachineGetInfo(id)
		if err != nil {
			continue
		}
		if info.SState != domain.S5 || !fits(info) {
			continue
		}
		if err := p.sub.MachineSetState(id, domain.S0); err != nil {
			p.logger.Warn("power-on request rejected", zap.Uint32("machine_id", uint32(id)), zap.Error(err))
			continue
		}
		p.inv.MarkPendingState(id)
		p.metrics.PowerTransition("on")
		p.logger.Info("powering on machine", zap.Uint32("machine_id", uint32(id)))
		return id, true
	}
	return 0, false
}

// MaybePowerOff retires a machine to S5 when it is empty, quiet and the
// cluster stays above the warm floor. Returns true when a transition
// was requested.
func (p *Manager) MaybePowerOff(now domain.Time, m domain.MachineID) bool {
	if p.inv.IsPendingState(m) || p.inv.HasMigratingVM(m) {
		return false
	}
	if p.inv.TaskCount(m) > 0 {
		return false
	}
	info, err := p.sub.MachineGetInfo(m)
	if err != nil || info.SState != domain.S0 || info.ActiveTasks > 0 {
		return false
	}
	if p.UsableMachines() <= p.cfg.InitialActiveMachines {
		return false
	}
	// A just-woken machine dwells for one consolidation interval before
	// it may be retired again.
	if at, ok := p.inv.PoweredOnAt(m); ok && now-at < p.cfg.PowerOnDwell() {
		return false
	}

	for _, vm := range p.inv.VMsOn(m) {
		if err := p.sub.VmShutdown(vm); err != nil {
			p.logger.Warn("vm shutdown failed",
				zap.String("vm_id", string(vm)),
				zap.Uint32("machine_id", uint32(m)),
				zap.Error(err))
		}
		p.inv.DetachVM(vm)
	}

	if err := p.sub.MachineSetState(m, domain.S5); err != nil {
		p.logger.Warn("power-off request rejected", zap.Uint32("machine_id", uint32(m)), zap.Error(err))
		return false
	}
	p.inv.MarkPendingState(m)
	p.metrics.PowerTransition("off")
	p.logger.Info("powering off idle machine", zap.Uint32("machine_id", uint32(m)))
	return true
}

// SelectMigrationVM picks the VM to move off a machine. VMs without
// SLA0/SLA1 tasks are preferred; among equally preferred VMs the one
// with the most tasks wins, so one migration relieves the most
// pressure.
func (p *Manager) SelectMigrationVM(m domain.MachineID) (domain.VMID, bool) {
	var best domain.VMID
	bestTasks := -1
	bestStrict := true
	found := false

	for _, vm := range p.inv.VMsOn(m) {
		if p.inv.IsMigrating(vm) {
			continue
		}
		strict := p.vmHasStrictSLA(vm)
		tasks := len(p.inv.TasksOn(vm))
		better := false
		switch {
		case !found:
			better = true
		case strict != bestStrict:
			better = !strict
		case tasks > bestTasks:
			better = true
		}
		if better {
			best, bestTasks, bestStrict, found = vm, tasks, strict, true
		}
	}
	return best, found
}

// SelectTarget picks a machine to receive a VM: active, compatible,
// with room for the working set, and utilized but not overloaded. The
// busiest machine under the overload threshold wins, so migrations pack
// without overloading.
func (p *Manager) SelectTarget(vm domain.VMInfo, exclude domain.MachineID) (domain.MachineID, bool) {
	workingSet := p.vmWorkingSet(vm)
	needsGPU := p.vmNeedsGPU(vm)

	var best domain.MachineID
	bestLoad := -1.0
	found := false

	for i := 0; i < p.sub.MachineGetTotal(); i++ {
		id := domain.MachineID(i)
		if id == exclude || p.inv.IsPendingState(id) || p.inv.HasMigratingVM(id) {
			continue
		}
		info, err := p.sub.MachineGetInfo(id)
		if err != nil || info.SState != domain.S0 {
			continue
		}
		if info.CPU != vm.CPU {
			continue
		}
		if needsGPU && !info.GPUs {
			continue
		}
		if info.MemoryUsed+workingSet+p.sched.VMMemoryOverheadMiB > info.MemorySize {
			continue
		}
		load := info.Load()
		if load <= 0 || load >= p.sched.HighUtil {
			continue
		}
		if load > bestLoad {
			best, bestLoad, found = id, load, true
		}
	}
	return best, found
}

// Migrate requests a live migration. The VM is flagged pending first and
// ignored by every other decision until MigrationComplete fires; at most
// one migration per VM is outstanding.
func (p *Manager) Migrate(now domain.Time, vm domain.VMID, target domain.MachineID, reason string) bool {
	// Defensive check only; the inventory's pending set is authoritative.
	if p.sub.VmIsPendingMigration(vm) {
		p.logger.Warn("substrate reports migration already pending", zap.String("vm_id", string(vm)))
		return false
	}
	source, ok := p.inv.MachineOf(vm)
	if !ok {
		return false
	}
	if err := p.inv.MarkMigrating(vm, target); err != nil {
		return false
	}
	if err := p.sub.VmMigrate(vm, target); err != nil {
		p.inv.ClearMigrating(vm)
		p.logger.Warn("migration request rejected",
			zap.String("vm_id", string(vm)),
			zap.Uint32("target", uint32(target)),
			zap.Error(err))
		return false
	}

	rec := MigrationRecord{
		ID:        uuid.NewString(),
		VM:        vm,
		Source:    source,
		Target:    target,
		Reason:    reason,
		Requested: now,
		CreatedAt: time.Now(),
	}
	p.recent = append(p.recent, rec)
	if len(p.recent) > maxRecentMigrations {
		p.recent = p.recent[len(p.recent)-maxRecentMigrations:]
	}
	p.metrics.Migration(reason)
	p.logger.Info("migration requested",
		zap.String("migration_id", rec.ID),
		zap.String("vm_id", string(vm)),
		zap.Uint32("source", uint32(source)),
		zap.Uint32("target", uint32(target)),
		zap.String("reason", reason),
	)
	return true
}

// RecentMigrations returns the most recent migration records, newest
// last.
func (p *Manager) RecentMigrations() []MigrationRecord {
	out := make([]MigrationRecord, len(p.recent))
	copy(out, p.recent)
	return out
}

// Consolidate runs one consolidation sweep: lightly loaded machines
// without strict-SLA tenants get their VMs migrated onto busier
// compatible machines, then retire once empty. At most one migration is
// issued per sweep, and sweeps are skipped while any migration is in
// flight or until the interval has elapsed.
func (p *Manager) Consolidate(now domain.Time) int {
	if p.inv.MigrationsInFlight() > 0 {
		return 0
	}
	if p.lastSweep >= 0 && now-p.lastSweep < p.cfg.ConsolidationInterval() {
		return 0
	}
	p.lastSweep = now

	migrated := 0
	for i := 0; i < p.sub.MachineGetTotal() && migrated == 0; i++ {
		id := domain.MachineID(i)
		if p.inv.IsPendingState(id) || p.inv.HasMigratingVM(id) {
			continue
		}
		info, err := p.sub.MachineGetInfo(id)
		if err != nil || info.SState != domain.S0 {
			continue
		}
		if info.Load() >= p.sched.LowUtil {
			continue
		}
		if p.machineHasStrictSLA(id) {
			continue
		}

		vms := p.inv.VMsOn(id)
		if len(vms) == 0 || p.inv.TaskCount(id) == 0 {
			// Already empty; retire it, subject to the floor and dwell.
			p.MaybePowerOff(now, id)
			continue
		}

		for _, vm := range vms {
			vmInfo, err := p.sub.VmGetInfo(vm)
			if err != nil {
				continue
			}
			target, ok := p.SelectTarget(vmInfo, id)
			if !ok {
				continue
			}
			if p.Migrate(now, vm, target, "consolidation") {
				migrated++
				break
			}
		}
	}
	return migrated
}

// ClusterLoad returns the task load across all usable machines.
func (p *Manager) ClusterLoad() float64 {
	totalTasks, totalCores := 0, 0
	for i := 0; i < p.sub.MachineGetTotal(); i++ {
		id := domain.MachineID(i)
		if p.inv.IsPendingState(id) {
			continue
		}
		info, err := p.sub.MachineGetInfo(id)
		if err != nil || info.SState != domain.S0 {
			continue
		}
		totalTasks += info.ActiveTasks
		totalCores += info.NumCPUs
	}
	if totalCores == 0 {
		return 0
	}
	return float64(totalTasks) / float64(totalCores)
}

// vmWorkingSet sums the memory of the tasks bound to a VM.
func (p *Manager) vmWorkingSet(vm domain.VMInfo) int64 {
	var total int64
	for _, task := range p.inv.TasksOn(vm.ID) {
		ti, err := p.sub.TaskGetInfo(task)
		if err != nil {
			continue
		}
		total += ti.RequiredMemory
	}
	return total
}

// vmNeedsGPU reports whether any task on the VM is GPU-capable.
func (p *Manager) vmNeedsGPU(vm domain.VMInfo) bool {
	for _, task := range p.inv.TasksOn(vm.ID) {
		ti, err := p.sub.TaskGetInfo(task)
		if err != nil {
			continue
		}
		if ti.GPUCapable {
			return true
		}
	}
	return false
}

// vmHasStrictSLA reports whether the VM hosts any SLA0 or SLA1 task.
func (p *Manager) vmHasStrictSLA(vm domain.VMID) bool {
	for _, task := range p.inv.TasksOn(vm) {
		ti, err := p.sub.TaskGetInfo(task)
		if err != nil {
			continue
		}
		if ti.RequiredSLA == domain.SLA0 || ti.RequiredSLA == domain.SLA1 {
			return true
		}
	}
	return false
}

// machineHasStrictSLA reports whether any VM on the machine hosts an
// SLA0 task, which exempts the machine from consolidation.
func (p *Manager) machineHasStrictSLA(m domain.MachineID) bool {
	for _, vm := range p.inv.VMsOn(m) {
		for _, task := range p.inv.TasksOn(vm) {
			ti, err := p.sub.TaskGetInfo(task)
			if err != nil {
				continue
			}
			if ti.RequiredSLA == domain.SLA0 {
				return true
			}
		}
	}
	return false
}
