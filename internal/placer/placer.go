// Package placer chooses a (machine, VM) for new and requeued tasks
// subject to CPU, guest OS, GPU and memory constraints, with load-based
// scoring.
package placer

import (
	"math"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/inventory"
	"github.com/voltsched/voltsched/internal/substrate"
)

// PowerSource wakes sleeping machines for tasks that found no candidate.
type PowerSource interface {
	PowerOnMatching(task domain.TaskInfo) (domain.MachineID, bool)
}

// PerformanceController reacts to a placement with a P-state decision.
type PerformanceController interface {
	OnPlacement(now domain.Time, m domain.MachineID, urgency float64, sla domain.SLA)
}

// Status is the outcome of one placement attempt.
type Status int

const (
	// StatusAssigned means the task landed on a VM.
	StatusAssigned Status = iota
	// StatusQueued means no usable candidate exists right now; the task
	// belongs in the pending queue. A power-on may have been requested.
	StatusQueued
)

// Result describes a placement decision.
type Result struct {
	Status  Status
	VM      domain.VMID
	Machine domain.MachineID
	SLA     domain.SLA
	Urgency float64
	// PoweredOn is set when the placer woke a sleeping machine for the
	// task. The task still queues until StateChangeComplete fires.
	PoweredOn bool
}

// Placer implements the placement algorithm. Decisions are
// deterministic: candidates are scanned in ascending machine id and
// ties keep the lowest id.
type Placer struct {
	sub    substrate.Client
	inv    *inventory.Inventory
	power  PowerSource
	perf   PerformanceController
	cfg    config.SchedulerConfig
	logger *zap.Logger
}

// New creates a placer.
func New(sub substrate.Client, inv *inventory.Inventory, power PowerSource, perf PerformanceController, cfg config.SchedulerConfig, logger *zap.Logger) *Placer {
	return &Placer{
		sub:    sub,
		inv:    inv,
		power:  power,
		perf:   perf,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "placer")),
	}
}

// Place assigns a task to a VM or reports that it must queue. Substrate
// errors are caught here; they demote the attempt to StatusQueued and
// never escape to the event handler.
func (p *Placer) Place(now domain.Time, task domain.TaskID) (Result, error) {
	info, err := p.sub.TaskGetInfo(task)
	if err != nil {
		return Result{}, err
	}

	urgency := info.Urgency(now)
	res := Result{SLA: info.RequiredSLA, Urgency: urgency}

	machine, found := p.findBestMachine(info)
	if !found {
		if woken, ok := p.power.PowerOnMatching(info); ok {
			res.PoweredOn = true
			p.logger.Info("no candidate; waking machine",
				zap.Uint64("task_id", uint64(task)),
				zap.Uint32("machine_id", uint32(woken)))
		} else {
			p.logger.Info("no candidate and nothing to wake",
				zap.Uint64("task_id", uint64(task)),
				zap.String("cpu", string(info.RequiredCPU)))
		}
		res.Status = StatusQueued
		return res, nil
	}

	vm, ok := p.findOrCreateVM(machine, info)
	if !ok {
		res.Status = StatusQueued
		return res, nil
	}

	priority := PriorityFor(info.RequiredSLA, urgency)
	if err := p.sub.VmAddTask(vm, task, priority); err != nil {
		p.logger.Warn("add task rejected",
			zap.Uint64("task_id", uint64(task)),
			zap.String("vm_id", string(vm)),
			zap.Error(err))
		res.Status = StatusQueued
		return res, nil
	}
	if err := p.inv.BindTask(task, vm); err != nil {
		// Bookkeeping disagrees with the substrate; log and carry on,
		// the substrate-side assignment stands.
		p.logger.Warn("task binding inconsistent",
			zap.Uint64("task_id", uint64(task)),
			zap.String("vm_id", string(vm)),
			zap.Error(err))
	}

	p.perf.OnPlacement(now, machine, urgency, info.RequiredSLA)

	p.logger.Info("task placed",
		zap.Uint64("task_id", uint64(task)),
		zap.String("vm_id", string(vm)),
		zap.Uint32("machine_id", uint32(machine)),
		zap.String("sla", info.RequiredSLA.String()),
		zap.String("priority", string(priority)),
		zap.String("class", string(domain.ClassifyTask(info, now))),
	)

	res.Status = StatusAssigned
	res.VM = vm
	res.Machine = machine
	return res, nil
}

// findBestMachine scans all machines and returns the lowest-scoring
// candidate. A machine qualifies only when it is active with no pending
// transition, hosts no migrating VM, matches the task's architecture
// and GPU needs, and has the memory headroom.
func (p *Placer) findBestMachine(task domain.TaskInfo) (domain.MachineID, bool) {
	var best domain.MachineID
	bestScore := math.Inf(1)
	found := false

	for i := 0; i < p.sub.MachineGetTotal(); i++ {
		id := domain.MachineID(i)
		if p.inv.IsPendingState(id) || p.inv.HasMigratingVM(id) {
			continue
		}
		info, err := p.sub.MachineGetInfo(id)
		if err != nil {
			// Transient substrate failure; skip this candidate.
			continue
		}
		if info.SState != domain.S0 {
			continue
		}
		if info.CPU != task.RequiredCPU {
			continue
		}
		if task.GPUCapable && !info.GPUs {
			continue
		}
		if info.MemoryUsed+task.RequiredMemory > info.MemorySize {
			continue
		}

		score := p.score(info, task)
		if score < bestScore {
			best, bestScore, found = id, score, true
		}
	}
	return best, found
}

// score is load plus placement biases; lower wins. Strict-SLA tasks
// prefer machines already running fast, and lightly loaded machines get
// a bonus.
func (p *Placer) score(info domain.MachineInfo, task domain.TaskInfo) float64 {
	load := info.Load()
	score := load

	if task.RequiredSLA == domain.SLA0 || task.RequiredSLA == domain.SLA1 {
		switch info.PState {
		case domain.P0:
			score -= 0.3
		case domain.P1:
			score -= 0.2
		}
	}
	if load < p.cfg.LoadLow {
		score -= 0.2
	}
	return score
}

// findOrCreateVM returns a VM on the machine able to take the task,
// creating one when necessary. A required guest family that cannot run
// on the machine's architecture is coerced to a compatible one.
func (p *Placer) findOrCreateVM(m domain.MachineID, task domain.TaskInfo) (domain.VMID, bool) {
	machineInfo, err := p.sub.MachineGetInfo(m)
	if err != nil {
		return "", false
	}

	vmType := domain.CoerceVMType(task.RequiredVM, machineInfo.CPU)
	if vmType != task.RequiredVM {
		p.logger.Warn("required vm type incompatible with machine; coercing",
			zap.Uint64("task_id", uint64(task.ID)),
			zap.String("required", string(task.RequiredVM)),
			zap.String("coerced", string(vmType)),
			zap.String("cpu", string(machineInfo.CPU)),
		)
	}

	for _, vm := range p.inv.VMsOn(m) {
		if p.inv.IsMigrating(vm) {
			continue
		}
		info, err := p.sub.VmGetInfo(vm)
		if err != nil {
			continue
		}
		if info.Type == vmType && info.CPU == machineInfo.CPU {
			return vm, true
		}
	}

	vm, err := p.sub.VmCreate(vmType, machineInfo.CPU)
	if err != nil {
		p.logger.Warn("vm create failed", zap.Uint32("machine_id", uint32(m)), zap.Error(err))
		return "", false
	}
	if err := p.sub.VmAttach(vm, m); err != nil {
		p.logger.Warn("vm attach failed",
			zap.String("vm_id", string(vm)),
			zap.Uint32("machine_id", uint32(m)),
			zap.Error(err))
		// Best effort cleanup of the detached VM.
		if shutErr := p.sub.VmShutdown(vm); shutErr != nil {
			p.logger.Debug("orphan vm shutdown failed", zap.String("vm_id", string(vm)), zap.Error(shutErr))
		}
		return "", false
	}
	p.inv.AttachVM(vm, m)

	p.logger.Debug("created vm",
		zap.String("vm_id", string(vm)),
		zap.Uint32("machine_id", uint32(m)),
		zap.String("type", string(vmType)),
	)
	return vm, true
}

// PriorityFor maps an SLA class and urgency to a task priority. SLA0
// and SLA1 run HIGH, SLA2 runs MID, SLA3 runs LOW; urgency can only
// raise the tier. A passed deadline is infinitely urgent and always
// HIGH.
func PriorityFor(sla domain.SLA, urgency float64) domain.Priority {
	switch {
	case sla == domain.SLA0:
		return domain.PriorityHigh
	case sla == domain.SLA1 || urgency > 0.7:
		return domain.PriorityHigh
	case sla == domain.SLA2 || urgency > 0.4:
		return domain.PriorityMid
	default:
		return domain.PriorityLow
	}
}
