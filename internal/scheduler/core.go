// Package scheduler is the event dispatcher of the placement core. The
// host simulator invokes one callback at a time; each handler runs to
// completion, mutates the inventory, and requests substrate side
// effects without ever blocking on their completion.
package scheduler

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/dvfs"
	"github.com/voltsched/voltsched/internal/inventory"
	"github.com/voltsched/voltsched/internal/metrics"
	"github.com/voltsched/voltsched/internal/placer"
	"github.com/voltsched/voltsched/internal/power"
	"github.com/voltsched/voltsched/internal/queue"
	"github.com/voltsched/voltsched/internal/substrate"
)

// Core wires the inventory, placer, DVFS controller, power manager and
// pending queue behind the substrate's callback surface. It holds the
// only reference to the inventory; callbacks are thin trampolines into
// this value.
type Core struct {
	sub     substrate.Client
	inv     *inventory.Inventory
	placer  *placer.Placer
	dvfs    *dvfs.Controller
	power   *power.Manager
	pending *queue.PendingQueue
	metrics *metrics.Metrics
	cfg     *config.Config
	logger  *zap.Logger

	report io.Writer
}

// New builds a scheduler core on top of a substrate client. The metrics
// argument may be nil.
func New(sub substrate.Client, cfg *config.Config, mx *metrics.Metrics, logger *zap.Logger) *Core {
	inv := inventory.New(logger)
	ctrl := dvfs.New(sub, inv, cfg.Scheduler, cfg.DVFS, logger)
	pm := power.NewManager(sub, inv, cfg.Scheduler, cfg.Power, mx, logger)
	pl := placer.New(sub, inv, pm, ctrl, cfg.Scheduler, logger)

	return &Core{
		sub:     sub,
		inv:     inv,
		placer:  pl,
		dvfs:    ctrl,
		power:   pm,
		pending: queue.New(),
		metrics: mx,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "scheduler")),
		report:  os.Stdout,
	}
}

// SetReportWriter redirects the final report, primarily for tests.
func (c *Core) SetReportWriter(w io.Writer) {
	c.report = w
}

// Inventory exposes the bookkeeping for inspection in tests.
func (c *Core) Inventory() *inventory.Inventory {
	return c.inv
}

// PendingQueue exposes the pending queue for inspection in tests.
func (c *Core) PendingQueue() *queue.PendingQueue {
	return c.pending
}

// PowerManager exposes the power manager for inspection in tests.
func (c *Core) PowerManager() *power.Manager {
	return c.power
}

// recoverHandler keeps panics from crossing the callback boundary; the
// contract with the host is that every handler returns normally.
func (c *Core) recoverHandler(name string) {
	if r := recover(); r != nil {
		c.logger.Error("handler panic suppressed",
			zap.String("handler", name),
			zap.Any("panic", r))
	}
}

// Init seeds the initial active set: the first InitialActiveMachines
// machines are warmed up with a bootstrap VM each, the rest are powered
// off.
func (c *Core) Init() {
	defer c.recoverHandler("Init")

	total := c.sub.MachineGetTotal()
	c.logger.Info("initializing scheduler", zap.Int("machines", total))

	warm := c.cfg.Power.InitialActiveMachines
	for i := 0; i < total; i++ {
		id := domain.MachineID(i)
		info, err := c.sub.MachineGetInfo(id)
		if err != nil {
			c.logger.Warn("machine info unavailable at init", zap.Uint32("machine_id", uint32(i)), zap.Error(err))
			continue
		}

		if i < warm {
			switch info.SState {
			case domain.S0:
				c.ensureBootstrapVM(info)
			default:
				if err := c.sub.MachineSetState(id, domain.S0); err != nil {
					c.logger.Warn("power-on request rejected at init", zap.Uint32("machine_id", uint32(i)), zap.Error(err))
					continue
				}
				c.inv.MarkPendingState(id)
				c.metrics.PowerTransition("on")
			}
			continue
		}

		if info.SState != domain.S5 {
			if err := c.sub.MachineSetState(id, domain.S5); err != nil {
				c.logger.Warn("power-off request rejected at init", zap.Uint32("machine_id", uint32(i)), zap.Error(err))
				continue
			}
			c.inv.MarkPendingState(id)
			c.metrics.PowerTransition("off")
		}
	}

	c.logger.Info("scheduler initialized",
		zap.Int("warm_machines", warm),
		zap.Int("total_machines", total))
}

// NewTask places an arriving task or queues it when no suitable host
// exists.
func (c *Core) NewTask(now domain.Time, task domain.TaskID) {
	defer c.recoverHandler("NewTask")

	res, err := c.placer.Place(now, task)
	if err != nil {
		// The task descriptor was unreadable; queue it best-effort so it
		// is retried on the next drain instead of being dropped.
		c.logger.Warn("task info unavailable; queued for retry",
			zap.Uint64("task_id", uint64(task)), zap.Error(err))
		c.pending.Push(queue.Entry{Task: task, SLA: domain.SLA3})
		c.metrics.Placement("queued")
		c.metrics.SetQueueDepth(c.pending.Len())
		return
	}

	switch res.Status {
	case placer.StatusAssigned:
		c.metrics.Placement("assigned")
	case placer.StatusQueued:
		c.pending.Push(queue.Entry{Task: task, SLA: res.SLA, Urgency: res.Urgency})
		c.metrics.Placement("queued")
		c.logger.Info("task queued",
			zap.Uint64("task_id", uint64(task)),
			zap.String("sla", res.SLA.String()),
			zap.Int("queue_depth", c.pending.Len()))
	}
	c.metrics.SetQueueDepth(c.pending.Len())
}

// TaskComplete clears a finished task, reassesses the host's P-state,
// considers retiring it, and drains the queue.
func (c *Core) TaskComplete(now domain.Time, task domain.TaskID) {
	defer c.recoverHandler("TaskComplete")

	vm, machine, ok := c.inv.UnbindTask(task)
	if !ok {
		if c.pending.Remove(task) {
			c.logger.Debug("queued task completed before placement", zap.Uint64("task_id", uint64(task)))
			c.metrics.SetQueueDepth(c.pending.Len())
			return
		}
		c.logger.Warn("completed task not in records", zap.Uint64("task_id", uint64(task)))
		return
	}

	c.logger.Debug("task completed",
		zap.Uint64("task_id", uint64(task)),
		zap.String("vm_id", string(vm)),
		zap.Uint32("machine_id", uint32(machine)))

	c.dvfs.Reassess(now, machine)
	c.power.MaybePowerOff(now, machine)
	c.drain(now)
}

// PeriodicCheck refreshes utilization, runs the SLA-risk and DVFS
// sweeps, retires idle machines, consolidates, and drains the queue.
func (c *Core) PeriodicCheck(now domain.Time) {
	defer c.recoverHandler("PeriodicCheck")

	total := c.sub.MachineGetTotal()
	for i := 0; i < total; i++ {
		id := domain.MachineID(i)
		if c.inv.IsPendingState(id) {
			continue
		}
		info, err := c.sub.MachineGetInfo(id)
		if err != nil || info.SState != domain.S0 {
			continue
		}

		// Memory pressure clears once the substrate reports headroom
		// again; the P0 pin lifts with it.
		if c.inv.UnderMemoryPressure(id) && info.MemoryUsed < info.MemorySize {
			c.inv.SetMemoryPressure(id, false)
			c.logger.Info("memory pressure cleared", zap.Uint32("machine_id", uint32(i)))
		}

		c.dvfs.Reassess(now, id)
		c.power.MaybePowerOff(now, id)
	}

	// Proactively wake a machine under sustained cluster load or a
	// non-empty queue, but never while another power-on is in flight:
	// back-to-back checks must be a fixed point.
	if c.inv.PendingStateCount() == 0 {
		load := c.power.ClusterLoad()
		if load > c.cfg.Scheduler.LoadHigh*0.8 || c.pending.Len() > 0 {
			if _, ok := c.power.PowerOnAny(); ok {
				c.logger.Info("waking machine for cluster load",
					zap.Float64("cluster_load", load),
					zap.Int("queue_depth", c.pending.Len()))
			}
		}
	}

	c.power.Consolidate(now)
	c.drain(now)

	c.metrics.SetActiveMachines(c.power.UsableMachines())
	c.metrics.SetClusterEnergy(c.sub.MachineGetClusterEnergy())
	c.metrics.SetQueueDepth(c.pending.Len())
}

// MigrationComplete lands a migrated VM on its target, reassesses the
// target's P-state and drains the queue.
func (c *Core) MigrationComplete(now domain.Time, vm domain.VMID) {
	defer c.recoverHandler("MigrationComplete")

	target, ok := c.inv.CompleteMigration(vm)
	if !ok {
		c.logger.Warn("migration completion for unknown migration", zap.String("vm_id", string(vm)))
		c.inv.ClearMigrating(vm)
		return
	}

	c.logger.Info("migration complete",
		zap.String("vm_id", string(vm)),
		zap.Uint32("target", uint32(target)))

	c.dvfs.Reassess(now, target)
	c.drain(now)
}

// StateChangeComplete finalizes a power transition. A machine arriving
// in S0 gets its cores at P0 and a bootstrap VM; a machine arriving in
// S5 is forgotten. Either way the queue drains and stalled
// memory-pressure migrations are retried.
func (c *Core) StateChangeComplete(now domain.Time, m domain.MachineID) {
	defer c.recoverHandler("StateChangeComplete")

	c.inv.ClearPendingState(m)

	info, err := c.sub.MachineGetInfo(m)
	if err != nil {
		c.logger.Warn("machine info unavailable after transition", zap.Uint32("machine_id", uint32(m)), zap.Error(err))
		return
	}

	switch info.SState {
	case domain.S0:
		for core := 0; core < info.NumCPUs; core++ {
			if err := c.sub.MachineSetCorePerformance(m, core, domain.P0); err != nil {
				c.logger.Warn("core performance change rejected",
					zap.Uint32("machine_id", uint32(m)),
					zap.Int("core", core),
					zap.Error(err))
				break
			}
		}
		c.inv.RecordPowerOn(m, now)
		c.ensureBootstrapVM(info)
		c.logger.Info("machine active", zap.Uint32("machine_id", uint32(m)))

		// A memory-pressure migration that found no target may have
		// been waiting for exactly this machine.
		for _, pressured := range c.inv.MachinesUnderPressure() {
			c.relieveMemoryPressure(now, pressured)
		}
	case domain.S5:
		c.inv.ForgetMachine(m)
		c.logger.Info("machine retired", zap.Uint32("machine_id", uint32(m)))
	default:
		c.logger.Warn("transition completed in intermediate state",
			zap.Uint32("machine_id", uint32(m)),
			zap.String("s_state", info.SState.String()))
	}

	c.drain(now)
}

// MemoryWarning boosts the machine to P0 and migrates its busiest
// movable VM away. The boost holds until the pressure clears.
func (c *Core) MemoryWarning(now domain.Time, m domain.MachineID) {
	defer c.recoverHandler("MemoryWarning")

	c.logger.Warn("memory warning", zap.Uint32("machine_id", uint32(m)))
	c.inv.SetMemoryPressure(m, true)
	c.dvfs.Boost(m)
	c.relieveMemoryPressure(now, m)
}

// relieveMemoryPressure migrates the most loaded movable VM off a
// pressured machine, waking a compatible sleeper when no active target
// fits.
func (c *Core) relieveMemoryPressure(now domain.Time, m domain.MachineID) {
	if c.inv.IsPendingState(m) || c.inv.HasMigratingVM(m) {
		return
	}
	vm, ok := c.power.SelectMigrationVM(m)
	if !ok {
		return
	}
	vmInfo, err := c.sub.VmGetInfo(vm)
	if err != nil {
		c.logger.Warn("vm info unavailable under memory pressure", zap.String("vm_id", string(vm)), zap.Error(err))
		return
	}
	if target, ok := c.power.SelectTarget(vmInfo, m); ok {
		c.power.Migrate(now, vm, target, "memory")
		return
	}
	if woken, ok := c.power.PowerOnForVM(vmInfo); ok {
		c.logger.Info("no migration target; waking machine",
			zap.Uint32("machine_id", uint32(m)),
			zap.Uint32("woken", uint32(woken)))
	}
}

// SLAWarning boosts the offending task's host to P0 and raises the
// task's priority for strict classes. A warning for a completed task is
// a no-op.
func (c *Core) SLAWarning(now domain.Time, task domain.TaskID) {
	defer c.recoverHandler("SLAWarning")

	c.metrics.SLAWarning()

	vm, ok := c.inv.VMOf(task)
	if !ok {
		c.logger.Debug("sla warning for unknown task", zap.Uint64("task_id", uint64(task)))
		return
	}
	machine, ok := c.inv.MachineOf(vm)
	if !ok {
		return
	}
	if c.inv.IsPendingState(machine) {
		return
	}

	c.logger.Warn("sla warning",
		zap.Uint64("task_id", uint64(task)),
		zap.Uint32("machine_id", uint32(machine)))

	c.dvfs.Boost(machine)

	info, err := c.sub.TaskGetInfo(task)
	if err != nil {
		return
	}
	if info.RequiredSLA == domain.SLA0 || info.RequiredSLA == domain.SLA1 {
		if err := c.sub.TaskSetPriority(task, domain.PriorityHigh); err != nil {
			c.logger.Warn("priority change rejected", zap.Uint64("task_id", uint64(task)), zap.Error(err))
		}
	}
}

// Shutdown stops every VM, powers the fleet down and emits the final
// report.
func (c *Core) Shutdown(now domain.Time) {
	defer c.recoverHandler("Shutdown")

	c.logger.Info("shutting down", zap.Float64("sim_seconds", now.Seconds()))

	total := c.sub.MachineGetTotal()
	for i := 0; i < total; i++ {
		id := domain.MachineID(i)
		for _, vm := range c.inv.VMsOn(id) {
			if err := c.sub.VmShutdown(vm); err != nil {
				c.logger.Warn("vm shutdown failed", zap.String("vm_id", string(vm)), zap.Error(err))
			}
			c.inv.DetachVM(vm)
		}
		if err := c.sub.MachineSetState(id, domain.S5); err != nil {
			c.logger.Debug("final power-off rejected", zap.Uint32("machine_id", uint32(i)), zap.Error(err))
		}
	}

	c.writeReport(now)
}

// writeReport prints the end-of-run SLA and energy summary in the
// format downstream tooling parses.
func (c *Core) writeReport(now domain.Time) {
	fmt.Fprintln(c.report, "SLA violation report")
	fmt.Fprintf(c.report, "SLA0: %g%%\n", c.sub.SLAReport(domain.SLA0))
	fmt.Fprintf(c.report, "SLA1: %g%%\n", c.sub.SLAReport(domain.SLA1))
	fmt.Fprintf(c.report, "SLA2: %g%%\n", c.sub.SLAReport(domain.SLA2))
	fmt.Fprintf(c.report, "Total Energy %g KW-Hour\n", c.sub.MachineGetClusterEnergy())
	fmt.Fprintf(c.report, "Simulation run finished in %g seconds\n", now.Seconds())
}

// ensureBootstrapVM guarantees an active machine hosts at least one VM
// so arriving tasks have somewhere to land.
func (c *Core) ensureBootstrapVM(info domain.MachineInfo) {
	if len(c.inv.VMsOn(info.ID)) > 0 {
		return
	}
	vmType := domain.CoerceVMType(domain.VMLinux, info.CPU)
	vm, err := c.sub.VmCreate(vmType, info.CPU)
	if err != nil {
		c.logger.Warn("bootstrap vm create failed", zap.Uint32("machine_id", uint32(info.ID)), zap.Error(err))
		return
	}
	if err := c.sub.VmAttach(vm, info.ID); err != nil {
		c.logger.Warn("bootstrap vm attach failed",
			zap.String("vm_id", string(vm)),
			zap.Uint32("machine_id", uint32(info.ID)),
			zap.Error(err))
		return
	}
	c.inv.AttachVM(vm, info.ID)
	c.logger.Debug("bootstrap vm created",
		zap.String("vm_id", string(vm)),
		zap.Uint32("machine_id", uint32(info.ID)))
}

// drain retries queued tasks in SLA-then-urgency order, stopping at the
// first task that still cannot be placed so lower classes never starve
// the head of the queue.
func (c *Core) drain(now domain.Time) {
	// Deadlines close in while tasks wait; recompute every urgency so
	// the drain order reflects now, not enqueue time.
	c.pending.Refresh(func(task domain.TaskID) (float64, bool) {
		info, err := c.sub.TaskGetInfo(task)
		if err != nil {
			return 0, false
		}
		return info.Urgency(now), true
	})

	for _, entry := range c.pending.Sorted() {
		if _, bound := c.inv.VMOf(entry.Task); bound {
			c.pending.Remove(entry.Task)
			continue
		}

		res, err := c.placer.Place(now, entry.Task)
		if err != nil {
			c.logger.Warn("queued task info unavailable", zap.Uint64("task_id", uint64(entry.Task)), zap.Error(err))
			break
		}
		if res.Status != placer.StatusAssigned {
			c.pending.UpdateUrgency(entry.Task, res.Urgency)
			break
		}
		c.pending.Remove(entry.Task)
		c.metrics.Placement("assigned")
	}
	c.metrics.SetQueueDepth(c.pending.Len())
}
