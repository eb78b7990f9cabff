// Package dvfs chooses per-core performance states from load, SLA mix
// and deadline risk.
package dvfs

import (
	"math"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/inventory"
	"github.com/voltsched/voltsched/internal/substrate"
)

// Controller applies the P-state policy to machines. Decisions are
// per-machine and applied to every core; transitions are only issued
// when the target differs from the current state.
type Controller struct {
	sub    substrate.Client
	inv    *inventory.Inventory
	sched  config.SchedulerConfig
	cfg    config.DVFSConfig
	logger *zap.Logger
}

// New creates a DVFS controller.
func New(sub substrate.Client, inv *inventory.Inventory, sched config.SchedulerConfig, cfg config.DVFSConfig, logger *zap.Logger) *Controller {
	return &Controller{
		sub:    sub,
		inv:    inv,
		sched:  sched,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "dvfs")),
	}
}

// Reassess runs the full policy for one machine: deadline-risk scan
// first, then SLA mix, then load tiers. Machines with a pending power
// transition or a migrating VM are left untouched.
func (c *Controller) Reassess(now domain.Time, m domain.MachineID) {
	if c.inv.IsPendingState(m) || c.inv.HasMigratingVM(m) {
		return
	}
	info, err := c.sub.MachineGetInfo(m)
	if err != nil {
		c.logger.Warn("machine info unavailable", zap.Uint32("machine_id", uint32(m)), zap.Error(err))
		return
	}
	if info.SState != domain.S0 {
		return
	}

	// A machine under memory pressure stays pinned at P0 until the
	// pressure flag clears.
	if c.inv.UnderMemoryPressure(m) {
		c.apply(info, domain.P0)
		return
	}

	if c.riskScan(now, info) {
		c.apply(info, domain.P0)
		return
	}

	c.apply(info, c.targetForMix(info))
}

// OnPlacement reacts to a task just placed on the machine. The task is
// already bound, so the resident mix and load seen by Reassess include
// it and the one policy decides for placements and periodic sweeps
// alike. A task whose deadline has already passed pins P0 outright.
func (c *Controller) OnPlacement(now domain.Time, m domain.MachineID, urgency float64, sla domain.SLA) {
	if math.IsInf(urgency, 1) {
		c.Boost(m)
		return
	}
	c.Reassess(now, m)
}

// Boost pins a machine at P0 regardless of its load, unless it has a
// pending transition.
func (c *Controller) Boost(m domain.MachineID) {
	if c.inv.IsPendingState(m) {
		return
	}
	info, err := c.sub.MachineGetInfo(m)
	if err != nil {
		c.logger.Warn("machine info unavailable", zap.Uint32("machine_id", uint32(m)), zap.Error(err))
		return
	}
	c.apply(info, domain.P0)
}

// riskScan reports whether any resident task needs more instruction
// throughput than the machine currently delivers, scaled by the SLA
// headroom factor.
func (c *Controller) riskScan(now domain.Time, info domain.MachineInfo) bool {
	currentMIPS := float64(info.MIPS())
	for _, vm := range c.inv.VMsOn(info.ID) {
		for _, task := range c.inv.TasksOn(vm) {
			ti, err := c.sub.TaskGetInfo(task)
			if err != nil {
				// Mid-transition task; skip and keep scanning.
				continue
			}
			required := ti.RequiredMIPS(now)
			if required > currentMIPS*c.cfg.Factor(ti.RequiredSLA) {
				c.logger.Debug("deadline risk detected",
					zap.Uint32("machine_id", uint32(info.ID)),
					zap.Uint64("task_id", uint64(task)),
					zap.String("sla", ti.RequiredSLA.String()),
					zap.Float64("required_mips", required),
					zap.Float64("current_mips", currentMIPS),
				)
				return true
			}
		}
	}
	return false
}

// targetForMix picks the P-state from the SLA classes resident on the
// machine, falling back to load tiers when only best-effort work runs.
func (c *Controller) targetForMix(info domain.MachineInfo) domain.PState {
	load := info.Load()

	hasSLA0, hasSLA1 := false, false
	for _, vm := range c.inv.VMsOn(info.ID) {
		for _, task := range c.inv.TasksOn(vm) {
			ti, err := c.sub.TaskGetInfo(task)
			if err != nil {
				continue
			}
			switch ti.RequiredSLA {
			case domain.SLA0:
				hasSLA0 = true
			case domain.SLA1:
				hasSLA1 = true
			}
		}
	}

	switch {
	case hasSLA0:
		return domain.P0
	case hasSLA1 && load > 0.5:
		return domain.P0
	case hasSLA1:
		return domain.P1
	case load > c.sched.LoadHigh:
		return domain.P0
	case load > c.sched.LoadLow:
		return domain.P1
	case load > 0.1:
		return domain.P2
	default:
		return domain.P3
	}
}

// apply sets every core of the machine to the target state when it
// differs from the current one.
func (c *Controller) apply(info domain.MachineInfo, target domain.PState) {
	if info.PState == target {
		return
	}
	for core := 0; core < info.NumCPUs; core++ {
		if err := c.sub.MachineSetCorePerformance(info.ID, core, target); err != nil {
			c.logger.Warn("core performance change rejected",
				zap.Uint32("machine_id", uint32(info.ID)),
				zap.Int("core", core),
				zap.Error(err))
			return
		}
	}
	c.logger.Debug("performance state changed",
		zap.Uint32("machine_id", uint32(info.ID)),
		zap.String("from", info.PState.String()),
		zap.String("to", target.String()),
	)
}
