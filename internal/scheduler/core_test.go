package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/sim"
)

func testConfig(floor int) *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			LoadLow:             0.30,
			LoadHigh:            0.70,
			HighUtil:            0.80,
			LowUtil:             0.30,
			VMMemoryOverheadMiB: 128,
		},
		DVFS: config.DVFSConfig{SLAFactors: [4]float64{0.85, 0.90, 0.95, 1.0}},
		Power: config.PowerConfig{
			InitialActiveMachines:   floor,
			ConsolidationIntervalUS: 300_000,
			PowerOnDwellUS:          300_000,
		},
		Simulation: config.SimulationConfig{
			PeriodIntervalUS:     50_000,
			StateChangeLatencyUS: 20_000,
			MigrationLatencyUS:   40_000,
		},
	}
}

func newCore(t *testing.T, fleet []config.MachineGroup, floor int) (*Core, *sim.Cluster) {
	t.Helper()
	cfg := testConfig(floor)
	cluster := sim.NewCluster(fleet, cfg.Simulation, cfg.Scheduler.VMMemoryOverheadMiB, zap.NewNop())
	return New(cluster, cfg, nil, zap.NewNop()), cluster
}

func x86Group(count int) config.MachineGroup {
	return config.MachineGroup{
		Count: count, CPU: domain.CPUX86, Cores: 4, MemoryMiB: 16 * 1024,
		MIPS:   [4]int64{3000, 2400, 1600, 800},
		PowerW: [4]float64{240, 180, 120, 80},
		SleepW: 15, OffW: 2,
	}
}

func powerGroup(count int) config.MachineGroup {
	return config.MachineGroup{
		Count: count, CPU: domain.CPUPower, Cores: 8, MemoryMiB: 32 * 1024, GPU: true,
		MIPS:   [4]int64{4200, 3400, 2300, 1200},
		PowerW: [4]float64{480, 360, 240, 160},
		SleepW: 25, OffW: 4,
	}
}

// deliver feeds due cluster events back into the core the way the
// engine would.
func deliver(core *Core, events []sim.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case sim.EventTaskComplete:
			core.TaskComplete(ev.Time, ev.Task)
		case sim.EventStateChangeComplete:
			core.StateChangeComplete(ev.Time, ev.Machine)
		case sim.EventMigrationComplete:
			core.MigrationComplete(ev.Time, ev.VM)
		case sim.EventMemoryWarning:
			core.MemoryWarning(ev.Time, ev.Machine)
		case sim.EventSLAWarning:
			core.SLAWarning(ev.Time, ev.Task)
		}
	}
}

func TestInitWarmsFloorAndParksRest(t *testing.T) {
	core, _ := newCore(t, []config.MachineGroup{x86Group(4)}, 2)

	core.Init()

	inv := core.Inventory()
	for _, m := range []domain.MachineID{0, 1} {
		if len(inv.VMsOn(m)) == 0 {
			t.Errorf("warm machine %d has no bootstrap vm", m)
		}
	}
	// The two machines beyond the floor are being powered off.
	if got := inv.PendingStateCount(); got != 2 {
		t.Errorf("PendingStateCount = %d, want 2", got)
	}
}

func TestQueuedTaskPlacedAfterPowerOn(t *testing.T) {
	fleet := []config.MachineGroup{x86Group(1), powerGroup(1)}
	core, cluster := newCore(t, fleet, 1)

	core.Init()
	// Machine 1 is beyond the floor; let its power-off land.
	deliver(core, cluster.Advance(25_000))
	if got := core.Inventory().PendingStateCount(); got != 0 {
		t.Fatalf("PendingStateCount after settling = %d, want 0", got)
	}

	// A POWER task has no active host; the core wakes machine 1 and
	// queues the task.
	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUPower,
		RequiredVM:        domain.VMAix,
		RequiredMemory:    512,
		RequiredSLA:       domain.SLA1,
		TargetCompletion:  10_000_000,
	})
	core.NewTask(30_000, task)

	if !core.PendingQueue().Contains(task) {
		t.Fatal("task not queued while host powers on")
	}
	if !core.Inventory().IsPendingState(1) {
		t.Fatal("machine 1 not powering on for the queued task")
	}

	// Power-on completes; the queue drains onto the new machine.
	deliver(core, cluster.Advance(60_000))

	if core.PendingQueue().Contains(task) {
		t.Error("task still queued after power-on completed")
	}
	vm, ok := core.Inventory().VMOf(task)
	if !ok {
		t.Fatal("task not bound after drain")
	}
	if m, _ := core.Inventory().MachineOf(vm); m != 1 {
		t.Errorf("task landed on machine %d, want 1", m)
	}
}

func TestPeriodicCheckIsFixedPoint(t *testing.T) {
	core, cluster := newCore(t, []config.MachineGroup{x86Group(4)}, 2)

	core.Init()
	deliver(core, cluster.Advance(25_000))

	core.PeriodicCheck(40_000)
	first := clusterSnapshot(t, cluster, core)

	core.PeriodicCheck(41_000)
	second := clusterSnapshot(t, cluster, core)

	if first != second {
		t.Errorf("back-to-back checks changed state:\n%s\nvs\n%s", first, second)
	}
}

func clusterSnapshot(t *testing.T, cluster *sim.Cluster, core *Core) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < cluster.MachineGetTotal(); i++ {
		info, err := cluster.MachineGetInfo(domain.MachineID(i))
		if err != nil {
			t.Fatal(err)
		}
		b.WriteString(info.SState.String())
		b.WriteString(info.PState.String())
	}
	fmt.Fprintf(&b, " pending:%d queue:%d",
		core.Inventory().PendingStateCount(), core.PendingQueue().Len())
	return b.String()
}

func TestSLAWarningForUnknownTaskIsNoOp(t *testing.T) {
	core, cluster := newCore(t, []config.MachineGroup{x86Group(2)}, 2)
	core.Init()

	before, err := cluster.MachineGetInfo(0)
	if err != nil {
		t.Fatal(err)
	}
	core.SLAWarning(10_000, 999)
	after, err := cluster.MachineGetInfo(0)
	if err != nil {
		t.Fatal(err)
	}
	if before.PState != after.PState {
		t.Errorf("PState changed by a stale warning: %s -> %s", before.PState, after.PState)
	}
}

func TestSLAWarningBoostsHostAndPriority(t *testing.T) {
	core, cluster := newCore(t, []config.MachineGroup{x86Group(1)}, 1)
	core.Init()

	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1 << 40,
		RequiredCPU:       domain.CPUX86,
		RequiredMemory:    256,
		RequiredSLA:       domain.SLA1,
		TargetCompletion:  1 << 50,
	})
	core.NewTask(0, task)
	if _, ok := core.Inventory().VMOf(task); !ok {
		t.Fatal("setup: task not placed")
	}

	// Drop the machine to P3 so the boost is observable.
	for c := 0; c < 4; c++ {
		if err := cluster.MachineSetCorePerformance(0, c, domain.P3); err != nil {
			t.Fatal(err)
		}
	}

	core.SLAWarning(10_000, task)

	info, err := cluster.MachineGetInfo(0)
	if err != nil {
		t.Fatal(err)
	}
	if info.PState != domain.P0 {
		t.Errorf("PState = %s after warning, want P0", info.PState)
	}
	prio, err := cluster.TaskGetPriority(task)
	if err != nil {
		t.Fatal(err)
	}
	if prio != domain.PriorityHigh {
		t.Errorf("priority = %s after warning, want HIGH", prio)
	}
}

func TestDrainReordersByFreshUrgency(t *testing.T) {
	core, cluster := newCore(t, []config.MachineGroup{x86Group(1)}, 1)
	core.Init()

	// A long-running blocker leaves room for only one of the two
	// waiting tasks once it finishes.
	blocker := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1 << 40,
		RequiredCPU:       domain.CPUX86,
		RequiredVM:        domain.VMLinux,
		RequiredMemory:    7500,
		RequiredSLA:       domain.SLA3,
		TargetCompletion:  1 << 50,
	})
	core.NewTask(0, blocker)
	if _, ok := core.Inventory().VMOf(blocker); !ok {
		t.Fatal("setup: blocker not placed")
	}

	// At enqueue time the later deadline carries more work, so its
	// urgency is higher: closer = 1e8/3e5 ≈ 333, later = 1e9/2e6 = 500.
	// By the time the blocker finishes the closer deadline dominates:
	// 1e8/5e4 = 2000 against 1e9/1.75e6 ≈ 571.
	closer := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 100_000_000,
		RequiredCPU:       domain.CPUX86,
		RequiredVM:        domain.VMLinux,
		RequiredMemory:    9000,
		RequiredSLA:       domain.SLA3,
		TargetCompletion:  300_000,
	})
	later := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000_000,
		RequiredCPU:       domain.CPUX86,
		RequiredVM:        domain.VMLinux,
		RequiredMemory:    9000,
		RequiredSLA:       domain.SLA3,
		TargetCompletion:  2_000_000,
	})
	core.NewTask(0, closer)
	core.NewTask(0, later)
	if !core.PendingQueue().Contains(closer) || !core.PendingQueue().Contains(later) {
		t.Fatal("setup: waiting tasks not queued")
	}

	// The blocker finishes at 250ms; the drain must re-evaluate
	// urgency at that time and give the freed capacity to the task
	// whose deadline closed in, not to the one that looked more urgent
	// at enqueue.
	vm, _ := core.Inventory().VMOf(blocker)
	if err := cluster.VmRemoveTask(vm, blocker); err != nil {
		t.Fatal(err)
	}
	core.TaskComplete(250_000, blocker)

	if _, ok := core.Inventory().VMOf(closer); !ok {
		t.Error("task with the nearer deadline not placed first")
	}
	if core.PendingQueue().Contains(closer) {
		t.Error("placed task still queued")
	}
	if _, ok := core.Inventory().VMOf(later); ok {
		t.Error("stale-urgency task took the freed capacity")
	}
	if !core.PendingQueue().Contains(later) {
		t.Error("unplaced task dropped from the queue")
	}
}

func TestMemoryWarningBoostsAndMigrates(t *testing.T) {
	core, cluster := newCore(t, []config.MachineGroup{x86Group(2)}, 2)
	core.Init()

	mk := func() domain.TaskID {
		return cluster.AddTask(domain.TaskInfo{
			TotalInstructions: 1 << 40,
			RequiredCPU:       domain.CPUX86,
			RequiredVM:        domain.VMLinux,
			RequiredMemory:    512,
			RequiredSLA:       domain.SLA3,
			TargetCompletion:  1 << 50,
		})
	}
	// One task per machine: the second machine is then a valid,
	// non-empty migration target.
	core.NewTask(0, mk())
	core.NewTask(0, mk())
	inv := core.Inventory()
	if inv.TaskCount(0) != 1 || inv.TaskCount(1) != 1 {
		t.Fatalf("setup spread = %d/%d, want 1/1", inv.TaskCount(0), inv.TaskCount(1))
	}

	core.MemoryWarning(10_000, 0)

	if !inv.UnderMemoryPressure(0) {
		t.Error("machine 0 not flagged under pressure")
	}
	info, err := cluster.MachineGetInfo(0)
	if err != nil {
		t.Fatal(err)
	}
	if info.PState != domain.P0 {
		t.Errorf("PState = %s after warning, want P0", info.PState)
	}
	if got := inv.MigrationsInFlight(); got != 1 {
		t.Errorf("migrations in flight = %d, want 1", got)
	}

	// The migration lands and the pressure clears on the next periodic
	// check once the substrate reports headroom again.
	deliver(core, cluster.Advance(60_000))
	if got := inv.MigrationsInFlight(); got != 0 {
		t.Errorf("migrations still in flight after completion: %d", got)
	}
	core.PeriodicCheck(70_000)
	if inv.UnderMemoryPressure(0) {
		t.Error("pressure flag not cleared with memory back under capacity")
	}
}

func TestShutdownWritesReport(t *testing.T) {
	core, _ := newCore(t, []config.MachineGroup{x86Group(2)}, 2)
	var buf bytes.Buffer
	core.SetReportWriter(&buf)

	core.Shutdown(5_000_000)

	want := "SLA violation report\n" +
		"SLA0: 100%\n" +
		"SLA1: 100%\n" +
		"SLA2: 100%\n" +
		"Total Energy 0 KW-Hour\n" +
		"Simulation run finished in 5 seconds\n"
	if got := buf.String(); got != want {
		t.Errorf("report = %q, want %q", got, want)
	}
}

func TestEndToEndRunDrainsEverything(t *testing.T) {
	cfg := testConfig(2)
	cluster := sim.NewCluster([]config.MachineGroup{x86Group(2)}, cfg.Simulation, cfg.Scheduler.VMMemoryOverheadMiB, zap.NewNop())
	core := New(cluster, cfg, nil, zap.NewNop())
	var buf bytes.Buffer
	core.SetReportWriter(&buf)

	mk := func(at domain.Time, sla domain.SLA) sim.Arrival {
		return sim.Arrival{At: at, Info: domain.TaskInfo{
			TotalInstructions: 900 * 1_000_000, // 0.3 s at full speed
			RequiredCPU:       domain.CPUX86,
			RequiredVM:        domain.VMLinux,
			RequiredMemory:    512,
			RequiredSLA:       sla,
			TargetCompletion:  at + 5_000_000,
		}}
	}
	arrivals := []sim.Arrival{
		mk(10_000, domain.SLA0),
		mk(20_000, domain.SLA1),
		mk(30_000, domain.SLA3),
	}

	engine := sim.NewEngine(cluster, core, arrivals, 50_000, 30_000_000, zap.NewNop())
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := core.Inventory().TaskTotal(); got != 0 {
		t.Errorf("tasks still bound after run: %d", got)
	}
	if got := core.PendingQueue().Len(); got != 0 {
		t.Errorf("queue depth after run: %d", got)
	}

	report := buf.String()
	for _, line := range []string{
		"SLA violation report",
		"SLA0: 100%",
		"SLA1: 100%",
		"Total Energy ",
		"Simulation run finished in ",
	} {
		if !strings.Contains(report, line) {
			t.Errorf("report missing %q:\n%s", line, report)
		}
	}
}
