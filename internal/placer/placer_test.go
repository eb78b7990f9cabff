package placer

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/inventory"
	"github.com/voltsched/voltsched/internal/sim"
)

type stubPower struct {
	calls int
	id    domain.MachineID
	ok    bool
}

func (s *stubPower) PowerOnMatching(domain.TaskInfo) (domain.MachineID, bool) {
	s.calls++
	return s.id, s.ok
}

type stubPerf struct {
	calls int
	last  domain.MachineID
}

func (s *stubPerf) OnPlacement(now domain.Time, m domain.MachineID, urgency float64, sla domain.SLA) {
	s.calls++
	s.last = m
}

func schedConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		LoadLow:             0.30,
		LoadHigh:            0.70,
		HighUtil:            0.80,
		LowUtil:             0.30,
		VMMemoryOverheadMiB: 128,
	}
}

func x86Fleet(count int) []config.MachineGroup {
	return []config.MachineGroup{
		{
			Count: count, CPU: domain.CPUX86, Cores: 4, MemoryMiB: 16 * 1024,
			MIPS:   [4]int64{3000, 2400, 1600, 800},
			PowerW: [4]float64{240, 180, 120, 80},
			SleepW: 15, OffW: 2,
		},
	}
}

func newPlacer(t *testing.T, fleet []config.MachineGroup) (*Placer, *sim.Cluster, *inventory.Inventory, *stubPower, *stubPerf) {
	t.Helper()
	cluster := sim.NewCluster(fleet, config.SimulationConfig{StateChangeLatencyUS: 1, MigrationLatencyUS: 1}, 128, zap.NewNop())
	inv := inventory.New(zap.NewNop())
	power := &stubPower{}
	perf := &stubPerf{}
	p := New(cluster, inv, power, perf, schedConfig(), zap.NewNop())
	return p, cluster, inv, power, perf
}

func TestPlaceAssignsCompatibleMachine(t *testing.T) {
	p, cluster, inv, _, perf := newPlacer(t, x86Fleet(2))

	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUX86,
		RequiredVM:        domain.VMLinux,
		RequiredMemory:    512,
		RequiredSLA:       domain.SLA2,
		TargetCompletion:  1_000_000,
	})

	res, err := p.Place(0, task)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if res.Status != StatusAssigned {
		t.Fatalf("status = %v, want assigned", res.Status)
	}
	if res.Machine != 0 {
		t.Errorf("machine = %d, want 0 (lowest id wins ties)", res.Machine)
	}
	if vm, ok := inv.VMOf(task); !ok || vm != res.VM {
		t.Errorf("inventory binding = %q, %v, want %q", vm, ok, res.VM)
	}
	if perf.calls != 1 || perf.last != res.Machine {
		t.Errorf("perf controller calls = %d on %d, want 1 on %d", perf.calls, perf.last, res.Machine)
	}
}

func TestPlaceQueuesOnArchMismatch(t *testing.T) {
	p, cluster, _, power, _ := newPlacer(t, x86Fleet(1))
	power.ok = true
	power.id = 9

	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUPower,
		RequiredSLA:       domain.SLA1,
		TargetCompletion:  1_000_000,
	})

	res, err := p.Place(0, task)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if res.Status != StatusQueued {
		t.Fatalf("status = %v, want queued", res.Status)
	}
	if !res.PoweredOn {
		t.Error("PoweredOn = false, want power-on attempt recorded")
	}
	if power.calls != 1 {
		t.Errorf("power source calls = %d, want 1", power.calls)
	}
}

func TestPlaceQueuesOnGPURequirement(t *testing.T) {
	p, cluster, _, power, _ := newPlacer(t, x86Fleet(1))

	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUX86,
		GPUCapable:        true,
		RequiredSLA:       domain.SLA2,
		TargetCompletion:  1_000_000,
	})

	res, err := p.Place(0, task)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if res.Status != StatusQueued {
		t.Errorf("status = %v, want queued on missing gpu", res.Status)
	}
	if power.calls != 1 {
		t.Errorf("power source calls = %d, want 1", power.calls)
	}
}

func TestPlaceCoercesIncompatibleGuest(t *testing.T) {
	p, cluster, _, _, _ := newPlacer(t, x86Fleet(1))

	// AIX cannot run on X86; the task still lands, on a LINUX guest.
	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUX86,
		RequiredVM:        domain.VMAix,
		RequiredSLA:       domain.SLA3,
		TargetCompletion:  1_000_000,
	})

	res, err := p.Place(0, task)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if res.Status != StatusAssigned {
		t.Fatalf("status = %v, want assigned", res.Status)
	}
	info, err := cluster.VmGetInfo(res.VM)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != domain.VMLinux {
		t.Errorf("vm type = %s, want LINUX after coercion", info.Type)
	}
}

func TestPlaceReusesMatchingVM(t *testing.T) {
	p, cluster, _, _, _ := newPlacer(t, x86Fleet(1))

	mk := func() domain.TaskID {
		return cluster.AddTask(domain.TaskInfo{
			TotalInstructions: 1_000_000,
			RequiredCPU:       domain.CPUX86,
			RequiredVM:        domain.VMLinux,
			RequiredMemory:    256,
			RequiredSLA:       domain.SLA3,
			TargetCompletion:  1_000_000,
		})
	}

	first, err := p.Place(0, mk())
	if err != nil || first.Status != StatusAssigned {
		t.Fatalf("first Place = %+v, %v", first, err)
	}
	second, err := p.Place(0, mk())
	if err != nil || second.Status != StatusAssigned {
		t.Fatalf("second Place = %+v, %v", second, err)
	}
	if first.VM != second.VM {
		t.Errorf("second task on vm %q, want reuse of %q", second.VM, first.VM)
	}
}

func TestPlacePrefersFastMachineForStrictSLA(t *testing.T) {
	p, cluster, _, _, _ := newPlacer(t, x86Fleet(2))

	// Machine 1 already runs at P0, machine 0 idles at P3.
	for core := 0; core < 4; core++ {
		if err := cluster.MachineSetCorePerformance(1, core, domain.P0); err != nil {
			t.Fatal(err)
		}
	}

	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUX86,
		RequiredSLA:       domain.SLA0,
		TargetCompletion:  1_000_000,
	})

	res, err := p.Place(0, task)
	if err != nil || res.Status != StatusAssigned {
		t.Fatalf("Place = %+v, %v", res, err)
	}
	if res.Machine != 1 {
		t.Errorf("machine = %d, want 1 (P0 bias for strict SLA)", res.Machine)
	}
}

func TestPlaceSkipsPendingMachines(t *testing.T) {
	p, cluster, inv, _, _ := newPlacer(t, x86Fleet(2))
	inv.MarkPendingState(0)

	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUX86,
		RequiredSLA:       domain.SLA2,
		TargetCompletion:  1_000_000,
	})

	res, err := p.Place(0, task)
	if err != nil || res.Status != StatusAssigned {
		t.Fatalf("Place = %+v, %v", res, err)
	}
	if res.Machine != 1 {
		t.Errorf("machine = %d, want 1 (0 is mid-transition)", res.Machine)
	}
}

func TestPlaceQueuesWhenMemoryExhausted(t *testing.T) {
	p, cluster, _, _, _ := newPlacer(t, x86Fleet(1))

	task := cluster.AddTask(domain.TaskInfo{
		TotalInstructions: 1_000_000,
		RequiredCPU:       domain.CPUX86,
		RequiredMemory:    32 * 1024, // twice the machine
		RequiredSLA:       domain.SLA2,
		TargetCompletion:  1_000_000,
	})

	res, err := p.Place(0, task)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if res.Status != StatusQueued {
		t.Errorf("status = %v, want queued", res.Status)
	}
}

func TestPlaceUnknownTaskReturnsError(t *testing.T) {
	p, _, _, _, _ := newPlacer(t, x86Fleet(1))
	if _, err := p.Place(0, 999); err == nil {
		t.Fatal("Place with unknown task returned nil error")
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		name    string
		sla     domain.SLA
		urgency float64
		want    domain.Priority
	}{
		{"sla0 always high", domain.SLA0, 0, domain.PriorityHigh},
		{"sla1 always high", domain.SLA1, 0, domain.PriorityHigh},
		{"high urgency promotes", domain.SLA3, 0.8, domain.PriorityHigh},
		{"sla2 mid", domain.SLA2, 0, domain.PriorityMid},
		{"moderate urgency mid", domain.SLA3, 0.5, domain.PriorityMid},
		{"best effort low", domain.SLA3, 0.1, domain.PriorityLow},
		{"passed deadline high", domain.SLA3, math.Inf(1), domain.PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriorityFor(tt.sla, tt.urgency); got != tt.want {
				t.Errorf("PriorityFor(%s, %v) = %s, want %s", tt.sla, tt.urgency, got, tt.want)
			}
		})
	}
}
