package sim

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
)

// recordingHandler places every arriving task on a single VM and counts
// the callbacks it receives.
type recordingHandler struct {
	c  *Cluster
	vm domain.VMID

	inits     int
	newTasks  int
	completes int
	periodics int
	shutdowns int
	lastTime  domain.Time
}

func (h *recordingHandler) Init() {
	h.inits++
	vm, err := h.c.VmCreate(domain.VMLinux, domain.CPUX86)
	if err != nil {
		panic(err)
	}
	if err := h.c.VmAttach(vm, 0); err != nil {
		panic(err)
	}
	h.vm = vm
	for core := 0; core < 4; core++ {
		if err := h.c.MachineSetCorePerformance(0, core, domain.P0); err != nil {
			panic(err)
		}
	}
}

func (h *recordingHandler) NewTask(now domain.Time, task domain.TaskID) {
	h.newTasks++
	h.lastTime = now
	if err := h.c.VmAddTask(h.vm, task, domain.PriorityMid); err != nil {
		panic(err)
	}
}

func (h *recordingHandler) TaskComplete(now domain.Time, task domain.TaskID) {
	h.completes++
	h.lastTime = now
}

func (h *recordingHandler) PeriodicCheck(now domain.Time) {
	h.periodics++
	h.lastTime = now
}

func (h *recordingHandler) MigrationComplete(domain.Time, domain.VMID) {}

func (h *recordingHandler) StateChangeComplete(domain.Time, domain.MachineID) {}

func (h *recordingHandler) MemoryWarning(domain.Time, domain.MachineID) {}

func (h *recordingHandler) SLAWarning(domain.Time, domain.TaskID) {}

func (h *recordingHandler) Shutdown(now domain.Time) {
	h.shutdowns++
	h.lastTime = now
}

func TestEngineDeliversLifecycle(t *testing.T) {
	c := testCluster(t, 1)
	h := &recordingHandler{c: c}

	// Two short tasks; each is 0.1 s of work at P0.
	arrivals := []Arrival{
		{At: 10_000, Info: domain.TaskInfo{
			TotalInstructions: 300 * 1_000_000,
			RequiredCPU:       domain.CPUX86,
			RequiredSLA:       domain.SLA2,
			TargetCompletion:  2_000_000,
		}},
		{At: 30_000, Info: domain.TaskInfo{
			TotalInstructions: 300 * 1_000_000,
			RequiredCPU:       domain.CPUX86,
			RequiredSLA:       domain.SLA3,
			TargetCompletion:  2_000_000,
		}},
	}

	engine := NewEngine(c, h, arrivals, 50_000, 10_000_000, zap.NewNop())
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.inits != 1 || h.shutdowns != 1 {
		t.Errorf("inits = %d, shutdowns = %d, want 1 and 1", h.inits, h.shutdowns)
	}
	if h.newTasks != 2 {
		t.Errorf("newTasks = %d, want 2", h.newTasks)
	}
	if h.completes != 2 {
		t.Errorf("completes = %d, want 2", h.completes)
	}
	if h.periodics == 0 {
		t.Error("no periodic checks delivered")
	}

	// Both tasks had generous deadlines; the run ends well before the
	// horizon once the cluster is quiet.
	if c.Now() >= 10_000_000 {
		t.Errorf("run reached horizon at %d, expected early finish", c.Now())
	}
}

func TestEngineCancellation(t *testing.T) {
	c := testCluster(t, 1)
	h := &recordingHandler{c: c}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(c, h, nil, 50_000, 1_000_000, zap.NewNop())
	if err := engine.Run(ctx); err == nil {
		t.Fatal("Run with cancelled context returned nil error")
	}
	if h.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1 even when cancelled", h.shutdowns)
	}
}

func TestGenerateWorkloadIsReproducible(t *testing.T) {
	cfg := config.SimulationConfig{
		Fleet:     config.DefaultFleet(),
		Tasks:     50,
		Seed:      42,
		HorizonUS: 60_000_000,
	}

	a := GenerateWorkload(cfg)
	b := GenerateWorkload(cfg)
	if len(a) != 50 || len(b) != 50 {
		t.Fatalf("lengths = %d, %d, want 50", len(a), len(b))
	}
	for i := range a {
		if a[i].At != b[i].At || a[i].Info != b[i].Info {
			t.Fatalf("trace diverges at %d with the same seed", i)
		}
	}

	for i, arr := range a {
		if i > 0 && arr.At < a[i-1].At {
			t.Fatal("arrivals not sorted by time")
		}
		if arr.Info.TargetCompletion <= arr.At {
			t.Errorf("task %d deadline %d not after arrival %d", i, arr.Info.TargetCompletion, arr.At)
		}
		if arr.Info.TotalInstructions <= 0 {
			t.Errorf("task %d has no work", i)
		}
	}
}
