// Package sim is the reference in-memory substrate: a simulated machine
// fleet with energy accounting, task progress, and asynchronous power
// transitions and migrations delivered as events in simulated time. The
// scheduler core only ever sees it through the substrate interface.
package sim

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/substrate"
)

// EventKind discriminates the callbacks the cluster produces.
type EventKind int

const (
	EventTaskComplete EventKind = iota
	EventStateChangeComplete
	EventMigrationComplete
	EventMemoryWarning
	EventSLAWarning
)

// Event is one deferred callback due for delivery to the scheduler.
type Event struct {
	Time    domain.Time
	Kind    EventKind
	Task    domain.TaskID
	Machine domain.MachineID
	VM      domain.VMID
}

type simMachine struct {
	group config.MachineGroup

	cpu        domain.CPUType
	numCPUs    int
	memorySize int64
	memoryUsed int64
	gpus       bool
	sState     domain.SState
	cores      []domain.PState

	energyWh float64

	// Pending power transition; transitionAt < 0 means none.
	transitionTo domain.SState
	transitionAt domain.Time

	memoryWarned bool
}

func (m *simMachine) pState() domain.PState {
	if len(m.cores) == 0 {
		return domain.P3
	}
	return m.cores[0]
}

func (m *simMachine) watts() float64 {
	switch m.sState {
	case domain.S0:
		return m.group.PowerW[m.pState()]
	case domain.S5:
		return m.group.OffW
	default:
		return m.group.SleepW
	}
}

type simVM struct {
	id       domain.VMID
	vmType   domain.VMType
	cpu      domain.CPUType
	machine  domain.MachineID
	attached bool
	tasks    []domain.TaskID

	// Pending migration; migrateAt < 0 means none.
	migrateTo domain.MachineID
	migrateAt domain.Time
	migrating bool
}

type simTask struct {
	info      domain.TaskInfo
	priority  domain.Priority
	vm        domain.VMID
	running   bool
	completed bool
	slaWarned bool
}

// Cluster implements the substrate over an in-memory fleet. It is
// single-threaded like the scheduler that drives it.
type Cluster struct {
	now      domain.Time
	machines []*simMachine
	vms      map[domain.VMID]*simVM
	tasks    map[domain.TaskID]*simTask

	stateLatency     domain.Time
	migrationLatency domain.Time
	vmOverheadMiB    int64

	completedBySLA [4]int
	metBySLA       [4]int

	logger *zap.Logger
}

var _ substrate.Client = (*Cluster)(nil)

// NewCluster builds the fleet described by the machine groups. All
// machines start in S0 at P3, mirroring a cluster at rest.
func NewCluster(groups []config.MachineGroup, simCfg config.SimulationConfig, vmOverheadMiB int64, logger *zap.Logger) *Cluster {
	c := &Cluster{
		vms:              make(map[domain.VMID]*simVM),
		tasks:            make(map[domain.TaskID]*simTask),
		stateLatency:     domain.Time(simCfg.StateChangeLatencyUS),
		migrationLatency: domain.Time(simCfg.MigrationLatencyUS),
		vmOverheadMiB:    vmOverheadMiB,
		logger:           logger.With(zap.String("component", "sim")),
	}
	for _, g := range groups {
		for i := 0; i < g.Count; i++ {
			cores := make([]domain.PState, g.Cores)
			for j := range cores {
				cores[j] = domain.P3
			}
			c.machines = append(c.machines, &simMachine{
				group:        g,
				cpu:          g.CPU,
				numCPUs:      g.Cores,
				memorySize:   g.MemoryMiB,
				gpus:         g.GPU,
				sState:       domain.S0,
				cores:        cores,
				transitionAt: -1,
			})
		}
	}
	return c
}

// Now returns the cluster's current simulated time.
func (c *Cluster) Now() domain.Time {
	return c.now
}

// MachineGetTotal implements substrate.MachineClient.
func (c *Cluster) MachineGetTotal() int {
	return len(c.machines)
}

func (c *Cluster) machine(id domain.MachineID) (*simMachine, error) {
	if int(id) >= len(c.machines) {
		return nil, fmt.Errorf("machine %d: %w", id, domain.ErrNotFound)
	}
	return c.machines[id], nil
}

// MachineGetInfo implements substrate.MachineClient.
func (c *Cluster) MachineGetInfo(id domain.MachineID) (domain.MachineInfo, error) {
	m, err := c.machine(id)
	if err != nil {
		return domain.MachineInfo{}, err
	}
	activeTasks, activeVMs := 0, 0
	for _, vm := range c.vms {
		if vm.attached && vm.machine == id {
			activeVMs++
			activeTasks += len(vm.tasks)
		}
	}
	return domain.MachineInfo{
		ID:          id,
		CPU:         m.cpu,
		NumCPUs:     m.numCPUs,
		MemorySize:  m.memorySize,
		MemoryUsed:  m.memoryUsed,
		GPUs:        m.gpus,
		SState:      m.sState,
		PState:      m.pState(),
		Performance: m.group.MIPS,
		ActiveTasks: activeTasks,
		ActiveVMs:   activeVMs,
	}, nil
}

// MachineSetState implements substrate.MachineClient. The transition is
// applied after the configured latency and reported by a
// StateChangeComplete event; every request eventually completes.
func (c *Cluster) MachineSetState(id domain.MachineID, s domain.SState) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	if m.transitionAt >= 0 {
		return fmt.Errorf("machine %d: %w", id, domain.ErrPendingTransition)
	}
	m.transitionTo = s
	m.transitionAt = c.now + c.stateLatency
	return nil
}

// MachineSetCorePerformance implements substrate.MachineClient.
// Synchronous.
func (c *Cluster) MachineSetCorePerformance(id domain.MachineID, core int, p domain.PState) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	if core < 0 || core >= m.numCPUs {
		return fmt.Errorf("machine %d core %d: %w", id, core, domain.ErrNotFound)
	}
	m.cores[core] = p
	return nil
}

// MachineGetEnergy implements substrate.MachineClient.
func (c *Cluster) MachineGetEnergy(id domain.MachineID) (float64, error) {
	m, err := c.machine(id)
	if err != nil {
		return 0, err
	}
	return m.energyWh / 1000.0, nil
}

// MachineGetClusterEnergy implements substrate.MachineClient.
func (c *Cluster) MachineGetClusterEnergy() float64 {
	var wh float64
	for _, m := range c.machines {
		wh += m.energyWh
	}
	return wh / 1000.0
}

// VmCreate implements substrate.VMClient.
func (c *Cluster) VmCreate(vt domain.VMType, cpu domain.CPUType) (domain.VMID, error) {
	if !domain.Compatible(vt, cpu) {
		return "", fmt.Errorf("%s on %s: %w", vt, cpu, domain.ErrIncompatible)
	}
	id := domain.VMID(uuid.NewString())
	c.vms[id] = &simVM{
		id:        id,
		vmType:    vt,
		cpu:       cpu,
		migrateAt: -1,
	}
	return id, nil
}

func (c *Cluster) vm(id domain.VMID) (*simVM, error) {
	vm, ok := c.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, domain.ErrNotFound)
	}
	return vm, nil
}

// VmAttach implements substrate.VMClient.
func (c *Cluster) VmAttach(id domain.VMID, machineID domain.MachineID) error {
	vm, err := c.vm(id)
	if err != nil {
		return err
	}
	m, err := c.machine(machineID)
	if err != nil {
		return err
	}
	if vm.attached {
		return fmt.Errorf("vm %s already attached: %w", id, domain.ErrInvalidState)
	}
	if vm.cpu != m.cpu {
		return fmt.Errorf("vm %s on machine %d: %w", id, machineID, domain.ErrIncompatible)
	}
	if m.memoryUsed+c.vmOverheadMiB > m.memorySize {
		return fmt.Errorf("machine %d: %w", machineID, domain.ErrResourceExhausted)
	}
	vm.attached = true
	vm.machine = machineID
	m.memoryUsed += c.vmOverheadMiB
	return nil
}

// VmShutdown implements substrate.VMClient. Resident tasks stop
// running; they are not completed.
func (c *Cluster) VmShutdown(id domain.VMID) error {
	vm, err := c.vm(id)
	if err != nil {
		return err
	}
	if vm.attached {
		m := c.machines[vm.machine]
		m.memoryUsed -= c.vmOverheadMiB
		for _, taskID := range vm.tasks {
			task := c.tasks[taskID]
			task.running = false
			m.memoryUsed -= task.info.RequiredMemory
		}
	}
	delete(c.vms, id)
	return nil
}

// VmMigrate implements substrate.VMClient. The relocation is applied
// after the configured latency and reported by a MigrationComplete
// event.
func (c *Cluster) VmMigrate(id domain.VMID, target domain.MachineID) error {
	vm, err := c.vm(id)
	if err != nil {
		return err
	}
	if !vm.attached {
		return fmt.Errorf("vm %s detached: %w", id, domain.ErrInvalidState)
	}
	if vm.migrating {
		return fmt.Errorf("vm %s: %w", id, domain.ErrPendingTransition)
	}
	tm, err := c.machine(target)
	if err != nil {
		return err
	}
	if tm.cpu != vm.cpu {
		return fmt.Errorf("vm %s to machine %d: %w", id, target, domain.ErrIncompatible)
	}
	vm.migrating = true
	vm.migrateTo = target
	vm.migrateAt = c.now + c.migrationLatency
	return nil
}

// VmGetInfo implements substrate.VMClient.
func (c *Cluster) VmGetInfo(id domain.VMID) (domain.VMInfo, error) {
	vm, err := c.vm(id)
	if err != nil {
		return domain.VMInfo{}, err
	}
	tasks := make([]domain.TaskID, len(vm.tasks))
	copy(tasks, vm.tasks)
	return domain.VMInfo{
		ID:          id,
		Type:        vm.vmType,
		CPU:         vm.cpu,
		MachineID:   vm.machine,
		Attached:    vm.attached,
		ActiveTasks: tasks,
	}, nil
}

// VmIsPendingMigration implements substrate.VMClient.
func (c *Cluster) VmIsPendingMigration(id domain.VMID) bool {
	vm, ok := c.vms[id]
	return ok && vm.migrating
}

// VmAddTask implements substrate.VMClient.
func (c *Cluster) VmAddTask(id domain.VMID, taskID domain.TaskID, p domain.Priority) error {
	vm, err := c.vm(id)
	if err != nil {
		return err
	}
	if !vm.attached {
		return fmt.Errorf("vm %s detached: %w", id, domain.ErrInvalidState)
	}
	task, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, domain.ErrNotFound)
	}
	if task.running || task.completed {
		return fmt.Errorf("task %d: %w", taskID, domain.ErrInvalidState)
	}
	m := c.machines[vm.machine]
	if m.memoryUsed+task.info.RequiredMemory > m.memorySize {
		return fmt.Errorf("machine %d: %w", vm.machine, domain.ErrResourceExhausted)
	}
	vm.tasks = append(vm.tasks, taskID)
	task.vm = id
	task.running = true
	task.priority = p
	m.memoryUsed += task.info.RequiredMemory
	return nil
}

// VmRemoveTask implements substrate.VMClient.
func (c *Cluster) VmRemoveTask(id domain.VMID, taskID domain.TaskID) error {
	vm, err := c.vm(id)
	if err != nil {
		return err
	}
	for i, t := range vm.tasks {
		if t == taskID {
			vm.tasks = append(vm.tasks[:i], vm.tasks[i+1:]...)
			task := c.tasks[taskID]
			task.running = false
			if vm.attached {
				c.machines[vm.machine].memoryUsed -= task.info.RequiredMemory
			}
			return nil
		}
	}
	return fmt.Errorf("task %d on vm %s: %w", taskID, id, domain.ErrNotFound)
}

// AddTask registers a new task with the cluster and returns its id.
// Called by the engine at arrival time, before the scheduler sees it.
func (c *Cluster) AddTask(info domain.TaskInfo) domain.TaskID {
	id := domain.TaskID(len(c.tasks) + 1)
	info.ID = id
	info.RemainingInstructions = info.TotalInstructions
	c.tasks[id] = &simTask{info: info, priority: domain.PriorityLow}
	return id
}

// TaskGetInfo implements substrate.TaskClient.
func (c *Cluster) TaskGetInfo(id domain.TaskID) (domain.TaskInfo, error) {
	task, ok := c.tasks[id]
	if !ok {
		return domain.TaskInfo{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return task.info, nil
}

// TaskSetPriority implements substrate.TaskClient.
func (c *Cluster) TaskSetPriority(id domain.TaskID, p domain.Priority) error {
	task, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	task.priority = p
	return nil
}

// TaskGetPriority implements substrate.TaskClient.
func (c *Cluster) TaskGetPriority(id domain.TaskID) (domain.Priority, error) {
	task, ok := c.tasks[id]
	if !ok {
		return domain.PriorityLow, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return task.priority, nil
}

// SLAReport implements substrate.Client: percentage of completed tasks
// of the class that met their deadline.
func (c *Cluster) SLAReport(sla domain.SLA) float64 {
	total := c.completedBySLA[sla]
	if total == 0 {
		return 100.0
	}
	return 100.0 * float64(c.metBySLA[sla]) / float64(total)
}

// Advance moves simulated time forward to the given instant, integrates
// energy, progresses tasks, applies due transitions and migrations, and
// returns the events that became due, ordered by time.
func (c *Cluster) Advance(to domain.Time) []Event {
	if to <= c.now {
		return nil
	}
	dt := to - c.now
	var events []Event

	// Energy: watts over the interval at the state held when it began.
	hours := float64(dt) / 3.6e9
	for _, m := range c.machines {
		m.energyWh += m.watts() * hours
	}

	// Task progress and completions.
	for id, task := range c.tasks {
		if !task.running || task.completed {
			continue
		}
		vm := c.vms[task.vm]
		if vm == nil || !vm.attached {
			continue
		}
		m := c.machines[vm.machine]
		if m.sState != domain.S0 {
			continue
		}
		mips := c.effectiveMIPS(m, vm.machine)
		task.info.RemainingInstructions -= int64(mips * float64(dt))
		if task.info.RemainingInstructions <= 0 {
			task.info.RemainingInstructions = 0
			task.completed = true
			task.running = false
			c.removeTaskFromVM(vm, id)
			sla := task.info.RequiredSLA
			c.completedBySLA[sla]++
			if to <= task.info.TargetCompletion {
				c.metBySLA[sla]++
			}
			events = append(events, Event{Time: to, Kind: EventTaskComplete, Task: id})
		} else if !task.slaWarned && task.info.RequiredSLA <= domain.SLA2 {
			if task.info.RequiredMIPS(to) > mips {
				task.slaWarned = true
				events = append(events, Event{Time: to, Kind: EventSLAWarning, Task: id})
			}
		}
	}

	// Due power transitions.
	for i, m := range c.machines {
		if m.transitionAt >= 0 && m.transitionAt <= to {
			at := m.transitionAt
			m.sState = m.transitionTo
			m.transitionAt = -1
			if m.sState == domain.S0 {
				for j := range m.cores {
					m.cores[j] = domain.P0
				}
			}
			events = append(events, Event{Time: at, Kind: EventStateChangeComplete, Machine: domain.MachineID(i)})
		}
	}

	// Due migrations.
	for id, vm := range c.vms {
		if vm.migrating && vm.migrateAt >= 0 && vm.migrateAt <= to {
			at := vm.migrateAt
			c.applyMigration(vm)
			events = append(events, Event{Time: at, Kind: EventMigrationComplete, VM: id})
		}
	}

	// Memory warnings, edge triggered.
	for i, m := range c.machines {
		over := m.memoryUsed > m.memorySize
		if over && !m.memoryWarned {
			m.memoryWarned = true
			events = append(events, Event{Time: to, Kind: EventMemoryWarning, Machine: domain.MachineID(i)})
		} else if !over {
			m.memoryWarned = false
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })
	c.now = to
	return events
}

// effectiveMIPS is the per-task instruction rate on a machine: full
// core speed while tasks fit on cores, a proportional share beyond.
func (c *Cluster) effectiveMIPS(m *simMachine, id domain.MachineID) float64 {
	perf := float64(m.group.MIPS[m.pState()])
	tasks := 0
	for _, vm := range c.vms {
		if vm.attached && vm.machine == id {
			tasks += len(vm.tasks)
		}
	}
	if tasks <= m.numCPUs {
		return perf
	}
	return perf * float64(m.numCPUs) / float64(tasks)
}

func (c *Cluster) removeTaskFromVM(vm *simVM, id domain.TaskID) {
	for i, t := range vm.tasks {
		if t == id {
			vm.tasks = append(vm.tasks[:i], vm.tasks[i+1:]...)
			break
		}
	}
	if vm.attached {
		c.machines[vm.machine].memoryUsed -= c.tasks[id].info.RequiredMemory
	}
}

func (c *Cluster) applyMigration(vm *simVM) {
	source := c.machines[vm.machine]
	target := c.machines[vm.migrateTo]

	var resident int64
	for _, taskID := range vm.tasks {
		resident += c.tasks[taskID].info.RequiredMemory
	}
	source.memoryUsed -= resident + c.vmOverheadMiB
	target.memoryUsed += resident + c.vmOverheadMiB

	vm.machine = vm.migrateTo
	vm.migrating = false
	vm.migrateAt = -1
}
