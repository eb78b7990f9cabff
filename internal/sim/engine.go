package sim

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/voltsched/voltsched/internal/domain"
)

// Handler is the callback surface the engine drives. The scheduler core
// satisfies it. Handlers are invoked one at a time, in event order, and
// must run to completion.
type Handler interface {
	Init()
	NewTask(now domain.Time, task domain.TaskID)
	TaskComplete(now domain.Time, task domain.TaskID)
	PeriodicCheck(now domain.Time)
	MigrationComplete(now domain.Time, vm domain.VMID)
	StateChangeComplete(now domain.Time, m domain.MachineID)
	MemoryWarning(now domain.Time, m domain.MachineID)
	SLAWarning(now domain.Time, task domain.TaskID)
	Shutdown(now domain.Time)
}

// Arrival is one task entering the system at a point in simulated time.
type Arrival struct {
	At   domain.Time
	Info domain.TaskInfo
}

// Engine advances a Cluster through a timeline of task arrivals and
// periodic ticks, delivering the cluster's deferred events to the
// handler as they fall due.
type Engine struct {
	cluster  *Cluster
	handler  Handler
	arrivals []Arrival

	period  domain.Time
	horizon domain.Time

	logger *zap.Logger
}

// NewEngine builds an engine over a cluster. Arrivals are sorted by
// time; the horizon bounds the run even if tasks remain.
func NewEngine(cluster *Cluster, handler Handler, arrivals []Arrival, period, horizon domain.Time, logger *zap.Logger) *Engine {
	sorted := make([]Arrival, len(arrivals))
	copy(sorted, arrivals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &Engine{
		cluster:  cluster,
		handler:  handler,
		arrivals: sorted,
		period:   period,
		horizon:  horizon,
		logger:   logger.With(zap.String("component", "engine")),
	}
}

// Run executes the simulation: Init, then the merged timeline of
// arrivals and periodic ticks, then Shutdown. Returns early when the
// context is cancelled; the final report is still emitted for the time
// reached.
func (e *Engine) Run(ctx context.Context) error {
	e.handler.Init()

	next := 0
	tick := e.period

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("run cancelled", zap.Float64("sim_seconds", e.cluster.Now().Seconds()))
			e.handler.Shutdown(e.cluster.Now())
			return err
		}

		at := tick
		arrival := next < len(e.arrivals)
		if arrival && e.arrivals[next].At < at {
			at = e.arrivals[next].At
		}
		if at > e.horizon {
			break
		}

		e.dispatch(e.cluster.Advance(at))

		if arrival && e.arrivals[next].At == at {
			for next < len(e.arrivals) && e.arrivals[next].At == at {
				id := e.cluster.AddTask(e.arrivals[next].Info)
				e.handler.NewTask(at, id)
				next++
			}
		}
		if at == tick {
			e.handler.PeriodicCheck(at)
			tick += e.period
		}

		if next >= len(e.arrivals) && e.outstandingTasks() == 0 && e.cluster.quiet() {
			break
		}
	}

	e.handler.Shutdown(e.cluster.Now())
	return nil
}

// dispatch delivers a batch of due cluster events to the handler in
// time order.
func (e *Engine) dispatch(events []Event) {
	for _, ev := range events {
		switch ev.Kind {
		case EventTaskComplete:
			e.handler.TaskComplete(ev.Time, ev.Task)
		case EventStateChangeComplete:
			e.handler.StateChangeComplete(ev.Time, ev.Machine)
		case EventMigrationComplete:
			e.handler.MigrationComplete(ev.Time, ev.VM)
		case EventMemoryWarning:
			e.handler.MemoryWarning(ev.Time, ev.Machine)
		case EventSLAWarning:
			e.handler.SLAWarning(ev.Time, ev.Task)
		}
	}
}

func (e *Engine) outstandingTasks() int {
	n := 0
	for _, t := range e.cluster.tasks {
		if !t.completed {
			n++
		}
	}
	return n
}

// quiet reports whether no transition or migration is still in flight,
// so ending the run loses nothing.
func (c *Cluster) quiet() bool {
	for _, m := range c.machines {
		if m.transitionAt >= 0 {
			return false
		}
	}
	for _, vm := range c.vms {
		if vm.migrating {
			return false
		}
	}
	return true
}
