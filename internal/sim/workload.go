package sim

import (
	"math/rand"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
)

// slaShare is the cumulative arrival mix by SLA class: 10% SLA0, 20%
// SLA1, 30% SLA2, the rest best effort.
var slaShare = [...]struct {
	cum float64
	sla domain.SLA
}{
	{0.10, domain.SLA0},
	{0.30, domain.SLA1},
	{0.60, domain.SLA2},
	{1.00, domain.SLA3},
}

// slaSlack scales a task's nominal runtime into its deadline; stricter
// classes get less headroom.
var slaSlack = [4]float64{1.2, 1.5, 2.0, 4.0}

// GenerateWorkload produces a reproducible arrival trace over the
// fleet's architectures. Memory, instruction counts and deadlines are
// drawn so the mix exercises every task class.
func GenerateWorkload(cfg config.SimulationConfig) []Arrival {
	rng := rand.New(rand.NewSource(cfg.Seed))

	// Weight architectures by core count so big machines see
	// proportionally more work.
	type archWeight struct {
		cpu   domain.CPUType
		gpu   bool
		mips  int64
		cores int
	}
	var archs []archWeight
	totalCores := 0
	for _, g := range cfg.Fleet {
		archs = append(archs, archWeight{cpu: g.CPU, gpu: g.GPU, mips: g.MIPS[domain.P0], cores: g.Count * g.Cores})
		totalCores += g.Count * g.Cores
	}
	if totalCores == 0 {
		return nil
	}

	meanGap := domain.Time(1)
	if cfg.Tasks > 0 && cfg.HorizonUS > 0 {
		// Arrivals occupy the first half of the horizon so the tail of
		// the run is pure drain-down.
		meanGap = domain.Time(cfg.HorizonUS / int64(cfg.Tasks) / 2)
		if meanGap < 1 {
			meanGap = 1
		}
	}

	arrivals := make([]Arrival, 0, cfg.Tasks)
	at := domain.Time(0)
	for i := 0; i < cfg.Tasks; i++ {
		at += domain.Time(rng.Int63n(int64(meanGap)*2) + 1)

		pick := rng.Intn(totalCores)
		arch := archs[0]
		for _, a := range archs {
			if pick < a.cores {
				arch = a
				break
			}
			pick -= a.cores
		}

		sla := domain.SLA3
		r := rng.Float64()
		for _, s := range slaShare {
			if r < s.cum {
				sla = s.sla
				break
			}
		}

		// 0.5–60 seconds of work at the architecture's full speed.
		seconds := 0.5 + rng.Float64()*59.5
		instructions := int64(seconds * 1e6 * float64(arch.mips))

		memory := int64(128 << uint(rng.Intn(6))) // 128 MiB .. 4 GiB
		gpu := false
		if arch.gpu && rng.Float64() < 0.25 {
			gpu = true
			memory *= 4
		}

		nominal := domain.Time(seconds * 1e6)
		deadline := at + domain.Time(float64(nominal)*slaSlack[sla])

		arrivals = append(arrivals, Arrival{
			At: at,
			Info: domain.TaskInfo{
				TotalInstructions: instructions,
				RequiredCPU:       arch.cpu,
				RequiredVM:        guestFor(rng, arch.cpu),
				RequiredMemory:    memory,
				GPUCapable:        gpu,
				RequiredSLA:       sla,
				TargetCompletion:  deadline,
			},
		})
	}
	return arrivals
}

// guestFor picks a guest OS family plausible for the architecture.
func guestFor(rng *rand.Rand, cpu domain.CPUType) domain.VMType {
	r := rng.Float64()
	switch cpu {
	case domain.CPUX86:
		switch {
		case r < 0.60:
			return domain.VMLinux
		case r < 0.80:
			return domain.VMWin
		default:
			return domain.VMLinuxRT
		}
	case domain.CPUPower:
		switch {
		case r < 0.65:
			return domain.VMLinux
		case r < 0.90:
			return domain.VMAix
		default:
			return domain.VMLinuxRT
		}
	default:
		if r < 0.85 {
			return domain.VMLinux
		}
		return domain.VMLinuxRT
	}
}
