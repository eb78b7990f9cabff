package domain

// Classification thresholds. A task is classified by its resource shape
// alone; the substrate does not tag workloads.
const (
	// scientificMemoryMiB is the resident-set size above which a task is
	// considered a scientific batch job.
	scientificMemoryMiB = 8 * 1024

	// cryptoInstructions is the instruction count above which a
	// CPU-bound task is considered a crypto/mining workload.
	cryptoInstructions = 50_000_000_000

	// streamingSlackRatio is the deadline-to-runtime ratio below which a
	// task is considered latency-sensitive streaming.
	streamingSlackRatio = 1.5
)

// ClassifyTask derives the workload class of a task from its descriptor.
// GPU capability dominates, then memory footprint, then instruction
// volume, then deadline tightness; everything else is a web request.
func ClassifyTask(info TaskInfo, now Time) TaskClass {
	if info.GPUCapable {
		return ClassAITraining
	}
	if info.RequiredMemory >= scientificMemoryMiB {
		return ClassScientific
	}
	if info.TotalInstructions >= cryptoInstructions {
		return ClassCrypto
	}
	if slack := deadlineSlack(info, now); slack > 0 && slack < streamingSlackRatio {
		return ClassStreaming
	}
	return ClassWebRequest
}

// deadlineSlack is the ratio of time-to-deadline to the task's nominal
// runtime at a reference rate of 1000 MIPS. Values near 1 mean the task
// must run nearly continuously to meet its deadline.
func deadlineSlack(info TaskInfo, now Time) float64 {
	if info.TotalInstructions <= 0 {
		return 0
	}
	window := info.TargetCompletion - now
	if window <= 0 {
		return 0
	}
	nominal := float64(info.TotalInstructions) / 1000.0 // microseconds at 1000 MIPS
	return float64(window) / nominal
}
