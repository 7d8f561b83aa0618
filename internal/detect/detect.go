// Package detect reports whether a CUDA-capable GPU is available to the
// inference backend.
package detect

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GPU describes the first NVIDIA GPU reported by nvidia-smi
type GPU struct {
	Name    string
	VRAMMiB int
	Driver  string
}

// probeTimeout bounds one nvidia-smi run
const probeTimeout = 5 * time.Second

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Detector probes for a GPU once and remembers the answer
type Detector struct {
	run  runFunc
	once sync.Once
	gpu  *GPU
}

// NewDetector creates a detector that runs nvidia-smi
func NewDetector() *Detector {
	return &Detector{run: runCommand}
}

// GPU returns the detected GPU, or nil when none is usable. The probe runs
// on the first call only.
func (d *Detector) GPU(ctx context.Context) *GPU {
	d.once.Do(func() {
		d.gpu = d.probe(ctx)
	})
	return d.gpu
}

// Available reports whether a GPU was detected
func (d *Detector) Available(ctx context.Context) bool {
	return d.GPU(ctx) != nil
}

func (d *Detector) probe(ctx context.Context) *GPU {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()

	output, err := d.run(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,driver_version",
		"--format=csv,noheader,nounits")
	if err != nil || len(output) == 0 {
		return nil
	}
	return parseNvidiaSmi(string(output))
}

// parseNvidiaSmi reads the first line of "name, memory MiB, driver" CSV.
// Integrated GPUs report memory as "[N/A]"; they are still usable and are
// returned with VRAMMiB left at 0.
func parseNvidiaSmi(output string) *GPU {
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(output), "\n")[0])

	parts := strings.Split(line, ", ")
	if len(parts) < 3 {
		return nil
	}

	name := strings.TrimSpace(parts[0])
	if name == "" {
		return nil
	}
	if !strings.HasPrefix(name, "NVIDIA") {
		name = "NVIDIA " + name
	}

	gpu := &GPU{
		Name:   name,
		Driver: strings.TrimSpace(parts[2]),
	}
	if vram, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
		gpu.VRAMMiB = int(vram)
	}
	return gpu
}
