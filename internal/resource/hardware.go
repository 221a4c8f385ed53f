package resource

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/cpu"
)

// Capability describes the acceleration paths available to this process.
type Capability struct {
	ComputeQueueAvailable        bool   `json:"compute_queue_available"`
	DeviceName                   string `json:"device_name,omitempty"`
	SupportsFP16                 bool   `json:"supports_fp16"`
	SupportsDedicatedAccelerator bool   `json:"supports_dedicated_accelerator"`
	AcceleratorName              string `json:"accelerator_name,omitempty"`
	GPUMemoryMB                  int64  `json:"gpu_memory_mb,omitempty"`
	CPUCores                     int    `json:"cpu_cores"`
	TotalRAMMB                   uint64 `json:"total_ram_mb"`
	OS                           string `json:"os"`
	Arch                         string `json:"arch"`
}

// Accelerated reports whether any non-CPU path is available.
func (c Capability) Accelerated() bool {
	return c.ComputeQueueAvailable || c.SupportsDedicatedAccelerator
}

// Profiler computes the Capability once and serves it read-only afterwards.
type Profiler struct {
	once   sync.Once
	detect func() Capability
	caps   Capability
}

// NewProfiler returns a profiler that probes the host.
func NewProfiler() *Profiler {
	return &Profiler{detect: DetectCapabilities}
}

// NewStaticProfiler returns a profiler reporting caps verbatim.
func NewStaticProfiler(caps Capability) *Profiler {
	return &Profiler{detect: func() Capability { return caps }}
}

// Capabilities returns the detected capability, probing on first call.
func (p *Profiler) Capabilities() Capability {
	p.once.Do(func() {
		p.caps = p.detect()
	})
	return p.caps
}

// DetectCapabilities probes GPUs, neural accelerators and CPU features.
// Missing tools or devices simply leave the matching fields unset.
func DetectCapabilities() Capability {
	caps := Capability{
		CPUCores: runtime.NumCPU(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps.TotalRAMMB = vm.Total / 1024 / 1024
	}

	detectGPU(&caps)
	detectAccelerator(&caps)
	caps.SupportsFP16 = cpuSupportsFP16() || caps.ComputeQueueAvailable
	return caps
}

func cpuSupportsFP16() bool {
	switch runtime.GOARCH {
	case "arm64":
		return cpu.ARM64.HasFPHP && cpu.ARM64.HasASIMDHP
	case "amd64":
		return cpu.X86.HasAVX512BF16 || (cpu.X86.HasAVX512F && cpu.X86.HasAVX512VL)
	}
	return false
}

// detectGPU detects an NVIDIA GPU using nvidia-smi, or the integrated GPU
// on Apple silicon.
func detectGPU(caps *Capability) {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		caps.ComputeQueueAvailable = true
		caps.DeviceName = "Apple GPU (Metal)"
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=memory.total,name", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		// No NVIDIA GPU or nvidia-smi not installed
		return
	}

	// Parse first line: "8192, NVIDIA GeForce RTX 3070"
	line := strings.SplitN(strings.TrimSpace(string(output)), "\n", 2)[0]
	parts := strings.SplitN(line, ",", 2)
	if len(parts) == 2 {
		vram, _ := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		caps.GPUMemoryMB = vram
		caps.DeviceName = strings.TrimSpace(parts[1])
		caps.ComputeQueueAvailable = true
	}
}

// detectAccelerator looks for a dedicated neural accelerator: the Apple
// Neural Engine, a Coral Edge TPU or a Linux accel-class device.
func detectAccelerator(caps *Capability) {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		caps.SupportsDedicatedAccelerator = true
		caps.AcceleratorName = "Apple Neural Engine"
		return
	}
	if runtime.GOOS != "linux" {
		return
	}
	if matches, _ := filepath.Glob("/dev/apex_*"); len(matches) > 0 {
		caps.SupportsDedicatedAccelerator = true
		caps.AcceleratorName = "Coral Edge TPU"
		return
	}
	if matches, _ := filepath.Glob("/dev/accel/accel*"); len(matches) > 0 {
		caps.SupportsDedicatedAccelerator = true
		caps.AcceleratorName = filepath.Base(matches[0])
		if name, err := os.ReadFile("/sys/class/accel/" + caps.AcceleratorName + "/device/uevent"); err == nil {
			for _, l := range strings.Split(string(name), "\n") {
				if strings.HasPrefix(l, "DRIVER=") {
					caps.AcceleratorName = strings.TrimPrefix(l, "DRIVER=")
				}
			}
		}
	}
}
