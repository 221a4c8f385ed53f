// Package output renders CLI results as JSON when JSON mode is on.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
)

// JSONMode controls whether output is JSON or human-readable
var JSONMode = false

// Writer is where JSON is written; tests swap it.
var Writer io.Writer = os.Stdout

// ModelInfo represents an installed model in JSON output
type ModelInfo struct {
	Kind      string `json:"kind"`
	Version   string `json:"version"`
	Size      string `json:"size,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum,omitempty"`
	Path      string `json:"path"`
	Quantized bool   `json:"quantized,omitempty"`
}

// NewModelInfo converts a descriptor.
func NewModelInfo(d models.Descriptor) ModelInfo {
	return ModelInfo{
		Kind:      string(d.Kind),
		Version:   d.Version,
		Size:      humanize.IBytes(uint64(d.SizeBytes)),
		SizeBytes: d.SizeBytes,
		Checksum:  d.Checksum,
		Path:      d.FilePath,
		Quantized: d.Quantized,
	}
}

// DownloadProgress represents update download progress in JSON output
type DownloadProgress struct {
	Status     string  `json:"status"`
	Kind       string  `json:"kind"`
	Version    string  `json:"version"`
	Progress   float64 `json:"progress,omitempty"`
	Downloaded int64   `json:"downloaded_bytes,omitempty"`
	Total      int64   `json:"total_bytes,omitempty"`
	Speed      string  `json:"speed,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// NewDownloadProgress converts an updater progress event.
func NewDownloadProgress(p models.DownloadProgress) DownloadProgress {
	out := DownloadProgress{
		Status:     p.Status,
		Kind:       string(p.Kind),
		Version:    p.Version,
		Progress:   p.Percent,
		Downloaded: p.BytesDone,
		Total:      p.BytesTotal,
	}
	if p.Speed > 0 {
		out.Speed = humanize.IBytes(uint64(p.Speed)) + "/s"
	}
	if p.Error != nil {
		out.Error = p.Error.Error()
	}
	return out
}

// SystemInfo represents detected hardware in JSON output
type SystemInfo struct {
	CPUCores    int    `json:"cpu_cores"`
	Memory      string `json:"memory"`
	GPU         string `json:"gpu,omitempty"`
	GPUMemory   string `json:"gpu_memory,omitempty"`
	Accelerator string `json:"accelerator,omitempty"`
	FP16        bool   `json:"fp16"`
	Accelerated bool   `json:"accelerated"`
	OS          string `json:"os"`
	Arch        string `json:"architecture"`
}

// NewSystemInfo converts a capability.
func NewSystemInfo(c resource.Capability) SystemInfo {
	info := SystemInfo{
		CPUCores:    c.CPUCores,
		Memory:      humanize.IBytes(c.TotalRAMMB << 20),
		GPU:         c.DeviceName,
		Accelerator: c.AcceleratorName,
		FP16:        c.SupportsFP16,
		Accelerated: c.Accelerated(),
		OS:          c.OS,
		Arch:        c.Arch,
	}
	if c.GPUMemoryMB > 0 {
		info.GPUMemory = humanize.IBytes(uint64(c.GPUMemoryMB) << 20)
	}
	return info
}

// CommandResult represents a generic command result
type CommandResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PrintJSON outputs data as JSON
func PrintJSON(data interface{}) error {
	encoder := json.NewEncoder(Writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// Success outputs a success result in JSON mode.
func Success(message string, data interface{}) error {
	if !JSONMode {
		return nil
	}
	return PrintJSON(CommandResult{Success: true, Message: message, Data: data})
}

// Error outputs a failed result in JSON mode.
func Error(message string, err error) error {
	if !JSONMode {
		return nil
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	return PrintJSON(CommandResult{Success: false, Message: message, Error: errMsg})
}

// PrintModels outputs a list of models
func PrintModels(list []ModelInfo) error {
	if !JSONMode {
		return nil
	}
	return PrintJSON(map[string]interface{}{
		"models": list,
		"count":  len(list),
	})
}
