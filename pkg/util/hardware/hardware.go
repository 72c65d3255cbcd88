package hardware

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/pkg/log"
)

// GetCPUNum 返回逻辑 CPU 数；gopsutil 失败时退回 runtime.NumCPU。
func GetCPUNum() int {
	cnt, err := cpu.Counts(true)
	if err != nil || cnt <= 0 {
		log.Warn("failed to get cpu counts, use runtime.NumCPU", zap.Error(err))
		return runtime.NumCPU()
	}
	return cnt
}

// GetMemoryCount 返回物理内存总量（字节），失败时返回 0。
func GetMemoryCount() uint64 {
	stat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get memory count", zap.Error(err))
		return 0
	}
	return stat.Total
}

// GetUsedMemoryCount 返回已使用的内存（字节），失败时返回 0。
func GetUsedMemoryCount() uint64 {
	stat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get used memory", zap.Error(err))
		return 0
	}
	return stat.Used
}
