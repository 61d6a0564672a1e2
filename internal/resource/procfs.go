package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ProcSource samples host CPU and memory from a Linux procfs. CPU is the busy
// share of jiffies since the previous call; the first call reports 0.
type ProcSource struct {
	// Root is the procfs mount point, "/proc" when empty.
	Root string

	mu        sync.Mutex
	lastBusy  uint64
	lastTotal uint64
}

var _ UsageSource = (*ProcSource)(nil)

// Usage implements UsageSource.
func (p *ProcSource) Usage(ctx context.Context) (float64, float64, error) {
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	busy, total, err := readCPU(filepath.Join(root, "stat"))
	if err != nil {
		return 0, 0, err
	}
	memMB, err := readMemoryMB(filepath.Join(root, "meminfo"))
	if err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var cpu float64
	if p.lastTotal != 0 && total > p.lastTotal {
		cpu = 100 * float64(busy-p.lastBusy) / float64(total-p.lastTotal)
	}
	p.lastBusy, p.lastTotal = busy, total
	return cpu, memMB, nil
}

// readCPU returns busy and total jiffies from the aggregate "cpu" line.
func readCPU(path string) (uint64, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var busy, total uint64
		for n, field := range fields[1:] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			total += v
			// idle and iowait
			if n != 3 && n != 4 {
				busy += v
			}
		}
		return busy, total, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("no cpu line in %s", path)
}

// readMemoryMB returns MemTotal minus MemAvailable in megabytes.
func readMemoryMB(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	values := map[string]float64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		if key != "MemTotal" && key != "MemAvailable" {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		values[key] = kb
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	total, ok := values["MemTotal"]
	avail, ok2 := values["MemAvailable"]
	if !ok || !ok2 {
		return 0, fmt.Errorf("MemTotal or MemAvailable missing in %s", path)
	}
	return (total - avail) / 1024, nil
}
