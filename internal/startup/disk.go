package startup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
)

// CheckFreeSpace logs the free space of the volume holding path and warns when it is below
// minFree. A minFree of zero disables the warning. Returns the free byte count.
func CheckFreeSpace(ctx context.Context, logger *slog.Logger, path string, minFree uint64) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage of %s: %w", path, err)
	}

	attrs := []any{
		slog.String("path", path),
		slog.String("free", humanize.Bytes(usage.Free)),
		slog.String("total", humanize.Bytes(usage.Total)),
		slog.Float64("used_percent", usage.UsedPercent),
	}
	if minFree > 0 && usage.Free < minFree {
		attrs = append(attrs, slog.String("threshold", humanize.Bytes(minFree)))
		logger.Warn("output volume is low on free space", attrs...)
	} else {
		logger.Debug("output volume free space", attrs...)
	}
	return usage.Free, nil
}
