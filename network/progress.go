package network

import "time"

// Progress is a point-in-time view of a session's transfer accounting.
type Progress struct {
	TransferredBytes int64
	TotalBytes       int64
	Percent          int
	BytesPerSecond   float64
}

// computeProgress derives percentage and instantaneous throughput from the
// cumulative byte counters. Percent is floor(transferred/total*100).
func computeProgress(transferred, total int64, start time.Time) Progress {
	p := Progress{
		TransferredBytes: transferred,
		TotalBytes:       total,
	}

	if total > 0 {
		p.Percent = int(transferred * 100 / total)
	} else if transferred == 0 {
		p.Percent = 100
	}

	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		p.BytesPerSecond = float64(transferred) / elapsed
	}

	return p
}
