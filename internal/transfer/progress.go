package transfer

import (
	"fmt"
	"sync"
	"time"
)

// Progress tracks one transfer's byte count for CLI display. Engines call
// Add from whichever goroutine completed a block; a nil Progress is a no-op
// so library callers can opt out.
type Progress struct {
	FileName   string
	TotalBytes uint64

	mu         sync.Mutex
	bytesDone  uint64
	startTime  time.Time
	lastUpdate time.Time
}

// NewProgress starts tracking a transfer of totalBytes.
func NewProgress(fileName string, totalBytes uint64) *Progress {
	now := time.Now()
	return &Progress{
		FileName:   fileName,
		TotalBytes: totalBytes,
		startTime:  now,
		lastUpdate: now,
	}
}

// Add records n more transferred bytes.
func (p *Progress) Add(n uint64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.bytesDone += n
	p.lastUpdate = time.Now()
	p.mu.Unlock()
}

// Done reports the bytes transferred so far.
func (p *Progress) Done() uint64 {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesDone
}

// String renders a one-line status: bytes, percent, speed and ETA.
func (p *Progress) String() string {
	p.mu.Lock()
	done := p.bytesDone
	elapsed := time.Since(p.startTime).Seconds()
	p.mu.Unlock()

	percent := 0.0
	if p.TotalBytes > 0 {
		percent = float64(done) / float64(p.TotalBytes) * 100.0
	}

	speed := 0.0
	if elapsed > 0 {
		speed = float64(done) / elapsed
	}

	line := fmt.Sprintf("%s  %s/%s (%.1f%%)",
		p.FileName, FormatBytes(done), FormatBytes(p.TotalBytes), percent)
	if speed > 0 {
		line += fmt.Sprintf("  %s/s", FormatBytes(uint64(speed)))
		if remaining := p.TotalBytes - done; remaining > 0 {
			eta := time.Duration(float64(remaining)/speed) * time.Second
			line += fmt.Sprintf("  ETA %s", FormatDuration(eta))
		}
	}
	return line
}

// Monitor prints the progress line every interval until stop closes.
func (p *Progress) Monitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Printf("\r%-80s", p.String())
		case <-stop:
			fmt.Printf("\r%-80s\n", p.String())
			return
		}
	}
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats duration into human-readable format
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
