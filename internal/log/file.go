package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// dailyWriter appends to <dir>/YYYY-MM-DD.jsonl, rotating when the date
// changes and keeping a "latest" symlink pointed at the current file.
type dailyWriter struct {
	dir      string
	mu       sync.Mutex
	file     *os.File
	currDate string
}

func newDailyWriter(dir string) (*dailyWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}

	dw := &dailyWriter{dir: dir}
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if err := dw.rotateLocked(); err != nil {
		return nil, err
	}
	return dw, nil
}

// Write implements io.Writer, rotating first if the day rolled over.
func (dw *dailyWriter) Write(p []byte) (n int, err error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if today != dw.currDate {
		if err := dw.rotateLocked(); err != nil {
			return 0, err
		}
	}

	return dw.file.Write(p)
}

func (dw *dailyWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.file != nil {
		return dw.file.Close()
	}
	return nil
}

func (dw *dailyWriter) rotateLocked() error {
	if dw.file != nil {
		dw.file.Close()
	}

	today := time.Now().Format("2006-01-02")
	filename := today + ".jsonl"

	f, err := os.OpenFile(filepath.Join(dw.dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	dw.file = f
	dw.currDate = today
	dw.updateSymlink(filename)
	return nil
}

// updateSymlink repoints dir/latest at the current file via tmp+rename so
// readers never observe a missing link. Best effort throughout.
func (dw *dailyWriter) updateSymlink(target string) {
	symlinkPath := filepath.Join(dw.dir, "latest")
	tmpPath := symlinkPath + ".tmp"

	os.Remove(tmpPath)
	if err := os.Symlink(target, tmpPath); err != nil {
		return
	}
	_ = os.Rename(tmpPath, symlinkPath)
}

// datePattern matches YYYY-MM-DD.jsonl filenames.
var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// cleanup removes log files older than retentionDays.
func cleanup(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !datePattern.MatchString(name) {
			continue
		}

		fileDate, err := time.Parse("2006-01-02", name[:10])
		if err != nil {
			continue
		}

		if fileDate.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}
