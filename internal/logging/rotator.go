package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rotates by size and
// day. Rotated files are named <base>-<timestamp><ext> and optionally
// gzip-compressed.
type FileRotator struct {
	config   *Config
	mu       sync.Mutex
	file     *os.File
	size     int64
	openedAt time.Time

	// now is replaced in tests.
	now func() time.Time
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{config: cfg, now: time.Now}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	r.openedAt = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.shouldRotate(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) shouldRotate(writeSize int64) bool {
	if r.config.MaxSize > 0 && r.size+writeSize > r.config.MaxSize*1024*1024 {
		return true
	}
	return r.openedAt.YearDay() != r.now().YearDay()
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}

	name, ext := r.nameParts()
	rotated := filepath.Join(filepath.Dir(r.config.FilePath),
		fmt.Sprintf("%s-%s%s", name, r.now().Format("20060102-150405.000"), ext))

	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.openFile(); err != nil {
		return err
	}

	go func() {
		if r.config.Compress {
			compressFile(rotated)
		}
		r.cleanup()
	}()
	return nil
}

func (r *FileRotator) nameParts() (name, ext string) {
	base := filepath.Base(r.config.FilePath)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func compressFile(path string) {
	input, err := os.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer output.Close()

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)

	if _, err := io.Copy(gz, input); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// cleanup enforces MaxBackups and MaxAge on rotated files.
func (r *FileRotator) cleanup() {
	files, err := r.RotatedFiles()
	if err != nil {
		return
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		entries = append(entries, entry{f, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	if r.config.MaxBackups > 0 && len(entries) > r.config.MaxBackups {
		for _, e := range entries[:len(entries)-r.config.MaxBackups] {
			os.Remove(e.path)
		}
	}
	if r.config.MaxAge > 0 {
		cutoff := r.now().AddDate(0, 0, -r.config.MaxAge)
		for _, e := range entries {
			if e.modTime.Before(cutoff) {
				os.Remove(e.path)
			}
		}
	}
}

// RotatedFiles lists rotated log files, compressed or not.
func (r *FileRotator) RotatedFiles() ([]string, error) {
	name, ext := r.nameParts()
	return filepath.Glob(filepath.Join(filepath.Dir(r.config.FilePath), name+"-*"+ext+"*"))
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
