package usage

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opscost/opscost/pkg/models"
)

// Default scan limits
const (
	DefaultMaxFileBytes = 5 * 1024 * 1024
	DefaultMaxFiles     = 3000
)

// ScanResult holds rows extracted from local session logs
type ScanResult struct {
	Rows         []models.UsageRow
	JSONLFiles   int
	JSONFiles    int
	SkippedFiles int
	BadLines     int
}

// Scanner extracts usage rows from local *.jsonl and *.json files
type Scanner struct {
	dirs         []string
	files        []string
	maxFileBytes int64
	maxFiles     int
	logger       *slog.Logger
}

// ScannerOption configures the scanner
type ScannerOption func(*Scanner)

// WithDirs adds directories that are walked recursively
func WithDirs(dirs ...string) ScannerOption {
	return func(s *Scanner) {
		s.dirs = append(s.dirs, dirs...)
	}
}

// WithFiles adds individual files, such as exported usage snapshots
func WithFiles(files ...string) ScannerOption {
	return func(s *Scanner) {
		s.files = append(s.files, files...)
	}
}

// WithMaxFileBytes sets the size above which a file is skipped
func WithMaxFileBytes(n int64) ScannerOption {
	return func(s *Scanner) {
		s.maxFileBytes = n
	}
}

// WithMaxFiles caps the number of files read per scan
func WithMaxFiles(n int) ScannerOption {
	return func(s *Scanner) {
		s.maxFiles = n
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// NewScanner creates a new session log scanner
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		maxFileBytes: DefaultMaxFileBytes,
		maxFiles:     DefaultMaxFiles,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan reads every candidate file and extracts usage rows. Unreadable files
// and malformed lines are skipped; only context cancellation is an error.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{}

	for _, path := range s.collect() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		info, err := os.Stat(path)
		if err != nil || info.Size() > s.maxFileBytes {
			result.SkippedFiles++
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Debug("skipping unreadable usage file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			result.SkippedFiles++
			continue
		}

		fileCtx := Context{Date: FormatDay(info.ModTime())}
		if strings.HasSuffix(path, ".jsonl") {
			rows, bad := extractLines(data, fileCtx)
			result.Rows = append(result.Rows, rows...)
			result.BadLines += bad
			result.JSONLFiles++
			continue
		}

		node, err := Parse(data)
		if err != nil {
			result.SkippedFiles++
			continue
		}
		result.Rows = append(result.Rows, ExtractUsageRows(node, fileCtx)...)
		result.JSONFiles++
	}

	return result, nil
}

// extractLines parses line-delimited JSON, skipping malformed lines. The
// whole file is already in memory, so no line can outgrow the buffer.
func extractLines(data []byte, ctx Context) ([]models.UsageRow, int) {
	var rows []models.UsageRow
	bad := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		node, err := Parse(line)
		if err != nil {
			bad++
			continue
		}
		rows = append(rows, ExtractUsageRows(node, ctx)...)
	}
	if scanner.Err() != nil {
		bad++
	}
	return rows, bad
}

// collect returns candidate paths in a stable order, capped at maxFiles
func (s *Scanner) collect() []string {
	seen := make(map[string]struct{})
	var paths []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}

	for _, f := range s.files {
		if _, err := os.Stat(f); err == nil {
			add(filepath.Clean(f))
		}
	}

	var walked []string
	for _, dir := range s.dirs {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if strings.HasSuffix(path, ".jsonl") || strings.HasSuffix(path, ".json") {
				walked = append(walked, path)
			}
			return nil
		})
	}
	sort.Strings(walked)
	for _, p := range walked {
		add(p)
	}

	if s.maxFiles > 0 && len(paths) > s.maxFiles {
		s.logger.Warn("usage file scan truncated",
			slog.Int("found", len(paths)),
			slog.Int("max_files", s.maxFiles))
		paths = paths[:s.maxFiles]
	}
	return paths
}
