// Package extract is the plain-text extraction boundary. The engine only
// consumes extracted text; format-specific extractors for PDF, DOCX and DOC
// are external collaborators that register themselves here. UTF-8 text
// formats are handled in-process.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrUnsupported is returned when no extractor is registered for a file's
// extension.
var ErrUnsupported = errors.New("unsupported file type")

// ErrTimeout is returned when extraction exceeds its deadline.
var ErrTimeout = errors.New("extraction timed out")

// Extractor turns one file into plain text.
type Extractor interface {
	// Extract returns the file's plain text content.
	Extract(path string) (string, error)
	// Extensions lists the lowercase extensions this extractor handles.
	Extensions() []string
}

// Manager dispatches extraction by file extension.
type Manager struct {
	byExt map[string]Extractor
}

// NewManager returns a Manager with the built-in plain-text extractor
// registered for .txt and .md.
func NewManager() *Manager {
	m := &Manager{byExt: make(map[string]Extractor)}
	m.Register(textExtractor{})
	return m
}

// Register adds an extractor, overriding any previous handler for its
// extensions.
func (m *Manager) Register(e Extractor) {
	for _, ext := range e.Extensions() {
		m.byExt[strings.ToLower(ext)] = e
	}
}

// Extensions lists all registered extensions, sorted.
func (m *Manager) Extensions() []string {
	exts := make([]string, 0, len(m.byExt))
	for ext := range m.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Supports reports whether a file extension has a registered extractor.
func (m *Manager) Supports(ext string) bool {
	_, ok := m.byExt[strings.ToLower(ext)]
	return ok
}

// Extract runs the extractor for the file's extension and cleans the
// resulting text.
func (m *Manager) Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := m.byExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}
	text, err := e.Extract(path)
	if err != nil {
		return "", err
	}
	return CleanText(text), nil
}

// ExtractWithTimeout runs Extract in a goroutine and abandons it after the
// timeout. A stuck extractor must not stall the whole index job.
func (m *Manager) ExtractWithTimeout(ctx context.Context, path string, timeout time.Duration) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := m.Extract(path)
		ch <- result{text, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.text, res.err
	case <-timer.C:
		return "", fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, filepath.Base(path))
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// textExtractor reads UTF-8 text files as-is.
type textExtractor struct{}

func (textExtractor) Extensions() []string { return []string{".txt", ".md"} }

func (textExtractor) Extract(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}
