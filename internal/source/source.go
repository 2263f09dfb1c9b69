// Package source fetches raw route text for the tracker.
package source

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Source returns the text of the route to follow, typically a GPX document
// or a note that embeds one.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// FileSource reads the route text from a file on every fetch, so edits are
// picked up on the next load.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource { return &FileSource{Path: path} }

func (s *FileSource) Fetch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(s.Path) == "" {
		return "", fmt.Errorf("no route file configured")
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("read route file: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", fmt.Errorf("route file %q is empty", s.Path)
	}
	return string(b), nil
}

// StaticSource serves fixed text.
type StaticSource string

func (s StaticSource) Fetch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("route text is empty")
	}
	return string(s), nil
}
