// Package docs adapts a filesystem tree of markdown files as a content
// source. Each markdown file is one page; its title comes from the first
// heading, falling back to the filename.
package docs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"kbpipeline/internal/indexer"
	"kbpipeline/internal/pipeline"
	"kbpipeline/internal/scheduler"
)

// checkpointLastModified is the checkpoint key holding the newest file
// modification time staged so far, RFC 3339.
const checkpointLastModified = "last_modified"

// Source serves markdown files under a root directory.
type Source struct {
	name   string
	root   string
	parser goldmark.Markdown

	mu    sync.Mutex
	paths map[string]string
}

// New creates a docs source rooted at dir.
func New(name, dir string) *Source {
	return &Source{
		name: name,
		root: dir,
		parser: goldmark.New(
			goldmark.WithExtensions(extension.Table),
		),
		paths: make(map[string]string),
	}
}

func (s *Source) Name() string {
	return s.name
}

// Fetch streams markdown files modified since the checkpoint. Initial pulls
// and backfills emit every file.
func (s *Source) Fetch(ctx context.Context, runType scheduler.RunType, checkpoint map[string]string, out chan<- pipeline.Item) (map[string]string, error) {
	var lastModified time.Time
	if raw, ok := checkpoint[checkpointLastModified]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			lastModified = t
		}
	}

	maxModified := lastModified
	err := s.walk(ctx, func(relPath string, info fs.FileInfo) error {
		modified := info.ModTime()
		if runType == scheduler.RunResync && !lastModified.IsZero() && !modified.After(lastModified) {
			return nil
		}
		if modified.After(maxModified) {
			maxModified = modified
		}

		content, err := os.ReadFile(filepath.Join(s.root, relPath))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", relPath, err)
		}

		item := pipeline.NewRecord(stableID(relPath), string(content), map[string]string{
			"source":   s.name,
			"path":     relPath,
			"title":    s.extractTitle(content, relPath),
			"modified": modified.UTC().Format(time.RFC3339),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- item:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	next := map[string]string{}
	if !maxModified.IsZero() {
		next[checkpointLastModified] = maxModified.UTC().Format(time.RFC3339)
	}
	return next, nil
}

// GetPages lists every markdown file under the root as a page.
func (s *Source) GetPages(ctx context.Context, collection string) ([]indexer.PageRef, error) {
	var refs []indexer.PageRef
	paths := make(map[string]string)

	err := s.walk(ctx, func(relPath string, info fs.FileInfo) error {
		content, err := os.ReadFile(filepath.Join(s.root, relPath))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", relPath, err)
		}

		id := stableID(relPath)
		paths[id] = relPath
		refs = append(refs, indexer.PageRef{
			ID:   id,
			Name: s.extractTitle(content, relPath),
			URL:  filepath.ToSlash(relPath),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.paths = paths
	s.mu.Unlock()
	return refs, nil
}

// ExportPage returns a file's content by page id.
func (s *Source) ExportPage(ctx context.Context, pageID string) (string, error) {
	s.mu.Lock()
	relPath, ok := s.paths[pageID]
	s.mu.Unlock()

	if !ok {
		if _, err := s.GetPages(ctx, ""); err != nil {
			return "", err
		}
		s.mu.Lock()
		relPath, ok = s.paths[pageID]
		s.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("page %s not found under %s", pageID, s.root)
		}
	}

	content, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return string(content), nil
}

func (s *Source) walk(ctx context.Context, visit func(relPath string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return visit(relPath, info)
	})
}

// stableID derives a stable page id from the file's relative path. The id
// is a name-based UUID so the vector store accepts it as a point id.
func stableID(relPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(filepath.ToSlash(relPath))).String()
}

// extractTitle returns the first level-1 heading, else the first level-2
// heading, else the filename with words capitalized.
func (s *Source) extractTitle(content []byte, relPath string) string {
	if len(content) == 0 {
		return titleFromFilename(relPath)
	}

	doc := s.parser.Parser().Parse(text.NewReader(content))

	var firstH1, firstH2 string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}

		headingText := string(headingBytes(heading, content))
		if heading.Level == 1 && firstH1 == "" {
			firstH1 = headingText
			return ast.WalkStop, nil
		}
		if heading.Level == 2 && firstH2 == "" {
			firstH2 = headingText
		}
		return ast.WalkContinue, nil
	})

	if firstH1 != "" {
		return firstH1
	}
	if firstH2 != "" {
		return firstH2
	}
	return titleFromFilename(relPath)
}

func headingBytes(n ast.Node, content []byte) []byte {
	var out []byte
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if textNode, ok := child.(*ast.Text); ok {
			out = append(out, textNode.Segment.Value(content)...)
		}
	}
	return out
}

func titleFromFilename(relPath string) string {
	name := filepath.Base(relPath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)

	words := strings.Fields(name)
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
