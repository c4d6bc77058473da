// Package vault stores notes as markdown files under one directory. Note
// names are paths relative to that directory without the .md extension;
// properties live in a YAML frontmatter block.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const ext = ".md"

// Vault is a directory of notes. It is safe for concurrent use.
type Vault struct {
	dir string
	mu  sync.Mutex
}

// Open returns a vault rooted at dir, which must exist.
func Open(dir string) (*Vault, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault: %s is not a directory", abs)
	}
	return &Vault{dir: abs}, nil
}

// Dir is the vault's root directory.
func (v *Vault) Dir() string { return v.dir }

// path resolves a note name inside the vault. Names that would escape it
// are refused.
func (v *Vault) path(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("vault: empty note name")
	}
	if !strings.HasSuffix(strings.ToLower(name), ext) {
		name += ext
	}
	abs := filepath.Clean(filepath.Join(v.dir, filepath.FromSlash(name)))
	if abs != v.dir && !strings.HasPrefix(abs, v.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("vault: note %q resolves outside the vault", name)
	}
	return abs, nil
}

func (v *Vault) read(name string) (note, bool, error) {
	p, err := v.path(name)
	if err != nil {
		return note{}, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return note{}, false, nil
	}
	if err != nil {
		return note{}, false, fmt.Errorf("vault: read %q: %w", name, err)
	}
	n, err := parseNote(string(data))
	if err != nil {
		return note{}, false, fmt.Errorf("vault: note %q: %w", name, err)
	}
	return n, true, nil
}

func (v *Vault) write(name string, n note) error {
	p, err := v.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("vault: mkdir: %w", err)
	}
	data, err := n.render()
	if err != nil {
		return fmt.Errorf("vault: note %q: %w", name, err)
	}
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		return fmt.Errorf("vault: write %q: %w", name, err)
	}
	return nil
}

// GetNote returns the body of a note, frontmatter excluded.
func (v *Vault) GetNote(_ context.Context, name string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok, err := v.read(name)
	return n.body, ok, err
}

// EditNote replaces a note's body, keeping its frontmatter. A missing note
// is created.
func (v *Vault) EditNote(_ context.Context, name, body string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, _, err := v.read(name)
	if err != nil {
		return err
	}
	n.body = body
	slog.Debug("note edited", "note", name, "bytes", len(body))
	return v.write(name, n)
}

// GetProperty reads one frontmatter property.
func (v *Vault) GetProperty(_ context.Context, name, key string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok, err := v.read(name)
	if err != nil || !ok {
		return "", false, err
	}
	return n.property(key)
}

// EditProperty sets one frontmatter property, creating the note or the
// frontmatter block when needed.
func (v *Vault) EditProperty(_ context.Context, name, key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, _, err := v.read(name)
	if err != nil {
		return err
	}
	if err := n.setProperty(key, value); err != nil {
		return fmt.Errorf("vault: note %q: %w", name, err)
	}
	return v.write(name, n)
}

// CreateNoteAtPath writes a new note. If the name is taken, a short unique
// suffix is appended rather than overwriting.
func (v *Vault) CreateNoteAtPath(_ context.Context, name, body string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	name = strings.TrimSuffix(strings.TrimSpace(name), ext)
	if _, ok, err := v.read(name); err != nil {
		return err
	} else if ok {
		name = name + " " + uuid.NewString()[:8]
	}
	slog.Debug("note created", "note", name)
	return v.write(name, note{body: body})
}

var embed = regexp.MustCompile(`!\[\[([^\]|#]+)(?:[#|][^\]]*)?\]\]`)

// ReplaceEmbeddedQueries expands every ![[Note]] embed with the note's
// body. Embeds of missing notes are left as written.
func (v *Vault) ReplaceEmbeddedQueries(_ context.Context, text string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var firstErr error
	out := embed.ReplaceAllStringFunc(text, func(m string) string {
		name := embed.FindStringSubmatch(m)[1]
		n, ok, err := v.read(name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !ok {
			return m
		}
		return strings.TrimSpace(n.body)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
