package tools

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileNoteSink writes each note as a Markdown file with a YAML header under
// a root directory, in the note's folder.
type FileNoteSink struct {
	root string
}

// NewFileNoteSink creates a sink rooted at dir.
func NewFileNoteSink(dir string) *FileNoteSink {
	return &FileNoteSink{root: dir}
}

type noteHeader struct {
	Title   string   `yaml:"title"`
	Tags    []string `yaml:"tags,omitempty"`
	Skill   string   `yaml:"skill,omitempty"`
	Created string   `yaml:"created"`
}

// SaveNote writes the note and logs its path.
func (s *FileNoteSink) SaveNote(ctx context.Context, note Note) error {
	dir, err := s.folderPath(note.Folder)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create note folder %s", dir)
	}

	header, err := yaml.Marshal(noteHeader{
		Title:   note.Title,
		Tags:    note.Tags,
		Skill:   note.SkillID,
		Created: note.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode note header")
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(note.Body)
	buf.WriteString("\n")

	name := note.CreatedAt.Format("20060102-150405") + "-" + skills.Slugify(note.Title) + "-" + uuid.NewString()[:8] + ".md"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write note %s", path)
	}

	logger.G(ctx).WithField("path", path).Info("saved note")
	return nil
}

// folderPath resolves folder below the root, refusing paths that escape it.
func (s *FileNoteSink) folderPath(folder string) (string, error) {
	if folder == "" {
		return s.root, nil
	}
	clean := filepath.Clean(filepath.FromSlash(folder))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("note folder %q is outside the notes directory", folder)
	}
	return filepath.Join(s.root, clean), nil
}
