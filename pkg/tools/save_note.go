package tools

import (
	"bytes"
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// SaveNoteToolName stores the content as a note.
const SaveNoteToolName = "save_note"

const (
	maxTitleRunes = 80
	untitledNote  = "Untitled note"
)

// Note is what save_note hands to a NoteSink.
type Note struct {
	Title     string
	Body      string
	Folder    string
	Tags      []string
	SkillID   string
	CreatedAt time.Time
}

// NoteSink persists notes.
type NoteSink interface {
	SaveNote(ctx context.Context, note Note) error
}

// NoteOptions are the save_note settings read from a skill's config.
type NoteOptions struct {
	Folder string   `mapstructure:"note_folder"`
	Tags   []string `mapstructure:"note_tags"`
	Title  string   `mapstructure:"note_title"`
}

// DecodeNoteOptions reads note options from a skill config map. Unrelated
// keys are ignored; note_tags is a comma separated list.
func DecodeNoteOptions(config map[string]string) (NoteOptions, error) {
	var opts NoteOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, errors.Wrap(err, "failed to create note options decoder")
	}
	if err := decoder.Decode(config); err != nil {
		return opts, errors.Wrap(err, "failed to decode note options")
	}

	tags := make([]string, 0, len(opts.Tags))
	for _, tag := range opts.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	opts.Tags = tags
	opts.Folder = strings.TrimSpace(opts.Folder)
	opts.Title = strings.TrimSpace(opts.Title)
	return opts, nil
}

// SaveNoteHandler turns call content into a Note.
type SaveNoteHandler struct {
	sink NoteSink
	now  func() time.Time
}

// NewSaveNoteHandler creates a handler writing to sink.
func NewSaveNoteHandler(sink NoteSink) *SaveNoteHandler {
	return &SaveNoteHandler{sink: sink, now: time.Now}
}

// Description documents the tool.
func (h *SaveNoteHandler) Description() string {
	return "Save the content as a Markdown note. The first heading becomes the note title."
}

// Execute builds the note and hands it to the sink.
func (h *SaveNoteHandler) Execute(ctx context.Context, call Call) error {
	body := strings.TrimSpace(call.Content)
	if body == "" {
		return errors.New("note content is empty")
	}

	opts, err := DecodeNoteOptions(call.Config)
	if err != nil {
		return err
	}

	title := opts.Title
	if title == "" {
		title = NoteTitle(body)
	}

	return h.sink.SaveNote(ctx, Note{
		Title:     title,
		Body:      body,
		Folder:    opts.Folder,
		Tags:      opts.Tags,
		SkillID:   call.SkillID,
		CreatedAt: h.now(),
	})
}

// NoteTitle returns the text of the first Markdown heading in body, or its
// first non-empty line when there is none.
func NoteTitle(body string) string {
	source := []byte(body)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		title = inlineText(heading, source)
		if title == "" {
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkStop, nil
	})

	if title == "" {
		for _, line := range strings.Split(body, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				title = strings.TrimLeft(line, "#-*> ")
				break
			}
		}
	}
	if title == "" {
		return untitledNote
	}
	return truncateRunes(title, maxTitleRunes)
}

func inlineText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
