// Package behavior describes how the invoking environment's cursor and
// selection state shape the handling of a skill result.
package behavior

// Kind identifies one of the four context behaviors.
type Kind int

const (
	// KindDirectOutput inserts the result at the cursor; there is no selection.
	KindDirectOutput Kind = iota
	// KindRewrite replaces the current selection with the result.
	KindRewrite
	// KindExplain shows the result out-of-band; the selection is only input.
	KindExplain
	// KindNoInput has no text target at all.
	KindNoInput
)

// Tag values sent to backends and accepted by the local API.
const (
	TagDirectOutput = "direct_output"
	TagRewrite      = "rewrite"
	TagExplain      = "explain"
	TagNoInput      = "no_input"
)

// Behavior is a closed variant. The zero value is DirectOutput.
type Behavior struct {
	kind         Kind
	selectedText string
}

// DirectOutput returns the behavior for an empty selection in an editable field.
func DirectOutput() Behavior { return Behavior{kind: KindDirectOutput} }

// Rewrite returns the behavior for replacing selectedText.
func Rewrite(selectedText string) Behavior {
	return Behavior{kind: KindRewrite, selectedText: selectedText}
}

// Explain returns the behavior for an informational result about selectedText.
func Explain(selectedText string) Behavior {
	return Behavior{kind: KindExplain, selectedText: selectedText}
}

// NoInput returns the behavior for a non-editable surface.
func NoInput() Behavior { return Behavior{kind: KindNoInput} }

// Kind returns the variant.
func (b Behavior) Kind() Kind { return b.kind }

// SelectedText returns the selection carried by Rewrite and Explain, or "".
func (b Behavior) SelectedText() string { return b.selectedText }

// HasSelection reports whether the behavior carries selected text.
func (b Behavior) HasSelection() bool {
	return b.kind == KindRewrite || b.kind == KindExplain
}

// HasTextTarget reports whether there is somewhere to put text silently.
func (b Behavior) HasTextTarget() bool {
	return b.kind == KindDirectOutput || b.kind == KindRewrite
}

// Tag returns the wire name of the behavior.
func (b Behavior) Tag() string {
	switch b.kind {
	case KindRewrite:
		return TagRewrite
	case KindExplain:
		return TagExplain
	case KindNoInput:
		return TagNoInput
	default:
		return TagDirectOutput
	}
}

func (b Behavior) String() string { return b.Tag() }

// FromTag builds a behavior from its wire name. Unknown tags fall back to
// DirectOutput, or Rewrite when a selection is present.
func FromTag(tag, selectedText string) Behavior {
	switch tag {
	case TagRewrite:
		return Rewrite(selectedText)
	case TagExplain:
		return Explain(selectedText)
	case TagNoInput:
		return NoInput()
	case TagDirectOutput:
		return DirectOutput()
	}
	if selectedText != "" {
		return Rewrite(selectedText)
	}
	return DirectOutput()
}
