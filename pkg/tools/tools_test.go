package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	got []string
	err error
}

func (c *recordingConsumer) ConsumeOutput(_ context.Context, content string) error {
	c.got = append(c.got, content)
	return c.err
}

func TestRegistry_ProduceTextRegistered(t *testing.T) {
	consumer := &recordingConsumer{}
	r := NewRegistry(consumer)

	assert.True(t, r.Has(ProduceTextToolName))
	require.NoError(t, r.Execute(context.Background(), Call{Tool: ProduceTextToolName, Content: "hello"}))
	assert.Equal(t, []string{"hello"}, consumer.got)
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry(&recordingConsumer{})

	err := r.Execute(context.Background(), Call{Tool: "launch_rockets"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTool)

	var unknown *UnknownToolError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "launch_rockets", unknown.Name)
}

func TestRegistry_HandlerErrorPropagates(t *testing.T) {
	r := NewRegistry(&recordingConsumer{})
	boom := errors.New("boom")
	var seen Call
	r.Register("fails", HandlerFunc(func(_ context.Context, call Call) error {
		seen = call
		return boom
	}))

	err := r.Execute(context.Background(), Call{Tool: "fails", Content: "c", SkillID: "s"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "c", seen.Content)
	assert.Equal(t, "s", seen.SkillID)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	r.Register(ProduceTextToolName, HandlerFunc(func(context.Context, Call) error {
		calls++
		return nil
	}))
	require.NoError(t, r.Execute(context.Background(), Call{Tool: ProduceTextToolName}))
	assert.Equal(t, 1, calls)
}

func TestProduceText_WithoutConsumer(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Execute(context.Background(), Call{Tool: ProduceTextToolName, Content: "x"}))
}

func TestRegistry_NamesAndDescribe(t *testing.T) {
	r := NewRegistry(&recordingConsumer{})
	r.Register(SaveNoteToolName, NewSaveNoteHandler(&memorySink{}))
	r.Register("plain", HandlerFunc(func(context.Context, Call) error { return nil }))

	assert.Equal(t, []string{"plain", ProduceTextToolName, SaveNoteToolName}, r.Names())

	described := r.Describe()
	require.Len(t, described, 3)
	assert.Equal(t, "plain", described[0].Name)
	assert.Empty(t, described[0].Description)
	assert.NotEmpty(t, described[1].Description)

	data, err := json.Marshal(described[2].Schema)
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	tool, ok := props["tool"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, SaveNoteToolName, tool["const"])
	assert.Contains(t, props, "content")
	assert.ElementsMatch(t, []any{"tool", "content"}, schema["required"])
}
