package tools

import (
	"context"

	"github.com/pkg/errors"
)

// ProduceTextToolName delivers text through the plain-content path.
const ProduceTextToolName = "produce_text"

// ProduceTextHandler forwards the call content to the output consumer.
type ProduceTextHandler struct {
	output OutputConsumer
}

// Description documents the tool.
func (h *ProduceTextHandler) Description() string {
	return "Deliver the content to the user: typed at the cursor, replacing the selection, or shown on a card."
}

// Execute forwards call.Content.
func (h *ProduceTextHandler) Execute(ctx context.Context, call Call) error {
	if h.output == nil {
		return errors.New("produce_text has no output consumer")
	}
	return h.output.ConsumeOutput(ctx, call.Content)
}
