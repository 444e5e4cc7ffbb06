package api

import "fmt"

// Validate checks the fields the client owns: model, messages and the
// passthrough key space. Passthrough values are never inspected.
func (r *ChatCompletionRequest) Validate() *InvalidRequestError {
	if r.Model == "" {
		return NewInvalidRequestError("model", "model is required")
	}

	if len(r.Messages) == 0 {
		return NewInvalidRequestError("messages", "at least one message is required")
	}

	for i, m := range r.Messages {
		if m.Role == "" {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].role", i), "role is required")
		}
	}

	for key := range r.Extra {
		if key == "" {
			return NewInvalidRequestError("extra", "passthrough field name must not be empty")
		}
		if coreFields[key] {
			return NewInvalidRequestError(key,
				fmt.Sprintf("passthrough field %q collides with a core request field", key))
		}
	}

	return nil
}
