package main

import (
	"github.com/restflow/restflow/pkg/llms"
)

// NewCompletionClient supplies the LLM capability the engine completes
// against. Provider HTTP clients are external collaborators: a build
// that embeds one (or a desktop shell linking this package) overrides
// this factory. The default returns nil, which makes management
// commands fully functional while any attempt to actually run an agent
// fails with a clear configuration error.
var NewCompletionClient = func() llms.CompletionClient { return nil }

func completionClient() llms.CompletionClient {
	return NewCompletionClient()
}
