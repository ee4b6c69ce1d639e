package turncontroller

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/voicecore/callcore/internal/session"
	"github.com/voicecore/callcore/pkg/provider/llm"
	"github.com/voicecore/callcore/pkg/types"
)

// VocabularyFetcher supplies agent-profile-specific vocabulary (product
// names, proper nouns the caller is likely to use) folded into the system
// preamble as a recognition hint. Optional; a deployment with no such
// fetcher configured skips this step entirely.
type VocabularyFetcher func(ctx context.Context) ([]string, error)

// ContextAssembler builds one LLM request per turn from the agent's system
// preamble, the pruned conversation history, and the new user utterance.
//
// The history read and the optional vocabulary fetch run concurrently via
// errgroup, since a deployment's vocabulary fetcher may itself be an I/O
// call (loading an agent profile's catalogue) that the turn's critical path
// shouldn't serialize behind.
type ContextAssembler struct {
	history        *session.ContextManager
	systemPreamble string
	vocabFetch     VocabularyFetcher
}

// NewContextAssembler creates a ContextAssembler. vocabFetch may be nil.
func NewContextAssembler(history *session.ContextManager, systemPreamble string, vocabFetch VocabularyFetcher) *ContextAssembler {
	return &ContextAssembler{history: history, systemPreamble: systemPreamble, vocabFetch: vocabFetch}
}

// Assemble builds the request for one turn. state is folded into the
// preamble so the model has a one-word hint about where the conversation
// stands (e.g. "thinking" immediately after a long silence).
func (a *ContextAssembler) Assemble(ctx context.Context, state string, utterance string, tier TierConfig) (llm.CompletionRequest, error) {
	var history []types.Message
	var vocab []string

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		history = a.history.Messages()
		return nil
	})
	if a.vocabFetch != nil {
		eg.Go(func() error {
			v, err := a.vocabFetch(egCtx)
			if err != nil {
				return fmt.Errorf("turncontroller: vocabulary fetch: %w", err)
			}
			vocab = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return llm.CompletionRequest{}, err
	}

	var sb strings.Builder
	sb.WriteString(a.systemPreamble)
	if state != "" {
		fmt.Fprintf(&sb, "\n\nConversation state: %s.", state)
	}
	if len(vocab) > 0 {
		sb.WriteString("\n\nThe caller may use these terms; transcribe and respond to them verbatim: ")
		sb.WriteString(strings.Join(vocab, ", "))
	}

	messages := make([]types.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, types.Message{Role: "user", Content: utterance})

	return llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     messages,
		MaxTokens:    tier.MaxTokens,
	}, nil
}
