package memori

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// AdvancedAugmentation derives entity facts, semantic triples, process
// attributes and a conversation summary from each exchange through the
// remote augmentation service. Every handle registers it by default;
// [WithAugmentations] adds custom ones alongside.
type AdvancedAugmentation struct {
	api    *apiClient
	embed  *embeddings
	logger *slog.Logger
}

func newAdvancedAugmentation(api *apiClient, embed *embeddings, logger *slog.Logger) *AdvancedAugmentation {
	return &AdvancedAugmentation{api: api, embed: embed, logger: logger}
}

func (a *AdvancedAugmentation) Name() string { return "advanced_augmentation" }

func (a *AdvancedAugmentation) Enabled() bool { return true }

func (a *AdvancedAugmentation) Process(ctx context.Context, actx *AugmentationContext, d Driver) error {
	input := actx.Input
	if input.EntityID == "" || input.ConversationID == 0 {
		return nil
	}

	dialect := d.Dialect()
	summary := a.conversationSummary(ctx, d, input.ConversationID)

	req := &augmentationRequest{
		Conversation: augmentationConversation{Messages: input.Messages},
		Meta: augmentationMeta{
			LLM: augmentationLLM{Model: augmentationModel{
				Provider: input.Client.Provider,
				Version:  input.Client.Version,
			}},
			SDK: augmentationSDK{Lang: "go", Version: Version},
			Storage: augmentationStorage{
				Cockroach: dialect == DialectCockroach,
				Dialect:   dialect,
			},
		},
	}
	if summary != "" {
		req.Conversation.Summary = &summary
	}

	resp, err := a.api.Augment(ctx, req)
	if err != nil {
		if isQuotaExceeded(err) {
			return err
		}
		a.logger.Debug("augmentation: derivation request failed", "error", err)
		return nil
	}
	if resp.empty() {
		return nil
	}

	facts, vecs, triples := a.deriveMemories(ctx, resp)

	entityID, err := d.CreateEntity(ctx, input.EntityID)
	if err != nil {
		return fmt.Errorf("augmentation: entity create: %w", err)
	}
	if entityID == 0 {
		return nil
	}

	factsToWrite, vecsToWrite := facts, vecs
	if len(triples) > 0 && (len(factsToWrite) == 0 || len(vecsToWrite) == 0) {
		extra := make([]string, len(triples))
		for i, t := range triples {
			extra[i] = tripleFact(t)
		}
		factsToWrite = append(factsToWrite, extra...)
		vecsToWrite = append(vecsToWrite, a.embed.encode(ctx, extra)...)
	}
	if len(factsToWrite) > 0 && len(vecsToWrite) > 0 {
		actx.Queue(CreateEntityFactsTask{EntityID: entityID, Facts: factsToWrite, Embeddings: vecsToWrite})
	}
	if len(triples) > 0 {
		actx.Queue(CreateKnowledgeGraphTask{EntityID: entityID, Triples: triples})
	}

	if input.ProcessID != "" {
		processID, err := d.CreateProcess(ctx, input.ProcessID)
		if err != nil {
			return fmt.Errorf("augmentation: process create: %w", err)
		}
		if processID != 0 && resp.Process != nil && len(resp.Process.Attributes) > 0 {
			actx.Queue(CreateProcessAttributesTask{ProcessID: processID, Attributes: resp.Process.Attributes})
		}
	}

	if resp.Conversation != nil && resp.Conversation.Summary != "" {
		actx.Queue(UpdateConversationSummaryTask{ConversationID: input.ConversationID, Summary: resp.Conversation.Summary})
	}
	return nil
}

// conversationSummary reads the stored summary for context, tolerating
// any storage failure as "no summary yet".
func (a *AdvancedAugmentation) conversationSummary(ctx context.Context, d Driver, conversationID int64) string {
	conv, err := d.ReadConversation(ctx, conversationID)
	if err != nil {
		return ""
	}
	return conv.Summary
}

// deriveMemories reduces the service response to facts, their
// embeddings, and parsed triples. Entries under "triples" also
// contribute a synthesized "<subject> <predicate> <object>" fact;
// embeddings are computed before that synthesis, so synthesized facts
// carry vectors only when the explicit fact list was empty.
func (a *AdvancedAugmentation) deriveMemories(ctx context.Context, resp *augmentationResponse) ([]string, [][]float32, []Triple) {
	if resp.Entity == nil {
		return nil, nil, nil
	}
	facts := append([]string(nil), resp.Entity.Facts...)

	embedSource := facts
	if len(embedSource) == 0 {
		for _, t := range resp.Entity.Triples {
			if t.Subject == nil || t.Predicate == "" || t.Object == nil {
				continue
			}
			embedSource = append(embedSource, t.Subject.Name+" "+t.Predicate+" "+t.Object.Name)
		}
	}
	var vecs [][]float32
	if len(embedSource) > 0 {
		vecs = a.embed.encode(ctx, embedSource)
	}

	var triples []Triple
	for _, entry := range resp.Entity.SemanticTriples {
		if t, ok := parseTriple(entry); ok {
			triples = append(triples, t)
		}
	}
	for _, entry := range resp.Entity.Triples {
		t, ok := parseTriple(entry)
		if !ok {
			continue
		}
		triples = append(triples, t)
		facts = append(facts, tripleFact(t))
	}
	return facts, vecs, triples
}

// parseTriple validates one wire triple: subject and object need both a
// name and a type, types are stored lowercased.
func parseTriple(t wireTriple) (Triple, bool) {
	if t.Subject == nil || t.Predicate == "" || t.Object == nil {
		return Triple{}, false
	}
	if t.Subject.Name == "" || t.Subject.Type == "" || t.Object.Name == "" || t.Object.Type == "" {
		return Triple{}, false
	}
	return Triple{
		Subject:   Node{Name: t.Subject.Name, Type: strings.ToLower(t.Subject.Type)},
		Predicate: t.Predicate,
		Object:    Node{Name: t.Object.Name, Type: strings.ToLower(t.Object.Type)},
	}, true
}

func tripleFact(t Triple) string {
	return t.Subject.Name + " " + t.Predicate + " " + t.Object.Name
}
