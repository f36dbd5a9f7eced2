// Package memori is a memory substrate for conversational agents in Go.
//
// It observes request/response pairs flowing through a chat provider,
// persists them as ordered conversation history, derives durable facts and
// semantic triples about the entities the agent interacts with, and — on
// every subsequent call — recalls relevant prior context and injects it back
// into the next prompt. It runs in-process alongside an application that
// talks to one or more language-model providers, independent of which
// database backend stores the memories.
//
// # Quick Start
//
// Open a handle over a storage driver, run the schema build once, and
// install memory on a provider client:
//
//	driver, _ := sqlite.Open("memori.db")
//	mem, _ := memori.Open(ctx, memori.StaticDriver(driver))
//	defer mem.Close(ctx)
//
//	if err := mem.Build(ctx); err != nil {
//		log.Fatal(err)
//	}
//	mem.Attribution("user-123", "my-agent")
//
//	client := openai.New(apiKey, "gpt-4o").Install(mem)
//	resp, err := client.Chat(ctx, openai.ChatRequest{
//		Messages: []memori.Message{memori.UserMessage("hello")},
//	})
//
// Every Chat call now recalls stored facts relevant to the user's latest
// message, prepends prior turns of the active conversation, persists the
// exchange, and enqueues background augmentation that derives new facts.
//
// # Core Interfaces
//
// The root package defines the contracts all backends implement:
//
//   - [Driver] — dialect-specific persistence for the memory data model
//   - [DriverFactory] — connection supply for background units of work
//   - [Embedder] — text-to-vector embedding
//   - [Augmentation] — pluggable background derivation step
//   - [PayloadAdapter] — provider payload to canonical message translation
//
// # Included Implementations
//
// Storage: storage/sqlite (pure Go), storage/postgres (PostgreSQL and
// CockroachDB), storage/mysql, storage/mongodb.
// Providers: provider/openai (OpenAI-compatible APIs), provider/anthropic.
// Embedders: embedder/openaiembed.
//
// See cmd/memori-demo for a complete reference application.
package memori
