// Command memori-demo is an interactive chat with persistent memory.
//
// It wires a SQLite store, an OpenAI-compatible provider, and an
// embedding model into one memory handle, then reads turns from stdin.
// Facts derived from earlier conversations are recalled and injected
// into each request, so the model remembers the user across runs.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	memori "github.com/memorilabs/memori-go"
	"github.com/memorilabs/memori-go/internal/config"
	"github.com/memorilabs/memori-go/observer"
	"github.com/memorilabs/memori-go/provider/resolve"
	"github.com/memorilabs/memori-go/storage/sqlite"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("[memori-demo] ")

	ctx := context.Background()

	// 1. Load config
	cfg := config.Load(os.Getenv("MEMORI_CONFIG"))
	if cfg.LLM.APIKey == "" {
		log.Fatal("no LLM api key: set MEMORI_LLM_API_KEY or [llm] api_key in memori.toml")
	}
	entityID := cfg.Memory.EntityID
	if entityID == "" {
		entityID = "demo-user"
	}

	// 2. Create the provider and embedder
	client, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		log.Fatalf("create provider: %v", err)
	}
	embedder, err := resolve.Embedder(resolve.EmbeddingConfig{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		log.Fatalf("create embedder: %v", err)
	}

	// 3. Optional OTEL instrumentation
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		client = observer.WrapProvider(client, inst)
		embedder = observer.WrapEmbedder(embedder, inst)
	}

	// 4. Open the store
	store, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	var driver memori.Driver = store
	if inst != nil {
		driver = observer.WrapDriver(store, inst)
	}

	// 5. Open the memory handle and build the schema
	m, err := memori.Open(ctx, memori.StaticDriver(driver),
		memori.WithEmbedder(embedder),
		memori.WithConfig(memori.Config{
			APIKey:                   cfg.Memory.APIKey,
			APIBaseURL:               cfg.Memory.APIBaseURL,
			EntityID:                 entityID,
			ProcessID:                cfg.Memory.ProcessID,
			SessionTimeoutMinutes:    cfg.Memory.SessionTimeoutMinutes,
			RecallFactsLimit:         cfg.Memory.RecallFactsLimit,
			RecallRelevanceThreshold: cfg.Memory.RecallRelevanceThreshold,
			TestMode:                 cfg.Memory.TestMode,
		}),
	)
	if err != nil {
		log.Fatalf("open memory: %v", err)
	}
	if err := m.Build(ctx); err != nil {
		log.Fatalf("build schema: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	// 6. Install memory on the client
	client.Install(m)

	// 7. Chat loop
	fmt.Printf("chatting as %q with %s/%s — ctrl-d or /quit to exit\n", entityID, cfg.LLM.Provider, cfg.LLM.Model)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		reply, err := client.Chat(ctx, []memori.Message{memori.UserMessage(line)})
		if err != nil {
			log.Printf("chat: %v", err)
			continue
		}
		fmt.Println(reply)
	}
	fmt.Println()
}
