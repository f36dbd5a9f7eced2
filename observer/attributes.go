package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for memory pipeline spans and metrics.
var (
	AttrLLMProvider  = attribute.Key("llm.provider")
	AttrLLMMethod    = attribute.Key("llm.method")
	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrDialect = attribute.Key("db.dialect")
	AttrStoreOp = attribute.Key("db.operation")

	AttrEmbedModel      = attribute.Key("embedding.model")
	AttrEmbedTextCount  = attribute.Key("embedding.text_count")
	AttrEmbedDimensions = attribute.Key("embedding.dimensions")

	AttrMessageRole    = attribute.Key("memory.message_role")
	AttrConversationID = attribute.Key("memory.conversation_id")
	AttrRowKind        = attribute.Key("memory.row_kind")
	AttrRowCount       = attribute.Key("memory.row_count")
)
