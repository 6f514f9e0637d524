// Package memory provides two-layer conversational memory for AI
// agents: a capped short-term message window with LLM-assisted
// compaction, and a durable, deduplicated long-term fact store backed
// by vector search.
//
// Architecture:
//   - shortterm: rolling per-chat window; compaction replaces an aged
//     prefix with one synthesized summary after best-effort fact
//     extraction
//   - longterm: durable entries in a vector store with
//     nearest-neighbor duplicate suppression and LLM fact extraction
//   - embedding: content-hash memoized embedding cache shared by both
//     layers
//   - hybrid: per-chat embedding manifest spanning both layers,
//     queried by fusing semantic similarity with keyword overlap
//
// Manager wires the layers together and is what the agent consumes:
// record turns, retrieve relevant context, memorize and forget facts.
//
// Every external capability (embedding provider, vector backend,
// language model) may be unavailable at any time; the subsystem
// degrades to documented empty or no-op results and never fails a
// conversation turn over a memory fault.
//
// Local implementations:
//   - store/chromem: embedded vector database (chromem-go)
//   - store/sqlitedoc: SQLite-backed durable per-key store
//   - embedder/onnx: offline all-MiniLM embeddings (build tag onnx)
//   - llm/anthropic: Claude-backed summarization and extraction
package memory
