// Package attractor implements a directed-graph pipeline engine whose nodes
// are LLM calls, human gates, shell tools, and fan-out/fan-in primitives.
//
// A pipeline is authored in a DOT subset. The engine parses the source,
// applies transforms (model stylesheet resolution, $goal expansion), validates
// the graph, and walks it: each node is dispatched to a type-resolved
// NodeHandler producing an Outcome, an edge selector picks the next node,
// retry policies absorb transient failures, and goal gates block termination
// until every gated node has succeeded. A Context carries mutable
// key/value state and an append-only log; checkpoints serialize it after
// every completed node.
package attractor
