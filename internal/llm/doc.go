// Package llm provides an optional external merchant classifier backed by a
// hosted language model. It supports OpenAI-compatible and Anthropic APIs,
// with response caching and client-side rate limiting. Callers are expected
// to bound every call with a context deadline; the pipeline never depends on
// a suggestion being available.
package llm
