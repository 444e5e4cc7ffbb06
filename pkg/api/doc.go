// Package api defines the wire types for the Gamaliel chat completions API.
//
// Gamaliel speaks the OpenAI Chat Completions format and accepts additional
// domain parameters (theology_slug, profile_slug, book_id, chapter, verses,
// max_words). These travel as passthrough fields: the client merges them into
// the top-level request object without inspecting them.
//
// The package performs no I/O. It is shared by the client (package gamaliel),
// the mock backend used in tests, and the command line tool.
//
// Core types:
//   - [ChatCompletionRequest]: typed core fields plus the Extra passthrough map
//   - [ChatCompletionResponse]: a complete, non-streaming answer
//   - [ChatCompletionChunk]: one incremental unit of a streaming answer
//   - [Params]: typed helper for the known Gamaliel passthrough fields
//
// Error taxonomy:
//   - [AuthError]: the server rejected the credential (401/403)
//   - [APIError]: any other non-2xx response
//   - [TransportError]: the request never produced an HTTP response
//   - [StreamInterruptedError]: a stream ended abnormally after it started
//   - [InvalidRequestError]: the request failed local validation
package api
