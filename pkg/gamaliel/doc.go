// Package gamaliel is a client for the Gamaliel chat completions API, an
// OpenAI-compatible endpoint for Bible study.
//
// A request carries the usual model and messages plus optional passthrough
// fields (theology_slug, profile_slug, book_id, chapter, verses, max_words)
// that the client forwards verbatim at the top level of the JSON body:
//
//	client, err := gamaliel.New(gamaliel.Config{APIKey: os.Getenv("GAMALIEL_API_KEY")})
//	...
//	req := &api.ChatCompletionRequest{
//		Model:    "gpt-4o-mini",
//		Messages: []api.Message{{Role: api.RoleUser, Content: "What does the Bible say about forgiveness?"}},
//	}
//	api.Params{BookID: "MAT", Chapter: 6, Verses: []int{14, 15}}.ApplyTo(req)
//	resp, err := client.Complete(ctx, req)
//
// Stream returns a Stream that yields chunks as they arrive. Closing it, or
// breaking out of a range over Chunks, aborts the underlying request.
//
// Failures are reported with the typed errors of package api: AuthError,
// APIError, TransportError, StreamInterruptedError and InvalidRequestError.
// The client never retries; see api.IsRetryable.
package gamaliel
