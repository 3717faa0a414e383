package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. The questionnaire template and scoring rubric are identical
// across every extraction and quality call, so caching the system prompt
// pays for itself after the second deal in a session.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}
