package anthropic

// BuildCachedSystemBlocks constructs a system block with a cache breakpoint.
// Concurrent curing workers share one registry prompt, so every call after
// the first reads the prompt from cache. An empty ttl uses the API default.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
