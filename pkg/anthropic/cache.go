package anthropic

// BuildCachedSystemBlocks constructs a system prompt block with an ephemeral
// cache breakpoint. The interpretation prompt is identical across orders, so
// repeated commands within the TTL read it from cache.
func BuildCachedSystemBlocks(text string, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
