package ratelimit

import (
	"strings"
)

// Path parameters that scope a bucket. Any other parameter in a route
// template shares the bucket of its route shape.
const (
	ParamGuildID   = "guild_id"
	ParamChannelID = "channel_id"
	ParamWebhookID = "webhook_id"
)

// Params holds resolved path parameters keyed by template name.
type Params map[string]string

// BucketKey identifies a bucket. Two requests with equal keys always share
// one Bucket.
type BucketKey struct {
	Method    string
	Route     string
	GuildID   string
	ChannelID string
	WebhookID string
}

// NewBucketKey derives the bucket identity of a request.
func NewBucketKey(method, route string, params Params) BucketKey {
	return BucketKey{
		Method:    strings.ToUpper(method),
		Route:     route,
		GuildID:   params[ParamGuildID],
		ChannelID: params[ParamChannelID],
		WebhookID: params[ParamWebhookID],
	}
}

func (k BucketKey) String() string {
	var b strings.Builder

	b.WriteString(k.Method)
	b.WriteByte(' ')
	b.WriteString(k.Route)

	if k.GuildID != "" {
		b.WriteString(" guild:")
		b.WriteString(k.GuildID)
	}

	if k.ChannelID != "" {
		b.WriteString(" channel:")
		b.WriteString(k.ChannelID)
	}

	if k.WebhookID != "" {
		b.WriteString(" webhook:")
		b.WriteString(k.WebhookID)
	}

	return b.String()
}
