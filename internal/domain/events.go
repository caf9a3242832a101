package domain

// DeliveryEvent asks the sender to deliver one scheduled item.
type DeliveryEvent struct {
	ID             int64          `json:"id"`
	Recipients     []Recipient    `json:"recipients"`
	Message        string         `json:"message"`
	MediaPath      string         `json:"media_path,omitempty"`
	ChannelVariant ChannelVariant `json:"channel_variant"`
}

const (
	SendKindText  = "text"
	SendKindMedia = "media"
)

// SendRequest is what the send adapters hand to the host application integration.
type SendRequest struct {
	Kind           string         `json:"kind"`
	ChannelVariant ChannelVariant `json:"channel_variant"`
	Recipients     []Recipient    `json:"recipients"`
	Text           string         `json:"text,omitempty"`
	File           string         `json:"file,omitempty"`
}

// ResultEvent reports the outcome of a DeliveryEvent.
type ResultEvent struct {
	ID      int64 `json:"id"`
	Success bool  `json:"success"`
}
