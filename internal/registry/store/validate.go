package store

import (
	"encoding/json"
	"strings"

	"github.com/chirino/conversation-store/internal/model"
)

type historyContentPart struct {
	Text *string `json:"text"`
	Role *string `json:"role"`
}

// ValidateEntryRequest checks the shape rules that apply before an entry is
// persisted, independent of backend:
//
//   - history entries must carry contentType "history" or "history/<subtype>",
//     content that is exactly one {text, role} object (role USER or AI), and
//     no epoch.
//   - memory entries require a clientId; an explicit epoch must be >= 1;
//     indexedContent is only allowed on history entries.
func ValidateEntryRequest(req CreateEntryRequest, clientID *string, epoch *int64) error {
	channel := model.Channel(req.Channel)
	switch channel {
	case model.ChannelHistory, model.ChannelMemory:
	default:
		return &ValidationError{Field: "channel", Message: "must be history or memory"}
	}

	if len(req.Content) == 0 || !json.Valid(req.Content) {
		return &ValidationError{Field: "content", Message: "must be a JSON value"}
	}
	if req.ContentType == "" {
		return &ValidationError{Field: "contentType", Message: "is required"}
	}

	if channel == model.ChannelHistory {
		if req.ContentType != "history" && !strings.HasPrefix(req.ContentType, "history/") {
			return &ValidationError{Field: "contentType", Message: "history entries require contentType history or history/<subtype>"}
		}
		if epoch != nil {
			return &ValidationError{Field: "epoch", Message: "not allowed on history entries"}
		}
		if err := validateHistoryContent(req.Content); err != nil {
			return err
		}
		return nil
	}

	// memory channel
	if clientID == nil || *clientID == "" {
		return &ValidationError{Field: "clientId", Message: "required for memory entries"}
	}
	if epoch != nil && *epoch < 1 {
		return &ValidationError{Field: "epoch", Message: "must be >= 1"}
	}
	if req.IndexedContent != nil {
		return &ValidationError{Field: "indexedContent", Message: "only allowed on history entries"}
	}
	return nil
}

func validateHistoryContent(raw json.RawMessage) error {
	var parts []historyContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		// Accept a bare object as shorthand for a one-element array.
		var single historyContentPart
		if err := json.Unmarshal(raw, &single); err != nil {
			return &ValidationError{Field: "content", Message: "history content must be a {text, role} object or one-element array"}
		}
		parts = []historyContentPart{single}
	}
	if len(parts) != 1 {
		return &ValidationError{Field: "content", Message: "history content must contain exactly one {text, role} object"}
	}
	p := parts[0]
	if p.Text == nil || *p.Text == "" {
		return &ValidationError{Field: "content", Message: "history content requires a non-empty text field"}
	}
	if p.Role == nil || (*p.Role != "USER" && *p.Role != "AI") {
		return &ValidationError{Field: "content", Message: "history content role must be USER or AI"}
	}
	return nil
}
