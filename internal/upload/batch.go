package upload

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/xpmate-capture/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Batch is the body POSTed to the collection server.
type Batch struct {
	APIs       []session.Event `json:"apis"`
	TotalCount int             `json:"totalCount"`
}

// NewBatch orders the session's events by sequence index.
func NewBatch(s session.Session) Batch {
	events := s.Sorted()
	return Batch{APIs: events, TotalCount: len(events)}
}

// Encode serializes the batch.
func (b Batch) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return data, nil
}
