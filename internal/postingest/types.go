package postingest

import (
	"time"

	"github.com/google/uuid"
)

// ClientInfo is the per-post request-derived metadata, persisted as JSON
// on the response row and fed into metadent-tag generation.
type ClientInfo struct {
	UserAgent string `json:"user_agent"`
	ASNNum    uint32 `json:"asn_num"`
	IPAddr    string `json:"ip_addr"`
}

// CreatingRes is the transport shape published on the pubsub channel and
// pushed onto the SQL failure-recovery buffer, consumed by the persistence
// worker.
type CreatingRes struct {
	ID            uuid.UUID  `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	Body          string     `json:"body"`
	Name          string     `json:"name"`
	Mail          string     `json:"mail"`
	AuthorID      string     `json:"author_ch5id"`
	AuthedTokenID uuid.UUID  `json:"authed_token_id"`
	IPAddr        string     `json:"ip_addr"`
	ThreadID      uuid.UUID  `json:"thread_id"`
	BoardID       uuid.UUID  `json:"board_id"`
	ClientInfo    ClientInfo `json:"client_info"`
	ResOrder      int32      `json:"res_order"`
}

// PubSubItem is the envelope published on the bbs:pubsubitem channel.
type PubSubItem struct {
	CreatingRes *CreatingRes `json:"creating_res,omitempty"`
}
