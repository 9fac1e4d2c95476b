package model

// MintSubmittedMessage 铸造交易已提交 (ticket-mint-submitted)
type MintSubmittedMessage struct {
	TicketID    string `json:"ticket_id"`
	EventID     string `json:"event_id"`
	TxHash      string `json:"tx_hash"`
	IPFSHash    string `json:"ipfs_hash"`
	ChainID     int64  `json:"chain_id"`
	RequestedBy string `json:"requested_by,omitempty"`
	SubmittedAt int64  `json:"submitted_at"`
}

// MintFinalizedMessage 铸造已确认 (ticket-mint-finalized)
type MintFinalizedMessage struct {
	TicketID       string `json:"ticket_id"`
	EventID        string `json:"event_id"`
	TxHash         string `json:"tx_hash"`
	BlockNumber    uint64 `json:"block_number"`
	BlockHash      string `json:"block_hash"`
	MintedTokenRef string `json:"minted_token_ref"`
	ChainID        int64  `json:"chain_id"`
	FinalizedAt    int64  `json:"finalized_at"`
}
