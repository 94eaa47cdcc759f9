package protocol

// ChainEvent is the payload the blockchain main contract's yield event
// carries into the coordinator via the event indexer: a
// numeric request id, an opaque data id used later to resume, the
// signer, a source descriptor, resource limits, and the optional
// fields a blockchain-originated job needs at claim and execute time.
// Expressed as one concrete struct rather than a loosely typed JSON
// blob's guidance to parse dynamic JSON shapes once at
// the boundary into a typed value.
type ChainEvent struct {
	EventID     string `json:"event_id"`
	RequestID   string `json:"request_id"`
	DataID      string `json:"data_id"`

	SenderAccountID string     `json:"sender_account_id"`
	CodeSource      CodeSource `json:"code_source"`
	ResourceLimits  ResourceLimits `json:"resource_limits"`

	SecretsRef     *SecretsRef    `json:"secrets_ref,omitempty"`
	Input          string         `json:"input,omitempty"`
	ResponseFormat ResponseFormat `json:"response_format,omitempty"`

	AttachedNearYocto string `json:"attached_near_yocto,omitempty"`
	AttachedUSD       string `json:"attached_usd,omitempty"`
	PayerOverride     string `json:"payer_override,omitempty"`

	BlockHeight    uint64 `json:"block_height"`
	BlockTimestamp uint64 `json:"block_timestamp"`
	TransactionHash string `json:"transaction_hash"`
}

// ToRequestMetadata projects the event's blockchain-origin fields into
// the closed environment-variable surface.
func (e ChainEvent) ToRequestMetadata(networkID string) RequestMetadata {
	return RequestMetadata{
		ExecutionType:   ExecutionNEAR,
		NetworkID:       networkID,
		SenderID:        e.SenderAccountID,
		USDPayment:      e.AttachedUSD,
		PaymentYocto:    e.AttachedNearYocto,
		TransactionHash: e.TransactionHash,
		BlockHeight:     e.BlockHeight,
		BlockTimestamp:  e.BlockTimestamp,
	}
}

// CallPayload is the queue entry the HTTPS gateway enqueues for
// POST /call/{owner}/{name}. CallID doubles as both the
// job tuple's request_id and data_id, so GET /calls/{call_id} can find
// the resulting job directly. Its presence (vs. a ChainEvent's
// event_id/sender_account_id) is how worker/loop tells the two queue
// payload shapes apart after an opaque poll.
type CallPayload struct {
	CallID         string         `json:"call_id"`
	CodeSource     CodeSource     `json:"code_source"`
	Input          string         `json:"input,omitempty"`
	ResponseFormat ResponseFormat `json:"response_format,omitempty"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
	SecretsRef     *SecretsRef    `json:"secrets_ref,omitempty"`
	PaymentKey     string         `json:"payment_key"`
}

// ToRequestMetadata projects the HTTPS-origin fields into the closed
// environment-variable surface.
func (p CallPayload) ToRequestMetadata() RequestMetadata {
	return RequestMetadata{
		ExecutionType: ExecutionHTTPS,
		CallID:        p.CallID,
		ProjectOwner:  p.CodeSource.ProjectOwner,
		ProjectName:   p.CodeSource.ProjectName,
	}
}
