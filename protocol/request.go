package protocol

// ExecutionType distinguishes the originating collaborator of a job.
type ExecutionType string

const (
	ExecutionNEAR  ExecutionType = "NEAR"
	ExecutionHTTPS ExecutionType = "HTTPS"
)

// RequestMetadata carries the closed set of environment-variable names
// exposed to the guest. Exactly one of the blockchain or
// HTTPS field groups is populated, selected by ExecutionType.
type RequestMetadata struct {
	ExecutionType ExecutionType `json:"execution_type"`

	// Blockchain-originated
	NetworkID          string `json:"network_id,omitempty"`
	SenderID           string `json:"sender_id,omitempty"`
	USDPayment         string `json:"usd_payment,omitempty"`
	PaymentYocto       string `json:"payment_yocto,omitempty"`
	TransactionHash    string `json:"transaction_hash,omitempty"`
	BlockHeight        uint64 `json:"block_height,omitempty"`
	BlockTimestamp     uint64 `json:"block_timestamp,omitempty"`

	// HTTPS-originated
	CallID        string `json:"call_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	ProjectOwner  string `json:"project_owner,omitempty"`
	ProjectName   string `json:"project_name,omitempty"`
}

// EnvNames is the closed set of environment variable names handed to
// the guest. Order is stable for deterministic iteration
// in tests.
var EnvNames = []string{
	"OUTLAYER_EXECUTION_TYPE",
	"NEAR_NETWORK_ID",
	"NEAR_SENDER_ID",
	"USD_PAYMENT",
	"NEAR_PAYMENT_YOCTO",
	"OUTLAYER_CALL_ID",
	"NEAR_TRANSACTION_HASH",
	"NEAR_BLOCK_HEIGHT",
	"NEAR_BLOCK_TIMESTAMP",
	"OUTLAYER_PROJECT_ID",
	"OUTLAYER_PROJECT_OWNER",
	"OUTLAYER_PROJECT_NAME",
}

// ToEnv renders the metadata as the closed environment-variable map.
// these names always win over a colliding secret name.
func (m RequestMetadata) ToEnv() map[string]string {
	env := map[string]string{
		"OUTLAYER_EXECUTION_TYPE": string(m.ExecutionType),
	}
	if m.NetworkID != "" {
		env["NEAR_NETWORK_ID"] = m.NetworkID
	}
	if m.SenderID != "" {
		env["NEAR_SENDER_ID"] = m.SenderID
	}
	if m.USDPayment != "" {
		env["USD_PAYMENT"] = m.USDPayment
	}
	if m.PaymentYocto != "" {
		env["NEAR_PAYMENT_YOCTO"] = m.PaymentYocto
	}
	if m.CallID != "" {
		env["OUTLAYER_CALL_ID"] = m.CallID
	}
	if m.TransactionHash != "" {
		env["NEAR_TRANSACTION_HASH"] = m.TransactionHash
	}
	if m.BlockHeight != 0 {
		env["NEAR_BLOCK_HEIGHT"] = itoa(m.BlockHeight)
	}
	if m.BlockTimestamp != 0 {
		env["NEAR_BLOCK_TIMESTAMP"] = itoa(m.BlockTimestamp)
	}
	if m.ProjectID != "" {
		env["OUTLAYER_PROJECT_ID"] = m.ProjectID
	}
	if m.ProjectOwner != "" {
		env["OUTLAYER_PROJECT_OWNER"] = m.ProjectOwner
	}
	if m.ProjectName != "" {
		env["OUTLAYER_PROJECT_NAME"] = m.ProjectName
	}
	return env
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
