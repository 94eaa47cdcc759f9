package protocol

import "time"

// Measurement is the five-value TDX measurement tuple: MRTD and RTMR0-3.
type Measurement struct {
	MRTD  string `json:"mrtd"`
	RTMR0 string `json:"rtmr0"`
	RTMR1 string `json:"rtmr1"`
	RTMR2 string `json:"rtmr2"`
	RTMR3 string `json:"rtmr3"`
}

// Equal compares two measurement tuples field by field.
func (m Measurement) Equal(other Measurement) bool {
	return m.MRTD == other.MRTD &&
		m.RTMR0 == other.RTMR0 &&
		m.RTMR1 == other.RTMR1 &&
		m.RTMR2 == other.RTMR2 &&
		m.RTMR3 == other.RTMR3
}

// AttestationSession binds a worker-generated public key to a
// challenge/signature pair and an expiry.
type AttestationSession struct {
	PublicKey string    `json:"public_key" gorm:"primary_key"`
	Challenge []byte    `json:"-"`
	Signature []byte    `json:"-"`
	Expiry    time.Time `json:"expiry"`
}

func (AttestationSession) TableName() string { return "attestation_sessions" }

// TDXQuote is the parsed subset of an Intel TDX quote this core needs:
// the report_data (carrying the worker's ephemeral public key) and the
// five measurement registers, plus the raw bytes for signature
// verification against the quoting enclave's certificate chain.
type TDXQuote struct {
	ReportData  [64]byte
	Measurement Measurement
	Raw         []byte
}
