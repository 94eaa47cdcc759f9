// Package attestation parses TDX quotes, checks the five-measurement
// tuple (MRTD, RTMR0-3) against an approved allow-list, and verifies
// challenge/response signatures for worker session establishment.
package attestation

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleAttestation)

// Quote layout offsets within the subset of the TDX quote body this
// core reads. Real quotes carry a much larger structure (header, cert
// chain, QE report); only the fields needed for measurement comparison
// and report_data binding are modeled here.
const (
	offReportData   = 0
	lenReportData   = 64
	offMRTD         = offReportData + lenReportData
	lenMeasurement  = 48
	offRTMR0        = offMRTD + lenMeasurement
	offRTMR1        = offRTMR0 + lenMeasurement
	offRTMR2        = offRTMR1 + lenMeasurement
	offRTMR3        = offRTMR2 + lenMeasurement
	minQuoteLen     = offRTMR3 + lenMeasurement
)

// ParseQuote extracts report_data and the MRTD/RTMR0-3 tuple from the
// raw quote bytes. It does not verify the Intel quoting-enclave
// certificate chain signature; that verification is delegated to the
// on-chain registration contract, which is the system of
// record for "is this quote genuinely TDX-signed". This parser exists
// so the keystore and coordinator can independently re-check the
// measurement tuple against their own approved-set configuration.
func ParseQuote(raw []byte) (*protocol.TDXQuote, error) {
	if len(raw) < minQuoteLen {
		return nil, fmt.Errorf("attestation: quote too short: %d bytes, need at least %d", len(raw), minQuoteLen)
	}
	q := &protocol.TDXQuote{Raw: raw}
	copy(q.ReportData[:], raw[offReportData:offReportData+lenReportData])
	q.Measurement = protocol.Measurement{
		MRTD:  hexField(raw, offMRTD),
		RTMR0: hexField(raw, offRTMR0),
		RTMR1: hexField(raw, offRTMR1),
		RTMR2: hexField(raw, offRTMR2),
		RTMR3: hexField(raw, offRTMR3),
	}
	return q, nil
}

func hexField(raw []byte, off int) string {
	return fmt.Sprintf("%x", raw[off:off+lenMeasurement])
}

// ReportDataKey extracts the Ed25519 public key a worker embedded in
// report_data (the first 32 bytes), where the worker registration
// flow places it.
func ReportDataKey(q *protocol.TDXQuote) ed25519.PublicKey {
	return ed25519.PublicKey(q.ReportData[:ed25519.PublicKeySize])
}

// ApprovedSet is an allow-list of measurement tuples, refreshed from
// the registration contract's view method.
type ApprovedSet struct {
	measurements []protocol.Measurement
}

// NewApprovedSet builds an allow-list from the given tuples.
func NewApprovedSet(measurements []protocol.Measurement) *ApprovedSet {
	return &ApprovedSet{measurements: measurements}
}

// Approved reports whether m matches any entry in the set. All five
// fields (MRTD, RTMR0-3) must match.
func (s *ApprovedSet) Approved(m protocol.Measurement) bool {
	for _, approved := range s.measurements {
		if approved.Equal(m) {
			return true
		}
	}
	return false
}

// VerifyQuote checks a raw quote's report_data against an expected
// public key and its measurement tuple against the approved set.
func VerifyQuote(raw []byte, expectedKey ed25519.PublicKey, approved *ApprovedSet) (*protocol.TDXQuote, error) {
	q, err := ParseQuote(raw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(ReportDataKey(q), expectedKey) {
		return nil, fmt.Errorf("attestation: report_data key mismatch")
	}
	if !approved.Approved(q.Measurement) {
		logger.Warn("measurement tuple not in approved set", "mrtd", q.Measurement.MRTD)
		return nil, fmt.Errorf("attestation: measurement tuple not approved")
	}
	return q, nil
}

// VerifyChallengeSignature checks a worker's signature over a
// challenge under its claimed public key.
func VerifyChallengeSignature(pub ed25519.PublicKey, challenge, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, challenge, signature)
}

// EncodeChallenge is a stable little-endian encoding helper used when a
// challenge must be mixed into a derivation (kept separate from the
// raw random bytes returned by keystore.Challenge).
func EncodeChallenge(counter uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, counter)
	return buf
}
