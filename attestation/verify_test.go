package attestation

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outlayer-network/outlayer/protocol"
)

func fixedMeasurement(tag byte) protocol.Measurement {
	val := fixedHex(tag)
	return protocol.Measurement{MRTD: val, RTMR0: val, RTMR1: val, RTMR2: val, RTMR3: val}
}

func fixedHex(tag byte) string {
	b := make([]byte, lenMeasurement)
	for i := range b {
		b[i] = tag
	}
	return hexEncode(b)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}

func rawQuoteWithMeasurement(t *testing.T, key ed25519.PublicKey, tag byte) []byte {
	t.Helper()
	buf := make([]byte, minQuoteLen)
	copy(buf[offReportData:], key)
	fill := make([]byte, lenMeasurement)
	for i := range fill {
		fill[i] = tag
	}
	copy(buf[offMRTD:], fill)
	copy(buf[offRTMR0:], fill)
	copy(buf[offRTMR1:], fill)
	copy(buf[offRTMR2:], fill)
	copy(buf[offRTMR3:], fill)
	return buf
}

// TestParseQuote_TooShortRejected checks a truncated quote is rejected
// rather than read out of bounds.
func TestParseQuote_TooShortRejected(t *testing.T) {
	_, err := ParseQuote(make([]byte, minQuoteLen-1))
	require.Error(t, err)
}

// TestParseQuote_ExtractsReportDataAndMeasurement verifies the fields
// land at the documented offsets.
func TestParseQuote_ExtractsReportDataAndMeasurement(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	raw := rawQuoteWithMeasurement(t, pub, 0xab)

	q, err := ParseQuote(raw)
	require.NoError(t, err)
	require.Equal(t, pub, ed25519.PublicKey(ReportDataKey(q)))
	require.Equal(t, q.Measurement.MRTD, q.Measurement.RTMR0)
}

// TestApprovedSet_RequiresAllFiveFieldsMatch checks that approval
// compares all five of MRTD and RTMR0-3, not a prefix.
func TestApprovedSet_RequiresAllFiveFieldsMatch(t *testing.T) {
	approvedMeasurement := fixedMeasurement(0x11)
	set := NewApprovedSet([]protocol.Measurement{approvedMeasurement})

	require.True(t, set.Approved(approvedMeasurement))

	mismatched := approvedMeasurement
	mismatched.RTMR2 = fixedMeasurement(0x22).RTMR2
	require.False(t, set.Approved(mismatched))
}

// TestVerifyQuote_RejectsUnapprovedMeasurement: a quote whose RTMR2
// doesn't match any approved set fails verification.
func TestVerifyQuote_RejectsUnapprovedMeasurement(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	raw := rawQuoteWithMeasurement(t, pub, 0x99)

	approved := NewApprovedSet([]protocol.Measurement{fixedMeasurement(0x11)})
	_, err = VerifyQuote(raw, pub, approved)
	require.Error(t, err)
}

// TestVerifyQuote_AcceptsApprovedMeasurementAndMatchingKey is the
// positive counterpart.
func TestVerifyQuote_AcceptsApprovedMeasurementAndMatchingKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	raw := rawQuoteWithMeasurement(t, pub, 0x11)

	approved := NewApprovedSet([]protocol.Measurement{fixedMeasurement(0x11)})
	q, err := VerifyQuote(raw, pub, approved)
	require.NoError(t, err)
	require.NotNil(t, q)
}

// TestVerifyQuote_RejectsKeyMismatch covers the report_data binding
// check independent of measurement approval.
func TestVerifyQuote_RejectsKeyMismatch(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	raw := rawQuoteWithMeasurement(t, pub, 0x11)

	approved := NewApprovedSet([]protocol.Measurement{fixedMeasurement(0x11)})
	_, err = VerifyQuote(raw, otherPub, approved)
	require.Error(t, err)
}

// TestVerifyChallengeSignature checks signature verification over an
// issued challenge.
func TestVerifyChallengeSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	challenge := []byte("a 32 byte challenge goes here!!!")
	sig := ed25519.Sign(priv, challenge)

	require.True(t, VerifyChallengeSignature(pub, challenge, sig))

	tampered := append([]byte(nil), challenge...)
	tampered[0] ^= 0xff
	require.False(t, VerifyChallengeSignature(pub, tampered, sig))
}
