package protocol

import "testing"

func TestRequestMetadataToEnv(t *testing.T) {
	m := RequestMetadata{
		ExecutionType: ExecutionHTTPS,
		CallID:        "call-1",
		ProjectOwner:  "acme",
		ProjectName:   "widgets",
	}
	env := m.ToEnv()
	if env["OUTLAYER_EXECUTION_TYPE"] != "HTTPS" {
		t.Fatalf("unexpected execution type: %v", env)
	}
	if env["OUTLAYER_CALL_ID"] != "call-1" {
		t.Fatalf("missing call id: %v", env)
	}
	if _, ok := env["NEAR_SENDER_ID"]; ok {
		t.Fatalf("unset fields must not appear: %v", env)
	}
}
