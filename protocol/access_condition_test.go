package protocol

import "testing"

func TestAccessConditionValidate(t *testing.T) {
	cases := []struct {
		name    string
		cond    AccessCondition
		wantErr bool
	}{
		{"allow_all", AccessCondition{Kind: CondAllowAll}, false},
		{"whitelist ok", AccessCondition{Kind: CondWhitelist, Accounts: []string{"alice.near"}}, false},
		{"whitelist empty", AccessCondition{Kind: CondWhitelist}, true},
		{"pattern missing", AccessCondition{Kind: CondAccountPattern}, true},
		{"near balance ok", AccessCondition{Kind: CondNearBalance, Op: OpGte, Amount: 10}, false},
		{"near balance bad op", AccessCondition{Kind: CondNearBalance, Op: "bogus"}, true},
		{"ft balance missing token", AccessCondition{Kind: CondFtBalance, Op: OpGte}, true},
		{"not missing child", AccessCondition{Kind: CondNot}, true},
		{
			"not with child",
			AccessCondition{Kind: CondNot, Child: &AccessCondition{Kind: CondAllowAll}},
			false,
		},
		{"logic missing op", AccessCondition{Kind: CondLogic, Children: []*AccessCondition{{Kind: CondAllowAll}}}, true},
		{
			"logic ok",
			AccessCondition{
				Kind:    CondLogic,
				LogicOp: LogicAnd,
				Children: []*AccessCondition{
					{Kind: CondWhitelist, Accounts: []string{"a"}},
					{Kind: CondAllowAll},
				},
			},
			false,
		},
		{"unknown variant", AccessCondition{Kind: "bogus"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cond.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAccessConditionRoundTrip(t *testing.T) {
	c := &AccessCondition{
		Kind:    CondLogic,
		LogicOp: LogicOr,
		Children: []*AccessCondition{
			{Kind: CondWhitelist, Accounts: []string{"alice.near", "bob.near"}},
			{Kind: CondNearBalance, Op: OpGte, Amount: 1000},
		},
	}
	data, err := MarshalAccessCondition(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalAccessCondition(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != c.Kind || got.LogicOp != c.LogicOp || len(got.Children) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUnmarshalRejectsUnknownVariant(t *testing.T) {
	_, err := UnmarshalAccessCondition([]byte(`{"kind":"not_a_real_kind"}`))
	if err == nil {
		t.Fatal("expected unknown-variant rejection")
	}
}
