package keystore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outlayer-network/outlayer/protocol"
)

type fakeView struct {
	nearBalances map[string]int64
	ftBalances   map[string]int64
	ownedTokens  map[string]bool
	daoRoles     map[string]bool
	failLookups  bool
	nftCalls     int
}

func (f *fakeView) NearBalance(ctx context.Context, account string) (int64, error) {
	if f.failLookups {
		return 0, errors.New("rpc unavailable")
	}
	return f.nearBalances[account], nil
}

func (f *fakeView) FtBalance(ctx context.Context, token, account string) (int64, error) {
	if f.failLookups {
		return 0, errors.New("rpc unavailable")
	}
	return f.ftBalances[token+"|"+account], nil
}

func (f *fakeView) NftOwned(ctx context.Context, contract, account, tokenID string) (bool, error) {
	f.nftCalls++
	if f.failLookups {
		return false, errors.New("rpc unavailable")
	}
	return f.ownedTokens[contract+"|"+account+"|"+tokenID], nil
}

func (f *fakeView) DaoMember(ctx context.Context, dao, account, role string) (bool, error) {
	if f.failLookups {
		return false, errors.New("rpc unavailable")
	}
	return f.daoRoles[dao+"|"+account+"|"+role], nil
}

func TestEvaluateWhitelist(t *testing.T) {
	e := NewEvaluator(&fakeView{})
	cond := &protocol.AccessCondition{Kind: protocol.CondWhitelist, Accounts: []string{"alice.near", "bob.near"}}

	require.True(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "alice.near"}))
	require.True(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "bob.near"}))
	require.False(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "eve.near"}))
}

func TestEvaluateNearBalance(t *testing.T) {
	view := &fakeView{nearBalances: map[string]int64{"alice.near": 1000}}
	e := NewEvaluator(view)
	cond := &protocol.AccessCondition{Kind: protocol.CondNearBalance, Op: protocol.OpGte, Amount: 500}

	require.True(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "alice.near"}))
	require.False(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "eve.near"}))
}

func TestEvaluateLookupFailureDenies(t *testing.T) {
	view := &fakeView{nearBalances: map[string]int64{"alice.near": 1000}, failLookups: true}
	e := NewEvaluator(view)
	cond := &protocol.AccessCondition{Kind: protocol.CondNearBalance, Op: protocol.OpGte, Amount: 1}

	require.False(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "alice.near"}),
		"a lookup error must evaluate to deny, never pass")
}

func TestEvaluateLogicAndOr(t *testing.T) {
	view := &fakeView{nearBalances: map[string]int64{"alice.near": 1000}}
	e := NewEvaluator(view)

	and := &protocol.AccessCondition{
		Kind: protocol.CondLogic, LogicOp: protocol.LogicAnd,
		Children: []*protocol.AccessCondition{
			{Kind: protocol.CondWhitelist, Accounts: []string{"alice.near"}},
			{Kind: protocol.CondNearBalance, Op: protocol.OpGte, Amount: 100},
		},
	}
	require.True(t, e.Evaluate(context.Background(), and, CallerIdentity{AccountID: "alice.near"}))

	or := &protocol.AccessCondition{
		Kind: protocol.CondLogic, LogicOp: protocol.LogicOr,
		Children: []*protocol.AccessCondition{
			{Kind: protocol.CondWhitelist, Accounts: []string{"nobody"}},
			{Kind: protocol.CondNearBalance, Op: protocol.OpGte, Amount: 1},
		},
	}
	require.True(t, e.Evaluate(context.Background(), or, CallerIdentity{AccountID: "alice.near"}))
}

func TestEvaluateNot(t *testing.T) {
	e := NewEvaluator(&fakeView{})
	cond := &protocol.AccessCondition{Kind: protocol.CondNot, Child: &protocol.AccessCondition{Kind: protocol.CondAllowAll}}
	require.False(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "anyone"}))
}

// TestEvaluateAccountPattern covers the AccountPattern leaf.
func TestEvaluateAccountPattern(t *testing.T) {
	e := NewEvaluator(&fakeView{})
	cond := &protocol.AccessCondition{Kind: protocol.CondAccountPattern, Pattern: `^.*\.factory\.near$`}

	require.True(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "widget.factory.near"}))
	require.False(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "widget.near"}))
}

// TestEvaluateFtBalance covers the FtBalance leaf across all
// comparison operators.
func TestEvaluateFtBalance(t *testing.T) {
	view := &fakeView{ftBalances: map[string]int64{"usdc.near|alice.near": 500}}
	e := NewEvaluator(view)
	identity := CallerIdentity{AccountID: "alice.near"}

	cases := []struct {
		op   protocol.CompareOp
		amt  int64
		want bool
	}{
		{protocol.OpGte, 500, true},
		{protocol.OpGte, 501, false},
		{protocol.OpLte, 500, true},
		{protocol.OpLte, 499, false},
		{protocol.OpGt, 499, true},
		{protocol.OpGt, 500, false},
		{protocol.OpLt, 501, true},
		{protocol.OpLt, 500, false},
		{protocol.OpEq, 500, true},
		{protocol.OpEq, 499, false},
		{protocol.OpNe, 499, true},
		{protocol.OpNe, 500, false},
	}
	for _, tc := range cases {
		cond := &protocol.AccessCondition{Kind: protocol.CondFtBalance, Token: "usdc.near", Op: tc.op, Amount: tc.amt}
		require.Equal(t, tc.want, e.Evaluate(context.Background(), cond, identity))
	}
}

// TestEvaluateNftOwned covers the NftOwned leaf, with and without a
// specific token id.
func TestEvaluateNftOwned(t *testing.T) {
	view := &fakeView{ownedTokens: map[string]bool{"nft.near|alice.near|42": true}}
	e := NewEvaluator(view)
	identity := CallerIdentity{AccountID: "alice.near"}

	owns := &protocol.AccessCondition{Kind: protocol.CondNftOwned, Contract: "nft.near", TokenID: "42"}
	require.True(t, e.Evaluate(context.Background(), owns, identity))

	doesNotOwn := &protocol.AccessCondition{Kind: protocol.CondNftOwned, Contract: "nft.near", TokenID: "99"}
	require.False(t, e.Evaluate(context.Background(), doesNotOwn, identity))
}

// TestEvaluateDaoMember covers the DaoMember leaf.
func TestEvaluateDaoMember(t *testing.T) {
	view := &fakeView{daoRoles: map[string]bool{"dao.near|alice.near|council": true}}
	e := NewEvaluator(view)
	identity := CallerIdentity{AccountID: "alice.near"}

	cond := &protocol.AccessCondition{Kind: protocol.CondDaoMember, DAO: "dao.near", Role: "council"}
	require.True(t, e.Evaluate(context.Background(), cond, identity))

	otherRole := &protocol.AccessCondition{Kind: protocol.CondDaoMember, DAO: "dao.near", Role: "admin"}
	require.False(t, e.Evaluate(context.Background(), otherRole, identity))
}

// TestEvaluateMemoizesWithinOneEvaluation covers the
// memoization requirement: a condition referencing the same external
// leaf twice must only hit the chain view once and see a consistent
// snapshot within a single Evaluate call.
func TestEvaluateMemoizesWithinOneEvaluation(t *testing.T) {
	view := &fakeView{ownedTokens: map[string]bool{"nft.near|alice.near|1": true}}
	e := NewEvaluator(view)
	identity := CallerIdentity{AccountID: "alice.near"}

	leaf := &protocol.AccessCondition{Kind: protocol.CondNftOwned, Contract: "nft.near", TokenID: "1"}
	and := &protocol.AccessCondition{
		Kind: protocol.CondLogic, LogicOp: protocol.LogicAnd,
		Children: []*protocol.AccessCondition{leaf, leaf},
	}
	require.True(t, e.Evaluate(context.Background(), and, identity))
	require.Equal(t, 1, view.nftCalls, "the same leaf evaluated twice in one tree must hit the view once")
}

// TestEvaluateNftOwnedLookupFailureDenies: an ownership lookup error
// must deny, never silently pass.
func TestEvaluateNftOwnedLookupFailureDenies(t *testing.T) {
	view := &fakeView{ownedTokens: map[string]bool{"nft.near|alice.near|1": true}, failLookups: true}
	e := NewEvaluator(view)
	cond := &protocol.AccessCondition{Kind: protocol.CondNftOwned, Contract: "nft.near", TokenID: "1"}
	require.False(t, e.Evaluate(context.Background(), cond, CallerIdentity{AccountID: "alice.near"}))
}

// TestEvaluateMemoizesLookupFailure: a failed bool-valued lookup is
// cached like a successful one, so a second reference to the same leaf
// within one evaluation never re-issues the external call.
func TestEvaluateMemoizesLookupFailure(t *testing.T) {
	view := &fakeView{failLookups: true}
	e := NewEvaluator(view)
	identity := CallerIdentity{AccountID: "alice.near"}

	leaf := &protocol.AccessCondition{Kind: protocol.CondNftOwned, Contract: "nft.near", TokenID: "1"}
	or := &protocol.AccessCondition{
		Kind: protocol.CondLogic, LogicOp: protocol.LogicOr,
		Children: []*protocol.AccessCondition{leaf, leaf},
	}
	require.False(t, e.Evaluate(context.Background(), or, identity))
	require.Equal(t, 1, view.nftCalls, "a failed lookup must be memoized, not retried within the evaluation")
}
