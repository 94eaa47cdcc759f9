package keystore

import (
	"context"
	"regexp"

	"github.com/outlayer-network/outlayer/protocol"
)

// CallerIdentity is the external caller being authorized, carrying
// just enough to evaluate an AccessCondition.
type CallerIdentity struct {
	AccountID string
}

// ChainView resolves the external balance/ownership lookups an
// AccessCondition leaf may require. A lookup error MUST be treated as
// deny by the evaluator, never as pass. Implementations
// proxy these calls through the coordinator's rate-limited RPC proxy.
type ChainView interface {
	NearBalance(ctx context.Context, account string) (int64, error)
	FtBalance(ctx context.Context, token, account string) (int64, error)
	NftOwned(ctx context.Context, contract, account, tokenID string) (bool, error)
	DaoMember(ctx context.Context, dao, account, role string) (bool, error)
}

// Evaluator evaluates AccessCondition trees against a CallerIdentity,
// memoizing external lookups within one evaluation so a condition
// referencing the same leaf twice sees a consistent snapshot: a tree
// of leaf predicates combined by composite nodes, evaluated
// recursively.
type Evaluator struct {
	view ChainView
}

func NewEvaluator(view ChainView) *Evaluator {
	return &Evaluator{view: view}
}

type lookupKey struct {
	kind string
	args string
}

type intResult struct {
	val int64
	ok  bool
}

type boolResult struct {
	val bool
	ok  bool
}

// memo is scoped to a single Evaluate call (never shared across
// concurrent evaluations) and holds both the int64-valued and
// bool-valued external lookup results seen so far, failures included,
// so every reference to a leaf within one evaluation sees the same
// snapshot.
type memo struct {
	ints  map[lookupKey]intResult
	bools map[lookupKey]boolResult
}

func newMemo() *memo {
	return &memo{ints: make(map[lookupKey]intResult), bools: make(map[lookupKey]boolResult)}
}

// Evaluate returns true iff cond holds for identity under the current
// chain view. A lookup error anywhere in the tree makes that leaf
// (and any ancestor depending on it) evaluate to deny.
func (e *Evaluator) Evaluate(ctx context.Context, cond *protocol.AccessCondition, identity CallerIdentity) bool {
	return e.eval(ctx, cond, identity, newMemo())
}

func (e *Evaluator) eval(ctx context.Context, cond *protocol.AccessCondition, identity CallerIdentity, m *memo) bool {
	if cond == nil {
		return false
	}
	switch cond.Kind {
	case protocol.CondAllowAll:
		return true

	case protocol.CondWhitelist:
		for _, a := range cond.Accounts {
			if a == identity.AccountID {
				return true
			}
		}
		return false

	case protocol.CondAccountPattern:
		re, err := regexp.Compile(cond.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(identity.AccountID)

	case protocol.CondNearBalance:
		key := lookupKey{kind: "near_balance", args: identity.AccountID}
		bal, ok := e.lookup(key, m, func() (int64, error) {
			return e.view.NearBalance(ctx, identity.AccountID)
		})
		if !ok {
			return false
		}
		return cond.Op.Compare(bal, cond.Amount)

	case protocol.CondFtBalance:
		key := lookupKey{kind: "ft_balance", args: cond.Token + "|" + identity.AccountID}
		bal, ok := e.lookup(key, m, func() (int64, error) {
			return e.view.FtBalance(ctx, cond.Token, identity.AccountID)
		})
		if !ok {
			return false
		}
		return cond.Op.Compare(bal, cond.Amount)

	case protocol.CondNftOwned:
		key := lookupKey{kind: "nft_owned", args: cond.Contract + "|" + identity.AccountID + "|" + cond.TokenID}
		owned, ok := e.lookupBool(key, m, func() (bool, error) {
			return e.view.NftOwned(ctx, cond.Contract, identity.AccountID, cond.TokenID)
		})
		return ok && owned

	case protocol.CondDaoMember:
		key := lookupKey{kind: "dao_member", args: cond.DAO + "|" + identity.AccountID + "|" + cond.Role}
		member, ok := e.lookupBool(key, m, func() (bool, error) {
			return e.view.DaoMember(ctx, cond.DAO, identity.AccountID, cond.Role)
		})
		return ok && member

	case protocol.CondNot:
		return !e.eval(ctx, cond.Child, identity, m)

	case protocol.CondLogic:
		switch cond.LogicOp {
		case protocol.LogicAnd:
			for _, child := range cond.Children {
				if !e.eval(ctx, child, identity, m) {
					return false
				}
			}
			return true
		case protocol.LogicOr:
			for _, child := range cond.Children {
				if e.eval(ctx, child, identity, m) {
					return true
				}
			}
			return false
		default:
			return false
		}

	default:
		return false
	}
}

// lookup memoizes an int64-valued external lookup within m. A lookup
// error yields ok=false (deny), never a zero-filled pass.
func (e *Evaluator) lookup(key lookupKey, m *memo, fn func() (int64, error)) (int64, bool) {
	if c, found := m.ints[key]; found {
		return c.val, c.ok
	}
	val, err := fn()
	ok := err == nil
	m.ints[key] = intResult{val: val, ok: ok}
	return val, ok
}

// lookupBool memoizes a bool-valued external lookup within m, caching
// failures the same way lookup does so a transient error on the first
// reference is not retried later in the same evaluation.
func (e *Evaluator) lookupBool(key lookupKey, m *memo, fn func() (bool, error)) (bool, bool) {
	if c, found := m.bools[key]; found {
		return c.val, c.ok
	}
	val, err := fn()
	ok := err == nil
	m.bools[key] = boolResult{val: val && ok, ok: ok}
	return val && ok, ok
}
