package chain

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abi/biequity_core.json
var defaultABI []byte

// Names selects the contract members the worker consumes.
type Names struct {
	MintEvent    string
	RedeemEvent  string
	SettleMethod string
	// RedeemMethod acknowledges a redeem on-chain. Empty disables redeem settlement.
	RedeemMethod string
}

// DefaultNames matches the deployed issuance contract.
var DefaultNames = Names{
	MintEvent:    "TokensMinted",
	RedeemEvent:  "TokensRedeemed",
	SettleMethod: "settleTokens",
}

// Binding is the resolved view of the contract ABI.
type Binding struct {
	abi          *abi.ABI
	mint         abi.Event
	redeem       abi.Event
	settle       abi.Method
	redeemSettle *abi.Method
}

// LoadABI parses the ABI JSON at path, or the embedded contract ABI when path is empty.
func LoadABI(path string) (*abi.ABI, error) {
	data := defaultABI
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read abi %s: %w", path, err)
		}
		data = raw
	}
	a, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &a, nil
}

// NewBinding resolves and shape-checks the configured events and methods.
func NewBinding(a *abi.ABI, names Names) (*Binding, error) {
	if names.MintEvent == "" {
		names.MintEvent = DefaultNames.MintEvent
	}
	if names.RedeemEvent == "" {
		names.RedeemEvent = DefaultNames.RedeemEvent
	}
	if names.SettleMethod == "" {
		names.SettleMethod = DefaultNames.SettleMethod
	}

	b := &Binding{abi: a}
	var ok bool
	if b.mint, ok = a.Events[names.MintEvent]; !ok {
		return nil, fmt.Errorf("abi has no event %s", names.MintEvent)
	}
	if b.redeem, ok = a.Events[names.RedeemEvent]; !ok {
		return nil, fmt.Errorf("abi has no event %s", names.RedeemEvent)
	}
	for _, ev := range []abi.Event{b.mint, b.redeem} {
		if err := checkEventShape(ev); err != nil {
			return nil, err
		}
	}

	if b.settle, ok = a.Methods[names.SettleMethod]; !ok {
		return nil, fmt.Errorf("abi has no method %s", names.SettleMethod)
	}
	if err := checkMethodShape(b.settle); err != nil {
		return nil, err
	}
	if names.RedeemMethod != "" {
		m, ok := a.Methods[names.RedeemMethod]
		if !ok {
			return nil, fmt.Errorf("abi has no method %s", names.RedeemMethod)
		}
		if err := checkMethodShape(m); err != nil {
			return nil, err
		}
		b.redeemSettle = &m
	}
	return b, nil
}

// event returns the ABI event for kind.
func (b *Binding) event(kind EventKind) abi.Event {
	if kind == KindRedeem {
		return b.redeem
	}
	return b.mint
}

// method returns the settlement method for kind, or nil when none is configured.
func (b *Binding) method(kind EventKind) *abi.Method {
	if kind == KindRedeem {
		return b.redeemSettle
	}
	return &b.settle
}

// SettlesRedeems reports whether redeem events have an on-chain acknowledgement.
func (b *Binding) SettlesRedeems() bool {
	return b.redeemSettle != nil
}

func checkEventShape(ev abi.Event) error {
	in := ev.Inputs
	if len(in) < 2 || in[0].Type.T != abi.StringTy || in[1].Type.T != abi.UintTy || in[1].Type.Size != 256 {
		return fmt.Errorf("event %s: expected (string symbol, uint256 amount, ...)", ev.Name)
	}
	if in[0].Indexed || in[1].Indexed {
		return fmt.Errorf("event %s: symbol and amount must not be indexed", ev.Name)
	}
	return nil
}

func checkMethodShape(m abi.Method) error {
	in := m.Inputs
	if len(in) != 2 || in[0].Type.T != abi.StringTy || in[1].Type.T != abi.UintTy || in[1].Type.Size != 256 {
		return fmt.Errorf("method %s: expected (string, uint256)", m.Name)
	}
	return nil
}
