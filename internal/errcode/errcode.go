package errcode

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a closed reject/failure reason. every reject carries exactly one.
type Code string

const (
	QuoteStaleBlock    Code = "QUOTE_STALE_BLOCK"
	QuoteRevert        Code = "QUOTE_REVERT"
	QuoteZeroOutput    Code = "QUOTE_ZERO_OUTPUT"
	QuoteTimeout       Code = "QUOTE_TIMEOUT"
	QuoteInvalidParams Code = "QUOTE_INVALID_PARAMS"
	QuoteGasTooHigh    Code = "QUOTE_GAS_TOO_HIGH"
	QuoteInconsistent  Code = "QUOTE_INCONSISTENT"

	PoolNotFound       Code = "POOL_NOT_FOUND"
	PoolNoLiquidity    Code = "POOL_NO_LIQUIDITY"
	PoolDead           Code = "POOL_DEAD"
	PoolSuspicious     Code = "POOL_SUSPICIOUS"
	PoolUnsupportedFee Code = "POOL_UNSUPPORTED_FEE"

	SlippageTooHigh      Code = "SLIPPAGE_TOO_HIGH"
	PriceImpactTooHigh   Code = "PRICE_IMPACT_TOO_HIGH"
	TicksCrossedTooMany  Code = "TICKS_CROSSED_TOO_MANY"
	PriceSanityFailed    Code = "PRICE_SANITY_FAILED"
	PriceAnchorMissing   Code = "PRICE_ANCHOR_MISSING"
	TokenNotVerified     Code = "TOKEN_NOT_VERIFIED"
	TokenBlacklisted     Code = "TOKEN_BLACKLISTED"
	TokenDecimalsMissing Code = "TOKEN_DECIMALS_MISSING"

	ExecSimulationFailed    Code = "EXEC_SIMULATION_FAILED"
	ExecRevert              Code = "EXEC_REVERT"
	ExecGasTooHigh          Code = "EXEC_GAS_TOO_HIGH"
	ExecInsufficientBalance Code = "EXEC_INSUFFICIENT_BALANCE"
	ExecNonceError          Code = "EXEC_NONCE_ERROR"
	ExecDisabled            Code = "EXEC_DISABLED"

	PnlNegative         Code = "PNL_NEGATIVE"
	PnlBelowThreshold   Code = "PNL_BELOW_THRESHOLD"
	PnlCurrencyMismatch Code = "PNL_CURRENCY_MISMATCH"

	InfraRPCTimeout      Code = "INFRA_RPC_TIMEOUT"
	InfraRPCError        Code = "INFRA_RPC_ERROR"
	InfraRateLimit       Code = "INFRA_RATE_LIMIT"
	InfraConnectionError Code = "INFRA_CONNECTION_ERROR"
	InfraBadABI          Code = "INFRA_BAD_ABI"
	InfraBadAddress      Code = "INFRA_BAD_ADDRESS"
	InfraBlockPinFailed  Code = "INFRA_BLOCK_PIN_FAILED"

	DexAdapterNotFound  Code = "DEX_ADAPTER_NOT_FOUND"
	DexUnsupportedType  Code = "DEX_UNSUPPORTED_TYPE"
	ValidationError     Code = "VALIDATION_ERROR"
	ValidationBadInput  Code = "VALIDATION_BAD_INPUT"
	InternalCodeError   Code = "INTERNAL_CODE_ERROR"
	UnknownError        Code = "UNKNOWN_ERROR"
)

var known = map[Code]struct{}{}

func init() {
	for _, c := range All() {
		known[c] = struct{}{}
	}
}

// All lists every code in declaration order.
func All() []Code {
	return []Code{
		QuoteStaleBlock, QuoteRevert, QuoteZeroOutput, QuoteTimeout, QuoteInvalidParams, QuoteGasTooHigh, QuoteInconsistent,
		PoolNotFound, PoolNoLiquidity, PoolDead, PoolSuspicious, PoolUnsupportedFee,
		SlippageTooHigh, PriceImpactTooHigh, TicksCrossedTooMany, PriceSanityFailed, PriceAnchorMissing,
		TokenNotVerified, TokenBlacklisted, TokenDecimalsMissing,
		ExecSimulationFailed, ExecRevert, ExecGasTooHigh, ExecInsufficientBalance, ExecNonceError, ExecDisabled,
		PnlNegative, PnlBelowThreshold, PnlCurrencyMismatch,
		InfraRPCTimeout, InfraRPCError, InfraRateLimit, InfraConnectionError, InfraBadABI, InfraBadAddress, InfraBlockPinFailed,
		DexAdapterNotFound, DexUnsupportedType, ValidationError, ValidationBadInput, InternalCodeError, UnknownError,
	}
}

func (c Code) Valid() bool {
	_, ok := known[c]
	return ok
}

func (c Code) String() string { return string(c) }

// Family is the prefix group, e.g. QUOTE or INFRA.
func (c Code) Family() string {
	s := string(c)
	if i := strings.IndexByte(s, '_'); i > 0 {
		return s[:i]
	}
	return s
}

// Gate breakdown categories. the set is frozen: reports always carry all four keys.
const (
	CategoryRevert   = "revert"
	CategorySlippage = "slippage"
	CategoryInfra    = "infra"
	CategoryOther    = "other"
)

func Categories() []string {
	return []string{CategoryRevert, CategorySlippage, CategoryInfra, CategoryOther}
}

// Category folds a code into one of the gate breakdown keys.
func (c Code) Category() string {
	switch c {
	case QuoteRevert, ExecRevert:
		return CategoryRevert
	case SlippageTooHigh, PriceImpactTooHigh:
		return CategorySlippage
	}
	if c.Family() == "INFRA" {
		return CategoryInfra
	}
	return CategoryOther
}

// Error is a failure with a code and enough detail to explain it without re-running anything.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) WithDetail(key string, v any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = v
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the code from anywhere in an error chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}

// DetailsOf returns the details of the first coded error in the chain.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
