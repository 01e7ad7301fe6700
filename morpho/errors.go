package morpho

import "errors"

var (
	errNilPool                = errors.New("morpho engine: pool collaborator not configured")
	errNilOracle              = errors.New("morpho engine: oracle collaborator not configured")
	errMarketNotCreated       = errors.New("morpho engine: market not created")
	errMarketAlreadyCreated   = errors.New("morpho engine: market already created")
	errMarketPaused           = errors.New("morpho engine: market operation paused")
	errAmountIsZero           = errors.New("morpho engine: amount must be positive")
	errReentrantCall          = errors.New("morpho engine: reentrant call rejected")
	errDebtValueAboveMax      = errors.New("morpho engine: debt value above max")
	errDebtValueNotAboveMax   = errors.New("morpho engine: debt value not above max")
	errWithdrawTooSmall       = errors.New("morpho engine: withdraw amount rounds to zero pool shares")
	errRepayAboveCloseFactor  = errors.New("morpho engine: amount above what allowed to repay")
	errOraclePriceZero        = errors.New("morpho engine: oracle returned zero price")
	errInsufficientLiquidity  = errors.New("morpho engine: insufficient pool liquidity")
	errNoDebtToRepay          = errors.New("morpho engine: no outstanding debt to repay")
	errToSeizeAboveCollateral = errors.New("morpho engine: seize amount above collateral")
	errUnknownUser            = errors.New("morpho engine: user has no position in market")
)

// Exported aliases so callers outside the package can classify failures with
// errors.Is without depending on internal naming.
var (
	ErrMarketNotCreated       = errMarketNotCreated
	ErrMarketAlreadyCreated   = errMarketAlreadyCreated
	ErrMarketPaused           = errMarketPaused
	ErrAmountIsZero           = errAmountIsZero
	ErrReentrantCall          = errReentrantCall
	ErrDebtValueAboveMax      = errDebtValueAboveMax
	ErrDebtValueNotAboveMax   = errDebtValueNotAboveMax
	ErrWithdrawTooSmall       = errWithdrawTooSmall
	ErrRepayAboveCloseFactor  = errRepayAboveCloseFactor
	ErrOraclePriceZero        = errOraclePriceZero
	ErrInsufficientLiquidity  = errInsufficientLiquidity
	ErrNoDebtToRepay          = errNoDebtToRepay
	ErrToSeizeAboveCollateral = errToSeizeAboveCollateral
	ErrUnknownUser            = errUnknownUser
)
