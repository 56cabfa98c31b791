package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side. A take-profit or stop-loss child always
// trades against its parent.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Venue identifies the liquidity mechanism a token trades on. It determines
// which strategy builds the transaction.
type Venue string

const (
	VenueCurve Venue = "curve" // bonding curve, pre-graduation
	VenueAMM   Venue = "amm"   // pooled liquidity
)

// OrderStatus tracks the order lifecycle. Filled, cancelled, expired, and
// error are terminal; an order never leaves a terminal status.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusError     OrderStatus = "error"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusError:
		return true
	default:
		return false
	}
}

// PriceTarget is either an absolute trigger price or a percent offset from an
// entry price. Exactly one variant is set; use AbsoluteTarget or
// RelativeTarget to construct.
type PriceTarget struct {
	price    float64
	percent  float64
	relative bool
}

// AbsoluteTarget returns a target that triggers at the given price.
func AbsoluteTarget(price float64) PriceTarget {
	return PriceTarget{price: price}
}

// RelativeTarget returns a target expressed as a signed percent offset from
// the entry price (+50 means entry * 1.5, -30 means entry * 0.7).
func RelativeTarget(percent float64) PriceTarget {
	return PriceTarget{percent: percent, relative: true}
}

// Resolve returns the concrete trigger price. For absolute targets the entry
// price is ignored.
func (t PriceTarget) Resolve(entryPrice float64) float64 {
	if t.relative {
		return entryPrice * (1 + t.percent/100)
	}
	return t.price
}

// IsZero reports whether the target was never set.
func (t PriceTarget) IsZero() bool {
	return !t.relative && t.price == 0 && t.percent == 0
}

// Relative reports whether the target needs an entry price to resolve.
func (t PriceTarget) Relative() bool {
	return t.relative
}

// Raw exposes the target's stored components for persistence.
func (t PriceTarget) Raw() (price, percent float64, relative bool) {
	return t.price, t.percent, t.relative
}

// TargetFromRaw reconstructs a PriceTarget from persisted components.
func TargetFromRaw(price, percent float64, relative bool) PriceTarget {
	return PriceTarget{price: price, percent: percent, relative: relative}
}

// OrderParams are the caller-supplied parameters of an order.
type OrderParams struct {
	OwnerID     string
	TokenMint   string
	Side        OrderSide
	AmountUnits uint64 // base units (lamports for buys, token units for sells)
	Target      PriceTarget
	SlippagePct float64 // allowed slippage, [0, 10]

	// Optional take-profit / stop-loss percentages. When > 0, a filled order
	// spawns a child limit order on the opposite side.
	TakeProfitPct float64
	StopLossPct   float64

	// PositionID links the order to a parent position, when one exists.
	PositionID string

	// ParentID is set on synthesized TP/SL children and names the order that
	// spawned them.
	ParentID string

	// Protected selects the tip-paying bundler path for execution.
	Protected bool
}

// Order is the unit of work for price-triggered execution.
type Order struct {
	ID           string
	Params       OrderParams
	Status       OrderStatus
	Venue        Venue
	CurrentPrice float64

	// EntryPrice anchors a relative target: the live price captured when the
	// order was placed. Zero for absolute targets.
	EntryPrice float64

	FilledPrice  float64
	FilledAmount uint64
	TxSignature  string

	CreatedAt time.Time
	FilledAt  *time.Time
}

// TargetPrice resolves the order's trigger price. Relative targets resolve
// against the entry anchor captured at placement.
func (o Order) TargetPrice() float64 {
	return o.Params.Target.Resolve(o.EntryPrice)
}

// Triggered evaluates the limit trigger against a live price within the given
// tolerance fraction. Buys trigger at or below target, sells at or above. An
// unresolvable target (a relative target with no entry anchor) never fires.
func (o Order) Triggered(livePrice, tolerance float64) bool {
	target := o.Params.Target.Resolve(o.EntryPrice)
	if target <= 0 || livePrice <= 0 {
		return false
	}
	switch o.Params.Side {
	case OrderSideBuy:
		return livePrice <= target*(1+tolerance)
	case OrderSideSell:
		return livePrice >= target*(1-tolerance)
	default:
		return false
	}
}

// ExecutionResult is the executor's output for a single attempt. The caller
// is responsible for durable storage.
type ExecutionResult struct {
	Success      bool
	Signature    string
	FilledPrice  float64
	FilledAmount uint64
	TipPaid      uint64 // lamports actually spent on the protection tip
	ErrKind      string // machine-readable failure kind, empty on success
	Message      string
}
