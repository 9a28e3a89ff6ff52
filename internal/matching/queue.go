package matching

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Order is one queued entry. FarmedShares is set for farming orders, Funds
// for cross-asset producer orders.
type Order struct {
	Owner            common.Address `json:"owner"`
	PacketsRemaining uint64         `json:"packets_remaining"`
	Farming          bool           `json:"farming"`
	FarmedShares     *big.Int       `json:"farmed_shares,omitempty"`
	Funds            *big.Int       `json:"funds,omitempty"`
	SubmittedAt      time.Time      `json:"submitted_at"`
}

func (o *Order) clone() *Order {
	cp := *o
	if o.FarmedShares != nil {
		cp.FarmedShares = new(big.Int).Set(o.FarmedShares)
	}
	if o.Funds != nil {
		cp.Funds = new(big.Int).Set(o.Funds)
	}
	return &cp
}

// takeFarmed removes the farmed shares backing packets from the order,
// giving the last packet whatever rounding left behind
func (o *Order) takeFarmed(packets uint64) *big.Int {
	if o.FarmedShares == nil {
		return new(big.Int)
	}
	if packets >= o.PacketsRemaining {
		out := o.FarmedShares
		o.FarmedShares = new(big.Int)
		return out
	}
	out := new(big.Int).Mul(o.FarmedShares, new(big.Int).SetUint64(packets))
	out.Quo(out, new(big.Int).SetUint64(o.PacketsRemaining))
	o.FarmedShares.Sub(o.FarmedShares, out)
	return out
}

// takeFunds removes the escrowed funds backing packets from the order
func (o *Order) takeFunds(packets uint64) *big.Int {
	if o.Funds == nil {
		return new(big.Int)
	}
	if packets >= o.PacketsRemaining {
		out := o.Funds
		o.Funds = new(big.Int)
		return out
	}
	out := new(big.Int).Mul(o.Funds, new(big.Int).SetUint64(packets))
	out.Quo(out, new(big.Int).SetUint64(o.PacketsRemaining))
	o.Funds.Sub(o.Funds, out)
	return out
}

// Queue is a pool- and side-scoped array of orders. Entries in [Head, Tail)
// are live; entries never move, so an index stays valid for the life of the
// order. Tail always equals len(Orders).
type Queue struct {
	Orders []*Order `json:"orders"`
	Head   uint64   `json:"head"`
	Tail   uint64   `json:"tail"`
}

func (q *Queue) Empty() bool {
	return q.Head == q.Tail
}

func (q *Queue) push(o *Order) uint64 {
	idx := q.Tail
	q.Orders = append(q.Orders, o)
	q.Tail++
	return idx
}

// advance moves Head past emptied entries
func (q *Queue) advance() {
	for q.Head < q.Tail && q.Orders[q.Head].PacketsRemaining == 0 {
		q.Head++
	}
}

// front returns the oldest live order
func (q *Queue) front() *Order {
	q.advance()
	if q.Empty() {
		return nil
	}
	return q.Orders[q.Head]
}

// Depth is the number of packets waiting in the queue
func (q *Queue) Depth() uint64 {
	var total uint64
	for i := q.Head; i < q.Tail; i++ {
		total += q.Orders[i].PacketsRemaining
	}
	return total
}

// Live returns copies of the orders in [Head, Tail) keyed by index
func (q *Queue) Live() map[uint64]*Order {
	out := make(map[uint64]*Order)
	for i := q.Head; i < q.Tail; i++ {
		if o := q.Orders[i]; o.PacketsRemaining > 0 {
			out[i] = o.clone()
		}
	}
	return out
}

// FarmedShares sums the shares parked by live farming orders
func (q *Queue) FarmedShares() *big.Int {
	total := new(big.Int)
	for i := q.Head; i < q.Tail; i++ {
		if s := q.Orders[i].FarmedShares; s != nil {
			total.Add(total, s)
		}
	}
	return total
}

func (q *Queue) Clone() *Queue {
	out := &Queue{
		Orders: make([]*Order, len(q.Orders)),
		Head:   q.Head,
		Tail:   q.Tail,
	}
	for i, o := range q.Orders {
		out.Orders[i] = o.clone()
	}
	return out
}
