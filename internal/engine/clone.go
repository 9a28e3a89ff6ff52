package engine

import (
	"math/big"

	"lending-engine/internal/interest"
	"lending-engine/internal/matching"
	"lending-engine/internal/pool"
	"lending-engine/internal/position"
)

func cloneCommandExecResult(in *CommandExecResult) *CommandExecResult {
	if in == nil {
		return nil
	}

	var clonedResult any
	switch r := in.Result.(type) {
	case *matching.CommandResult:
		clonedResult = cloneCommandResult(r)
	case *CreatePoolResult:
		if r != nil {
			clonedResult = &CreatePoolResult{Pool: clonePool(r.Pool), Result: cloneCommandResult(r.Result)}
		}
	default:
		clonedResult = in.Result
	}

	return &CommandExecResult{
		Result:    clonedResult,
		ErrorCode: in.ErrorCode,
		Err:       in.Err,
	}
}

func cloneCommandResult(in *matching.CommandResult) *matching.CommandResult {
	if in == nil {
		return nil
	}

	out := &matching.CommandResult{
		Events:    make([]matching.Event, 0, len(in.Events)),
		Positions: make([]*position.ActivatedPosition, 0, len(in.Positions)),
	}
	for _, evt := range in.Events {
		out.Events = append(out.Events, cloneEvent(evt))
	}
	for _, p := range in.Positions {
		out.Positions = append(out.Positions, p.Clone())
	}
	if in.Queued != nil {
		q := *in.Queued
		out.Queued = &q
	}
	if in.Quote != nil {
		out.Quote = cloneQuote(in.Quote)
	}
	return out
}

func clonePool(in *pool.Pool) *pool.Pool {
	if in == nil {
		return nil
	}
	cp := *in
	cp.PacketSize = copyInt(in.PacketSize)
	return &cp
}

func cloneQuote(in *interest.Quote) *interest.Quote {
	return &interest.Quote{
		PerPacket:         copyInt(in.PerPacket),
		PerPacketAfterFee: copyInt(in.PerPacketAfterFee),
		Interest:          copyInt(in.Interest),
		InterestAfterFee:  copyInt(in.InterestAfterFee),
		Packets:           in.Packets,
	}
}

func copyInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// cloneEvent copies the event struct. Amount fields are shared; Core never
// mutates an amount after it has been put on an event.
func cloneEvent(evt matching.Event) matching.Event {
	switch e := evt.(type) {
	case *matching.PoolCreatedEvent:
		if e == nil {
			return nil
		}
		cp := *e
		return &cp
	case *matching.OrderQueuedEvent:
		if e == nil {
			return nil
		}
		cp := *e
		return &cp
	case *matching.PacketsMatchedEvent:
		if e == nil {
			return nil
		}
		cp := *e
		return &cp
	case *matching.OrderModifiedEvent:
		if e == nil {
			return nil
		}
		cp := *e
		return &cp
	case *matching.OrderDequeuedEvent:
		if e == nil {
			return nil
		}
		cp := *e
		return &cp
	case *matching.InterestClaimedEvent:
		if e == nil {
			return nil
		}
		cp := *e
		return &cp
	case *matching.FNFTWithdrawnEvent:
		if e == nil {
			return nil
		}
		cp := *e
		return &cp
	default:
		return evt
	}
}
