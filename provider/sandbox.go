/*
Package provider holds Payment Provider adapters.

Sandbox is a deterministic in-process processor for development and
tests. It honours idempotency keys like a real processor and can be told
to fail, decline or answer transfers asynchronously.
*/
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/warp/shift-engine/escrow"
)

type Op string

const (
	OpCapture  Op = "capture"
	OpTransfer Op = "transfer"
	OpRefund   Op = "refund"
)

// ErrUnavailable is the transient failure the sandbox injects.
var ErrUnavailable = errors.New("sandbox: provider unavailable")

type Sandbox struct {
	mu      sync.Mutex
	name    string
	seq     int
	results map[string]escrow.Result
	calls   map[Op]int

	failNext   map[Op]int
	failAlways map[Op]bool
	decline    map[Op]bool
	async      bool
}

func NewSandbox(name string) *Sandbox {
	if name == "" {
		name = "sandbox"
	}
	return &Sandbox{
		name:       name,
		results:    make(map[string]escrow.Result),
		calls:      make(map[Op]int),
		failNext:   make(map[Op]int),
		failAlways: make(map[Op]bool),
		decline:    make(map[Op]bool),
	}
}

func (s *Sandbox) Name() string { return s.name }

// FailNext makes the next n calls of op fail with ErrUnavailable.
func (s *Sandbox) FailNext(op Op, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = n
}

func (s *Sandbox) FailAlways(op Op, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAlways[op] = on
}

func (s *Sandbox) Decline(op Op, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decline[op] = on
}

// AsyncTransfers makes transfers answer pending, completion then
// arrives as a webhook.
func (s *Sandbox) AsyncTransfers(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.async = on
}

func (s *Sandbox) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) Capture(ctx context.Context, req escrow.CaptureRequest) (escrow.Result, error) {
	return s.do(ctx, OpCapture, "ch", req.IdempotencyKey, escrow.TransferSucceeded)
}

func (s *Sandbox) Transfer(ctx context.Context, req escrow.TransferRequest) (escrow.Result, error) {
	s.mu.Lock()
	status := escrow.TransferSucceeded
	if s.async {
		status = escrow.TransferPending
	}
	s.mu.Unlock()
	return s.do(ctx, OpTransfer, "tr", req.IdempotencyKey, status)
}

func (s *Sandbox) Refund(ctx context.Context, req escrow.RefundRequest) (escrow.Result, error) {
	return s.do(ctx, OpRefund, "re", req.IdempotencyKey, escrow.TransferSucceeded)
}

func (s *Sandbox) do(ctx context.Context, op Op, prefix, key string, status escrow.TransferStatus) (escrow.Result, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++

	if res, ok := s.results[key]; ok {
		return res, nil
	}
	if s.decline[op] {
		return escrow.Result{}, fmt.Errorf("sandbox %s: %w", op, escrow.ErrDeclined)
	}
	if s.failAlways[op] {
		return escrow.Result{}, ErrUnavailable
	}
	if s.failNext[op] > 0 {
		s.failNext[op]--
		return escrow.Result{}, ErrUnavailable
	}
	s.seq++
	res := escrow.Result{Ref: fmt.Sprintf("%s_%06d", prefix, s.seq), Status: status}
	s.results[key] = res
	return res, nil
}

// SettleTransfer builds the webhook the processor would send once an
// asynchronous transfer settles.
func (s *Sandbox) SettleTransfer(payoutID string, ok bool) (escrow.ProviderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, found := s.results[payoutID]
	if !found {
		return escrow.ProviderEvent{}, fmt.Errorf("sandbox: no transfer for payout %s", payoutID)
	}
	s.seq++
	ev := escrow.ProviderEvent{
		ID:       fmt.Sprintf("evt_%06d", s.seq),
		Type:     escrow.EventPayoutSucceeded,
		PayoutID: payoutID,
		Ref:      res.Ref,
	}
	if !ok {
		ev.Type = escrow.EventPayoutFailed
		ev.Reason = "account closed"
		// a failed transfer may be retried under the same key
		delete(s.results, payoutID)
	}
	return ev, nil
}

var _ escrow.Provider = (*Sandbox)(nil)
