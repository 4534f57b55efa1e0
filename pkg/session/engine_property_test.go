//go:build property
// +build property

package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestReleasedNeverExceedsDeposited drives a session with random release
// amounts, duplicate IDs and deposits and checks the accounting invariant
// after every step.
func TestReleasedNeverExceedsDeposited(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("released <= deposited and monotonic", prop.ForAll(
		func(amounts []int64, dupEvery int) bool {
			ctx := context.Background()
			h := newHarness(t, defaultLimits())
			defer h.engine.Close()
			sid := h.open(t, "500", "100")

			var last finance.Amount
			for i, a := range amounts {
				id := fmt.Sprintf("p-%d", i)
				if dupEvery > 0 && i%dupEvery == 0 && i > 0 {
					id = fmt.Sprintf("p-%d", i-1)
				}
				amt := finance.Amount(a) * finance.MustParse("1")
				res, err := h.engine.ReleasePayment(ctx, sid, agent, amt, id)
				if err != nil {
					return false
				}
				if i%7 == 6 {
					_, _ = h.engine.Deposit(ctx, sid, finance.MustParse("15"))
				}

				s, err := h.store.GetSession(ctx, sid)
				if err != nil || s.Validate() != nil || s.Released < last {
					return false
				}
				led, err := h.ledger.GetSession(ctx, sid)
				if err != nil || led.Released != s.Released {
					return false
				}
				if res.OK && res.Reason != contracts.ReasonNone {
					return false
				}
				last = s.Released
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 40)),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
