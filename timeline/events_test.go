package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRegistryCoversEveryPayload(t *testing.T) {
	payloads := []Payload{
		SwapMatched{}, SwapAccepted{}, FeeCommitted{}, FeePaid{}, ProofSubmitted{},
		ProofVerified{}, ProofHeld{}, ProofRejected{}, SwapCompleted{}, SwapCancelled{},
		SwapExpired{}, SwapRefunded{}, GhostFlagged{}, DeadlineReminder{}, DisputeOpened{},
		DisputeResolved{}, SwapFailed{}, SanctionApplied{}, SanctionAppealed{},
		TermsProposed{}, TermsCountered{}, TermsAccepted{}, TermsRejected{},
	}
	if len(payloads) != len(registry) {
		t.Fatalf("registry has %d types, payload list has %d", len(registry), len(payloads))
	}
	for _, p := range payloads {
		decoded, err := Decode(p.EventType(), nil)
		if err != nil {
			t.Fatalf("decode %s: %v", p.EventType(), err)
		}
		if decoded.EventType() != p.EventType() {
			t.Fatalf("registry maps %s to %s", p.EventType(), decoded.EventType())
		}
	}
}

func TestDecodeTypedPayload(t *testing.T) {
	expires := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(SwapMatched{
		ListingA:  "la",
		ListingB:  "lb",
		UserA:     "ua",
		UserB:     "ub",
		AmountA:   decimal.RequireFromString("20.00"),
		AmountB:   decimal.RequireFromString("22.50"),
		ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	p, err := Decode(TypeSwapMatched, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := p.(*SwapMatched)
	if !ok {
		t.Fatalf("expected *SwapMatched, got %T", p)
	}
	if m.UserB != "ub" || !m.AmountB.Equal(decimal.RequireFromString("22.5")) || !m.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected payload %+v", m)
	}
}

func TestDecodeTermsPayloadFlattensRef(t *testing.T) {
	raw := []byte(`{"terms_id":"t-1","version":3,"user_id":"u2"}`)
	p, err := Decode(TypeTermsCountered, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	c := p.(*TermsCountered)
	if c.TermsID != "t-1" || c.Version != 3 || c.UserID != "u2" {
		t.Fatalf("unexpected payload %+v", c)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode("swap_teleported", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown type to fail")
	}
	if Known("swap_teleported") {
		t.Fatalf("expected unknown type to be rejected")
	}
}
