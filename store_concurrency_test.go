package gatekey

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	env := newTestEngine(t, testConfig())
	session := signedInSession(t, env, "race@example.com")

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := env.engine.Refresh(context.Background(), session.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	fail := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ErrInvalidRefreshToken) {
			fail++
			continue
		}
		t.Fatalf("unexpected refresh error: %v", err)
	}

	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d refresh failures, got %d", n-1, fail)
	}
}

func TestTicketConcurrencySingleRedemption(t *testing.T) {
	env := newTestEngine(t, testConfig())
	ctx := context.Background()
	user := env.seedUser(t, "ticketrace@example.com", "correct-password-1")

	ticket, err := env.engine.IssueTicket(ctx, user.ID, TicketTypeVerify, IssueTicketOptions{})
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := env.engine.RedeemTicket(context.Background(), ticket, TicketTypeVerify, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrInvalidTicket):
		default:
			t.Fatalf("unexpected redemption error: %v", err)
		}
	}

	if success != 1 {
		t.Fatalf("expected exactly one redemption, got %d", success)
	}
}
