package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/agora/pkg/bus"
	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/knowledge"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return New(b, knowledge.NewInMemory(), opts...), b
}

func TestRegisterCreatesInbox(t *testing.T) {
	r, b := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, core.RoleResearcher, []string{"research"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	// The inbox exists and receives direct messages.
	if err := b.Send(ctx, core.NewMessage(core.KindQuery, "x", id, nil)); err != nil {
		t.Fatalf("send to fresh agent failed: %v", err)
	}

	info, err := r.Lookup(id)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if info.Role != core.RoleResearcher || info.Status != core.AgentIdle {
		t.Fatalf("unexpected snapshot: %+v", info)
	}
	if info.InboxLen != 1 {
		t.Fatalf("expected inbox length 1, got %d", info.InboxLen)
	}
}

func TestRegisterSubscribesBroadcast(t *testing.T) {
	r, b := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, core.RoleAnalyzer, []string{"analysis"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := b.Send(ctx, core.NewMessage(core.KindBroadcast, "coordinator", core.BroadcastRecipient, nil)); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if _, err := b.Receive(ctx, id, time.Second); err != nil {
		t.Fatalf("registered agent should receive broadcasts: %v", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Lookup("ghost"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestFindIdleByCapabilityClaims(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, core.RoleResearcher, []string{"research"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	claimed, ok := r.FindIdleByCapability("research")
	if !ok || claimed != id {
		t.Fatalf("expected to claim %s, got %q ok=%v", id, claimed, ok)
	}

	info, _ := r.Lookup(id)
	if info.Status != core.AgentBusy {
		t.Fatalf("claimed agent must be busy, got %v", info.Status)
	}

	// Already busy: no second claim.
	if _, ok := r.FindIdleByCapability("research"); ok {
		t.Fatal("busy agent must not be claimable")
	}

	r.MarkIdle(id)
	if _, ok := r.FindIdleByCapability("research"); !ok {
		t.Fatal("idle agent should be claimable again")
	}
}

func TestFindIdleByCapabilityTagMismatch(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Register(context.Background(), core.RolePlanner, []string{"planning"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := r.FindIdleByCapability("research"); ok {
		t.Fatal("capability tag must gate eligibility")
	}
}

func TestNoDoubleClaimUnderConcurrency(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, core.RoleExecutor, []string{"execution"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	const passes = 32
	var wg sync.WaitGroup
	claims := make(chan string, passes)
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, ok := r.FindIdleByCapability("execution"); ok {
				claims <- got
			}
		}()
	}
	wg.Wait()
	close(claims)

	count := 0
	for got := range claims {
		count++
		if got != id {
			t.Fatalf("claimed unexpected agent %s", got)
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", count)
	}
}

func TestFindIdleByCapabilityExclude(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, core.RoleResearcher, []string{"research"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	b, err := r.Register(ctx, core.RoleResearcher, []string{"research"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	first := a
	second := b
	if second < first {
		first, second = second, first
	}

	got, ok := r.FindIdleByCapability("research", first)
	if !ok || got != second {
		t.Fatalf("expected excluded scan to claim %s, got %q ok=%v", second, got, ok)
	}
	if _, ok := r.FindIdleByCapability("research", first, second); ok {
		t.Fatal("expected no claim with every candidate excluded")
	}
}

func TestRetireRejectsFutureDispatch(t *testing.T) {
	r, b := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, core.RoleResearcher, []string{"research"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := r.Retire(ctx, id); err != nil {
		t.Fatalf("retire failed: %v", err)
	}

	info, _ := r.Lookup(id)
	if info.Status != core.AgentStopped {
		t.Fatalf("expected stopped, got %v", info.Status)
	}
	if _, ok := r.FindIdleByCapability("research"); ok {
		t.Fatal("retired agent must not be dispatchable")
	}
	if err := b.Send(ctx, core.NewMessage(core.KindQuery, "x", id, nil)); !errors.HasCode(err, errors.CodeUnknownRecipient) {
		t.Fatalf("expected UNKNOWN_RECIPIENT for retired agent, got %v", err)
	}
}

func TestRetireDrainsWhenConfigured(t *testing.T) {
	r, b := newTestRegistry(t, WithDrainOnRetire())
	ctx := context.Background()

	id, err := r.Register(ctx, core.RoleResearcher, []string{"research"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := b.Send(ctx, core.NewMessage(core.KindQuery, "x", id, nil)); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	pending, err := r.Retire(ctx, id)
	if err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 drained messages, got %d", len(pending))
	}
}

func TestMarkFailedThenRecover(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, core.RoleAnalyzer, []string{"analysis"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	r.MarkFailed(ctx, id)
	info, _ := r.Lookup(id)
	if info.Status != core.AgentFailed {
		t.Fatalf("expected failed, got %v", info.Status)
	}
	if _, ok := r.FindIdleByCapability("analysis"); ok {
		t.Fatal("failed agent must not be dispatchable")
	}

	r.MarkIdle(id)
	if _, ok := r.FindIdleByCapability("analysis"); !ok {
		t.Fatal("recovered agent should be dispatchable")
	}
}

func TestListSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := r.Register(ctx, core.RoleCustom, []string{"misc"}); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	infos := r.List()
	if len(infos) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].ID >= infos[i].ID {
			t.Fatal("expected ids sorted ascending")
		}
	}
}
