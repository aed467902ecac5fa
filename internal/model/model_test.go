package model

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tp(s string) *time.Time {
	t := ts(s)
	return &t
}

func TestRenewNormalWindow_FirstUse(t *testing.T) {
	e := &Entitlement{}
	now := ts("2026-03-01T10:00:00Z")

	changed := e.Renew(now)

	if e.NormalLikeRemaining != NormalLikesPerWindow {
		t.Fatalf("remaining = %d, want %d", e.NormalLikeRemaining, NormalLikesPerWindow)
	}
	wantReset := now.Add(NormalLikeWindowHours * time.Hour)
	if e.NormalLikeResetAt == nil || !e.NormalLikeResetAt.Equal(wantReset) {
		t.Fatalf("reset at = %v, want %v", e.NormalLikeResetAt, wantReset)
	}
	if len(changed) != 2 {
		t.Fatalf("changed columns = %v, want two", changed)
	}
}

func TestRenewNormalWindow_NotYetDue(t *testing.T) {
	now := ts("2026-03-01T10:00:00Z")
	e := &Entitlement{
		NormalLikeRemaining: 3,
		NormalLikeResetAt:   tp("2026-03-01T12:00:00Z"),
	}

	changed := e.Renew(now)

	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
	if e.NormalLikeRemaining != 3 {
		t.Fatalf("remaining = %d, want 3", e.NormalLikeRemaining)
	}
}

func TestRenewNormalWindow_WindowPassed(t *testing.T) {
	now := ts("2026-03-01T13:00:00Z")
	e := &Entitlement{
		NormalLikeRemaining: 0,
		NormalLikeResetAt:   tp("2026-03-01T12:00:00Z"),
	}

	e.Renew(now)

	if e.NormalLikeRemaining != NormalLikesPerWindow {
		t.Fatalf("remaining = %d, want %d", e.NormalLikeRemaining, NormalLikesPerWindow)
	}
	wantReset := now.Add(NormalLikeWindowHours * time.Hour)
	if !e.NormalLikeResetAt.Equal(wantReset) {
		t.Fatalf("reset at = %v, want %v", e.NormalLikeResetAt, wantReset)
	}
}

func TestRenewNormalWindow_SkippedWhenUnlimited(t *testing.T) {
	now := ts("2026-03-01T13:00:00Z")
	e := &Entitlement{
		NormalLikeRemaining: 0,
		NormalLikeResetAt:   tp("2026-03-01T12:00:00Z"),
		VIPUntil:            tp("2026-04-01T00:00:00Z"),
		VIPCountersMonth:    202603,
	}

	changed := e.Renew(now)

	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none for unlimited user", changed)
	}
}

func TestRenewVIPMonth_FirstAccrual(t *testing.T) {
	now := ts("2026-03-15T10:00:00Z")
	e := &Entitlement{
		VIPUntil: tp("2026-04-15T00:00:00Z"),
	}

	e.Renew(now)

	if e.SuperLikeCredits != VIPBaseSuperPerMonth {
		t.Fatalf("super = %d, want %d", e.SuperLikeCredits, VIPBaseSuperPerMonth)
	}
	if e.TreatLikeCredits != VIPBaseTreatPerMonth || e.MessageLikeCredits != VIPBaseMessagePerMonth {
		t.Fatalf("treat/message = %d/%d, want %d/%d",
			e.TreatLikeCredits, e.MessageLikeCredits, VIPBaseTreatPerMonth, VIPBaseMessagePerMonth)
	}
	if e.VIPCountersMonth != 202603 {
		t.Fatalf("counters month = %d, want 202603", e.VIPCountersMonth)
	}
}

func TestRenewVIPMonth_CatchUpCarriesOver(t *testing.T) {
	// Два пропущенных месяца: остаток не сбрасывается, доначисление аддитивно.
	now := ts("2026-03-15T10:00:00Z")
	e := &Entitlement{
		VIPUntil:         tp("2026-06-01T00:00:00Z"),
		VIPCountersMonth: 202601,
		SuperLikeCredits: 4,
	}

	e.Renew(now)

	want := 4 + 2*VIPBaseSuperPerMonth
	if e.SuperLikeCredits != want {
		t.Fatalf("super = %d, want %d", e.SuperLikeCredits, want)
	}
	if e.VIPCountersMonth != 202603 {
		t.Fatalf("counters month = %d, want 202603", e.VIPCountersMonth)
	}
}

func TestRenewVIPMonth_BonusIncludedInAccrual(t *testing.T) {
	now := ts("2026-03-15T10:00:00Z")
	e := &Entitlement{
		VIPUntil:              tp("2026-06-01T00:00:00Z"),
		VIPCountersMonth:      202602,
		BonusSuperLikeCredits: 5,
	}

	e.Renew(now)

	want := VIPBaseSuperPerMonth + 5
	if e.SuperLikeCredits != want {
		t.Fatalf("super = %d, want base plus bonus %d", e.SuperLikeCredits, want)
	}
}

func TestRenewVIPMonth_SameMonthIdempotent(t *testing.T) {
	now := ts("2026-03-15T10:00:00Z")
	e := &Entitlement{
		VIPUntil:         tp("2026-06-01T00:00:00Z"),
		VIPCountersMonth: 202603,
		SuperLikeCredits: 7,
	}

	changed := e.Renew(now)

	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
	if e.SuperLikeCredits != 7 {
		t.Fatalf("super = %d, want unchanged 7", e.SuperLikeCredits)
	}
}

func TestConsume_NormalDecrements(t *testing.T) {
	now := ts("2026-03-01T10:00:00Z")
	e := &Entitlement{
		NormalLikeRemaining: 2,
		NormalLikeResetAt:   tp("2026-03-01T12:00:00Z"),
	}

	ok, changed := e.Consume(LikeNormal, now)
	if !ok {
		t.Fatalf("consume failed with remaining credit")
	}
	if e.NormalLikeRemaining != 1 {
		t.Fatalf("remaining = %d, want 1", e.NormalLikeRemaining)
	}
	if len(changed) != 1 || changed[0] != "normal_like_remaining" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestConsume_NormalExhausted(t *testing.T) {
	now := ts("2026-03-01T10:00:00Z")
	e := &Entitlement{
		NormalLikeRemaining: 0,
		NormalLikeResetAt:   tp("2026-03-01T12:00:00Z"),
	}

	ok, _ := e.Consume(LikeNormal, now)
	if ok {
		t.Fatalf("consume succeeded with zero remaining")
	}
}

func TestConsume_NormalUnlimitedDoesNotDecrement(t *testing.T) {
	now := ts("2026-03-01T10:00:00Z")
	e := &Entitlement{
		NormalLikeRemaining: 5,
		PlusUntil:           tp("2026-04-01T00:00:00Z"),
	}

	ok, changed := e.Consume(LikeNormal, now)
	if !ok {
		t.Fatalf("unlimited consume must succeed")
	}
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
	if e.NormalLikeRemaining != 5 {
		t.Fatalf("remaining = %d, want untouched 5", e.NormalLikeRemaining)
	}
}

func TestConsume_SpecialKinds(t *testing.T) {
	now := ts("2026-03-01T10:00:00Z")
	e := &Entitlement{
		SuperLikeCredits:   1,
		TreatLikeCredits:   0,
		MessageLikeCredits: 2,
	}

	if ok, _ := e.Consume(LikeSuper, now); !ok {
		t.Fatalf("super consume failed")
	}
	if ok, _ := e.Consume(LikeSuper, now); ok {
		t.Fatalf("super consume succeeded with zero credits")
	}
	if ok, _ := e.Consume(LikeTreat, now); ok {
		t.Fatalf("treat consume succeeded with zero credits")
	}
	if ok, _ := e.Consume(LikeMessage, now); !ok {
		t.Fatalf("message consume failed")
	}
}

func TestGrant_UpdatesBonusCounters(t *testing.T) {
	e := &Entitlement{}

	e.Grant(5, 0, 3)

	if e.SuperLikeCredits != 5 || e.BonusSuperLikeCredits != 5 {
		t.Fatalf("super = %d/%d, want 5/5", e.SuperLikeCredits, e.BonusSuperLikeCredits)
	}
	if e.TreatLikeCredits != 3 || e.BonusTreatLikeCredits != 3 {
		t.Fatalf("treat = %d/%d, want 3/3", e.TreatLikeCredits, e.BonusTreatLikeCredits)
	}
	if e.MessageLikeCredits != 0 || e.BonusMessageLikeCredits != 0 {
		t.Fatalf("message must stay zero")
	}
}

func TestExtendExpiry(t *testing.T) {
	early := tp("2026-03-01T00:00:00Z")
	late := tp("2026-04-01T00:00:00Z")

	tests := []struct {
		name           string
		current, next  *time.Time
		allowDowngrade bool
		want           *time.Time
		wantChanged    bool
	}{
		{"first purchase", nil, late, false, late, true},
		{"extension", early, late, false, late, true},
		{"stale notification ignored", late, early, false, late, false},
		{"duplicate ignored", late, late, false, late, false},
		{"revocation clears", late, nil, true, nil, true},
		{"nil next without downgrade keeps current", late, nil, false, late, false},
		{"downgrade allowed shortens", late, early, true, early, true},
		{"revocation of empty field", nil, nil, true, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := ExtendExpiry(tt.current, tt.next, tt.allowDowngrade)
			if changed != tt.wantChanged {
				t.Fatalf("changed = %v, want %v", changed, tt.wantChanged)
			}
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			if got != nil && !got.Equal(*tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTierAndDerivedFlags(t *testing.T) {
	now := ts("2026-03-01T10:00:00Z")
	future := tp("2026-04-01T00:00:00Z")
	past := tp("2026-02-01T00:00:00Z")

	normal := &Entitlement{PlusUntil: past}
	if normal.Tier(now) != "NORMAL" || normal.LikeUnlimited(now) {
		t.Fatalf("expired plus must be NORMAL tier")
	}

	plus := &Entitlement{PlusUntil: future}
	if plus.Tier(now) != "PLUS" || !plus.LikeUnlimited(now) || plus.BacktrackEnabled(now) {
		t.Fatalf("plus flags wrong")
	}
	if !plus.PrivateModeActive(now) {
		t.Fatalf("plus must include private mode")
	}

	vip := &Entitlement{PlusUntil: future, VIPUntil: future}
	if vip.Tier(now) != "VIP" || !vip.BacktrackEnabled(now) || !vip.BoostActive(now) {
		t.Fatalf("vip flags wrong")
	}
}

func TestView_HidesWindowWhenUnlimited(t *testing.T) {
	now := ts("2026-03-01T10:00:00Z")
	e := &Entitlement{
		NormalLikeRemaining: 12,
		NormalLikeResetAt:   tp("2026-03-01T12:00:00Z"),
		VIPUntil:            tp("2026-04-01T00:00:00Z"),
	}

	view := e.View(now)

	if !view.LikeUnlimited {
		t.Fatalf("view must be unlimited")
	}
	if view.NormalLikeRemaining != nil || view.NormalLikeResetAt != nil {
		t.Fatalf("window must be hidden for unlimited user")
	}

	e.VIPUntil = nil
	view = e.View(now)
	if view.NormalLikeRemaining == nil || *view.NormalLikeRemaining != 12 {
		t.Fatalf("window must be visible for normal user")
	}
}

func TestParseLikeKind(t *testing.T) {
	for _, name := range []string{"NORMAL", "SUPER", "TREAT", "MESSAGE"} {
		kind, ok := ParseLikeKind(name)
		if !ok || kind.String() != name {
			t.Fatalf("round trip failed for %s", name)
		}
	}
	if _, ok := ParseLikeKind("normal"); ok {
		t.Fatalf("lowercase must not parse")
	}
}

func TestProductTarget(t *testing.T) {
	tests := []struct {
		productID string
		want      SubscriptionTarget
		known     bool
	}{
		{"com.settee.plus.monthly", TargetPlus, true},
		{"com.settee.vip.yearly", TargetVIP, true},
		{"com.settee.vip", TargetVIP, true},
		{"com.other.app.gold", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, known := ProductTarget(tt.productID)
		if known != tt.known || got != tt.want {
			t.Fatalf("ProductTarget(%q) = %q/%v, want %q/%v",
				tt.productID, got, known, tt.want, tt.known)
		}
	}
}

func TestYearMonth(t *testing.T) {
	if got := YearMonth(ts("2026-12-31T23:59:59Z")); got != 202612 {
		t.Fatalf("YearMonth = %d, want 202612", got)
	}
	if got := YearMonth(ts("2027-01-01T00:00:00Z")); got != 202701 {
		t.Fatalf("YearMonth = %d, want 202701", got)
	}
}
