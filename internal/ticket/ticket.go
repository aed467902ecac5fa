// Package ticket описывает каталог тикетов и применение их эффектов к счёту прав.
package ticket

import (
	"time"

	"github.com/mmeshcher/settee-billing/internal/model"
)

// Длительности эффектов тикетов.
const (
	boostExtension       = 24 * time.Hour
	boostUnusedLifetime  = 48 * time.Hour
	privateModeExtension = 365 * 24 * time.Hour
	subscriptionDay      = 24 * time.Hour

	creditBundleSize = 5
	// vipActivationBonus — разовый бонус каждого вида при активации VIP тикетом.
	vipActivationBonus = 10
)

// cost задаёт цену тикета в баллах.
var cost = map[model.TicketCode]int64{
	model.TicketBoost24H:     45,
	model.TicketRefineUnlock: 30,
	model.TicketPrivate365D:  120,
	model.TicketMessageLike5: 45,
	model.TicketSuperLike5:   50,
	model.TicketPlus1Day:     60,
	model.TicketVIP1Day:      100,
	model.TicketTreatLike5:   45,
}

var codeNames = map[model.TicketCode]string{
	model.TicketBoost24H:     "BOOST_24H",
	model.TicketRefineUnlock: "REFINE_UNLOCK",
	model.TicketPrivate365D:  "PRIVATE_365D",
	model.TicketMessageLike5: "MESSAGE_LIKE_5",
	model.TicketSuperLike5:   "SUPER_LIKE_5",
	model.TicketPlus1Day:     "SETTEE_PLUS_1DAY",
	model.TicketVIP1Day:      "SETTEE_VIP_1DAY",
	model.TicketTreatLike5:   "TREAT_LIKE_5",
}

// Cost возвращает цену тикета в баллах и признак, что код известен каталогу.
func Cost(code model.TicketCode) (int64, bool) {
	c, ok := cost[code]
	return c, ok
}

// CodeName возвращает строковое имя кода тикета.
func CodeName(code model.TicketCode) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCode преобразует строковое имя кода тикета.
func ParseCode(name string) (model.TicketCode, bool) {
	for code, n := range codeNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

// DefaultExpiry возвращает срок жизни неиспользованного тикета с момента
// обмена; nil — тикет не протухает сам по себе.
func DefaultExpiry(code model.TicketCode, acquiredAt time.Time) *time.Time {
	// Буст теряет смысл быстро, поэтому неиспользованный тикет сгорает.
	if code == model.TicketBoost24H {
		t := acquiredAt.Add(boostUnusedLifetime)
		return &t
	}
	return nil
}

// EffectSummary описывает применённый эффект тикета.
type EffectSummary struct {
	Code             string     `json:"code"`
	BoostUntil       *time.Time `json:"boost_until,omitempty"`
	PrivateModeUntil *time.Time `json:"private_mode_until,omitempty"`
	PlusUntil        *time.Time `json:"plus_until,omitempty"`
	VIPUntil         *time.Time `json:"vip_until,omitempty"`
	RefineUnlocked   bool       `json:"refine_unlocked,omitempty"`
	SuperGranted     int        `json:"super_like_granted,omitempty"`
	MessageGranted   int        `json:"message_like_granted,omitempty"`
	TreatGranted     int        `json:"treat_like_granted,omitempty"`
}

// extendFrom продлевает срок на d от позднего из now и текущего значения.
func extendFrom(current *time.Time, now time.Time, d time.Duration) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(d)
}

// Apply применяет эффект тикета к счёту прав. Возвращает сводку эффекта,
// затронутые колонки и признак, что код известен. Счёт не изменяется при
// неизвестном коде.
func Apply(e *model.Entitlement, code model.TicketCode, now time.Time) (*EffectSummary, []string, bool) {
	summary := &EffectSummary{Code: CodeName(code)}

	switch code {
	case model.TicketBoost24H:
		until := extendFrom(e.BoostUntil, now, boostExtension)
		e.BoostUntil = &until
		summary.BoostUntil = &until
		return summary, []string{"boost_until"}, true

	case model.TicketRefineUnlock:
		e.RefineUnlocked = true
		summary.RefineUnlocked = true
		return summary, []string{"refine_unlocked"}, true

	case model.TicketPrivate365D:
		until := extendFrom(e.PrivateModeUntil, now, privateModeExtension)
		e.PrivateModeUntil = &until
		summary.PrivateModeUntil = &until
		return summary, []string{"private_mode_until"}, true

	case model.TicketMessageLike5:
		changed := e.Grant(0, creditBundleSize, 0)
		summary.MessageGranted = creditBundleSize
		return summary, changed, true

	case model.TicketSuperLike5:
		changed := e.Grant(creditBundleSize, 0, 0)
		summary.SuperGranted = creditBundleSize
		return summary, changed, true

	case model.TicketTreatLike5:
		changed := e.Grant(0, 0, creditBundleSize)
		summary.TreatGranted = creditBundleSize
		return summary, changed, true

	case model.TicketPlus1Day:
		until := extendFrom(e.PlusUntil, now, subscriptionDay)
		e.PlusUntil = &until
		summary.PlusUntil = &until
		return summary, []string{"plus_until"}, true

	case model.TicketVIP1Day:
		until := extendFrom(e.VIPUntil, now, subscriptionDay)
		e.VIPUntil = &until
		summary.VIPUntil = &until
		changed := append([]string{"vip_until"},
			e.Grant(vipActivationBonus, vipActivationBonus, vipActivationBonus)...)
		summary.SuperGranted = vipActivationBonus
		summary.MessageGranted = vipActivationBonus
		summary.TreatGranted = vipActivationBonus
		return summary, changed, true
	}

	return nil, nil, false
}
