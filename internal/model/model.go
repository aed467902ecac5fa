// Package model содержит доменные сущности биллинг-сервиса Settee.
package model

import "time"

// Константы квот по тарифам.
const (
	// NormalLikesPerWindow — число обычных лайков в одном окне для тарифа Normal.
	NormalLikesPerWindow = 35
	// NormalLikeWindowHours — длительность окна обычных лайков в часах.
	NormalLikeWindowHours = 12

	// VIPBaseSuperPerMonth — базовое месячное начисление супер-лайков для VIP.
	VIPBaseSuperPerMonth = 10
	// VIPBaseTreatPerMonth — базовое месячное начисление treat-лайков для VIP.
	VIPBaseTreatPerMonth = 10
	// VIPBaseMessagePerMonth — базовое месячное начисление message-лайков для VIP.
	VIPBaseMessagePerMonth = 10
)

// User представляет зарегистрированного пользователя приложения.
type User struct {
	ID           int64
	Handle       string
	PasswordHash []byte
	CreatedAt    time.Time
}

// LikeKind описывает вид лайка.
type LikeKind int

const (
	LikeNormal  LikeKind = 0
	LikeSuper   LikeKind = 1
	LikeTreat   LikeKind = 2
	LikeMessage LikeKind = 3
)

// ParseLikeKind преобразует строковое представление вида лайка.
func ParseLikeKind(s string) (LikeKind, bool) {
	switch s {
	case "NORMAL":
		return LikeNormal, true
	case "SUPER":
		return LikeSuper, true
	case "TREAT":
		return LikeTreat, true
	case "MESSAGE":
		return LikeMessage, true
	}
	return 0, false
}

// String возвращает строковое представление вида лайка.
func (k LikeKind) String() string {
	switch k {
	case LikeNormal:
		return "NORMAL"
	case LikeSuper:
		return "SUPER"
	case LikeTreat:
		return "TREAT"
	case LikeMessage:
		return "MESSAGE"
	}
	return "UNKNOWN"
}

// Entitlement — счёт прав пользователя: баллы, остатки лайков и сроки подписок.
// Изменяющие методы возвращают список затронутых колонок, чтобы репозиторий
// сохранял только их.
type Entitlement struct {
	UserID int64

	Points int64

	NormalLikeRemaining int
	NormalLikeResetAt   *time.Time

	SuperLikeCredits   int
	TreatLikeCredits   int
	MessageLikeCredits int

	BonusSuperLikeCredits   int
	BonusTreatLikeCredits   int
	BonusMessageLikeCredits int

	PlusUntil        *time.Time
	VIPUntil         *time.Time
	BoostUntil       *time.Time
	PrivateModeUntil *time.Time

	// VIPCountersMonth хранит последний месяц (YYYYMM), за который выданы
	// месячные VIP-кредиты. 0 — начисления ещё не было.
	VIPCountersMonth int

	RefineUnlocked bool
}

func activeAt(until *time.Time, now time.Time) bool {
	return until != nil && until.After(now)
}

// IsPlusActive сообщает, действует ли подписка Plus на момент now.
func (e *Entitlement) IsPlusActive(now time.Time) bool {
	return activeAt(e.PlusUntil, now)
}

// IsVIPActive сообщает, действует ли подписка VIP на момент now.
func (e *Entitlement) IsVIPActive(now time.Time) bool {
	return activeAt(e.VIPUntil, now)
}

// LikeUnlimited сообщает, безлимитны ли обычные лайки (Plus и VIP).
func (e *Entitlement) LikeUnlimited(now time.Time) bool {
	return e.IsPlusActive(now) || e.IsVIPActive(now)
}

// BoostActive сообщает, действует ли буст (VIP или отдельный срок буста).
func (e *Entitlement) BoostActive(now time.Time) bool {
	return e.IsVIPActive(now) || activeAt(e.BoostUntil, now)
}

// PrivateModeActive сообщает, действует ли приватный режим.
func (e *Entitlement) PrivateModeActive(now time.Time) bool {
	return e.IsPlusActive(now) || e.IsVIPActive(now) || activeAt(e.PrivateModeUntil, now)
}

// BacktrackEnabled сообщает, доступен ли возврат свайпа (только VIP).
func (e *Entitlement) BacktrackEnabled(now time.Time) bool {
	return e.IsVIPActive(now)
}

// Tier возвращает текущий тариф, вычисленный из сроков подписок.
func (e *Entitlement) Tier(now time.Time) string {
	switch {
	case e.IsVIPActive(now):
		return "VIP"
	case e.IsPlusActive(now):
		return "PLUS"
	default:
		return "NORMAL"
	}
}

// YearMonth возвращает номер месяца в формате YYYYMM.
func YearMonth(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

// Renew приводит квоты к актуальному состоянию на момент now: восстанавливает
// окно обычных лайков и доначисляет месячные VIP-кредиты за пропущенные
// месяцы. Идемпотентен; вызывается перед каждым чтением или списанием.
func (e *Entitlement) Renew(now time.Time) []string {
	var changed []string
	changed = append(changed, e.renewNormalWindow(now)...)
	changed = append(changed, e.renewVIPMonth(now)...)
	return changed
}

func (e *Entitlement) renewNormalWindow(now time.Time) []string {
	if e.LikeUnlimited(now) {
		return nil
	}
	if e.NormalLikeResetAt != nil && e.NormalLikeResetAt.After(now) {
		return nil
	}
	resetAt := now.Add(NormalLikeWindowHours * time.Hour)
	e.NormalLikeRemaining = NormalLikesPerWindow
	e.NormalLikeResetAt = &resetAt
	return []string{"normal_like_remaining", "normal_like_reset_at"}
}

func (e *Entitlement) renewVIPMonth(now time.Time) []string {
	if !e.IsVIPActive(now) {
		return nil
	}

	// Первое начисление — ровно один месяц, дальше — разница календарных месяцев.
	months := 1
	if e.VIPCountersMonth != 0 {
		prevYear := e.VIPCountersMonth / 100
		prevMonth := e.VIPCountersMonth % 100
		months = (now.Year()-prevYear)*12 + int(now.Month()) - prevMonth
		if months <= 0 {
			return nil
		}
	}

	// Доначисление аддитивно: неизрасходованные кредиты переносятся.
	e.SuperLikeCredits += months * (VIPBaseSuperPerMonth + e.BonusSuperLikeCredits)
	e.TreatLikeCredits += months * (VIPBaseTreatPerMonth + e.BonusTreatLikeCredits)
	e.MessageLikeCredits += months * (VIPBaseMessagePerMonth + e.BonusMessageLikeCredits)
	e.VIPCountersMonth = YearMonth(now)

	return []string{
		"vip_counters_month",
		"super_like_credits", "treat_like_credits", "message_like_credits",
	}
}

// Consume списывает один лайк указанного вида. Renew должен быть выполнен до
// вызова. Возвращает признак успеха и затронутые колонки; нехватка кредитов —
// обычный исход, а не ошибка.
func (e *Entitlement) Consume(kind LikeKind, now time.Time) (bool, []string) {
	switch kind {
	case LikeNormal:
		if e.LikeUnlimited(now) {
			return true, nil
		}
		if e.NormalLikeRemaining > 0 {
			e.NormalLikeRemaining--
			return true, []string{"normal_like_remaining"}
		}
		return false, nil
	case LikeSuper:
		if e.SuperLikeCredits > 0 {
			e.SuperLikeCredits--
			return true, []string{"super_like_credits"}
		}
		return false, nil
	case LikeTreat:
		if e.TreatLikeCredits > 0 {
			e.TreatLikeCredits--
			return true, []string{"treat_like_credits"}
		}
		return false, nil
	case LikeMessage:
		if e.MessageLikeCredits > 0 {
			e.MessageLikeCredits--
			return true, []string{"message_like_credits"}
		}
		return false, nil
	}
	return false, nil
}

// Grant безусловно добавляет кредиты и одновременно увеличивает постоянные
// bonus-счётчики, чтобы месячные VIP-доначисления учитывали прибавку.
func (e *Entitlement) Grant(superN, messageN, treatN int) []string {
	var changed []string
	if superN > 0 {
		e.SuperLikeCredits += superN
		e.BonusSuperLikeCredits += superN
		changed = append(changed, "super_like_credits", "bonus_super_like_credits")
	}
	if messageN > 0 {
		e.MessageLikeCredits += messageN
		e.BonusMessageLikeCredits += messageN
		changed = append(changed, "message_like_credits", "bonus_message_like_credits")
	}
	if treatN > 0 {
		e.TreatLikeCredits += treatN
		e.BonusTreatLikeCredits += treatN
		changed = append(changed, "treat_like_credits", "bonus_treat_like_credits")
	}
	return changed
}

// ExtendExpiry реализует политику монотонного продления срока подписки.
// Пустой новый срок применяется только при явно разрешённом понижении (отзыв,
// возврат, истечение). Непустой — если поле не задано, новый срок строго позже
// текущего либо понижение разрешено. Так опоздавшее или повторное уведомление
// не может укоротить оплаченный доступ.
func ExtendExpiry(current, next *time.Time, allowDowngrade bool) (*time.Time, bool) {
	if next == nil {
		if allowDowngrade {
			return nil, current != nil
		}
		return current, false
	}
	if current != nil && next.Equal(*current) {
		return current, false
	}
	if current == nil || next.After(*current) || allowDowngrade {
		return next, true
	}
	return current, false
}

// PaymentFact — проверенный факт покупки, извлечённый из чека или
// подписанного токена платёжной платформы.
type PaymentFact struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	BundleID              string
	Environment           string
	AppAccountToken       string
	ExpiresAt             *time.Time
	Revoked               bool
	// Unverified выставляется в диагностическом режиме мягкого приёма, когда
	// подпись не прошла проверку, но полезная нагрузка выглядит правдоподобно.
	Unverified bool
}

// StoreTransaction — запись о внешней транзакции платёжной платформы,
// ключ дедупликации повторных уведомлений.
type StoreTransaction struct {
	OriginalTransactionID string
	UserID                int64
	ProductID             string
	Environment           string
	Revoked               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TicketStatus описывает состояние тикета.
type TicketStatus string

const (
	TicketStatusUnused  TicketStatus = "unused"
	TicketStatusUsed    TicketStatus = "used"
	TicketStatusExpired TicketStatus = "expired"
)

// TicketCode — код эффекта тикета.
type TicketCode int

const (
	TicketBoost24H     TicketCode = 1
	TicketRefineUnlock TicketCode = 2
	TicketPrivate365D  TicketCode = 3
	TicketMessageLike5 TicketCode = 4
	TicketSuperLike5   TicketCode = 5
	TicketPlus1Day     TicketCode = 6
	TicketVIP1Day      TicketCode = 7
	TicketTreatLike5   TicketCode = 8
)

// Ticket — обменянный на баллы тикет с одноразовым эффектом.
type Ticket struct {
	ID         int64
	UserID     int64
	Code       TicketCode
	Status     TicketStatus
	AcquiredAt time.Time
	ExpiresAt  *time.Time
	UsedAt     *time.Time
	Source     string
}

// Entitlements — сводка текущих прав пользователя для ответа API.
type Entitlements struct {
	Tier                string     `json:"tier"`
	LikeUnlimited       bool       `json:"like_unlimited"`
	NormalLikeRemaining *int       `json:"normal_like_remaining"`
	NormalLikeResetAt   *time.Time `json:"normal_like_reset_at"`
	SuperLikeCredits    int        `json:"super_like_credits"`
	TreatLikeCredits    int        `json:"treat_like_credits"`
	MessageLikeCredits  int        `json:"message_like_credits"`
	BacktrackEnabled    bool       `json:"backtrack_enabled"`
	BoostActive         bool       `json:"boost_active"`
	PrivateModeActive   bool       `json:"private_mode_active"`
	Points              int64      `json:"points"`
	RefineUnlocked      bool       `json:"refine_unlocked"`
	PlusUntil           *time.Time `json:"plus_until,omitempty"`
	VIPUntil            *time.Time `json:"vip_until,omitempty"`
	BoostUntil          *time.Time `json:"boost_until,omitempty"`
	PrivateModeUntil    *time.Time `json:"private_mode_until,omitempty"`
	ServerTime          time.Time  `json:"server_time"`
}

// View собирает сводку прав на момент now. Квоты должны быть актуализированы
// вызовом Renew до сборки.
func (e *Entitlement) View(now time.Time) *Entitlements {
	ent := &Entitlements{
		Tier:               e.Tier(now),
		LikeUnlimited:      e.LikeUnlimited(now),
		SuperLikeCredits:   e.SuperLikeCredits,
		TreatLikeCredits:   e.TreatLikeCredits,
		MessageLikeCredits: e.MessageLikeCredits,
		BacktrackEnabled:   e.BacktrackEnabled(now),
		BoostActive:        e.BoostActive(now),
		PrivateModeActive:  e.PrivateModeActive(now),
		Points:             e.Points,
		RefineUnlocked:     e.RefineUnlocked,
		PlusUntil:          e.PlusUntil,
		VIPUntil:           e.VIPUntil,
		BoostUntil:         e.BoostUntil,
		PrivateModeUntil:   e.PrivateModeUntil,
		ServerTime:         now,
	}
	if !ent.LikeUnlimited {
		remaining := e.NormalLikeRemaining
		ent.NormalLikeRemaining = &remaining
		ent.NormalLikeResetAt = e.NormalLikeResetAt
	}
	return ent
}
