package model

import "strings"

// SubscriptionTarget — поле счёта, на которое влияет продукт платёжной платформы.
type SubscriptionTarget string

const (
	TargetPlus SubscriptionTarget = "plus_until"
	TargetVIP  SubscriptionTarget = "vip_until"
)

// Префиксы идентификаторов продуктов App Store.
const (
	plusProductPrefix = "com.settee.plus"
	vipProductPrefix  = "com.settee.vip"
)

// ProductTarget определяет по префиксу идентификатора продукта целевое поле
// срока подписки. Неизвестный префикс — не ошибка: такие продукты игнорируются.
func ProductTarget(productID string) (SubscriptionTarget, bool) {
	switch {
	case strings.HasPrefix(productID, vipProductPrefix):
		return TargetVIP, true
	case strings.HasPrefix(productID, plusProductPrefix):
		return TargetPlus, true
	}
	return "", false
}
