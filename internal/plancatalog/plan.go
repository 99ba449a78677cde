// Package plancatalog содержит статическое описание тарифных планов,
// их порядок и набор функций, которые открывает каждый план.
//
// Каталог, единственный источник правды о связи "функция → минимальный план"
// и таблицы навигации по функциям для клиентского слоя.
package plancatalog

import (
	"errors"
	"fmt"
	"strings"
)

// Plan: тарифный план. Планы упорядочены: Free < Basic < Pro < Premium.
type Plan string

const (
	// Free: бесплатный план, не требует оплаты и не истекает.
	Free Plan = "free"
	// Basic: начальный платный план.
	Basic Plan = "basic"
	// Pro: расширенный план.
	Pro Plan = "pro"
	// Premium: максимальный план.
	Premium Plan = "premium"
)

// ErrUnknownPlan возвращается при разборе неизвестного названия плана.
var ErrUnknownPlan = errors.New("unknown plan")

var ordered = []Plan{Free, Basic, Pro, Premium}

var ranks = map[Plan]int{
	Free:    0,
	Basic:   1,
	Pro:     2,
	Premium: 3,
}

var titles = map[Plan]string{
	Free:    "Free",
	Basic:   "Basic",
	Pro:     "Pro",
	Premium: "Premium",
}

// Plans возвращает все планы в порядке возрастания ранга.
func Plans() []Plan {
	out := make([]Plan, len(ordered))
	copy(out, ordered)
	return out
}

// ParsePlan разбирает название плана без учёта регистра.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ranks[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
	return p, nil
}

// Valid сообщает, что план входит в перечисление.
func (p Plan) Valid() bool {
	_, ok := ranks[p]
	return ok
}

// Rank возвращает порядковый номер плана: Free=0 … Premium=3.
// Для неизвестного плана возвращается -1.
func (p Plan) Rank() int {
	if r, ok := ranks[p]; ok {
		return r
	}
	return -1
}

// Title возвращает отображаемое название плана.
func (p Plan) Title() string {
	if t, ok := titles[p]; ok {
		return t
	}
	return string(p)
}

// Next возвращает следующий по рангу план.
// Для Premium возвращается Premium: это конечная точка, а не ошибка.
// Неизвестный план считается Free.
func (p Plan) Next() Plan {
	r := p.Rank()
	if r < 0 {
		return Basic
	}
	if r+1 >= len(ordered) {
		return p
	}
	return ordered[r+1]
}

// Rank: функция-обёртка над Plan.Rank.
func Rank(p Plan) int {
	return p.Rank()
}
