package plancatalog

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownFeature возвращается, если ключ функции не зарегистрирован в каталоге.
var ErrUnknownFeature = errors.New("unknown feature")

// ErrInvalidCatalog возвращается, если определение каталога нарушает его инварианты.
var ErrInvalidCatalog = errors.New("invalid plan catalog")

// Feature: неизменяемое описание функции приложения.
type Feature struct {
	Key          string `json:"key"`           // Уникальный ключ функции
	Title        string `json:"title"`         // Отображаемое название
	RequiredPlan Plan   `json:"required_plan"` // Минимальный план, открывающий функцию
	Route        string `json:"route"`         // Куда ведёт функция в клиентском приложении
}

// Tier: набор функций, открытых на конкретном плане.
// Набор задаётся полностью, а не приращением к предыдущему плану.
type Tier struct {
	Plan     Plan
	Features []string
}

// Definition: исходное описание каталога.
type Definition struct {
	Tiers  []Tier
	Titles map[string]string // ключ функции -> название
	Routes map[string]string // ключ функции -> маршрут
}

// Catalog: проверенный каталог планов.
type Catalog struct {
	features map[string]Feature
	byPlan   map[Plan][]string
	keys     []string
}

// New собирает каталог и проверяет его инварианты.
func New(def Definition) (*Catalog, error) {
	const op = "plancatalog.New"

	sets := make(map[Plan]map[string]struct{}, len(def.Tiers))
	for _, t := range def.Tiers {
		if !t.Plan.Valid() {
			return nil, fmt.Errorf("%s: %w: tier for unknown plan %q", op, ErrInvalidCatalog, t.Plan)
		}
		if _, dup := sets[t.Plan]; dup {
			return nil, fmt.Errorf("%s: %w: plan %q defined twice", op, ErrInvalidCatalog, t.Plan)
		}
		set := make(map[string]struct{}, len(t.Features))
		for _, key := range t.Features {
			if key == "" {
				return nil, fmt.Errorf("%s: %w: empty feature key on plan %q", op, ErrInvalidCatalog, t.Plan)
			}
			set[key] = struct{}{}
		}
		sets[t.Plan] = set
	}
	for _, p := range ordered {
		if _, ok := sets[p]; !ok {
			return nil, fmt.Errorf("%s: %w: plan %q has no tier", op, ErrInvalidCatalog, p)
		}
	}

	c := &Catalog{
		features: make(map[string]Feature),
		byPlan:   make(map[Plan][]string, len(ordered)),
	}
	for _, p := range ordered {
		for key := range sets[p] {
			if _, seen := c.features[key]; seen {
				continue
			}
			c.features[key] = Feature{
				Key:          key,
				Title:        def.Titles[key],
				RequiredPlan: p,
				Route:        def.Routes[key],
			}
			c.keys = append(c.keys, key)
		}
	}
	sort.Strings(c.keys)
	for _, p := range ordered {
		keys := make([]string, 0, len(sets[p]))
		for key := range sets[p] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		c.byPlan[p] = keys
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// MustNew: как New, но паникует на некорректном определении.
func MustNew(def Definition) *Catalog {
	c, err := New(def)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate проверяет замкнутость каталога: каждая функция, доступная
// на младшем плане, доступна на всех старших, и у каждой функции есть маршрут.
func (c *Catalog) Validate() error {
	for i := 0; i < len(ordered); i++ {
		lower := c.byPlan[ordered[i]]
		for j := i + 1; j < len(ordered); j++ {
			higher := toSet(c.byPlan[ordered[j]])
			for _, key := range lower {
				if _, ok := higher[key]; !ok {
					return fmt.Errorf("%w: feature %q is open on %q but not on %q",
						ErrInvalidCatalog, key, ordered[i], ordered[j])
				}
			}
		}
	}
	for _, key := range c.keys {
		if c.features[key].Route == "" {
			return fmt.Errorf("%w: feature %q has no route", ErrInvalidCatalog, key)
		}
	}
	return nil
}

// FeaturesFor возвращает отсортированный набор ключей функций, открытых на плане.
// Для неизвестного плана возвращается пустой набор.
func (c *Catalog) FeaturesFor(p Plan) []string {
	keys := c.byPlan[p]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// MinimumPlanFor возвращает минимальный план, открывающий функцию.
func (c *Catalog) MinimumPlanFor(key string) (Plan, error) {
	f, ok := c.features[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFeature, key)
	}
	return f.RequiredPlan, nil
}

// Feature возвращает описание функции по ключу.
func (c *Catalog) Feature(key string) (Feature, error) {
	f, ok := c.features[key]
	if !ok {
		return Feature{}, fmt.Errorf("%w: %q", ErrUnknownFeature, key)
	}
	return f, nil
}

// Route возвращает маршрут функции из таблицы навигации.
func (c *Catalog) Route(key string) (string, error) {
	f, err := c.Feature(key)
	if err != nil {
		return "", err
	}
	return f.Route, nil
}

// Features возвращает все функции каталога, отсортированные по ключу.
func (c *Catalog) Features() []Feature {
	out := make([]Feature, 0, len(c.keys))
	for _, key := range c.keys {
		out = append(out, c.features[key])
	}
	return out
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
