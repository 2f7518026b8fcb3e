package world

import (
	"sync"
	"time"
)

// Icon statuses for inventory items added by id before their full
// definition (name, icon) arrives.
const (
	IconPending = "pending"
	IconReady   = "ready"
)

// Item is one inventory row. Quantity-additive upsert by id; a row whose
// quantity reaches zero is removed entirely.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Quantity    int    `json:"quantity"`
	IconStatus  string `json:"icon_status,omitempty"`
}

// Inventory owns the item rows and the transient "consuming" affordance
// used while a removal animation plays.
type Inventory struct {
	mu sync.Mutex

	items     []Item
	index     map[string]int
	consuming map[string]bool

	now func() time.Time
}

func newInventory(now func() time.Time) *Inventory {
	return &Inventory{
		index:     make(map[string]int),
		consuming: make(map[string]bool),
		now:       now,
	}
}

// AddByID upserts one quantity per id occurrence. Unknown ids get a
// placeholder row (name = id, icon pending) until richer item data
// replaces it.
func (inv *Inventory) AddByID(ids []string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for _, id := range ids {
		if id == "" {
			continue
		}
		if i, ok := inv.index[id]; ok {
			inv.items[i].Quantity++
			continue
		}
		inv.index[id] = len(inv.items)
		inv.items = append(inv.items, Item{
			ID:         id,
			Name:       id,
			Quantity:   1,
			IconStatus: IconPending,
		})
	}
}

// Upsert inserts or replaces a fully defined item, adding quantities when
// the id already exists. Used by session bootstrap from profile data.
func (inv *Inventory) Upsert(item Item) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if item.ID == "" || item.Quantity <= 0 {
		return
	}
	if i, ok := inv.index[item.ID]; ok {
		existing := &inv.items[i]
		existing.Quantity += item.Quantity
		existing.Name = item.Name
		existing.Description = item.Description
		existing.Icon = item.Icon
		if item.IconStatus != "" {
			existing.IconStatus = item.IconStatus
		}
		return
	}
	inv.index[item.ID] = len(inv.items)
	inv.items = append(inv.items, item)
}

// MarkConsuming flags ids as being consumed so the UI can play the
// consuming affordance. Unknown ids are ignored.
func (inv *Inventory) MarkConsuming(ids []string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for _, id := range ids {
		if _, ok := inv.index[id]; ok {
			inv.consuming[id] = true
		}
	}
}

// ClearConsuming completes the two-phase removal: one quantity is
// decremented per occurrence of an id, rows at zero quantity are deleted,
// and the consuming flags are cleared.
func (inv *Inventory) ClearConsuming(ids []string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for _, id := range ids {
		delete(inv.consuming, id)
		i, ok := inv.index[id]
		if !ok {
			continue
		}
		inv.items[i].Quantity--
		if inv.items[i].Quantity <= 0 {
			inv.removeAtLocked(i)
		}
	}
}

// IsConsuming reports whether the id currently carries the consuming flag.
func (inv *Inventory) IsConsuming(id string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.consuming[id]
}

// Items returns a copy of the rows in insertion order.
func (inv *Inventory) Items() []Item {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]Item, len(inv.items))
	copy(out, inv.items)
	return out
}

// Get returns the item with the given id.
func (inv *Inventory) Get(id string) (Item, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if i, ok := inv.index[id]; ok {
		return inv.items[i], true
	}
	return Item{}, false
}

// Reset clears all rows and flags.
func (inv *Inventory) Reset() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.items = nil
	inv.index = make(map[string]int)
	inv.consuming = make(map[string]bool)
}

// Hydrate replaces the rows from persisted state. Rows with non-positive
// quantity are dropped rather than resurrected.
func (inv *Inventory) Hydrate(items []Item) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.items = nil
	inv.index = make(map[string]int)
	inv.consuming = make(map[string]bool)
	for _, item := range items {
		if item.ID == "" || item.Quantity <= 0 {
			continue
		}
		if _, ok := inv.index[item.ID]; ok {
			continue
		}
		inv.index[item.ID] = len(inv.items)
		inv.items = append(inv.items, item)
	}
}

func (inv *Inventory) removeAtLocked(i int) {
	id := inv.items[i].ID
	inv.items = append(inv.items[:i], inv.items[i+1:]...)
	delete(inv.index, id)
	for j := i; j < len(inv.items); j++ {
		inv.index[inv.items[j].ID] = j
	}
}
