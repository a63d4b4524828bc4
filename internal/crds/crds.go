package crds

import (
	"errors"

	"gossipnet/internal/identity"
)

var ErrOldValue = errors.New("value does not override stored value")

// VersionedValue is a table entry: the value plus the hash the table
// indexes it by and two local clocks. InsertTimestamp is set once when
// the entry lands and drives since-cursors; LocalTimestamp is refreshed
// on liveness signals and drives purging.
type VersionedValue struct {
	Value           CrdsValue
	ValueHash       Hash
	InsertTimestamp uint64
	LocalTimestamp  uint64
}

// Crds is the replicated table. Last writer wins per label: an insert
// replaces the stored value only when its wallclock is newer, or equal
// with a greater value hash. Callers synchronize access.
type Crds struct {
	table map[Label]*VersionedValue
}

func NewCrds() *Crds {
	return &Crds{table: make(map[Label]*VersionedValue)}
}

func newVersioned(value CrdsValue, now uint64) *VersionedValue {
	return &VersionedValue{
		Value:           value,
		ValueHash:       value.Hash(),
		InsertTimestamp: now,
		LocalTimestamp:  now,
	}
}

// overrides reports whether the candidate entry wins against cur.
func (v *VersionedValue) overrides(cur *VersionedValue) bool {
	nw, cw := v.Value.Wallclock(), cur.Value.Wallclock()
	if nw != cw {
		return nw > cw
	}
	return hashGreater(v.ValueHash, cur.ValueHash)
}

func hashGreater(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// Insert stores value under its label. It returns the entry it evicted,
// nil when the label was empty, or ErrOldValue when the stored entry
// wins (equal hashes included).
func (c *Crds) Insert(value CrdsValue, now uint64) (*VersionedValue, error) {
	label := value.Label()
	next := newVersioned(value, now)
	cur, ok := c.table[label]
	if !ok {
		c.table[label] = next
		return nil, nil
	}
	if !next.overrides(cur) {
		return nil, ErrOldValue
	}
	c.table[label] = next
	return cur, nil
}

func (c *Crds) Len() int {
	return len(c.table)
}

// Lookup returns the stored value for label, if any.
func (c *Crds) Lookup(label Label) *CrdsValue {
	if e, ok := c.table[label]; ok {
		return &e.Value
	}
	return nil
}

// Get returns the versioned entry for label, if any.
func (c *Crds) Get(label Label) *VersionedValue {
	return c.table[label]
}

// GetContactInfo returns the stored contact info for pk, if any.
func (c *Crds) GetContactInfo(pk identity.Pubkey) *ContactInfo {
	v := c.Lookup(Label{Kind: KindContactInfo, Key: pk})
	if v == nil {
		return nil
	}
	ci, _ := v.Data.(*ContactInfo)
	return ci
}

// Values snapshots every entry, in no particular order.
func (c *Crds) Values() []*VersionedValue {
	out := make([]*VersionedValue, 0, len(c.table))
	for _, e := range c.table {
		out = append(out, e)
	}
	return out
}

// ContactInfos snapshots every contact info record.
func (c *Crds) ContactInfos() []*ContactInfo {
	var out []*ContactInfo
	for label, e := range c.table {
		if label.Kind != KindContactInfo {
			continue
		}
		if ci, ok := e.Value.Data.(*ContactInfo); ok {
			out = append(out, ci)
		}
	}
	return out
}

// UpdateLabelTimestamp refreshes the local receipt time of one entry.
func (c *Crds) UpdateLabelTimestamp(label Label, now uint64) {
	if e, ok := c.table[label]; ok {
		e.LocalTimestamp = now
	}
}

// UpdateRecordTimestamp refreshes every entry owned by pk. Hearing from
// a node directly keeps all its records alive.
func (c *Crds) UpdateRecordTimestamp(pk identity.Pubkey, now uint64) {
	for label, e := range c.table {
		if label.Key == pk {
			e.LocalTimestamp = now
		}
	}
}

// FindOldLabels returns the labels whose entries have outlived their
// origin's timeout. timeouts must carry a default under the zero key.
func (c *Crds) FindOldLabels(now uint64, timeouts map[identity.Pubkey]uint64) []Label {
	def := timeouts[identity.Pubkey{}]
	var out []Label
	for label, e := range c.table {
		timeout, ok := timeouts[label.Key]
		if !ok {
			timeout = def
		}
		if e.LocalTimestamp+timeout <= now {
			out = append(out, label)
		}
	}
	return out
}

// Remove deletes and returns the entry for label.
func (c *Crds) Remove(label Label) *VersionedValue {
	e, ok := c.table[label]
	if !ok {
		return nil
	}
	delete(c.table, label)
	return e
}
