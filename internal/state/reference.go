package state

import "context"

// ReferenceHandle is a read-only view of another combo's scope in the same
// account. Only the trader builds one, from the combo's reference id.
type ReferenceHandle struct {
	comboID string
	store   *Store
}

// NewReferenceHandle wraps the referenced combo's store.
func NewReferenceHandle(comboID string, store *Store) *ReferenceHandle {
	return &ReferenceHandle{comboID: comboID, store: store}
}

func (r *ReferenceHandle) ComboID() string { return r.comboID }

// BasePrice returns the referenced combo's base_price, 0 when unset.
func (r *ReferenceHandle) BasePrice(ctx context.Context) float64 {
	return r.store.GetFloat(ctx, KeyBasePrice, 0)
}

func (r *ReferenceHandle) GetFloat(ctx context.Context, key string, def float64) float64 {
	return r.store.GetFloat(ctx, key, def)
}
