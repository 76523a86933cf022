package query

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/reactor/internal/message"
)

type baseResult struct {
	data      map[string][]message.Entity
	txID      int64
	confirmed bool
}

// Store holds the server's last answer for each subscribed query. Entries
// seeded from the local cache are kept apart from server confirmations so a
// cached answer never settles a query:once.
//
// Store is not safe for concurrent use; the query actor owns it.
type Store struct {
	results map[string]*baseResult
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{results: make(map[string]*baseResult)}
}

// SetConfirmed records a server result for hash.
func (s *Store) SetConfirmed(hash string, data map[string][]message.Entity, txID int64) {
	s.results[hash] = &baseResult{data: data, txID: txID, confirmed: true}
}

// Seed records a cached result for hash unless the server already answered.
func (s *Store) Seed(hash string, data map[string][]message.Entity, txID int64) {
	if r, ok := s.results[hash]; ok && r.confirmed {
		return
	}
	s.results[hash] = &baseResult{data: data, txID: txID}
}

// Has reports whether any result, confirmed or seeded, exists for hash.
func (s *Store) Has(hash string) bool {
	_, ok := s.results[hash]
	return ok
}

// Confirmed reports whether the server answered for hash.
func (s *Store) Confirmed(hash string) bool {
	r, ok := s.results[hash]
	return ok && r.confirmed
}

// TxID returns the processed transaction id recorded with hash's result.
func (s *Store) TxID(hash string) int64 {
	if r, ok := s.results[hash]; ok {
		return r.txID
	}
	return 0
}

// Remove forgets hash.
func (s *Store) Remove(hash string) {
	delete(s.results, hash)
}

// Clear forgets every result.
func (s *Store) Clear() {
	clear(s.results)
}

// Len returns the number of stored results.
func (s *Store) Len() int {
	return len(s.results)
}

// View returns hash's result with the optimistic overlay of pending applied
// on top. Entities shared with the store are cloned before being modified.
func (s *Store) View(hash string, pending []message.Pending) View {
	v := make(View)
	if r, ok := s.results[hash]; ok {
		for ns, ents := range r.data {
			byID := make(map[string]message.Entity, len(ents))
			for _, e := range ents {
				byID[e.ID()] = e
			}
			v[ns] = byID
		}
	}
	Apply(v, pending)
	return v
}

// Apply layers pending mutations onto v in client sequence order. Failed
// and timed-out mutations are skipped. Later writes to the same attribute
// win.
func Apply(v View, pending []message.Pending) {
	ordered := slices.SortedStableFunc(slices.Values(pending), func(a, b message.Pending) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	for _, p := range ordered {
		if p.Status == message.StatusFailed || p.Status == message.StatusTimedOut {
			continue
		}
		for _, op := range p.Ops {
			applyOp(v, op)
		}
	}
}

func applyOp(v View, op message.Op) {
	byID := v[op.Namespace]
	if byID == nil {
		byID = make(map[string]message.Entity)
		v[op.Namespace] = byID
	}

	switch op.Action {
	case message.OpDelete:
		delete(byID, op.ID)
		return
	case message.OpCreate, message.OpUpdate, message.OpLink, message.OpUnlink:
	default:
		return
	}

	e := maps.Clone(byID[op.ID])
	if e == nil {
		if op.Action == message.OpUnlink {
			return
		}
		e = message.Entity{}
	}
	e["id"] = op.ID

	for attr, val := range op.Attrs {
		switch op.Action {
		case message.OpCreate, message.OpUpdate:
			e[attr] = val
		case message.OpLink:
			e[attr] = linkTargets(e[attr], val, true)
		case message.OpUnlink:
			e[attr] = linkTargets(e[attr], val, false)
		}
	}
	byID[op.ID] = e
}

// linkTargets adds or removes targets from an attribute holding a list of
// linked ids. val may be a single id or a list of ids.
func linkTargets(current, val any, add bool) []any {
	var out []any
	switch c := current.(type) {
	case []any:
		out = slices.Clone(c)
	case nil:
	default:
		out = []any{c}
	}

	targets, ok := val.([]any)
	if !ok {
		targets = []any{val}
	}
	for _, t := range targets {
		idx := slices.IndexFunc(out, func(x any) bool { return equalValue(x, t) })
		switch {
		case add && idx < 0:
			out = append(out, t)
		case !add && idx >= 0:
			out = slices.Delete(out, idx, idx+1)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out
}

// decodeData converts a wire result ({ns: [entity, ...]}) into entities.
// Entities without a string id are rejected.
func decodeData(raw any) (map[string][]message.Entity, error) {
	switch d := raw.(type) {
	case nil:
		return map[string][]message.Entity{}, nil
	case map[string][]message.Entity:
		return d, nil
	case message.Frame:
		return decodeData(map[string]any(d))
	case map[string]any:
		out := make(map[string][]message.Entity, len(d))
		for ns, list := range d {
			items, ok := list.([]any)
			if !ok {
				if ents, ok := list.([]message.Entity); ok {
					out[ns] = ents
					continue
				}
				return nil, fmt.Errorf("namespace %q: expected list, got %T", ns, list)
			}
			ents := make([]message.Entity, 0, len(items))
			for i, item := range items {
				var e message.Entity
				switch obj := item.(type) {
				case map[string]any:
					e = message.Entity(obj)
				case message.Entity:
					e = obj
				default:
					return nil, fmt.Errorf("namespace %q[%d]: expected object, got %T", ns, i, item)
				}
				if e.ID() == "" {
					return nil, fmt.Errorf("namespace %q[%d]: missing id", ns, i)
				}
				ents = append(ents, e)
			}
			out[ns] = ents
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected result object, got %T", raw)
	}
}
