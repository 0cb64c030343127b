// Package fingerprint computes content fingerprints for units of work and
// decides which units a Model has to recompute.
package fingerprint

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Hasher accumulates length-prefixed parts so that ("ab","c") and ("a","bc")
// never collide.
type Hasher struct {
	h hash.Hash
}

func New() *Hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only possible with an oversized key.
		panic(err)
	}
	return &Hasher{h: h}
}

func (h *Hasher) Add(parts ...string) *Hasher {
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.h.Write(size[:])
		h.h.Write([]byte(p))
	}
	return h
}

func (h *Hasher) AddInt(values ...int64) *Hasher {
	for _, v := range values {
		h.Add(strconv.FormatInt(v, 10))
	}
	return h
}

func (h *Hasher) AddFloat(values ...float64) *Hasher {
	for _, v := range values {
		h.Add(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return h
}

func (h *Hasher) AddDate(values ...time.Time) *Hasher {
	for _, v := range values {
		if v.IsZero() {
			h.Add("")
			continue
		}
		h.Add(v.UTC().Format(time.DateOnly))
	}
	return h
}

// Sum returns the hex digest. The Hasher must not be reused afterwards.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Of is shorthand for New().Add(parts...).Sum().
func Of(parts ...string) string {
	return New().Add(parts...).Sum()
}

// Sorted hashes parts after sorting a copy of them, for inputs whose order
// carries no meaning.
func Sorted(parts []string) string {
	cp := append([]string(nil), parts...)
	sort.Strings(cp)
	return Of(cp...)
}

// Unit is one independently recomputable piece of work. Date is the decision
// date the unit is anchored to; units without one are only selected by
// fingerprint comparison once a window is set.
type Unit struct {
	ID   string
	Date time.Time
	Hash string
}

// Select returns the candidates that need recomputing given the recorded
// fingerprints and an optional window start. Candidate order is preserved.
func Select(candidates []Unit, recorded map[string]string, since *time.Time) []Unit {
	out := make([]Unit, 0, len(candidates))
	for _, u := range candidates {
		if since == nil {
			out = append(out, u)
			continue
		}
		if !u.Date.IsZero() && !u.Date.Before(*since) {
			out = append(out, u)
			continue
		}
		prev, ok := recorded[u.ID]
		if !ok || prev != u.Hash {
			out = append(out, u)
		}
	}
	return out
}

// Store reads the last persisted fingerprint per unit for a model.
type Store interface {
	Fingerprints(ctx context.Context, model string) (map[string]string, error)
}

type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// ChangedUnits loads the recorded fingerprints for model and applies Select.
func (e *Engine) ChangedUnits(ctx context.Context, model string, candidates []Unit, since *time.Time) ([]Unit, error) {
	if since == nil {
		return Select(candidates, nil, nil), nil
	}
	recorded, err := e.store.Fingerprints(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("load fingerprints for %s: %w", model, err)
	}
	return Select(candidates, recorded, since), nil
}

// Hashes maps unit ids to their hashes, the shape persisted after a run.
func Hashes(units []Unit) map[string]string {
	out := make(map[string]string, len(units))
	for _, u := range units {
		out[u.ID] = u.Hash
	}
	return out
}
