package freshness

import (
	"math"
	"unicode/utf16"
)

// KeyKind distinguishes the key shapes the freshness cache hashes
// polymorphically (§4.F), mirroring the spec's "capability set
// {writeKey, readKey, hash}" design note.
type KeyKind int

const (
	KindInt KeyKind = iota
	KindFloat
	KindString
	KindArray
	KindOpaque
)

// Key is a polymorphic cache key: exactly one of Int, Float, Str, or Items
// is meaningful, selected by Kind. Opaque keys (symbols, buffers, etc.)
// coerce to Str before hashing, per §4.F.
type Key struct {
	Kind  KeyKind
	Int   int64
	Float float64
	Str   string
	Items []Key
}

func IntKey(v int64) Key    { return Key{Kind: KindInt, Int: v} }
func FloatKey(v float64) Key { return Key{Kind: KindFloat, Float: v} }
func StringKey(v string) Key { return Key{Kind: KindString, Str: v} }
func ArrayKey(items ...Key) Key { return Key{Kind: KindArray, Items: items} }

// OpaqueKey coerces any non-primitive key (symbol, buffer, user object) to
// its textual identity, as the spec requires.
func OpaqueKey(identity string) Key { return Key{Kind: KindOpaque, Str: identity} }

const (
	fnvOffsetBasis uint32 = 2166136261
	fnv1Prime      uint32 = 16777619
	// fnv1aPrime is the spec's stated 32-bit prime for its FNV-1a variant;
	// deliberately not the canonical FNV-1a prime, matching §4.F exactly.
	fnv1aPrime uint32 = 435
)

func utf16Units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func fnv1(units []uint16) uint32 {
	h := fnvOffsetBasis
	for _, c := range units {
		h *= fnv1Prime
		h ^= uint32(c)
	}
	return h
}

func fnv1a(units []uint16) uint32 {
	h := fnvOffsetBasis
	for _, c := range units {
		h ^= uint32(c)
		h *= fnv1aPrime
	}
	return h
}

// foldNumeric folds a numeric key into one 32-bit word per §4.F: an
// integer key folds the XOR of its two 32-bit halves; a float key folds
// the XOR of the two 32-bit halves of its bit pattern.
func foldNumeric(k Key) uint32 {
	if k.Kind == KindInt {
		return uint32(k.Int) ^ uint32(uint64(k.Int)>>32)
	}
	bits := math.Float64bits(k.Float)
	return uint32(bits) ^ uint32(bits>>32)
}

// SlotIndex returns the table slot a key addresses, independent of
// version — the same key always lands on the same slot.
func SlotIndex(k Key) uint32 {
	switch k.Kind {
	case KindInt, KindFloat:
		return foldNumeric(k) & (CacheSize - 1)
	case KindString:
		return fnv1a(utf16Units(k.Str)) & (CacheSize - 1)
	case KindArray:
		var idx uint32
		for _, item := range k.Items {
			idx ^= SlotIndex(item)
		}
		return idx & (CacheSize - 1)
	case KindOpaque:
		return fnv1a(utf16Units(k.Str)) & (CacheSize - 1)
	default:
		// Unreachable from Cache.Get/PutSync, which reject any Kind outside
		// the five above before calling SlotIndex; kept only so a direct
		// caller gets a deterministic slot instead of a panic.
		return fnv1a(utf16Units(k.Str)) & (CacheSize - 1)
	}
}

// HashValue computes the slot comparison value for (key, version): a
// version-seeded 64-bit accumulator with the key's fold XORed into the
// high word, sign bit cleared so the result is always a valid
// "fresh" (non-negative) slot value.
func HashValue(k Key, version float64) int64 {
	acc := math.Float64bits(version)
	high := uint32(acc >> 32)

	switch k.Kind {
	case KindInt, KindFloat:
		high ^= foldNumeric(k)
	case KindString, KindOpaque:
		high ^= fnv1(utf16Units(k.Str))
	case KindArray:
		for _, item := range k.Items {
			itemAcc := HashValue(item, version)
			high ^= uint32(uint64(itemAcc) >> 32)
		}
	}
	high &= 0x7fffffff
	acc = (uint64(high) << 32) | uint64(uint32(acc))
	return int64(acc)
}
