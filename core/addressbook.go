package core

import (
	"net/netip"

	"github.com/encodeous/arbor/state"
	"github.com/gaissmai/bart"
)

// AddressBook resolves overlay addresses and subnets back to the full keys we know about.
type AddressBook struct {
	table bart.Table[state.PublicKey]
	keys  map[state.PublicKey]struct{}
}

func NewAddressBook() *AddressBook {
	return &AddressBook{keys: make(map[state.PublicKey]struct{})}
}

func (b *AddressBook) Add(k state.PublicKey) bool {
	if _, ok := b.keys[k]; ok {
		return false
	}
	b.keys[k] = struct{}{}
	a := state.AddrForKey(k)
	b.table.Insert(netip.PrefixFrom(a, a.BitLen()), k)
	b.table.Insert(state.SubnetForKey(k), k)
	return true
}

func (b *AddressBook) Remove(k state.PublicKey) bool {
	if _, ok := b.keys[k]; !ok {
		return false
	}
	delete(b.keys, k)
	a := state.AddrForKey(k)
	b.table.Delete(netip.PrefixFrom(a, a.BitLen()))
	snet := state.SubnetForKey(k)
	if owner, ok := b.table.Get(snet); ok && owner == k {
		b.table.Delete(snet)
	}
	return true
}

// Sync makes the book hold exactly keys.
func (b *AddressBook) Sync(keys []state.PublicKey) (added, removed int) {
	want := make(map[state.PublicKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
		if b.Add(k) {
			added++
		}
	}
	for k := range b.keys {
		if _, ok := want[k]; !ok {
			b.Remove(k)
			removed++
		}
	}
	return
}

// Lookup finds the key owning a, preferring an exact address over a subnet.
func (b *AddressBook) Lookup(a netip.Addr) (state.PublicKey, bool) {
	if !state.IsOverlayAddr(a) && !state.IsOverlaySubnet(a) {
		return state.PublicKey{}, false
	}
	return b.table.Lookup(a)
}

func (b *AddressBook) Len() int {
	return len(b.keys)
}
