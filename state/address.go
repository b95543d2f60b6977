package state

import "net/netip"

// AddressPrefix is the first byte of every overlay address. Subnets set its low bit.
const AddressPrefix = 0x02

// AddrForKey derives the overlay IPv6 address of a key: the prefix byte, the number of leading
// ones of the inverted key, then the remaining bits after the first zero.
func AddrForKey(k PublicKey) netip.Addr {
	var buf PublicKey
	for i := range k {
		buf[i] = ^k[i]
	}
	var addr [16]byte
	temp := make([]byte, 0, PublicKeySize)
	done := false
	ones := byte(0)
	bits := byte(0)
	nBits := 0
	for idx := 0; idx < 8*len(buf); idx++ {
		bit := (buf[idx/8] >> byte(7-idx%8)) & 1
		if !done {
			if bit != 0 {
				ones++
				continue
			}
			done = true
			continue
		}
		bits = bits<<1 | bit
		nBits++
		if nBits == 8 {
			nBits = 0
			temp = append(temp, bits)
		}
	}
	addr[0] = AddressPrefix
	addr[1] = ones
	copy(addr[2:], temp)
	return netip.AddrFrom16(addr)
}

// SubnetForKey returns the routed /64 owned by a key.
func SubnetForKey(k PublicKey) netip.Prefix {
	a := AddrForKey(k).As16()
	var snet [16]byte
	copy(snet[:8], a[:8])
	snet[0] |= 0x01
	return netip.PrefixFrom(netip.AddrFrom16(snet), 64)
}

func IsOverlayAddr(a netip.Addr) bool {
	return a.Is6() && a.As16()[0] == AddressPrefix
}

func IsOverlaySubnet(a netip.Addr) bool {
	return a.Is6() && a.As16()[0] == AddressPrefix|0x01
}
