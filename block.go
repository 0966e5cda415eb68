package erofs

// Accessor decomposes an address against a power of two unit size.
type Accessor struct {
	// Base is the address rounded down to the unit boundary.
	Base uint64
	// Off is the offset of the address inside its unit.
	Off uint64
	// Len is the number of bytes left until the next unit boundary.
	Len uint64
	// Nr is the unit index of the address.
	Nr uint64
}

// NewAccessor decomposes address against units of 1<<bits bytes.
func NewAccessor(address, bits uint64) Accessor {
	sz := uint64(1) << bits
	mask := sz - 1
	return Accessor{
		Base: (address >> bits) << bits,
		Off:  address & mask,
		Len:  sz - (address & mask),
		Nr:   address >> bits,
	}
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

func roundDown(v, align uint64) uint64 {
	return v / align * align
}
