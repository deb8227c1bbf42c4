package chunker

// Bitmap is a compact bitset for tracking chunk presence within one
// reassembly session.
type Bitmap struct {
	bits int
	data []byte
}

// NewBitmap allocates a bitmap sized for the given number of bits.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}
	return &Bitmap{
		bits: bits,
		data: make([]byte, (bits+7)/8),
	}
}

// LenBits returns the number of bits in the bitmap.
func (b *Bitmap) LenBits() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks the bit at index i.
func (b *Bitmap) Set(i int) {
	if b == nil || i < 0 || i >= b.bits {
		return
	}
	b.data[i/8] |= 1 << uint(i%8)
}

// Get reports whether the bit at index i is set.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return (b.data[i/8] & (1 << uint(i%8))) != 0
}

// CountSet returns the number of set bits in the bitmap.
func (b *Bitmap) CountSet() int {
	if b == nil {
		return 0
	}
	count := 0
	for _, v := range b.data {
		for v != 0 {
			v &= v - 1
			count++
		}
	}
	return count
}
