package piece

import "testing"

func TestPieceCount(t *testing.T) {
	tests := []struct {
		size     uint64
		pieceLen uint32
		want     uint32
		ok       bool
	}{
		{32768, 16384, 2, true},
		{32769, 16384, 3, true},
		{0, 16384, 0, false},
		{32768, 0, 0, false},
	}

	for _, tt := range tests {
		got, ok := PieceCount(tt.size, tt.pieceLen)
		if ok != tt.ok || got != tt.want {
			t.Errorf("PieceCount(%d, %d) = (%d, %v), want (%d, %v)",
				tt.size, tt.pieceLen, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLastPieceLength(t *testing.T) {
	if got, ok := LastPieceLength(32768, 16384); !ok || got != 16384 {
		t.Errorf("LastPieceLength exact multiple = (%d, %v), want (16384, true)", got, ok)
	}
	if got, ok := LastPieceLength(32769, 16384); !ok || got != 1 {
		t.Errorf("LastPieceLength remainder = (%d, %v), want (1, true)", got, ok)
	}
}

func TestPieceLengthAt(t *testing.T) {
	size := uint64(32769)
	pieceLen := uint32(16384)

	if got, ok := PieceLengthAt(0, size, pieceLen); !ok || got != pieceLen {
		t.Errorf("piece 0 length = (%d, %v), want (%d, true)", got, ok, pieceLen)
	}
	if got, ok := PieceLengthAt(2, size, pieceLen); !ok || got != 1 {
		t.Errorf("last piece length = (%d, %v), want (1, true)", got, ok)
	}
	if _, ok := PieceLengthAt(3, size, pieceLen); ok {
		t.Error("out-of-range piece index should fail")
	}
}

func TestBlockBounds(t *testing.T) {
	pieceLen := uint32(MaxBlockLength*2 + 100)

	begin, length, ok := BlockBounds(pieceLen, 0)
	if !ok || begin != 0 || length != MaxBlockLength {
		t.Errorf("block 0 = (%d, %d, %v), want (0, %d, true)", begin, length, ok, MaxBlockLength)
	}

	begin, length, ok = BlockBounds(pieceLen, 2)
	if !ok || begin != MaxBlockLength*2 || length != 100 {
		t.Errorf("last block = (%d, %d, %v), want (%d, 100, true)", begin, length, ok, MaxBlockLength*2)
	}

	if _, _, ok = BlockBounds(pieceLen, 3); ok {
		t.Error("out-of-range block index should fail")
	}
}

func TestBlockIndexForBegin(t *testing.T) {
	pieceLen := uint32(MaxBlockLength*2 + 100)

	if idx, ok := BlockIndexForBegin(0, pieceLen); !ok || idx != 0 {
		t.Errorf("BlockIndexForBegin(0) = (%d, %v), want (0, true)", idx, ok)
	}
	if idx, ok := BlockIndexForBegin(MaxBlockLength, pieceLen); !ok || idx != 1 {
		t.Errorf("BlockIndexForBegin(MaxBlockLength) = (%d, %v), want (1, true)", idx, ok)
	}
	if _, ok := BlockIndexForBegin(pieceLen, pieceLen); ok {
		t.Error("begin == pieceLen should be out of range")
	}
}
