package piece

// MaxBlockLength is the standard block size requested/sent on the wire
// (BEP 3 recommends 16 KiB and most clients reject larger requests).
const MaxBlockLength = 16 * 1024

// PieceCount returns how many pieces are needed to cover size bytes.
func PieceCount(size uint64, pieceLen uint32) (uint32, bool) {
	if size == 0 || pieceLen == 0 {
		return 0, false
	}

	return uint32((size + uint64(pieceLen) - 1) / uint64(pieceLen)), true
}

// LastPieceLength returns the exact length of the final piece in bytes. If
// the total size is a perfect multiple of pieceLen, this returns pieceLen.
func LastPieceLength(size uint64, pieceLen uint32) (uint32, bool) {
	if size == 0 || pieceLen == 0 {
		return 0, false
	}

	rem := size % uint64(pieceLen)
	if rem == 0 {
		return pieceLen, true
	}

	return uint32(rem), true
}

// PieceLengthAt returns the length of piece index. All pieces are pieceLen
// long except the last, which may be shorter.
func PieceLengthAt(index uint32, size uint64, pieceLen uint32) (uint32, bool) {
	if size == 0 || pieceLen == 0 {
		return 0, false
	}

	count, ok := PieceCount(size, pieceLen)
	if !ok || index >= count {
		return 0, false
	}

	if index == count-1 {
		return LastPieceLength(size, pieceLen)
	}

	return pieceLen, true
}

// PieceOffsetBounds returns the [start,end) byte offsets of a piece within
// the torrent's flattened byte stream.
func PieceOffsetBounds(index uint32, size uint64, pieceLen uint32) (uint32, uint32, bool) {
	length, ok := PieceLengthAt(index, size, pieceLen)
	if !ok {
		return 0, 0, false
	}

	start := index * pieceLen
	return start, start + length, true
}

// PieceIndexForOffset maps a stream offset to its piece index.
func PieceIndexForOffset(offset uint32, size uint64, pieceLen uint32) (uint32, bool) {
	if uint64(offset) >= size || pieceLen == 0 {
		return 0, false
	}

	return offset / pieceLen, true
}

// BlockCountForPiece returns the number of blockLen-sized blocks in a piece
// of length pieceLen.
func BlockCountForPiece(pieceLen, blockLen uint32) (uint32, bool) {
	if pieceLen == 0 || blockLen == 0 {
		return 0, false
	}

	return (pieceLen + blockLen - 1) / blockLen, true
}

// LastBlockLength returns the exact byte length of the final block.
func LastBlockLength(pieceLen, blockLen uint32) (uint32, bool) {
	if pieceLen == 0 || blockLen == 0 {
		return 0, false
	}

	rem := pieceLen % blockLen
	if rem == 0 {
		return blockLen, true
	}

	return rem, true
}

// BlockOffsetBounds returns the begin offset (within the piece) and byte
// length of block blockIdx.
func BlockOffsetBounds(pieceLen, blockLen, blockIdx uint32) (begin, length uint32, ok bool) {
	bc, ok := BlockCountForPiece(pieceLen, blockLen)
	if !ok || blockIdx >= bc {
		return 0, 0, false
	}

	begin = blockIdx * blockLen
	length = blockLen
	if blockIdx == bc-1 {
		length, _ = LastBlockLength(pieceLen, blockLen)
	}

	return begin, length, true
}

// BlockIndexForBegin returns the block index owning byte offset begin within
// a piece of length pieceLen.
func BlockIndexForBegin(begin uint32, pieceLen uint32) (uint32, bool) {
	if begin >= pieceLen {
		return 0, false
	}

	return begin / MaxBlockLength, true
}

// BlocksInPiece returns the number of MaxBlockLength-sized blocks in a piece.
func BlocksInPiece(pieceLen uint32) (uint32, bool) {
	return BlockCountForPiece(pieceLen, MaxBlockLength)
}

// LastBlockInPiece returns the length of the last standard block in a piece.
func LastBlockInPiece(pieceLen uint32) (uint32, bool) {
	return LastBlockLength(pieceLen, MaxBlockLength)
}

// BlockBounds returns the begin offset and byte length of block blockIdx,
// using the standard MaxBlockLength block size.
func BlockBounds(pieceLen, blockIdx uint32) (uint32, uint32, bool) {
	return BlockOffsetBounds(pieceLen, MaxBlockLength, blockIdx)
}
