package blobstore

import (
	"fmt"

	"lukechampine.com/blake3"

	"github.com/jax-protocol/jax/pkg/types"
)

const (
	// LeafSize is the verified streaming granularity.
	LeafSize = 16 * 1024

	// OutboardThreshold is the blob size above which a BAO outboard is
	// stored. Smaller blobs stream as a single verified leaf.
	OutboardThreshold = 16 * 1024

	// baoGroup is the log2 of BLAKE3 chunks per tree block: 2^4 1 KiB
	// chunks per 16 KiB leaf.
	baoGroup = 4

	// DefaultMaxImportSize bounds memory used by incoming BAO streams.
	DefaultMaxImportSize = 1 << 30
)

// computeOutboard builds the pre-order outboard tree for data. The
// returned root equals the plain BLAKE3 hash of data.
func computeOutboard(data []byte) ([]byte, types.Hash) {
	outboard, root := blake3.BaoEncodeBuf(data, baoGroup, true)
	return outboard, types.Hash(root)
}

// verifyOutboard checks data against its outboard and root hash.
func verifyOutboard(data, outboard []byte, root types.Hash) bool {
	return blake3.BaoVerifyBuf(data, outboard, baoGroup, [32]byte(root))
}

// BaoItemKind discriminates items of a verified stream.
type BaoItemKind uint8

const (
	// BaoSize announces the total blob size; always the first item.
	BaoSize BaoItemKind = iota + 1
	// BaoParent carries one pre-order tree node: the pair of child hashes.
	BaoParent
	// BaoLeaf carries one verified span of content bytes.
	BaoLeaf
	// BaoDone terminates the stream.
	BaoDone
)

// BaoItem is one element of a verified blob stream.
type BaoItem struct {
	Kind BaoItemKind

	// Size of the blob, set on BaoSize items.
	Size uint64

	// Left and Right child hashes, set on BaoParent items.
	Left  types.Hash
	Right types.Hash

	// Offset and Data of a content span, set on BaoLeaf items.
	Offset uint64
	Data   []byte
}

// ByteRange selects a span of blob content for partial export.
type ByteRange struct {
	Offset uint64
	Length uint64
}

func (r ByteRange) contains(offset, length uint64) bool {
	return offset < r.Offset+r.Length && r.Offset < offset+length
}

// exportBao produces the verified stream for a blob: a Size item, the
// pre-order parent nodes from the outboard, the selected leaves, and Done.
// An empty ranges slice selects the whole blob.
func exportBao(data, outboard []byte, ranges []ByteRange) ([]BaoItem, error) {
	items := []BaoItem{{Kind: BaoSize, Size: uint64(len(data))}}

	if len(outboard)%64 != 0 {
		return nil, fmt.Errorf("%w: outboard length %d is not a multiple of 64", ErrIntegrity, len(outboard))
	}
	for i := 0; i < len(outboard); i += 64 {
		var item BaoItem
		item.Kind = BaoParent
		copy(item.Left[:], outboard[i:i+32])
		copy(item.Right[:], outboard[i+32:i+64])
		items = append(items, item)
	}

	for offset := uint64(0); offset < uint64(len(data)) || offset == 0; offset += LeafSize {
		end := offset + LeafSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if len(ranges) > 0 {
			wanted := false
			for _, r := range ranges {
				if r.contains(offset, end-offset) {
					wanted = true
					break
				}
			}
			if !wanted {
				continue
			}
		}
		items = append(items, BaoItem{
			Kind:   BaoLeaf,
			Offset: offset,
			Data:   data[offset:end],
		})
		if end == uint64(len(data)) {
			break
		}
	}

	items = append(items, BaoItem{Kind: BaoDone})
	return items, nil
}

// assembleBao reconstructs blob bytes and outboard from a full stream and
// verifies them against the expected root. Returns ErrIntegrity when the
// content does not hash to root, and ErrTooLarge when the announced size
// exceeds maxSize.
func assembleBao(root types.Hash, items []BaoItem, maxSize uint64) (data, outboard []byte, err error) {
	var size uint64
	sized := false

	for _, item := range items {
		switch item.Kind {
		case BaoSize:
			if item.Size > maxSize {
				return nil, nil, fmt.Errorf("%w: %d bytes (cap %d)", ErrTooLarge, item.Size, maxSize)
			}
			size = item.Size
			sized = true
			data = make([]byte, size)
		case BaoParent:
			outboard = append(outboard, item.Left[:]...)
			outboard = append(outboard, item.Right[:]...)
		case BaoLeaf:
			if !sized {
				return nil, nil, fmt.Errorf("%w: leaf before size item", ErrIntegrity)
			}
			if item.Offset+uint64(len(item.Data)) > size {
				return nil, nil, fmt.Errorf("%w: leaf at %d exceeds announced size", ErrIntegrity, item.Offset)
			}
			copy(data[item.Offset:], item.Data)
		case BaoDone:
			if types.ComputeHash(data) != root {
				return nil, nil, fmt.Errorf("%w: content does not match root %s", ErrIntegrity, root)
			}
			if len(outboard) > 0 && !verifyOutboard(data, outboard, root) {
				return nil, nil, fmt.Errorf("%w: outboard does not verify against root %s", ErrIntegrity, root)
			}
			return data, outboard, nil
		default:
			return nil, nil, fmt.Errorf("%w: unknown stream item kind %d", ErrIntegrity, item.Kind)
		}
	}

	return nil, nil, fmt.Errorf("%w: stream ended without done item", ErrIntegrity)
}
