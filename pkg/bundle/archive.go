package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"repovault/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// 归档格式:
//
//	[8]  magic "RVARCH" + version + reserved
//	[4]  header length (uint32, little endian)
//	[n]  CBOR header
//	[..] member data, back to back
//
// 成员偏移量相对于数据区起点。
const (
	archiveVersion = 1

	// prefixSize 是 magic + header length
	prefixSize = 12

	// maxHeaderSize 防止损坏的长度字段触发巨大的内存分配
	maxHeaderSize = 64 << 20
)

var archiveMagic = [8]byte{'R', 'V', 'A', 'R', 'C', 'H', archiveVersion, 0}

// memberDomainKey 是成员校验和的 BLAKE3 keyed hash 域
var memberDomainKey = [32]byte{
	'r', 'e', 'p', 'o', 'v', 'a', 'u', 'l', 't', '.', 'b', 'u', 'n', 'd', 'l', 'e',
	'.', 'm', 'e', 'm', 'b', 'e', 'r', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Checksum is the keyed BLAKE3 digest of a member's uncompressed bytes.
func Checksum(data []byte) [32]byte {
	h, err := blake3.NewKeyed(memberDomainKey[:])
	if err != nil {
		panic("bundle: blake3 keyed init failed: " + err.Error())
	}
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Member 是归档头中的一行
type Member struct {
	ID            uint32 `cbor:"id"`
	Path          string `cbor:"path"`
	Offset        int64  `cbor:"off"`
	CompressedLen int64  `cbor:"clen"`
	Size          int64  `cbor:"ulen"`
	Sum           []byte `cbor:"sum"`
	Codec         Codec  `cbor:"codec"`
}

// Header 是归档的成员表
type Header struct {
	Version int      `cbor:"v"`
	Members []Member `cbor:"members"`

	dataOffset int64
	byID       map[uint32]int
}

// Member returns the table row for id.
func (h *Header) Member(id uint32) (Member, bool) {
	i, ok := h.byID[id]
	if !ok {
		return Member{}, false
	}
	return h.Members[i], true
}

// DataOffset 是数据区在归档对象中的绝对偏移
func (h *Header) DataOffset() int64 { return h.dataOffset }

func (h *Header) index() error {
	h.byID = make(map[uint32]int, len(h.Members))
	var end int64
	for i, m := range h.Members {
		if _, dup := h.byID[m.ID]; dup {
			return fmt.Errorf("duplicate member id %d", m.ID)
		}
		if m.Offset != end || m.CompressedLen < 0 || m.Size < 0 || len(m.Sum) != 32 {
			return fmt.Errorf("member %d has an invalid table entry", m.ID)
		}
		end += m.CompressedLen
		h.byID[m.ID] = i
	}
	return nil
}

// Builder 在内存中累积压缩后的成员，最后一次性写出
type Builder struct {
	members []Member
	data    bytes.Buffer
}

// Add 追加一个成员 (已压缩的字节)，返回它的表项
func (b *Builder) Add(path string, compressed []byte, codec Codec, size int64, sum [32]byte) Member {
	m := Member{
		ID:            uint32(len(b.members)),
		Path:          path,
		Offset:        int64(b.data.Len()),
		CompressedLen: int64(len(compressed)),
		Size:          size,
		Sum:           sum[:],
		Codec:         codec,
	}
	b.members = append(b.members, m)
	b.data.Write(compressed)
	return m
}

func (b *Builder) Len() int { return len(b.members) }

// Bytes 编码完整的归档
func (b *Builder) Bytes() ([]byte, error) {
	hdr, err := cbor.Marshal(Header{Version: archiveVersion, Members: b.members})
	if err != nil {
		return nil, fmt.Errorf("encoding archive header: %w", err)
	}
	if len(hdr) > maxHeaderSize {
		return nil, fmt.Errorf("archive header too large (%d bytes)", len(hdr))
	}

	out := make([]byte, 0, prefixSize+len(hdr)+b.data.Len())
	out = append(out, archiveMagic[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = append(out, b.data.Bytes()...)
	return out, nil
}

// parsePrefix 校验 magic 并返回头长度
func parsePrefix(prefix []byte) (int, error) {
	if len(prefix) < prefixSize {
		return 0, fmt.Errorf("%w: archive truncated before header", types.ErrCorruption)
	}
	var magic [8]byte
	copy(magic[:], prefix[:8])
	if magic != archiveMagic {
		if bytes.Equal(magic[:6], archiveMagic[:6]) {
			return 0, fmt.Errorf("%w: unsupported archive version %d", types.ErrCorruption, magic[6])
		}
		return 0, fmt.Errorf("%w: not an archive (invalid magic bytes)", types.ErrCorruption)
	}
	n := binary.LittleEndian.Uint32(prefix[8:prefixSize])
	if n == 0 || n > maxHeaderSize {
		return 0, fmt.Errorf("%w: invalid archive header length %d", types.ErrCorruption, n)
	}
	return int(n), nil
}

func decodeHeader(raw []byte, hdrLen int) (*Header, error) {
	var h Header
	if err := cbor.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: decoding archive header: %v", types.ErrCorruption, err)
	}
	if h.Version != archiveVersion {
		return nil, fmt.Errorf("%w: unsupported header version %d", types.ErrCorruption, h.Version)
	}
	if err := h.index(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorruption, err)
	}
	h.dataOffset = int64(prefixSize + hdrLen)
	return &h, nil
}

// ReadHeader 从流的开头读取归档头 (不读取数据区)
func ReadHeader(r io.Reader) (*Header, error) {
	prefix := make([]byte, prefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("%w: reading archive prefix: %v", types.ErrCorruption, err)
	}
	n, err := parsePrefix(prefix)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: reading archive header: %v", types.ErrCorruption, err)
	}
	return decodeHeader(raw, n)
}

// Extract 校验并还原一个成员。compressed 必须正好是该成员的数据区切片。
func Extract(m Member, compressed []byte) ([]byte, error) {
	if int64(len(compressed)) != m.CompressedLen {
		return nil, fmt.Errorf("%w: member %d truncated (%d of %d bytes)",
			types.ErrCorruption, m.ID, len(compressed), m.CompressedLen)
	}
	data, err := decompress(compressed, m.Codec, int(m.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: member %d: %v", types.ErrCorruption, m.ID, err)
	}
	sum := Checksum(data)
	if !bytes.Equal(sum[:], m.Sum) {
		return nil, fmt.Errorf("%w: member %d checksum mismatch", types.ErrCorruption, m.ID)
	}
	return data, nil
}
