package bundle

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec 标识一个归档成员的压缩算法，写在归档头里，不能随意改名
type Codec string

const (
	CodecNone Codec = "none"
	CodecLZ4  Codec = "lz4"
	CodecZstd Codec = "zstd"

	// CodecAuto 让打包器逐个成员探测
	CodecAuto Codec = "auto"
)

// ParseCodec parses a configured codec name.
func ParseCodec(name string) (Codec, error) {
	switch c := Codec(name); c {
	case CodecNone, CodecLZ4, CodecZstd, CodecAuto:
		return c, nil
	case "":
		return CodecAuto, nil
	default:
		return "", fmt.Errorf("unknown codec %q", name)
	}
}

// zstd.Encoder 和 zstd.Decoder 可以并发使用，全局复用
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bundle: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("bundle: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible 压缩结果不比原文小，调用方应退回 CodecNone
var errIncompressible = errors.New("data is incompressible")

// selectCodec 用 zstd 试压一次：比率 >= 1.5 用 zstd，>= 1.1 用 lz4，否则不压缩
func selectCodec(data []byte) Codec {
	if len(data) == 0 {
		return CodecNone
	}
	ratio := float64(len(data)) / float64(len(zstdEncoder.EncodeAll(data, nil)))
	switch {
	case ratio >= 1.5:
		return CodecZstd
	case ratio >= 1.1:
		return CodecLZ4
	default:
		return CodecNone
	}
}

// compress 返回压缩后的字节和实际使用的算法 (压不动时退回 none)
func compress(data []byte, want Codec) ([]byte, Codec, error) {
	if want == CodecAuto {
		want = selectCodec(data)
	}
	var (
		out []byte
		err error
	)
	switch want {
	case CodecNone:
		return data, CodecNone, nil
	case CodecLZ4:
		out, err = compressLZ4(data)
	case CodecZstd:
		out = zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			err = errIncompressible
		}
	default:
		return nil, "", fmt.Errorf("unsupported codec %q", want)
	}
	if errors.Is(err, errIncompressible) {
		return data, CodecNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, want, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock 返回 0 表示数据不可压缩
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

// decompress 还原成员内容，并校验长度与头中记录的一致
func decompress(data []byte, codec Codec, size int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(data) != size {
			return nil, fmt.Errorf("stored member: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CodecLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}
