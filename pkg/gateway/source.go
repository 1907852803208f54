package gateway

import (
	"errors"
	"io"
)

type sourceKind int

const (
	sourceBytes sourceKind = iota
	sourceReader
	sourceTree
)

// Source 是 Put 的内容来源：一段字节、一个流，或一个本地目录树
type Source struct {
	kind         sourceKind
	data         []byte
	r            io.Reader
	dir          string
	contentsOnly bool
}

func Bytes(b []byte) Source { return Source{kind: sourceBytes, data: b} }

// Reader 在写入前读取 r 的全部内容
func Reader(r io.Reader) Source { return Source{kind: sourceReader, r: r} }

// Tree imports a local directory. With contentsOnly the files land directly
// under the target path, otherwise under path/<base name of dir>.
func Tree(dir string, contentsOnly bool) Source {
	return Source{kind: sourceTree, dir: dir, contentsOnly: contentsOnly}
}

func (s Source) IsTree() bool { return s.kind == sourceTree }

// bytes 返回单个对象的内容
func (s Source) bytes() ([]byte, error) {
	switch s.kind {
	case sourceBytes:
		if s.data == nil {
			return []byte{}, nil
		}
		return s.data, nil
	case sourceReader:
		if s.r == nil {
			return nil, errors.New("nil reader source")
		}
		return io.ReadAll(s.r)
	default:
		return nil, errors.New("tree source has no single payload")
	}
}
