package service

import (
	"encoding/json"

	"repovault/pkg/types"
)

// =============================================================================
// 线上消息 (CBOR)
// =============================================================================

// Entry 是 types.Entry 的线上形式
type Entry struct {
	Path     string  `cbor:"path"`
	IsDir    bool    `cbor:"dir,omitempty"`
	Key      string  `cbor:"key,omitempty"`
	Member   *uint32 `cbor:"member,omitempty"`
	Size     int64   `cbor:"size"`
	Codec    string  `cbor:"codec,omitempty"`
	Metadata []byte  `cbor:"meta,omitempty"`
}

func toWire(e types.Entry) Entry {
	w := Entry{
		Path:     e.Path,
		IsDir:    e.IsDir,
		Size:     e.Size,
		Codec:    e.Codec,
		Metadata: e.Metadata,
	}
	if e.Locator != nil {
		w.Key = e.Locator.Key
		w.Member = e.Locator.Member
	}
	return w
}

func toWireList(entries []types.Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toWire(e))
	}
	return out
}

// Entry 把线上形式还原成 types.Entry
func (w Entry) Entry(entity types.EntityID) types.Entry {
	e := types.Entry{
		Entity: entity,
		Path:   w.Path,
		IsDir:  w.IsDir,
		Size:   w.Size,
		Codec:  w.Codec,
	}
	if len(w.Metadata) > 0 {
		e.Metadata = json.RawMessage(w.Metadata)
	}
	if w.Key != "" {
		e.Locator = &types.Locator{Key: w.Key, Member: w.Member}
	}
	return e
}

type PutRequest struct {
	Entity    string `cbor:"entity"`
	Path      string `cbor:"path"`
	Data      []byte `cbor:"data"`
	Metadata  []byte `cbor:"meta,omitempty"`
	Overwrite bool   `cbor:"overwrite,omitempty"`
}

type EntryResponse struct {
	Entry Entry `cbor:"entry"`
}

// PathRequest 用于 Get / Stat / List / Delete / Download
type PathRequest struct {
	Entity string `cbor:"entity"`
	Path   string `cbor:"path"`
}

type GetResponse struct {
	Entry Entry  `cbor:"entry"`
	Data  []byte `cbor:"data,omitempty"`
}

type ListResponse struct {
	Entries []Entry `cbor:"entries"`
}

type EntityRequest struct {
	Entity string `cbor:"entity"`
}

type SealResponse struct {
	ArchiveKey string `cbor:"archive"`
}

type SealedResponse struct {
	Sealed bool `cbor:"sealed"`
}

type SweepRequest struct {
	Limit int `cbor:"limit"`
}

type SweepResponse struct {
	Deleted   int `cbor:"deleted"`
	Skipped   int `cbor:"skipped"`
	Remaining int `cbor:"remaining"`
}

// UploadRequest 是上传流中的一帧：第一帧携带 Header，之后只有 Chunk
type UploadRequest struct {
	Header *PutRequest `cbor:"header,omitempty"`
	Chunk  []byte      `cbor:"chunk,omitempty"`
}

// DownloadResponse 是下载流中的一帧：第一帧携带 Entry
type DownloadResponse struct {
	Entry *Entry `cbor:"entry,omitempty"`
	Chunk []byte `cbor:"chunk,omitempty"`
}
