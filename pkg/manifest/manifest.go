package manifest

import (
	"fmt"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/ipfs/go-cid"
)

// Version is the only manifest version this package reads or writes.
const Version = 1

// ChunkRef references a chunk by its Cid and its length.
type ChunkRef struct {
	Cid cid.Cid
	Len uint32
}

// Manifest is the root of an imported file. Its chunks are links, so the
// file's blocks are exactly the manifest's reference closure.
type Manifest struct {
	Version   uint16
	MediaType string
	Length    uint64
	Chunks    []ChunkRef
	Tags      map[string]string
}

// Codec maps a Manifest to and from its IPLD form and enforces limits in
// both directions.
type Codec interface {
	Encode(m *Manifest) (ipld.Ipld, error)
	Decode(v ipld.Ipld) (*Manifest, error)
}

type codec struct {
	limits core.LimitsConfig
}

// NewCodec returns a Codec enforcing limits.
func NewCodec(limits core.LimitsConfig) Codec {
	return &codec{limits: limits}
}

func (c *codec) Encode(m *Manifest) (ipld.Ipld, error) {
	if err := c.validate(m); err != nil {
		return nil, err
	}

	chunks := make(ipld.List, len(m.Chunks))
	for i, ch := range m.Chunks {
		chunks[i] = ipld.Map{
			"cid": ipld.Link{Cid: ch.Cid},
			"len": ipld.Uint(uint64(ch.Len)),
		}
	}
	out := ipld.Map{
		"version": ipld.Uint(uint64(m.Version)),
		"length":  ipld.Uint(m.Length),
		"chunks":  chunks,
	}
	if m.MediaType != "" {
		out["media_type"] = ipld.String(m.MediaType)
	}
	if len(m.Tags) > 0 {
		tags := make(ipld.Map, len(m.Tags))
		for k, v := range m.Tags {
			tags[k] = ipld.String(v)
		}
		out["tags"] = tags
	}
	return out, nil
}

func (c *codec) Decode(v ipld.Ipld) (*Manifest, error) {
	m, err := fromIpld(v)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed manifest: %v", core.ErrCorrupt, err)
	}
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrCorrupt, err)
	}
	return m, nil
}

func fromIpld(v ipld.Ipld) (*Manifest, error) {
	root, ok := v.(ipld.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", kindOf(v))
	}

	var m Manifest
	version, err := uintField(root, "version", 0xffff)
	if err != nil {
		return nil, err
	}
	m.Version = uint16(version)
	if m.Length, err = uintField(root, "length", ^uint64(0)); err != nil {
		return nil, err
	}

	list, ok := root["chunks"].(ipld.List)
	if !ok {
		return nil, fmt.Errorf("chunks: expected list, got %s", kindOf(root["chunks"]))
	}
	m.Chunks = make([]ChunkRef, len(list))
	for i, item := range list {
		entry, ok := item.(ipld.Map)
		if !ok {
			return nil, fmt.Errorf("chunk %d: expected map, got %s", i, kindOf(item))
		}
		link, ok := entry["cid"].(ipld.Link)
		if !ok {
			return nil, fmt.Errorf("chunk %d: expected link", i)
		}
		n, err := uintField(entry, "len", 0xffffffff)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		m.Chunks[i] = ChunkRef{Cid: link.Cid, Len: uint32(n)}
	}

	if mt, present := root["media_type"]; present {
		s, ok := mt.(ipld.String)
		if !ok {
			return nil, fmt.Errorf("media_type: expected string, got %s", kindOf(mt))
		}
		m.MediaType = string(s)
	}
	if t, present := root["tags"]; present {
		tags, ok := t.(ipld.Map)
		if !ok {
			return nil, fmt.Errorf("tags: expected map, got %s", kindOf(t))
		}
		m.Tags = make(map[string]string, len(tags))
		for k, tv := range tags {
			s, ok := tv.(ipld.String)
			if !ok {
				return nil, fmt.Errorf("tag %q: expected string", k)
			}
			m.Tags[k] = string(s)
		}
	}
	return &m, nil
}

func uintField(m ipld.Map, key string, limit uint64) (uint64, error) {
	i, ok := m[key].(ipld.Integer)
	if !ok {
		return 0, fmt.Errorf("%s: expected integer, got %s", key, kindOf(m[key]))
	}
	n, err := i.Uint64()
	if err != nil || n > limit {
		return 0, fmt.Errorf("%s: %s out of range", key, i)
	}
	return n, nil
}

func kindOf(v ipld.Ipld) string {
	if v == nil {
		return "nothing"
	}
	return v.Kind().String()
}

func (c *codec) validate(m *Manifest) error {
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported manifest version %d", core.ErrInvalidInput, m.Version)
	}

	if c.limits.MaxChunksPerObject > 0 && uint64(len(m.Chunks)) > uint64(c.limits.MaxChunksPerObject) {
		return fmt.Errorf("%w: too many chunks: %d > %d", core.ErrTooLarge, len(m.Chunks), c.limits.MaxChunksPerObject)
	}

	var sumLength uint64
	for i, chunk := range m.Chunks {
		if !chunk.Cid.Defined() {
			return fmt.Errorf("%w: chunk %d has no cid", core.ErrInvalidInput, i)
		}
		sumLength += uint64(chunk.Len)
	}
	if sumLength != m.Length {
		return fmt.Errorf("%w: length mismatch: manifest says %d, chunks sum to %d", core.ErrInvalidInput, m.Length, sumLength)
	}

	if c.limits.MaxTags > 0 && len(m.Tags) > c.limits.MaxTags {
		return fmt.Errorf("%w: too many tags: %d > %d", core.ErrTooLarge, len(m.Tags), c.limits.MaxTags)
	}
	for k, v := range m.Tags {
		if c.limits.MaxTagKeyLen > 0 && len(k) > c.limits.MaxTagKeyLen {
			return fmt.Errorf("%w: tag key too long: %d > %d", core.ErrTooLarge, len(k), c.limits.MaxTagKeyLen)
		}
		if c.limits.MaxTagValLen > 0 && len(v) > c.limits.MaxTagValLen {
			return fmt.Errorf("%w: tag value too long: %d > %d", core.ErrTooLarge, len(v), c.limits.MaxTagValLen)
		}
	}
	if c.limits.MaxMediaTypeLen > 0 && len(m.MediaType) > c.limits.MaxMediaTypeLen {
		return fmt.Errorf("%w: media type too long: %d > %d", core.ErrTooLarge, len(m.MediaType), c.limits.MaxMediaTypeLen)
	}
	return nil
}
