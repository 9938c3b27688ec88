package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

const pageSize = 65536

// marshalValue turns a host value into JSON bytes. nil and empty byte
// slices mean undefined and yield nil; other byte slices are taken as
// already-encoded JSON.
func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return val, nil
	case []byte:
		if len(val) == 0 {
			return nil, nil
		}
		return val, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return b, nil
	}
}

// loadJSON copies b into a fresh guest allocation and parses it into a
// guest value, returning the value's address.
func (p *Policy) loadJSON(ctx context.Context, b []byte) (uint32, error) {
	res, err := p.fn.malloc.Call(ctx, uint64(len(b)))
	if err != nil {
		return 0, p.callError("opa_malloc", err)
	}
	addr := api.DecodeU32(res[0])

	if !p.mem.Write(addr, b) {
		return 0, fmt.Errorf("write %d bytes at %#x: %w", len(b), addr, ErrMemoryExhausted)
	}

	res, err = p.fn.jsonParse.Call(ctx, uint64(addr), uint64(len(b)))
	if err != nil {
		return 0, p.callError("opa_json_parse", err)
	}
	parsed := api.DecodeU32(res[0])
	if parsed == 0 {
		return 0, ErrInvalidJSON
	}
	return parsed, nil
}

// dumpJSON serializes the guest value at addr and returns the JSON bytes.
func (p *Policy) dumpJSON(ctx context.Context, addr uint32) ([]byte, error) {
	res, err := p.fn.jsonDump.Call(ctx, uint64(addr))
	if err != nil {
		return nil, p.callError("opa_json_dump", err)
	}
	return p.readCString(api.DecodeU32(res[0]))
}

// readCString reads a NUL-terminated string starting at addr.
func (p *Policy) readCString(addr uint32) ([]byte, error) {
	return readCString(p.mem, addr)
}

func readCString(mem api.Memory, addr uint32) ([]byte, error) {
	size := mem.Size()
	if addr >= size {
		return nil, fmt.Errorf("string address %#x out of range", addr)
	}
	buf, ok := mem.Read(addr, size-addr)
	if !ok {
		return nil, fmt.Errorf("string address %#x out of range", addr)
	}
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return nil, fmt.Errorf("unterminated string at %#x", addr)
	}
	out := make([]byte, end)
	copy(out, buf[:end])
	return out, nil
}

// ensureMemory grows the memory so that [0, end) is addressable.
func (p *Policy) ensureMemory(end uint64) error {
	size := uint64(p.mem.Size())
	if end <= size {
		return nil
	}
	pages := (end - size + pageSize - 1) / pageSize
	if pages > 0xffffffff {
		return ErrMemoryExhausted
	}
	if _, ok := p.mem.Grow(uint32(pages)); !ok {
		return fmt.Errorf("grow by %d pages: %w", pages, ErrMemoryExhausted)
	}
	p.logger.Debug("memory grown", zap.Uint32("pages", p.mem.Size()/pageSize))
	return nil
}
