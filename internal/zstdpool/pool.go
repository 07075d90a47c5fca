// Package zstdpool keeps reusable zstd decoders.
package zstdpool

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Pool manages reusable zstd decoders to reduce allocation overhead.
type Pool struct {
	pool             *sync.Pool
	maxDecoderMemory uint64
}

// New returns a pool whose decoders allocate at most maxMemory bytes.
// Zero applies no limit.
func New(maxMemory uint64) *Pool {
	p := &Pool{maxDecoderMemory: maxMemory}
	p.pool = &sync.Pool{
		New: func() any {
			dec, err := p.newDecoder(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return p
}

// Get returns a decoder reading from r and the function returning it to
// the pool. If an error is returned, no release function needs to be called.
// The release function must be called exactly once, after the last read.
func (p *Pool) Get(r io.Reader) (*zstd.Decoder, func(), error) {
	dec, ok := p.pool.Get().(*zstd.Decoder)
	if !ok {
		// Pool's New function failed, try directly
		dec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	if err := dec.Reset(r); err != nil {
		dec.Close()
		fresh, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return fresh, fresh.Close, nil
	}

	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

func (p *Pool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	if p.maxDecoderMemory == 0 {
		return zstd.NewReader(r)
	}
	return zstd.NewReader(r, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
}
