package embed

import (
	"context"
	"encoding/binary"
	"io"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/vecmath"
)

// Deterministic produces a pseudorandom unit vector per text, derived from a
// BLAKE2b XOF over the text bytes. The same text always maps to the same
// vector, across processes and machines, so offline workspaces get stable
// similarity structure without any API.
type Deterministic struct {
	dims int
}

// NewDeterministic creates a deterministic embedder. Non-positive dims fall
// back to the default width.
func NewDeterministic(dims int) *Deterministic {
	if dims <= 0 {
		dims = DefaultConfig().Dimensions
	}
	return &Deterministic{dims: dims}
}

// Embed derives the vector for text. It never fails except on a done
// context.
func (d *Deterministic) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindOf(err), err, "deterministic embed")
	}

	xof, err := blake2b.NewXOF(uint32(d.dims*8), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "initializing hash")
	}
	if _, err := xof.Write([]byte(text)); err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "hashing text")
	}
	buf := make([]byte, d.dims*8)
	if _, err := io.ReadFull(xof, buf); err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "expanding hash")
	}

	vec := make([]float32, d.dims)
	for i := range vec {
		bits := binary.LittleEndian.Uint64(buf[i*8:])
		// Uniform in [-1, 1).
		vec[i] = float32(float64(bits)/float64(math.MaxUint64)*2 - 1)
	}

	// An all-zero draw would stay zero under normalization and score 0
	// against everything.
	if vecmath.Norm(vec) == 0 {
		vec[0] = 1
		return vec, nil
	}
	vecmath.NormalizeInPlace(vec)
	return vec, nil
}

// Dimensions returns the vector width.
func (d *Deterministic) Dimensions() int { return d.dims }

// Model identifies the provider in cache keys and embedding refs.
func (d *Deterministic) Model() string { return "deterministic-blake2b" }
