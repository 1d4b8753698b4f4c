package embeddings

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"

	"github.com/legato/listen/internal/vector"
)

const defaultHashDim = 256

// Hash is a deterministic offline provider. It embeds the bag of lower-cased word
// tokens by feature hashing, so texts sharing vocabulary score close together and
// identical texts score exactly 1.
type Hash struct {
	dim int
}

// NewHash returns a hash provider producing vectors of dim dimensions (256 when dim <= 0).
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = defaultHashDim
	}
	return &Hash{dim: dim}
}

func (h *Hash) ModelID() string { return "hash:" + strconv.Itoa(h.dim) }

func (h *Hash) Dim() int { return h.dim }

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float32, h.dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		i := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			out[i]--
		} else {
			out[i]++
		}
	}
	return vector.NormalizeL2(out), nil
}
