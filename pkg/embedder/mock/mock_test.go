package mock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/contextmem-go/pkg/embedder/mock"
	"github.com/oceanbase/contextmem-go/pkg/vector"
)

func TestEmbedder_Deterministic(t *testing.T) {
	e := mock.New(32)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Erik Hort was born in Montebello")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Erik Hort was born in Montebello")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestEmbedder_SharedWordsAreCloser(t *testing.T) {
	e := mock.New(128)
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{
		"Erik Hort birthplace Montebello",
		"Where was Erik Hort born",
		"Photosynthesis converts sunlight into sugar",
	})
	require.NoError(t, err)

	related, err := vector.Cosine(vecs[0], vecs[1])
	require.NoError(t, err)
	unrelated, err := vector.Cosine(vecs[0], vecs[2])
	require.NoError(t, err)

	assert.Greater(t, related, unrelated)
	assert.Equal(t, int64(1), e.Calls())
}
