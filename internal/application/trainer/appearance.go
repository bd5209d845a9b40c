package trainer

import (
	"math/rand"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// AppearanceModule predicts per-Gaussian colors from learned features
// plus a per-image appearance embedding, replacing spherical
// harmonics when feature mode is on.
type AppearanceModule struct {
	Embeds *tensor.Tensor // [numImages, embedDim]
	FeatW  *tensor.Tensor // [featureDim, 3]
	EmbedW *tensor.Tensor // [embedDim, 3]
}

// NewAppearanceModule builds the module with zero embeddings and
// small random projection weights.
func NewAppearanceModule(numImages, embedDim, featureDim int, seed int64) *AppearanceModule {
	rng := rand.New(rand.NewSource(seed))
	return &AppearanceModule{
		Embeds: tensor.Zeros(numImages, embedDim).Param(),
		FeatW:  tensor.Randn(rng, 0.01, featureDim, 3).Param(),
		EmbedW: tensor.Randn(rng, 0.01, embedDim, 3).Param(),
	}
}

// Colors combines the base logit colors with the feature and
// embedding offsets, returning [N,3] in (0,1).
func (m *AppearanceModule) Colors(features, logitColors *tensor.Tensor, imageID int) *tensor.Tensor {
	n := features.Shape[0]
	featOff := tensor.MatMul(features, m.FeatW) // [N,3]
	embed := tensor.EmbedLookup(m.Embeds, imageID)
	embedOff := tensor.TileRows(tensor.MatMul(embed, m.EmbedW), n) // [N,3]
	return tensor.Sigmoid(tensor.Add(tensor.Add(logitColors, featOff), embedOff))
}

// Params returns the module's learnable tensors, embeddings excluded;
// the embedding table trains under its own optimizer.
func (m *AppearanceModule) Params() []*tensor.Tensor {
	return []*tensor.Tensor{m.FeatW, m.EmbedW}
}
