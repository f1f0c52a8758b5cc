package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProviderID(t *testing.T) {
	for _, p := range AllProviders {
		got, err := ParseProviderID(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParseProviderID("gpt")
	assert.Error(t, err)
}

func TestProviderID_IsFree(t *testing.T) {
	assert.True(t, ProviderLocal.IsFree())
	assert.False(t, ProviderGeneral.IsFree())
	assert.False(t, ProviderRealtime.IsFree())
	assert.False(t, ProviderReasoning.IsFree())
}

func TestParseDepthAndStance(t *testing.T) {
	assert.Equal(t, DepthQuick, ParseDepth("quick"))
	assert.Equal(t, DepthDeep, ParseDepth("deep"))
	assert.Equal(t, DepthStandard, ParseDepth(""))
	assert.Equal(t, DepthStandard, ParseDepth("bogus"))

	assert.Equal(t, StanceDefensive, ParseStance("defensive"))
	assert.Equal(t, StanceOffensive, ParseStance("offensive"))
	assert.Equal(t, StanceNeutral, ParseStance("other"))
}

func TestAnalysisResult_TotalCostUSD(t *testing.T) {
	r := &AnalysisResult{CostUSD: 0.25, ConsensusCostUSD: 0.5}
	assert.InDelta(t, 0.75, r.TotalCostUSD(), 1e-9)
}
