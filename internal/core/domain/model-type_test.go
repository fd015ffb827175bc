package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelType(t *testing.T) {
	mt, err := ParseModelType("LGBM")
	require.NoError(t, err)
	assert.Equal(t, ModelTypeLGBM, mt)

	mt, err = ParseModelType(" Random_Forest ")
	require.NoError(t, err)
	assert.Equal(t, ModelTypeRandomForest, mt)

	_, err = ParseModelType("svm")
	assert.ErrorIs(t, err, ErrUnsupportedModelType)
}

func TestModelType_Kind(t *testing.T) {
	assert.Equal(t, ModelKindGradientBoosted, ModelTypeLGBM.Kind())
	assert.Equal(t, ModelKindGradientBoosted, ModelTypeXGBoost.Kind())
	assert.Equal(t, ModelKindGeneric, ModelTypeLogisticRegression.Kind())
	assert.Equal(t, ModelKindGeneric, ModelTypeDecisionTree.Kind())
	assert.Equal(t, ModelKindGeneric, ModelTypeRandomForest.Kind())
}

func TestLookup(t *testing.T) {
	v, ok := Found("run-1").Get()
	assert.True(t, ok)
	assert.Equal(t, "run-1", v)

	_, ok = NotFound[string]().Get()
	assert.False(t, ok)
}

func TestModelVersion_LineageRunID(t *testing.T) {
	var nilVersion *ModelVersion
	assert.Equal(t, "", nilVersion.LineageRunID())

	v := &ModelVersion{Tags: map[string]string{TagRegisteredFromRun: "abc"}}
	assert.Equal(t, "abc", v.LineageRunID())
	assert.Equal(t, "runs:/abc/model", RunModelURI("abc"))
}
