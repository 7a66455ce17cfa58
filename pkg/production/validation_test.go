package production

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProductID(t *testing.T) {
	assert.NoError(t, ValidateProductID("MB-250_v1.2"))
	assert.True(t, IsValidation(ValidateProductID("")))
	assert.True(t, IsValidation(ValidateProductID("bad id")))
	assert.True(t, IsValidation(ValidateProductID(strings.Repeat("A", 256))))
}

func TestValidateIngredients_MergesDuplicates(t *testing.T) {
	merged, err := ValidateIngredients([]IngredientInput{
		{Material: "pork", QuantityKg: d("3")},
		{Material: " pork ", QuantityKg: d("2")},
		{Material: "onion", QuantityKg: d("1")},
	})
	require.NoError(t, err)
	assert.Len(t, merged, 2)
	assert.True(t, d("5").Equal(merged["pork"]))
}

func TestValidateIngredients_Rejects(t *testing.T) {
	_, err := ValidateIngredients(nil)
	assert.True(t, IsValidation(err))

	_, err = ValidateIngredients([]IngredientInput{{Material: "", QuantityKg: d("1")}})
	assert.True(t, IsValidation(err))

	_, err = ValidateIngredients([]IngredientInput{{Material: "pork", QuantityKg: decimal.Zero}})
	assert.True(t, IsValidation(err))
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey(StoreRawMaterial, "玉ねぎ"))
	assert.NoError(t, ValidateKey(StoreFinishedGood, "MB-250"))
	assert.True(t, IsValidation(ValidateKey(StockStore("warehouse"), "x")))
}

func TestValidateTransition(t *testing.T) {
	b := &Batch{ID: "B1", State: BatchStateAwaitingPrint}
	assert.NoError(t, ValidateTransition(b, BatchStateInProduction, BatchStateAwaitingPrint))

	err := ValidateTransition(b, BatchStateInProduction)
	assert.True(t, IsBusinessRule(err))
}

func TestValidateReason(t *testing.T) {
	assert.NoError(t, ValidateReason("数量誤り"))
	assert.True(t, IsValidation(ValidateReason("   ")))
}
