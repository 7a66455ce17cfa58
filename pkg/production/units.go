package production

import (
	"strings"

	"github.com/shopspring/decimal"
)

var gramsPerKg = decimal.NewFromInt(1000)

// KgToPieces converts a mass into the number of packages it fills, rounding up
// 質量を包装個数に換算（切り上げ）
func KgToPieces(kg, packageWeightG decimal.Decimal) (decimal.Decimal, error) {
	if !packageWeightG.IsPositive() {
		return decimal.Zero, ErrPackageWeightUnset
	}
	return kg.Mul(gramsPerKg).Div(packageWeightG).Ceil(), nil
}

// PiecesToKg converts a number of packages into kilograms
// 包装個数を質量(kg)に換算
func PiecesToKg(pieces, packageWeightG decimal.Decimal) (decimal.Decimal, error) {
	if !packageWeightG.IsPositive() {
		return decimal.Zero, ErrPackageWeightUnset
	}
	return pieces.Mul(packageWeightG).Div(gramsPerKg), nil
}

// ToCanonicalKg converts a value entered in unit into kilograms
// 入力値を正準単位(kg)に換算
func ToCanonicalKg(value decimal.Decimal, unit Unit, packageWeightG decimal.Decimal) (decimal.Decimal, error) {
	switch unit {
	case UnitMass:
		return value, nil
	case UnitCount:
		return PiecesToKg(value, packageWeightG)
	default:
		return decimal.Zero, ErrAmbiguousUnit
	}
}

// ParseUnit maps user input onto a Unit; the unit is never inferred from a value
// 入力文字列を単位に変換（数値からの推測は行わない）
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kg", "mass":
		return UnitMass, nil
	case "pcs", "count", "pieces", "piece":
		return UnitCount, nil
	default:
		return "", ErrAmbiguousUnit
	}
}
