package core

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"
)

// valuesEqual compares a context value with a rule value. Numbers compare by
// value across Go numeric types, so a rule decoded from JSON (float64) matches
// an int attribute supplied by an embedding caller. Everything else uses deep
// equality.
func valuesEqual(left any, right any) bool {
	leftNumber, leftIsNumber := asNumber(left)
	rightNumber, rightIsNumber := asNumber(right)

	switch {
	case leftIsNumber && rightIsNumber:
		return leftNumber.Cmp(rightNumber) == 0
	case leftIsNumber != rightIsNumber:
		return false
	default:
		return reflect.DeepEqual(left, right)
	}
}

// asNumber converts any Go numeric value to an exact big.Float. NaN is not a
// number for matching purposes and never equals anything.
func asNumber(value any) (*big.Float, bool) {
	switch number := value.(type) {
	case int:
		return new(big.Float).SetInt64(int64(number)), true
	case int8:
		return new(big.Float).SetInt64(int64(number)), true
	case int16:
		return new(big.Float).SetInt64(int64(number)), true
	case int32:
		return new(big.Float).SetInt64(int64(number)), true
	case int64:
		return new(big.Float).SetInt64(number), true
	case uint:
		return new(big.Float).SetUint64(uint64(number)), true
	case uint8:
		return new(big.Float).SetUint64(uint64(number)), true
	case uint16:
		return new(big.Float).SetUint64(uint64(number)), true
	case uint32:
		return new(big.Float).SetUint64(uint64(number)), true
	case uint64:
		return new(big.Float).SetUint64(number), true
	case float32:
		return floatNumber(float64(number))
	case float64:
		return floatNumber(number)
	case json.Number:
		if integer, err := number.Int64(); err == nil {
			return new(big.Float).SetInt64(integer), true
		}
		if float, err := number.Float64(); err == nil {
			return floatNumber(float)
		}
		return nil, false
	default:
		return nil, false
	}
}

func floatNumber(value float64) (*big.Float, bool) {
	if math.IsNaN(value) {
		return nil, false
	}
	return new(big.Float).SetFloat64(value), true
}
