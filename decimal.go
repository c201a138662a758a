package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// float64 carries 15 significant decimal digits reliably, anything beyond is
// binary round-off (0.1+0.2 -> 0.30000000000000004)
const float64Digits = 15

var ErrNotFinite = errors.New("value is not a finite number")

// ToDecimal walks v and replaces every float with an exact decimal. Maps and
// slices are copied, everything else is returned as is.
func ToDecimal(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return decimalFromFloat64(x)
	case float32:
		return decimalFromFloat32(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			d, err := ToDecimal(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			d, err := ToDecimal(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}

func decimalFromFloat64(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNotFinite, f)
	}
	return decimal.NewFromString(strconv.FormatFloat(f, 'g', float64Digits, 64))
}

func decimalFromFloat32(f float32) (decimal.Decimal, error) {
	f64 := float64(f)
	if math.IsNaN(f64) || math.IsInf(f64, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNotFinite, f)
	}
	return decimal.NewFromString(strconv.FormatFloat(f64, 'g', -1, 32))
}

// marshalAttribute encodes a results tree for DynamoDB. Decimals become N
// attributes with their exact text, floats that were not converted yet go
// through the same conversion first.
func marshalAttribute(v any) (types.AttributeValue, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return &types.AttributeValueMemberN{Value: x.String()}, nil
	case float64, float32:
		d, err := ToDecimal(x)
		if err != nil {
			return nil, err
		}
		return marshalAttribute(d)
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(x))
		for k, item := range x {
			av, err := marshalAttribute(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []any:
		l := make([]types.AttributeValue, 0, len(x))
		for i, item := range x {
			av, err := marshalAttribute(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l = append(l, av)
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	default:
		return attributevalue.Marshal(v)
	}
}
