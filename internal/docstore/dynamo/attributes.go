package dynamo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// toRecord converts a table item. Key attributes become the record ID;
// the collection attribute is dropped.
func toRecord(item map[string]types.AttributeValue) (models.Record, error) {
	idAttr, ok := item[keyID].(*types.AttributeValueMemberS)
	if !ok || idAttr.Value == "" {
		return models.Record{}, errors.New("item has no string id")
	}

	fields := make(map[string]any, len(item))

	for k, av := range item {
		if k == keyID || k == keyCollection {
			continue
		}

		fields[k] = fromAttribute(av)
	}

	return models.Record{ID: idAttr.Value, Fields: fields}, nil
}

// fromAttribute maps an attribute onto the value types records use.
// Numbers stay json.Number so integers survive unchanged.
func fromAttribute(av types.AttributeValue) any {
	switch t := av.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		return json.Number(t.Value)
	case *types.AttributeValueMemberBOOL:
		return t.Value
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberSS:
		out := make([]any, len(t.Value))
		for i, s := range t.Value {
			out[i] = s
		}

		return out
	case *types.AttributeValueMemberNS:
		out := make([]any, len(t.Value))
		for i, s := range t.Value {
			out[i] = json.Number(s)
		}

		return out
	case *types.AttributeValueMemberL:
		out := make([]any, len(t.Value))
		for i, e := range t.Value {
			out[i] = fromAttribute(e)
		}

		return out
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(t.Value))
		for k, e := range t.Value {
			out[k] = fromAttribute(e)
		}

		return out
	default:
		return nil
	}
}

// toAttribute encodes a record field value.
func toAttribute(v any) (types.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case json.Number:
		return &types.AttributeValueMemberN{Value: t.String()}, nil
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(t)}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(t, 10)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(t, 'f', -1, 64)}, nil
	case time.Time:
		return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}, nil
	case []any:
		list := make([]types.AttributeValue, len(t))
		for i, e := range t {
			av, err := toAttribute(e)
			if err != nil {
				return nil, err
			}

			list[i] = av
		}

		return &types.AttributeValueMemberL{Value: list}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(t))
		for k, e := range t {
			av, err := toAttribute(e)
			if err != nil {
				return nil, err
			}

			m[k] = av
		}

		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
