package gateway

import (
	"github.com/fiscalhub/fiscsync/types"
	"github.com/fiscalhub/fiscsync/utils"
)

// The backend grew several payload dialects over time: collections come
// back either as a bare JSON array or wrapped in a {"data": [...]}
// envelope, record ids appear as "id" or "_id", the requester role
// lives on the record or nested under "user", and notification read
// state toggles between "read" and "is_read". Normalization maps all of
// them onto one canonical Record shape at the boundary so mutators and
// consumers see a single schema.

// NormalizeListPayload decodes a collection response body.
func NormalizeListPayload(body []byte) ([]types.Record, error) {
	var payload interface{}
	if err := utils.Unmarshal(body, &payload); err != nil {
		return nil, types.WrapError(types.ErrPayloadMalformed, err.Error())
	}

	switch v := payload.(type) {
	case []interface{}:
		return NormalizeList(v), nil
	case map[string]interface{}:
		if data, ok := v["data"].([]interface{}); ok {
			return NormalizeList(data), nil
		}
		return nil, types.Errorf(types.ErrPayloadMalformed, "envelope has no data array")
	case nil:
		return []types.Record{}, nil
	default:
		return nil, types.Errorf(types.ErrPayloadMalformed, "unexpected payload shape")
	}
}

// NormalizeObjectPayload decodes a single-aggregate response body,
// unwrapping a {"data": {...}} envelope when present.
func NormalizeObjectPayload(body []byte) (types.Record, error) {
	var payload interface{}
	if err := utils.Unmarshal(body, &payload); err != nil {
		return nil, types.WrapError(types.ErrPayloadMalformed, err.Error())
	}

	obj, ok := payload.(map[string]interface{})
	if !ok {
		return nil, types.Errorf(types.ErrPayloadMalformed, "expected object payload")
	}

	if inner, ok := obj["data"].(map[string]interface{}); ok {
		return NormalizeRecord(inner), nil
	}

	return NormalizeRecord(obj), nil
}

func NormalizeList(raw []interface{}) []types.Record {
	records := make([]types.Record, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			records = append(records, NormalizeRecord(m))
		}
	}
	return records
}

// NormalizeRecord maps one raw server object onto the canonical shape.
// The input is not modified.
func NormalizeRecord(raw map[string]interface{}) types.Record {
	record := make(types.Record, len(raw))
	for k, v := range raw {
		record[k] = v
	}

	if _, ok := record["id"]; !ok {
		if alt, ok := record["_id"]; ok {
			record["id"] = alt
		}
	}

	if _, ok := record["role"]; !ok {
		if user, ok := record["user"].(map[string]interface{}); ok {
			if role, ok := user["role"]; ok {
				record["role"] = role
			}
		}
	}

	if _, ok := record["read"]; !ok {
		if isRead, ok := record["is_read"]; ok {
			record["read"] = isRead
		}
	}

	return record
}

// NormalizeEventData canonicalizes the data payload of an inbound push
// event before a mutator applies it: objects become Records, arrays of
// objects become []Record, everything else passes through.
func NormalizeEventData(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		return NormalizeRecord(v)
	case []interface{}:
		return NormalizeList(v)
	default:
		return data
	}
}
