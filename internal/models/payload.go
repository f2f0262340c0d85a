package models

import (
	"encoding/json"
	"fmt"

	"broker-api/internal/pkg/errors"
)

// Tagged is implemented by every variant of a type-tagged JSON payload.
type Tagged interface {
	InstanceType() InstanceType
}

// encodeTagged serialises v as a JSON object and adds the "type"
// discriminant.
func encodeTagged(v Tagged) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(v.InstanceType())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

// decodeTagged reads the discriminant of data and decodes it into the
// variant returned by newVariant. A nil result means JSON null.
func decodeTagged(data []byte, newVariant func(InstanceType) Tagged) (Tagged, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var head struct {
		Type InstanceType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Invalid(fmt.Sprintf("malformed payload: %v", err))
	}
	if !head.Type.Valid() {
		return nil, errors.Invalid(fmt.Sprintf("unknown payload type %q", head.Type))
	}

	v := newVariant(head.Type)
	if v == nil {
		return nil, errors.Invalid(fmt.Sprintf("type %s has no payload of this kind", head.Type))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, errors.Invalid(fmt.Sprintf("malformed %s payload: %v", head.Type, err))
	}
	return v, nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("unsupported payload column type %T", value)
}

// CheckTag fails with ValidationFailed when the payload discriminant differs
// from the owning row's type. A nil payload always passes.
func CheckTag(owner InstanceType, payload Tagged) error {
	if payload == nil {
		return nil
	}
	if payload.InstanceType() != owner {
		return errors.Invalid(fmt.Sprintf("payload type %s does not match %s", payload.InstanceType(), owner))
	}
	return nil
}
