package dbbus

import (
	"time"

	"github.com/pkg/errors"
)

// RecordType is the logical name identifying which persistence target
// an operation addresses. The set is closed: resolution of anything
// outside it is a fatal error.
type RecordType string

const (
	RecordUsers        RecordType = "users"
	RecordUserProfiles RecordType = "user_profiles"
	RecordUserSessions RecordType = "user_sessions"
	RecordAuditTrail   RecordType = "audit_trail"
	RecordUserSettings RecordType = "user_settings"
	RecordRequestLog   RecordType = "request_log"
	RecordResponseLog  RecordType = "response_log"
)

var knownRecordTypes = map[RecordType]struct{}{
	RecordUsers:        {},
	RecordUserProfiles: {},
	RecordUserSessions: {},
	RecordAuditTrail:   {},
	RecordUserSettings: {},
	RecordRequestLog:   {},
	RecordResponseLog:  {},
}

// Table returns the persistence target backing the record type.
func (rt RecordType) Table() string { return string(rt) }

// ResolveRecordType maps a logical name to its record type.
func ResolveRecordType(name string) (RecordType, error) {
	rt := RecordType(name)
	if _, ok := knownRecordTypes[rt]; !ok {
		return "", errors.Wrapf(ErrUnknownRecordType, "%q", name)
	}

	return rt, nil
}

// Record is a single persisted row, keyed by column name.
type Record map[string]any

// Filter is one (field, operator, value) predicate triple.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Update is one (field, new value) assignment pair.
type Update struct {
	Field string
	Value any
}

// creationField values arrive as ISO-8601 strings on the wire and are
// compared as timestamps in storage.
const creationField = "created_at"

var knownOperators = map[string]string{
	"=":  "=",
	"==": "=",
	">":  ">",
	"<":  "<",
	">=": ">=",
	"<=": "<=",
}

// NormalizeFilters validates operators, coerces creation-timestamp
// values, and returns a canonical copy. All failures are fatal request
// errors.
func NormalizeFilters(filters []Filter) ([]Filter, error) {
	out := make([]Filter, 0, len(filters))

	for _, f := range filters {
		op, ok := knownOperators[f.Op]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedOperator, "%q", f.Op)
		}

		value := f.Value
		if f.Field == creationField {
			s, ok := value.(string)
			if ok {
				ts, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid %s value %q", creationField, s)
				}
				value = ts
			}
		}

		out = append(out, Filter{Field: f.Field, Op: op, Value: value})
	}

	return out, nil
}

// Envelope payload extraction. The data mapping is shaped per action;
// shape violations are malformed-message errors.

func payloadString(data map[string]any, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", errors.Wrapf(ErrMalformedMessage, "missing %q field", key)
	}

	s, ok := v.(string)
	if !ok {
		return "", errors.Wrapf(ErrMalformedMessage, "field %q is not a string", key)
	}

	return s, nil
}

func payloadFilters(data map[string]any) ([]Filter, error) {
	raw, ok := data["filters"]
	if !ok || raw == nil {
		return nil, nil
	}

	triples, ok := raw.([]any)
	if !ok {
		return nil, errors.Wrap(ErrMalformedMessage, "filters is not a list")
	}

	filters := make([]Filter, 0, len(triples))

	for _, t := range triples {
		triple, ok := t.([]any)
		if !ok || len(triple) != 3 {
			return nil, errors.Wrap(ErrMalformedMessage, "filter is not a [field, operator, value] triple")
		}

		field, fok := triple[0].(string)
		op, ook := triple[1].(string)
		if !fok || !ook {
			return nil, errors.Wrap(ErrMalformedMessage, "filter field and operator must be strings")
		}

		filters = append(filters, Filter{Field: field, Op: op, Value: triple[2]})
	}

	return filters, nil
}

func payloadUpdates(data map[string]any) ([]Update, error) {
	raw, ok := data["update_data"]
	if !ok || raw == nil {
		return nil, nil
	}

	pairs, ok := raw.([]any)
	if !ok {
		return nil, errors.Wrap(ErrMalformedMessage, "update_data is not a list")
	}

	updates := make([]Update, 0, len(pairs))

	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			return nil, errors.Wrap(ErrMalformedMessage, "update_data entry is not a [field, value] pair")
		}

		field, ok := pair[0].(string)
		if !ok {
			return nil, errors.Wrap(ErrMalformedMessage, "update_data field must be a string")
		}

		updates = append(updates, Update{Field: field, Value: pair[1]})
	}

	return updates, nil
}

func payloadColumns(data map[string]any) ([]string, error) {
	raw, ok := data["columns"]
	if !ok || raw == nil {
		return nil, nil
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, errors.Wrap(ErrMalformedMessage, "columns is not a list")
	}

	columns := make([]string, 0, len(list))

	for _, c := range list {
		s, ok := c.(string)
		if !ok {
			return nil, errors.Wrap(ErrMalformedMessage, "column name must be a string")
		}
		columns = append(columns, s)
	}

	return columns, nil
}

// writePayload pops the record-type name out of the data mapping and
// returns the remaining fields to persist.
func writePayload(data map[string]any) (string, map[string]any, error) {
	schemas, err := payloadString(data, "schemas")
	if err != nil {
		return "", nil, err
	}

	fields := make(map[string]any, len(data)-1)
	for k, v := range data {
		if k == "schemas" {
			continue
		}
		fields[k] = v
	}

	return schemas, fields, nil
}

func updatePayload(data map[string]any) (string, []Update, []Filter, error) {
	schemas, err := payloadString(data, "schemas")
	if err != nil {
		return "", nil, nil, err
	}

	updates, err := payloadUpdates(data)
	if err != nil {
		return "", nil, nil, err
	}

	filters, err := payloadFilters(data)
	if err != nil {
		return "", nil, nil, err
	}

	return schemas, updates, filters, nil
}

func readPayload(data map[string]any) (string, string, []string, []Filter, error) {
	schemas, err := payloadString(data, "schemas")
	if err != nil {
		return "", "", nil, nil, err
	}

	operation, err := payloadString(data, "operation")
	if err != nil {
		return "", "", nil, nil, err
	}

	columns, err := payloadColumns(data)
	if err != nil {
		return "", "", nil, nil, err
	}

	filters, err := payloadFilters(data)
	if err != nil {
		return "", "", nil, nil, err
	}

	return schemas, operation, columns, filters, nil
}

func deletePayload(data map[string]any) (string, []Filter, error) {
	schemas, err := payloadString(data, "schemas")
	if err != nil {
		return "", nil, err
	}

	filters, err := payloadFilters(data)
	if err != nil {
		return "", nil, err
	}

	return schemas, filters, nil
}
