package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNoRecordID = errors.New("syncer: record has no id")

// Record is one remote record. Data keeps the server's JSON untouched; ID and
// ModifiedAt are lifted out of it for merging and delta filtering.
type Record struct {
	ID         string          `json:"id"`
	ModifiedAt time.Time       `json:"modified_at"`
	Data       json.RawMessage `json:"data"`
}

// Fields names the record attributes carrying identity and modification time.
type Fields struct {
	ID       string // "" => "id"
	Modified string // "" => "updated_at"
}

func (f Fields) withDefaults() Fields {
	if f.ID == "" {
		f.ID = "id"
	}
	if f.Modified == "" {
		f.Modified = "updated_at"
	}
	return f
}

// ParseRecord lifts ID and ModifiedAt out of a JSON object. IDs may be strings
// or numbers. Modification times may be RFC 3339 strings or Unix milliseconds;
// a missing one leaves ModifiedAt zero.
func ParseRecord(raw json.RawMessage, f Fields) (Record, error) {
	f = f.withDefaults()
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Record{}, fmt.Errorf("syncer: record is not an object: %w", err)
	}

	id, err := scalarString(obj[f.ID])
	if err != nil || id == "" {
		return Record{}, ErrNoRecordID
	}
	rec := Record{ID: id, Data: append(json.RawMessage(nil), raw...)}

	if mraw, ok := obj[f.Modified]; ok && string(mraw) != "null" {
		t, err := parseTime(mraw)
		if err != nil {
			return Record{}, fmt.Errorf("syncer: record %s: %s: %w", id, f.Modified, err)
		}
		rec.ModifiedAt = t
	}
	return rec, nil
}

func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func parseTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
