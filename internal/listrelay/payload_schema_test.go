package listrelay

import (
	"errors"
	"testing"
)

func TestValidatePayloadJSON(t *testing.T) {
	cases := []struct {
		name    string
		opType  OperationType
		raw     string
		wantErr bool
	}{
		{"create ok", OpCreateCollection, `{"name":"Watchlist"}`, false},
		{"create with description", OpCreateCollection, `{"name":"Watchlist","description":"d"}`, false},
		{"create missing name", OpCreateCollection, `{"description":"d"}`, true},
		{"create empty name", OpCreateCollection, `{"name":""}`, true},
		{"create unknown field", OpCreateCollection, `{"name":"x","color":"red"}`, true},
		{"update name only", OpUpdateCollection, `{"name":"x"}`, false},
		{"update description only", OpUpdateCollection, `{"description":"d"}`, false},
		{"update empty object", OpUpdateCollection, `{}`, true},
		{"delete empty", OpDeleteCollection, `{}`, false},
		{"delete empty raw", OpDeleteCollection, ``, false},
		{"delete with field", OpDeleteCollection, `{"name":"x"}`, true},
		{"clear empty", OpClearCollection, `{}`, false},
		{"add item ok", OpAddItem, `{"itemId":7}`, false},
		{"add item string id", OpAddItem, `{"itemId":"7"}`, true},
		{"add item zero", OpAddItem, `{"itemId":0}`, true},
		{"add item missing", OpAddItem, `{}`, true},
		{"remove item ok", OpRemoveItem, `{"itemId":7}`, false},
		{"malformed json", OpAddItem, `{"itemId":`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayloadJSON(tc.opType, []byte(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatePayloadJSONRejectsUnknownType(t *testing.T) {
	if err := ValidatePayloadJSON(OperationType("rename"), []byte(`{}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown type, got %v", err)
	}
}
